package sbpf

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"

	"github.com/sbpf-tools/sbpf/asm"
)

func moduleWith(fns ...*Function) *Module {
	return &Module{Functions: fns}
}

func TestInlineReplacesCall(t *testing.T) {
	callee := simpleFunc("double", GlobalBinding, asm.Instructions{
		asm.Add.Reg(asm.R0, asm.R0),
		asm.Return(),
	})
	caller := simpleFunc("entrypoint", GlobalBinding, asm.Instructions{
		asm.Mov.Imm(asm.R0, 21),
		asm.FunctionCall("double"),
		asm.Return(),
	})

	mod := moduleWith(caller, callee)
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV1})
	qt.Assert(t, qt.IsNil(err))

	insns := mod.Function("entrypoint").Insns
	for _, ins := range insns {
		qt.Assert(t, qt.IsFalse(ins.IsFunctionCall()))
	}
	// The lone trailing exit of the callee is dropped.
	qt.Assert(t, qt.HasLen(insns, 3))
	qt.Assert(t, qt.Equals(insns[1].OpCode.ALUOp(), asm.Add))
	qt.Assert(t, qt.Equals(insns[1].Symbol, ""))
}

func TestInlineRewritesInteriorExit(t *testing.T) {
	// Callee with an early exit: both exits must leave the spliced
	// body without falling into the caller's tail.
	callee := simpleFunc("pick", GlobalBinding, asm.Instructions{
		asm.JEq.Imm(asm.R1, 0, ""),
		asm.Return(),
		asm.Mov.Imm(asm.R0, 1),
		asm.Return(),
	})
	callee.Insns[0].Offset = 1 // skip the early exit when r1 == 0

	caller := simpleFunc("entrypoint", GlobalBinding, asm.Instructions{
		asm.FunctionCall("pick"),
		asm.Return(),
	})

	mod := moduleWith(caller, callee)
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuGeneric})
	qt.Assert(t, qt.IsNil(err))

	insns := mod.Function("entrypoint").Insns
	qt.Assert(t, qt.HasLen(insns, 4))

	// The early exit became a jump past the body.
	qt.Assert(t, qt.Equals(insns[1].OpCode.JumpOp(), asm.Ja))
	qt.Assert(t, qt.Equals(insns[1].Offset, int16(1)))
	// The trailing exit was dropped, leaving the caller's own return.
	qt.Assert(t, qt.Equals(insns[3].OpCode.JumpOp(), asm.Exit))
}

func TestInlineRefusesNoinline(t *testing.T) {
	callee := simpleFunc("stubborn", GlobalBinding, asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	})
	callee.Noinline = true
	caller := simpleFunc("entrypoint", GlobalBinding, asm.Instructions{
		asm.FunctionCall("stubborn"),
		asm.Return(),
	})

	mod := moduleWith(caller, callee)
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV1})
	var lerr *LegalizationError
	qt.Assert(t, qt.IsTrue(errors.As(err, &lerr)))
	qt.Assert(t, qt.Equals(lerr.Pass, "inline"))
	qt.Assert(t, qt.IsTrue(strings.Contains(err.Error(), "--ignore-inline-never")))

	// The flag overrides the hint.
	mod = moduleWith(caller, callee)
	_, err = legalize(mod, LegalizationConfig{Cpu: CpuV1, IgnoreInlineNever: true})
	qt.Assert(t, qt.IsNil(err))
}

func TestInlineRefusesFrameUser(t *testing.T) {
	callee := simpleFunc("framed", GlobalBinding, asm.Instructions{
		asm.LoadMem(asm.R0, asm.RFP, -8, asm.DWord),
		asm.Return(),
	})
	caller := simpleFunc("entrypoint", GlobalBinding, asm.Instructions{
		asm.FunctionCall("framed"),
		asm.Return(),
	})

	mod := moduleWith(caller, callee)
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV1})
	var lerr *LegalizationError
	qt.Assert(t, qt.IsTrue(errors.As(err, &lerr)))
	qt.Assert(t, qt.IsTrue(strings.Contains(err.Error(), "frame register")))
}

func TestInlineSkippedWhenCallsSupported(t *testing.T) {
	callee := simpleFunc("helper", GlobalBinding, asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	})
	caller := simpleFunc("entrypoint", GlobalBinding, asm.Instructions{
		asm.FunctionCall("helper"),
		asm.Return(),
	})

	mod := moduleWith(caller, callee)
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(mod.Function("entrypoint").Insns[0].IsFunctionCall()))
}

// loopFunc builds r1 = 0; do { r0 += 2; r1 += 1 } while (r1 != n).
func loopFunc(n int32) *Function {
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.Mov.Imm(asm.R1, 0),
		asm.Add.Imm(asm.R0, 2),
		asm.Add.Imm(asm.R1, 1),
		asm.JNE.Imm(asm.R1, n, ""),
		asm.Return(),
	}
	insns[4].Offset = -3
	return simpleFunc("entrypoint", GlobalBinding, insns)
}

func TestUnrollRemovesBackEdge(t *testing.T) {
	mod := moduleWith(loopFunc(3))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, UnrollLoops: true})
	qt.Assert(t, qt.IsNil(err))

	insns := mod.Function("entrypoint").Insns
	for _, ins := range insns {
		qt.Assert(t, qt.IsFalse(isNumericJump(ins) && ins.Offset < 0))
	}

	// Three copies of the two instruction body plus init and exit.
	qt.Assert(t, qt.HasLen(insns, 9))
}

func TestUnrollSkippedWhenLoopsSupported(t *testing.T) {
	mod := moduleWith(loopFunc(3))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV3, UnrollLoops: true})
	qt.Assert(t, qt.IsNil(err))

	// V3 verifies back-edges, so the loop stays.
	insns := mod.Function("entrypoint").Insns
	qt.Assert(t, qt.Equals(insns[4].Offset, int16(-3)))
}

func TestUnrollDisabledKeepsBackEdge(t *testing.T) {
	mod := moduleWith(loopFunc(3))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2})
	qt.Assert(t, qt.IsNil(err))

	insns := mod.Function("entrypoint").Insns
	qt.Assert(t, qt.Equals(insns[4].Offset, int16(-3)))
}

func TestUnrollBudget(t *testing.T) {
	mod := moduleWith(loopFunc(1000))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, UnrollLoops: true})
	var lerr *LegalizationError
	qt.Assert(t, qt.IsTrue(errors.As(err, &lerr)))
	qt.Assert(t, qt.Equals(lerr.Pass, "unroll"))
	qt.Assert(t, qt.Equals(lerr.Function, "entrypoint"))
}

func TestUnrollUnderivableCounter(t *testing.T) {
	// Back edge compares against a register, not an immediate.
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R1, 0),
		asm.Add.Imm(asm.R1, 1),
		asm.JNE.Reg(asm.R1, asm.R2, ""),
		asm.Return(),
	}
	insns[2].Offset = -2

	mod := moduleWith(simpleFunc("entrypoint", GlobalBinding, insns))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, UnrollLoops: true})
	var lerr *LegalizationError
	qt.Assert(t, qt.IsTrue(errors.As(err, &lerr)))
	qt.Assert(t, qt.Equals(lerr.Pass, "unroll"))
}

func TestExpandFixedMemcpy(t *testing.T) {
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R3, 10),
		asm.FunctionCall("memcpy"),
		asm.Return(),
	}

	mod := moduleWith(simpleFunc("entrypoint", GlobalBinding, insns))
	runtime, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, ExpandMemcpyInOrder: true, MemoryBuiltins: true})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(runtime, 0))

	// 10 bytes copy as one dword and one half word, then r0 is
	// restored to dst.
	out := mod.Function("entrypoint").Insns
	qt.Assert(t, qt.HasLen(out, 7))
	qt.Assert(t, qt.Equals(out[1].OpCode, asm.LoadMemOp(asm.DWord)))
	qt.Assert(t, qt.Equals(out[2].OpCode, asm.StoreMemOp(asm.DWord)))
	qt.Assert(t, qt.Equals(out[3].OpCode, asm.LoadMemOp(asm.Half)))
	qt.Assert(t, qt.Equals(out[3].Offset, int16(8)))
	qt.Assert(t, qt.Equals(out[4].OpCode, asm.StoreMemOp(asm.Half)))
	qt.Assert(t, qt.Equals(out[5], asm.Mov.Reg(asm.R0, asm.R1)))
}

func TestExpandFixedMemset(t *testing.T) {
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R3, 3),
		asm.FunctionCall("memset"),
		asm.Return(),
	}

	mod := moduleWith(simpleFunc("entrypoint", GlobalBinding, insns))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, ExpandMemcpyInOrder: true})
	qt.Assert(t, qt.IsNil(err))

	want := asm.Instructions{
		asm.Mov.Imm(asm.R3, 3).Sym("entrypoint"),
		asm.StoreMem(asm.R1, 0, asm.R2, asm.Byte),
		asm.StoreMem(asm.R1, 1, asm.R2, asm.Byte),
		asm.StoreMem(asm.R1, 2, asm.R2, asm.Byte),
		asm.Mov.Reg(asm.R0, asm.R1),
		asm.Return(),
	}
	if diff := cmp.Diff(want, mod.Function("entrypoint").Insns); diff != "" {
		t.Fatalf("expansion mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandZeroLengthReturnsDst(t *testing.T) {
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R3, 0),
		asm.FunctionCall("memcpy"),
		asm.Return(),
	}

	mod := moduleWith(simpleFunc("entrypoint", GlobalBinding, insns))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, ExpandMemcpyInOrder: true})
	qt.Assert(t, qt.IsNil(err))

	want := asm.Instructions{
		asm.Mov.Imm(asm.R3, 0).Sym("entrypoint"),
		asm.Mov.Reg(asm.R0, asm.R1),
		asm.Return(),
	}
	if diff := cmp.Diff(want, mod.Function("entrypoint").Insns); diff != "" {
		t.Fatalf("expansion mismatch (-want +got):\n%s", diff)
	}
}

func TestIntrinsicRedirectsToSyscall(t *testing.T) {
	// Unknown length: falls back to the runtime's memmove.
	insns := asm.Instructions{
		asm.FunctionCall("memmove"),
		asm.Return(),
	}

	mod := moduleWith(simpleFunc("entrypoint", GlobalBinding, insns))
	runtime, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, ExpandMemcpyInOrder: true, MemoryBuiltins: true})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(runtime, []string{"sol_memmove_"}))

	out := mod.Function("entrypoint").Insns
	qt.Assert(t, qt.IsTrue(out[0].IsBuiltinCall()))
	qt.Assert(t, qt.Equals(out[0].Constant, int64(asm.FnMemmove)))
}

func TestIntrinsicErrorWithoutBuiltins(t *testing.T) {
	insns := asm.Instructions{
		asm.FunctionCall("memcmp"),
		asm.Return(),
	}

	mod := moduleWith(simpleFunc("entrypoint", GlobalBinding, insns))
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, ExpandMemcpyInOrder: true})
	var lerr *LegalizationError
	qt.Assert(t, qt.IsTrue(errors.As(err, &lerr)))
	qt.Assert(t, qt.Equals(lerr.Pass, "intrinsics"))
}

func TestIntrinsicPrefersModuleDefinition(t *testing.T) {
	// A module that defines its own memcpy keeps the call.
	memcpy := simpleFunc("memcpy", GlobalBinding, asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	})
	caller := simpleFunc("entrypoint", GlobalBinding, asm.Instructions{
		asm.FunctionCall("memcpy"),
		asm.Return(),
	})

	mod := moduleWith(caller, memcpy)
	runtime, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, ExpandMemcpyInOrder: true, MemoryBuiltins: true})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(runtime, 0))
	qt.Assert(t, qt.Equals(mod.Function("entrypoint").Insns[0].Reference, "memcpy"))
}

func TestTrapInsertion(t *testing.T) {
	fallsOff := simpleFunc("drops", GlobalBinding, asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
	})
	returns := simpleFunc("entrypoint", GlobalBinding, asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	})

	mod := moduleWith(fallsOff, returns)
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2, InsertTraps: true})
	qt.Assert(t, qt.IsNil(err))

	trapped := mod.Function("drops").Insns
	qt.Assert(t, qt.HasLen(trapped, 2))
	qt.Assert(t, qt.IsTrue(trapped[1].IsBuiltinCall()))
	qt.Assert(t, qt.Equals(trapped[1].Constant, int64(asm.FnAbort)))

	qt.Assert(t, qt.HasLen(mod.Function("entrypoint").Insns, 2))
}

func TestTrapInsertionDisabled(t *testing.T) {
	fallsOff := simpleFunc("drops", GlobalBinding, asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
	})

	mod := moduleWith(fallsOff)
	_, err := legalize(mod, LegalizationConfig{Cpu: CpuV2})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(mod.Function("drops").Insns, 1))
}
