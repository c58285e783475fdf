package sbpf

import (
	"errors"
	"fmt"

	"github.com/sbpf-tools/sbpf/asm"
)

// LegalizationConfig controls the transformations that make a merged
// module executable on the target CPU generation.
type LegalizationConfig struct {
	Cpu Cpu

	// UnrollLoops fully unrolls bounded loops on targets whose
	// verifier rejects back-edges. Generations with loop support keep
	// their loops.
	UnrollLoops bool

	// IgnoreInlineNever inlines functions even when they asked not to
	// be.
	IgnoreInlineNever bool

	// ExpandMemcpyInOrder expands fixed length memcpy and memset calls
	// into ascending loads and stores.
	ExpandMemcpyInOrder bool

	// MemoryBuiltins redirects memory intrinsic calls the expander did
	// not handle to the runtime's syscalls.
	MemoryBuiltins bool

	// InsertTraps appends a trap to functions whose control flow can
	// fall off the end.
	InsertTraps bool
}

const (
	// inlineBudget bounds nested inline expansion per function.
	inlineBudget = 64
	// unrollBudget bounds the derived trip count of an unrolled loop.
	unrollBudget = 64
	// expandLimit is the largest fixed length expanded in place.
	expandLimit = 64
)

// memoryBuiltins maps intrinsic names to their runtime syscalls.
var memoryBuiltins = map[string]asm.BuiltinFunc{
	"memcpy":  asm.FnMemcpy,
	"memmove": asm.FnMemmove,
	"memset":  asm.FnMemset,
	"memcmp":  asm.FnMemcmp,
	"bcmp":    asm.FnMemcmp,
}

// legalize runs the transformation pipeline on the merged module.
//
// It returns the names of runtime syscalls that replaced intrinsic
// calls, so the export filter can keep them visible.
func legalize(mod *Module, cfg LegalizationConfig) ([]string, error) {
	if !cfg.Cpu.SupportsCalls() {
		if err := inlineCalls(mod, cfg.IgnoreInlineNever); err != nil {
			return nil, err
		}
	}
	if cfg.UnrollLoops && !cfg.Cpu.SupportsLoops() {
		if err := unrollLoops(mod); err != nil {
			return nil, err
		}
	}
	runtimeSyms, err := expandIntrinsics(mod, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.InsertTraps {
		insertTraps(mod)
	}
	return runtimeSyms, nil
}

// inlineCalls replaces every call to a module function with the callee
// body.
func inlineCalls(mod *Module, ignoreInlineNever bool) error {
	passErr := func(fn string, err error) error {
		return &LegalizationError{Pass: "inline", Function: fn, Err: err}
	}

	for _, fn := range mod.Functions {
		for depth := 0; ; depth++ {
			if depth > inlineBudget {
				return passErr(fn.Name, errors.New("inline budget exhausted, calls are likely recursive"))
			}

			idx := -1
			var callee *Function
			for i, ins := range fn.Insns {
				if !ins.IsFunctionCall() {
					continue
				}
				if target := mod.Function(ins.Reference); target != nil {
					idx, callee = i, target
					break
				}
			}
			if idx == -1 {
				break
			}

			if callee.Noinline && !ignoreInlineNever {
				return passErr(fn.Name, fmt.Errorf("callee %s is marked noinline, pass --ignore-inline-never to inline anyway", callee.Name))
			}
			if callee.UsesFrame() {
				return passErr(fn.Name, fmt.Errorf("callee %s uses the frame register and cannot be inlined", callee.Name))
			}

			body, err := inlineBody(callee.Insns)
			if err != nil {
				return passErr(fn.Name, fmt.Errorf("callee %s: %w", callee.Name, err))
			}

			fn.Insns, err = spliceInsns(fn.Insns, idx, idx+1, body)
			if err != nil {
				return passErr(fn.Name, err)
			}
		}
	}
	return nil
}

// inlineBody prepares a callee body for splicing into a caller. Exits
// become jumps past the body; a lone trailing exit is dropped.
func inlineBody(insns asm.Instructions) (asm.Instructions, error) {
	body := make(asm.Instructions, len(insns))
	copy(body, insns)
	body[0].Symbol = ""

	if last := len(body) - 1; body[last].OpCode.JumpOp() == asm.Exit {
		body = body[:last]
	}

	words := wordPositions(body)
	total := words[len(body)]
	for i := range body {
		if body[i].OpCode.JumpOp() != asm.Exit {
			continue
		}
		off := total - words[i] - 1
		if off > 32767 {
			return nil, fmt.Errorf("body too large to rewrite exit at instruction %d", i)
		}
		body[i] = asm.Instruction{
			OpCode: asm.Ja.Op(asm.ImmSource),
			Offset: int16(off),
		}
	}
	return body, nil
}

// unrollLoops fully unrolls every bounded loop in the module.
//
// A loop is recognized by a conditional backward jump comparing a
// counter register against an immediate, with the counter initialized
// by an immediate move right before the loop head and stepped by a
// single immediate add or sub inside the body.
func unrollLoops(mod *Module) error {
	for _, fn := range mod.Functions {
		for {
			idx := findBackEdge(fn.Insns)
			if idx == -1 {
				break
			}
			insns, err := unrollAt(fn.Insns, idx)
			if err != nil {
				return &LegalizationError{Pass: "unroll", Function: fn.Name, Err: err}
			}
			fn.Insns = insns
		}
	}
	return nil
}

// findBackEdge returns the index of the innermost backward jump, or
// -1.
func findBackEdge(insns asm.Instructions) int {
	for i, ins := range insns {
		if isNumericJump(ins) && ins.Offset < 0 {
			return i
		}
	}
	return -1
}

func unrollAt(insns asm.Instructions, edge int) (asm.Instructions, error) {
	words := wordPositions(insns)
	target := words[edge] + 1 + int(insns[edge].Offset)

	head := -1
	for i := range insns {
		if words[i] == target {
			head = i
			break
		}
	}
	if head == -1 {
		return nil, fmt.Errorf("back edge at instruction %d does not land on an instruction boundary", edge)
	}
	if head == 0 {
		return nil, errors.New("loop head has no preceding counter initialization")
	}

	back := insns[edge]
	if back.OpCode.Source() != asm.ImmSource {
		return nil, errors.New("back edge compares against a register, trip count is not derivable")
	}
	counter := back.Dst

	init := insns[head-1]
	if init.OpCode.ALUOp() != asm.Mov || init.OpCode.Source() != asm.ImmSource || init.Dst != counter {
		return nil, fmt.Errorf("counter r%d is not initialized by an immediate move before the loop", counter)
	}

	// The body must step the counter exactly once, by an immediate,
	// and touch it in no other way. Stores do not write their dst,
	// jumps only compare theirs.
	step := int64(0)
	haveStep := false
	for i := head; i < edge; i++ {
		ins := insns[i]
		if ins.Dst != counter {
			continue
		}
		switch ins.OpCode.Class() {
		case asm.StClass, asm.StXClass, asm.JumpClass:
			continue
		}
		op := ins.OpCode.ALUOp()
		if haveStep || ins.OpCode.Source() != asm.ImmSource || (op != asm.Add && op != asm.Sub) {
			return nil, fmt.Errorf("counter r%d is not stepped by a single immediate add or sub", counter)
		}
		haveStep = true
		step = int64(ins.Constant)
		if op == asm.Sub {
			step = -step
		}
	}
	if !haveStep {
		return nil, fmt.Errorf("counter r%d is never stepped inside the loop", counter)
	}

	// Jumps may not cross the loop boundary.
	for i := head; i < edge; i++ {
		if !isNumericJump(insns[i]) {
			continue
		}
		tgt := words[i] + 1 + int(insns[i].Offset)
		if tgt < words[head] || tgt >= words[edge] {
			return nil, fmt.Errorf("jump at instruction %d leaves the loop body", i)
		}
	}

	count, err := tripCount(int64(init.Constant), step, back)
	if err != nil {
		return nil, err
	}

	body := insns[head:edge]
	repl := make(asm.Instructions, 0, count*len(body))
	for n := 0; n < count; n++ {
		repl = append(repl, body...)
	}
	return spliceInsns(insns, head, edge+1, repl)
}

// tripCount simulates the loop counter until the back edge falls
// through.
func tripCount(counter, step int64, back asm.Instruction) (int, error) {
	for count := 1; count <= unrollBudget; count++ {
		counter += step
		taken, err := compareImm(back.OpCode.JumpOp(), counter, int64(back.Constant))
		if err != nil {
			return 0, err
		}
		if !taken {
			return count, nil
		}
	}
	return 0, fmt.Errorf("trip count exceeds the unroll budget of %d", unrollBudget)
}

func compareImm(op asm.JumpOp, lhs, rhs int64) (bool, error) {
	switch op {
	case asm.JEq:
		return lhs == rhs, nil
	case asm.JNE:
		return lhs != rhs, nil
	case asm.JGT:
		return uint64(lhs) > uint64(rhs), nil
	case asm.JGE:
		return uint64(lhs) >= uint64(rhs), nil
	case asm.JLT:
		return uint64(lhs) < uint64(rhs), nil
	case asm.JLE:
		return uint64(lhs) <= uint64(rhs), nil
	case asm.JSGT:
		return lhs > rhs, nil
	case asm.JSGE:
		return lhs >= rhs, nil
	case asm.JSLT:
		return lhs < rhs, nil
	case asm.JSLE:
		return lhs <= rhs, nil
	default:
		return false, fmt.Errorf("back edge op %v is not a comparison", op)
	}
}

// expandIntrinsics handles calls to C memory intrinsics the module
// does not define.
//
// Fixed length memcpy and memset become ascending loads and stores.
// Everything else is redirected to the runtime syscall, whose name is
// returned so the export filter keeps it visible.
func expandIntrinsics(mod *Module, cfg LegalizationConfig) ([]string, error) {
	var runtime []string
	seen := make(map[string]bool)

	for _, fn := range mod.Functions {
		for i := 0; i < len(fn.Insns); i++ {
			ins := fn.Insns[i]
			if !ins.IsFunctionCall() {
				continue
			}
			builtin, ok := memoryBuiltins[ins.Reference]
			if !ok || mod.Function(ins.Reference) != nil {
				continue
			}

			if cfg.ExpandMemcpyInOrder {
				repl, expandable := expandFixedLength(fn.Insns, i)
				if expandable {
					if ins.Symbol != "" && len(repl) > 0 {
						repl[0] = repl[0].Sym(ins.Symbol)
					}
					insns, err := spliceInsns(fn.Insns, i, i+1, repl)
					if err != nil {
						return nil, &LegalizationError{Pass: "intrinsics", Function: fn.Name, Err: err}
					}
					fn.Insns = insns
					i += len(repl) - 1
					continue
				}
			}

			if !cfg.MemoryBuiltins {
				return nil, &LegalizationError{
					Pass:     "intrinsics",
					Function: fn.Name,
					Err:      fmt.Errorf("cannot expand call to %s and memory builtins are disabled", ins.Reference),
				}
			}

			call := builtin.Call()
			call.Symbol = ins.Symbol
			fn.Insns[i] = call
			if name := builtin.String(); !seen[name] {
				seen[name] = true
				runtime = append(runtime, name)
			}
		}
	}
	return runtime, nil
}

// expandFixedLength builds an in place expansion for the intrinsic
// call at idx, or nil when the call does not qualify.
//
// The length lives in r3 per the calling convention. It must come from
// an immediate move that still dominates the call, which is
// approximated by taking the closest preceding write to r3 in the same
// function and requiring it to be an immediate move with no jumps in
// between.
func expandFixedLength(insns asm.Instructions, idx int) (asm.Instructions, bool) {
	name := insns[idx].Reference
	if name != "memcpy" && name != "memset" {
		return nil, false
	}

	length := int64(-1)
	for i := idx - 1; i >= 0; i-- {
		ins := insns[i]
		if isNumericJump(ins) || ins.OpCode.JumpOp() == asm.Exit {
			return nil, false
		}
		if ins.Dst != asm.R3 {
			continue
		}
		if ins.OpCode.ALUOp() == asm.Mov && ins.OpCode.Source() == asm.ImmSource {
			length = int64(ins.Constant)
		}
		break
	}
	if length < 0 || length > expandLimit {
		return nil, false
	}

	var repl asm.Instructions
	switch name {
	case "memcpy":
		for off := int64(0); off < length; {
			size := chunkSize(length - off)
			repl = append(repl,
				asm.LoadMem(asm.R0, asm.R2, int16(off), size),
				asm.StoreMem(asm.R1, int16(off), asm.R0, size),
			)
			off += int64(size.Sizeof())
		}
	case "memset":
		// Only byte stores replicate the fill value correctly.
		for off := int64(0); off < length; off++ {
			repl = append(repl, asm.StoreMem(asm.R1, int16(off), asm.R2, asm.Byte))
		}
	}

	// Both intrinsics return dst, which the loads above clobbered.
	repl = append(repl, asm.Mov.Reg(asm.R0, asm.R1))
	return repl, true
}

func chunkSize(remaining int64) asm.Size {
	switch {
	case remaining >= 8:
		return asm.DWord
	case remaining >= 4:
		return asm.Word
	case remaining >= 2:
		return asm.Half
	default:
		return asm.Byte
	}
}

// insertTraps appends an abort call to functions that can fall off the
// end.
func insertTraps(mod *Module) {
	for _, fn := range mod.Functions {
		if n := len(fn.Insns); n == 0 || !fn.Insns[n-1].IsTerminator() {
			fn.Insns = append(fn.Insns, asm.Trap())
		}
	}
}
