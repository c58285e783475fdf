package sbpf

import (
	"fmt"
	"sort"

	"github.com/sbpf-tools/sbpf/asm"
)

// Binding is the link-time binding class of a definition.
type Binding uint8

const (
	// LocalBinding definitions are only visible inside their unit.
	LocalBinding Binding = iota
	// GlobalBinding definitions participate in resolution and must be
	// unique across the link.
	GlobalBinding
	// WeakBinding definitions lose against a global of the same name.
	WeakBinding
)

func (b Binding) String() string {
	switch b {
	case LocalBinding:
		return "local"
	case GlobalBinding:
		return "global"
	case WeakBinding:
		return "weak"
	default:
		return fmt.Sprintf("Binding(%d)", uint8(b))
	}
}

// Function is a linked SBPF function.
type Function struct {
	Name    string
	Binding Binding
	Insns   asm.Instructions

	// Noinline marks functions that asked not to be inlined. On
	// targets without call support the inline pass refuses to touch
	// them unless told to ignore the hint.
	Noinline bool

	// Origin names the unit the function came from, for diagnostics.
	Origin string
}

// References returns all names the function refers to: called
// functions and loaded data symbols, sorted.
func (fn *Function) References() []string {
	offsets := fn.Insns.ReferenceOffsets()
	if len(offsets) == 0 {
		return nil
	}
	refs := make([]string, 0, len(offsets))
	for ref := range offsets {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// UsesFrame returns true if any instruction touches the frame
// register.
func (fn *Function) UsesFrame() bool {
	for _, ins := range fn.Insns {
		if ins.Dst == asm.RFP || ins.Src == asm.RFP {
			return true
		}
	}
	return false
}

// DataObject is a linked piece of program data.
type DataObject struct {
	Name    string
	Binding Binding

	// Section the object was defined in, e.g. ".rodata".
	Section string
	Data    []byte

	// Common objects are tentative definitions without initializers.
	// They lose against any real definition of the same name.
	Common bool

	Origin string
}

// Module is the merged intermediate representation of the whole link.
//
// After merging, no two definitions share an externally visible name
// and every reference either resolves inside the module or to a
// runtime-provided builtin.
type Module struct {
	Functions []*Function
	Data      []*DataObject
}

// Function returns the named function, or nil.
func (m *Module) Function(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// DataObject returns the named data object, or nil.
func (m *Module) DataObject(name string) *DataObject {
	for _, obj := range m.Data {
		if obj.Name == name {
			return obj
		}
	}
	return nil
}

// wordPositions returns the wire position of every instruction in
// 8 byte words, plus the total length. Positions differ from logical
// indices as soon as a 64 bit immediate load appears.
func wordPositions(insns asm.Instructions) []int {
	words := make([]int, len(insns)+1)
	for i, ins := range insns {
		words[i+1] = words[i] + ins.OpCode.Words()
	}
	return words
}

// isNumericJump returns true if the instruction jumps by a raw word
// offset rather than a named reference.
func isNumericJump(ins asm.Instruction) bool {
	op := ins.OpCode.JumpOp()
	if op == asm.InvalidJumpOp || op == asm.Exit || op == asm.Call {
		return false
	}
	return ins.Reference == ""
}

// spliceInsns replaces insns[start:end] with repl, fixing up every
// numeric jump outside the replaced range.
//
// Jumps from outside into the interior of the range are an error;
// jumps to its first instruction land on the replacement. The
// replacement's own jumps are taken as is and must be internally
// consistent.
func spliceInsns(insns asm.Instructions, start, end int, repl asm.Instructions) (asm.Instructions, error) {
	words := wordPositions(insns)
	oldStart, oldEnd := words[start], words[end]

	replWords := 0
	for _, ins := range repl {
		replWords += ins.OpCode.Words()
	}
	delta := replWords - (oldEnd - oldStart)

	mapWord := func(w int) (int, error) {
		switch {
		case w <= oldStart:
			return w, nil
		case w >= oldEnd:
			return w + delta, nil
		default:
			return 0, fmt.Errorf("jump into replaced instruction range at word %d", w)
		}
	}

	out := make(asm.Instructions, 0, len(insns)-(end-start)+len(repl))
	fixup := func(i int, ins asm.Instruction) (asm.Instruction, error) {
		if !isNumericJump(ins) {
			return ins, nil
		}
		src := words[i]
		tgt := src + 1 + int(ins.Offset)
		newSrc, err := mapWord(src)
		if err != nil {
			return ins, err
		}
		newTgt, err := mapWord(tgt)
		if err != nil {
			return ins, err
		}
		off := newTgt - newSrc - 1
		if off < -32768 || off > 32767 {
			return ins, fmt.Errorf("jump offset %d does not fit in 16 bits", off)
		}
		ins.Offset = int16(off)
		return ins, nil
	}

	for i := 0; i < start; i++ {
		ins, err := fixup(i, insns[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	out = append(out, repl...)
	for i := end; i < len(insns); i++ {
		ins, err := fixup(i, insns[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}

	return out, nil
}
