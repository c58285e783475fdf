package asm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// InstructionSize is the size of an SBPF instruction word in bytes.
const InstructionSize = 8

// Instruction is a single SBPF instruction.
type Instruction struct {
	OpCode   OpCode
	Dst      Register
	Src      Register
	Offset   int16
	Constant int64

	// Reference denotes a jump label, a called function or a data
	// symbol whose address is loaded, depending on the OpCode.
	Reference string

	// Symbol marks the instruction as the start of a named function.
	Symbol string
}

// Sym creates a symbol.
func (ins Instruction) Sym(name string) Instruction {
	ins.Symbol = name
	return ins
}

// WithReference sets the instruction's reference.
func (ins Instruction) WithReference(ref string) Instruction {
	ins.Reference = ref
	return ins
}

// IsLoadImmDW returns true if the instruction loads a 64 bit immediate
// and therefore occupies two instruction words.
func (ins Instruction) IsLoadImmDW() bool {
	return ins.OpCode == LoadImmOp(DWord)
}

// IsLoadOfSymbol returns true if the instruction loads the address of
// a named data symbol.
func (ins Instruction) IsLoadOfSymbol() bool {
	return ins.IsLoadImmDW() && ins.Reference != ""
}

// IsBuiltinCall returns true if the instruction calls a runtime
// builtin.
func (ins Instruction) IsBuiltinCall() bool {
	return ins.OpCode.JumpOp() == Call && ins.Src == R0 && ins.Dst == R0
}

// IsFunctionCall returns true if the instruction calls another SBPF
// function.
func (ins Instruction) IsFunctionCall() bool {
	return ins.OpCode.JumpOp() == Call && ins.Src == PseudoCall
}

// IsTerminator returns true if execution cannot fall through to the
// next instruction.
func (ins Instruction) IsTerminator() bool {
	switch ins.OpCode.JumpOp() {
	case Exit, Ja:
		return true
	case Call:
		return ins.IsBuiltinCall() && BuiltinFunc(ins.Constant) == FnAbort
	}
	return false
}

// Format implements fmt.Formatter.
func (ins Instruction) Format(f fmt.State, c rune) {
	if c != 'v' {
		fmt.Fprintf(f, "{UNRECOGNIZED: %c}", c)
		return
	}

	op := ins.OpCode

	if op == InvalidOpCode {
		fmt.Fprint(f, "INVALID")
		return
	}

	// Omit trailing space for Exit
	if op.JumpOp() == Exit {
		fmt.Fprint(f, op)
		return
	}

	fmt.Fprintf(f, "%v ", op)
	switch cls := op.Class(); cls {
	case LdClass, LdXClass, StClass, StXClass:
		switch op.Mode() {
		case ImmMode:
			fmt.Fprintf(f, "dst: %s imm: %d", ins.Dst, ins.Constant)
		case AbsMode:
			fmt.Fprintf(f, "imm: %d", ins.Constant)
		case IndMode:
			fmt.Fprintf(f, "dst: %s src: %s imm: %d", ins.Dst, ins.Src, ins.Constant)
		case MemMode:
			fmt.Fprintf(f, "dst: %s src: %s off: %d imm: %d", ins.Dst, ins.Src, ins.Offset, ins.Constant)
		}

	case ALU64Class, ALUClass:
		fmt.Fprintf(f, "dst: %s ", ins.Dst)
		if op.ALUOp() == Swap || op.Source() == ImmSource {
			fmt.Fprintf(f, "imm: %d", ins.Constant)
		} else {
			fmt.Fprintf(f, "src: %s", ins.Src)
		}

	case JumpClass:
		switch jop := op.JumpOp(); jop {
		case Call:
			if ins.Src == PseudoCall {
				// SBPF-to-SBPF call
				fmt.Fprint(f, ins.Constant)
			} else {
				fmt.Fprint(f, BuiltinFunc(ins.Constant))
			}

		default:
			fmt.Fprintf(f, "dst: %s off: %d ", ins.Dst, ins.Offset)
			if op.Source() == ImmSource {
				fmt.Fprintf(f, "imm: %d", ins.Constant)
			} else {
				fmt.Fprintf(f, "src: %s", ins.Src)
			}
		}
	}

	if ins.Reference != "" {
		fmt.Fprintf(f, " <%s>", ins.Reference)
	}
}

// Instructions is an SBPF function body or program.
type Instructions []Instruction

func (insns Instructions) String() string {
	return fmt.Sprint(insns)
}

// SymbolOffsets returns the set of symbols and their offset in
// the instructions.
func (insns Instructions) SymbolOffsets() (map[string]int, error) {
	offsets := make(map[string]int)

	for i, ins := range insns {
		if ins.Symbol == "" {
			continue
		}

		if _, ok := offsets[ins.Symbol]; ok {
			return nil, errors.Errorf("duplicate symbol %s", ins.Symbol)
		}

		offsets[ins.Symbol] = i
	}

	return offsets, nil
}

// ReferenceOffsets returns the set of references and their offset in
// the instructions.
func (insns Instructions) ReferenceOffsets() map[string][]int {
	offsets := make(map[string][]int)

	for i, ins := range insns {
		if ins.Reference == "" {
			continue
		}

		offsets[ins.Reference] = append(offsets[ins.Reference], i)
	}

	return offsets
}

// FunctionReferences returns the names of SBPF functions called by the
// instructions, in order of first call.
func (insns Instructions) FunctionReferences() []string {
	var names []string
	seen := make(map[string]bool)
	for _, ins := range insns {
		if !ins.IsFunctionCall() || ins.Reference == "" {
			continue
		}
		if seen[ins.Reference] {
			continue
		}
		seen[ins.Reference] = true
		names = append(names, ins.Reference)
	}
	return names
}

func (insns Instructions) marshalledOffsets() (map[string]int, error) {
	symbols := make(map[string]int)

	marshalledPos := 0
	for _, ins := range insns {
		currentPos := marshalledPos
		marshalledPos += ins.OpCode.marshalledInstructions()

		if ins.Symbol == "" {
			continue
		}

		if _, ok := symbols[ins.Symbol]; ok {
			return nil, errors.Errorf("duplicate symbol %s", ins.Symbol)
		}

		symbols[ins.Symbol] = currentPos
	}

	return symbols, nil
}

// Format implements fmt.Formatter.
//
// You can control indentation of symbols by
// specifying a width. Setting a precision controls the indentation of
// instructions.
// The default character is a tab, which can be overridden by specifying
// the ' ' space flag.
func (insns Instructions) Format(f fmt.State, c rune) {
	if c != 's' && c != 'v' {
		fmt.Fprintf(f, "{UNKNOWN FORMAT '%c'}", c)
		return
	}

	// Precision is better in this case, because it allows
	// specifying 0 padding easily.
	padding, ok := f.Precision()
	if !ok {
		padding = 1
	}

	indent := strings.Repeat("\t", padding)
	if f.Flag(' ') {
		indent = strings.Repeat(" ", padding)
	}

	symPadding, ok := f.Width()
	if !ok {
		symPadding = padding - 1
	}
	if symPadding < 0 {
		symPadding = 0
	}

	symIndent := strings.Repeat("\t", symPadding)
	if f.Flag(' ') {
		symIndent = strings.Repeat(" ", symPadding)
	}

	// Figure out how many digits we need to represent the highest
	// offset.
	highestOffset := 0
	for _, ins := range insns {
		highestOffset += ins.OpCode.marshalledInstructions()
	}
	offsetWidth := int(math.Ceil(math.Log10(float64(highestOffset))))

	offset := 0
	for _, ins := range insns {
		if ins.Symbol != "" {
			fmt.Fprintf(f, "%s%s:\n", symIndent, ins.Symbol)
		}
		fmt.Fprintf(f, "%s%*d: %v\n", indent, offsetWidth, offset, ins)
		offset += ins.OpCode.marshalledInstructions()
	}
}

// Marshal encodes the instructions into the SBPF wire format.
//
// References to jump labels and called functions are resolved to
// relative offsets against the marshaled stream. References to data
// symbols must have been resolved to addresses beforehand.
func (insns Instructions) Marshal(w io.Writer, bo binary.ByteOrder) error {
	absoluteOffsets, err := insns.marshalledOffsets()
	if err != nil {
		return err
	}

	num := 0
	for i, ins := range insns {
		if ins.OpCode == InvalidOpCode {
			return errors.Errorf("invalid operation at position %d", i)
		}

		isLoadImmDW := ins.IsLoadImmDW()

		cons := int32(ins.Constant)
		switch {
		case isLoadImmDW:
			// Encode least significant 32bit first for 64bit operations.
			cons = int32(uint32(ins.Constant))
		case ins.OpCode.Class() == JumpClass && ins.Reference != "":
			offset, ok := absoluteOffsets[ins.Reference]
			if !ok {
				return errors.Errorf("instruction %d: reference to missing symbol %s", i, ins.Reference)
			}

			if ins.OpCode.JumpOp() == Call {
				cons = int32(offset - num - 1)
			} else {
				ins.Offset = int16(offset - num - 1)
			}
		}

		sbpfi := sbpfInstruction{
			ins.OpCode,
			newSBPFRegisters(ins.Dst, ins.Src),
			ins.Offset,
			cons,
		}

		if err := binary.Write(w, bo, &sbpfi); err != nil {
			return err
		}
		num++

		if !isLoadImmDW {
			continue
		}

		sbpfi = sbpfInstruction{
			Constant: int32(ins.Constant >> 32),
		}

		if err := binary.Write(w, bo, &sbpfi); err != nil {
			return err
		}
		num++
	}
	return nil
}

// Unmarshal decodes instructions from the SBPF wire format.
//
// Returns a map from byte offset to decoded instruction index, needed
// to apply relocations against the decoded stream.
func (insns *Instructions) Unmarshal(r io.Reader, bo binary.ByteOrder) (map[uint64]int, error) {
	*insns = nil

	// Since relocations point at an offset, we need to keep track which
	// offset maps to which instruction.
	var (
		offsets = make(map[uint64]int)
		offset  uint64
	)
	for {
		offsets[offset] = len(*insns)

		var ins sbpfInstruction
		err := binary.Read(r, bo, &ins)

		if err == io.EOF {
			return offsets, nil
		}

		if err != nil {
			return nil, errors.Errorf("invalid instruction at offset %x", offset)
		}

		requiredInsns := ins.OpCode.marshalledInstructions()
		offset += uint64(requiredInsns) * InstructionSize

		cons := int64(ins.Constant)
		if requiredInsns == 2 {
			var ins2 sbpfInstruction
			if err := binary.Read(r, bo, &ins2); err != nil {
				return nil, errors.Errorf("invalid instruction at offset %x", offset)
			}
			if ins2.OpCode != 0 || ins2.Offset != 0 || ins2.Registers != 0 {
				return nil, errors.Errorf("instruction at offset %x: 64bit immediate has non-zero fields", offset)
			}
			cons = int64(uint64(uint32(ins2.Constant))<<32 | uint64(uint32(ins.Constant)))
		}

		*insns = append(*insns, Instruction{
			OpCode:   ins.OpCode,
			Dst:      ins.Registers.Dst(),
			Src:      ins.Registers.Src(),
			Offset:   ins.Offset,
			Constant: cons,
		})
	}
}

type sbpfInstruction struct {
	OpCode    OpCode
	Registers sbpfRegisters
	Offset    int16
	Constant  int32
}

type sbpfRegisters uint8

func newSBPFRegisters(dst, src Register) sbpfRegisters {
	return sbpfRegisters((src << 4) | (dst & 0xF))
}

func (r sbpfRegisters) Dst() Register {
	return Register(r & 0xF)
}

func (r sbpfRegisters) Src() Register {
	return Register(r >> 4)
}
