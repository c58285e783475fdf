package asm

// JumpOp affect control flow.
//
//	msb      lsb
//	+----+-+---+
//	|OP  |s|cls|
//	+----+-+---+
type JumpOp uint8

const jumpMask OpCode = aluMask

const (
	// InvalidJumpOp is returned by getters when invoked
	// on non jump OpCodes.
	InvalidJumpOp JumpOp = 0xff
	// Ja jumps by offset unconditionally.
	Ja JumpOp = 0x00
	// JEq jumps by offset if r == imm.
	JEq JumpOp = 0x10
	// JGT jumps by offset if r > imm.
	JGT JumpOp = 0x20
	// JGE jumps by offset if r >= imm.
	JGE JumpOp = 0x30
	// JSet jumps by offset if r & imm.
	JSet JumpOp = 0x40
	// JNE jumps by offset if r != imm.
	JNE JumpOp = 0x50
	// JSGT jumps by offset if signed r > signed imm.
	JSGT JumpOp = 0x60
	// JSGE jumps by offset if signed r >= signed imm.
	JSGE JumpOp = 0x70
	// Call builtin or SBPF functions.
	Call JumpOp = 0x80
	// Exit ends execution, with value in r0.
	Exit JumpOp = 0x90
	// JLT jumps by offset if r < imm.
	JLT JumpOp = 0xa0
	// JLE jumps by offset if r <= imm.
	JLE JumpOp = 0xb0
	// JSLT jumps by offset if signed r < signed imm.
	JSLT JumpOp = 0xc0
	// JSLE jumps by offset if signed r <= signed imm.
	JSLE JumpOp = 0xd0
)

func (op JumpOp) String() string {
	switch op {
	case Ja:
		return "Ja"
	case JEq:
		return "JEq"
	case JGT:
		return "JGT"
	case JGE:
		return "JGE"
	case JSet:
		return "JSet"
	case JNE:
		return "JNE"
	case JSGT:
		return "JSGT"
	case JSGE:
		return "JSGE"
	case Call:
		return "Call"
	case Exit:
		return "Exit"
	case JLT:
		return "JLT"
	case JLE:
		return "JLE"
	case JSLT:
		return "JSLT"
	case JSLE:
		return "JSLE"
	default:
		return "InvalidJumpOp"
	}
}

// Op returns the OpCode for a given jump source.
func (op JumpOp) Op(source Source) OpCode {
	return OpCode(JumpClass).SetJumpOp(op).SetSource(source)
}

// Imm compares dst against value, and jumps to label if the condition
// holds.
func (op JumpOp) Imm(dst Register, value int32, label string) Instruction {
	if op == Exit || op == Call || op == Ja {
		return Instruction{OpCode: InvalidOpCode}
	}

	return Instruction{
		OpCode:    op.Op(ImmSource),
		Dst:       dst,
		Offset:    -1,
		Constant:  int64(value),
		Reference: label,
	}
}

// Reg compares dst against src, and jumps to label if the condition
// holds.
func (op JumpOp) Reg(dst, src Register, label string) Instruction {
	if op == Exit || op == Call || op == Ja {
		return Instruction{OpCode: InvalidOpCode}
	}

	return Instruction{
		OpCode:    op.Op(RegSource),
		Dst:       dst,
		Src:       src,
		Offset:    -1,
		Reference: label,
	}
}

// Label adjusts the program counter to the given label, unconditionally.
//
// Only valid for Ja.
func (op JumpOp) Label(label string) Instruction {
	if op != Ja {
		return Instruction{OpCode: InvalidOpCode}
	}

	return Instruction{
		OpCode:    OpCode(JumpClass).SetJumpOp(Ja),
		Offset:    -1,
		Reference: label,
	}
}

// Return emits an exit instruction.
//
// Requires a return value in r0.
func Return() Instruction {
	return Instruction{
		OpCode: OpCode(JumpClass).SetJumpOp(Exit),
	}
}

// FunctionCall emits a call to another SBPF function by name.
//
// The source register distinguishes it from a syscall; the constant is
// resolved to a relative instruction offset during marshaling.
func FunctionCall(name string) Instruction {
	return Instruction{
		OpCode:    OpCode(JumpClass).SetJumpOp(Call),
		Src:       PseudoCall,
		Constant:  -1,
		Reference: name,
	}
}
