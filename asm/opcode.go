package asm

import "fmt"

// Class of an operation.
//
//	msb      lsb
//	+---+--+---+
//	|  ??  |CLS|
//	+---+--+---+
type Class uint8

const classMask OpCode = 0x07

const (
	// LdClass loads immediate values into registers.
	LdClass Class = 0x00
	// LdXClass loads memory into registers.
	LdXClass Class = 0x01
	// StClass stores immediate values to memory.
	StClass Class = 0x02
	// StXClass stores registers to memory.
	StXClass Class = 0x03
	// ALUClass is 32 bit arithmetic.
	ALUClass Class = 0x04
	// JumpClass is flow control.
	JumpClass Class = 0x05
	// ALU64Class is 64 bit arithmetic.
	ALU64Class Class = 0x07
)

// IsLoad checks if this is either LdClass or LdXClass.
func (cls Class) IsLoad() bool {
	return cls == LdClass || cls == LdXClass
}

// IsStore checks if this is either StClass or StXClass.
func (cls Class) IsStore() bool {
	return cls == StClass || cls == StXClass
}

// Source of ALU / jump operands.
//
//	msb        lsb
//	+----+-+---+
//	|op  |S|cls|
//	+----+-+---+
type Source uint8

const sourceMask OpCode = 0x08

const (
	// ImmSource reads the operand from the constant field.
	ImmSource Source = 0x00
	// RegSource reads the operand from the source register.
	RegSource Source = 0x08
)

// OpCode is a packed SBPF opcode.
//
// Its encoding is defined by a Class and class-specific fields: Mode
// and Size for loads and stores, Source and an ALUOp or JumpOp for
// arithmetic and flow control.
type OpCode uint8

// InvalidOpCode is returned by setters on an invalid receiver.
const InvalidOpCode OpCode = 0xff

// Class returns the class of operation.
func (op OpCode) Class() Class {
	return Class(op & classMask)
}

// Mode returns the mode for load and store operations.
func (op OpCode) Mode() Mode {
	if !op.Class().IsLoad() && !op.Class().IsStore() {
		return InvalidMode
	}
	return Mode(OpCode(op) & modeMask)
}

// Size returns the size for load and store operations.
func (op OpCode) Size() Size {
	if !op.Class().IsLoad() && !op.Class().IsStore() {
		return InvalidSize
	}
	return Size(OpCode(op) & sizeMask)
}

// Source returns the source for ALU and jump operations.
func (op OpCode) Source() Source {
	switch op.Class() {
	case ALUClass, ALU64Class, JumpClass:
		return Source(OpCode(op) & sourceMask)
	default:
		return Source(0)
	}
}

// ALUOp returns the ALUOp, or InvalidALUOp for other classes.
func (op OpCode) ALUOp() ALUOp {
	switch op.Class() {
	case ALUClass, ALU64Class:
		return ALUOp(OpCode(op) & aluMask)
	default:
		return InvalidALUOp
	}
}

// JumpOp returns the JumpOp, or InvalidJumpOp for other classes.
func (op OpCode) JumpOp() JumpOp {
	if op.Class() != JumpClass {
		return InvalidJumpOp
	}
	return JumpOp(OpCode(op) & jumpMask)
}

// SetMode sets the mode on load and store operations.
//
// Returns InvalidOpCode if op is of the wrong class.
func (op OpCode) SetMode(mode Mode) OpCode {
	if !op.Class().IsLoad() && !op.Class().IsStore() {
		return InvalidOpCode
	}
	return (op & ^modeMask) | OpCode(mode)
}

// SetSize sets the size on load and store operations.
//
// Returns InvalidOpCode if op is of the wrong class.
func (op OpCode) SetSize(size Size) OpCode {
	if !op.Class().IsLoad() && !op.Class().IsStore() {
		return InvalidOpCode
	}
	return (op & ^sizeMask) | OpCode(size)
}

// SetSource sets the source on ALU and jump operations.
//
// Returns InvalidOpCode if op is of the wrong class.
func (op OpCode) SetSource(source Source) OpCode {
	switch op.Class() {
	case ALUClass, ALU64Class, JumpClass:
		return (op & ^sourceMask) | OpCode(source)
	default:
		return InvalidOpCode
	}
}

// SetALUOp sets the ALUOp on ALU operations.
//
// Returns InvalidOpCode if op is of the wrong class.
func (op OpCode) SetALUOp(alu ALUOp) OpCode {
	switch op.Class() {
	case ALUClass, ALU64Class:
		return (op & ^aluMask) | OpCode(alu)
	default:
		return InvalidOpCode
	}
}

// SetJumpOp sets the JumpOp on jump operations.
//
// Returns InvalidOpCode if op is of the wrong class.
func (op OpCode) SetJumpOp(jump JumpOp) OpCode {
	if op.Class() != JumpClass {
		return InvalidOpCode
	}
	return (op & ^jumpMask) | OpCode(jump)
}

// Words returns the number of 8 byte instruction words the operation
// occupies on the wire. Loading a 64 bit immediate occupies two.
func (op OpCode) Words() int {
	return op.marshalledInstructions()
}

func (op OpCode) marshalledInstructions() int {
	if op == LoadImmOp(DWord) {
		return 2
	}
	return 1
}

func (op OpCode) String() string {
	var f string
	switch cls := op.Class(); cls {
	case LdClass, LdXClass, StClass, StXClass:
		f += "Ld"
		if cls == StClass || cls == StXClass {
			f = "St"
		}
		switch op.Mode() {
		case ImmMode:
			f += "Imm"
		case AbsMode:
			f += "Abs"
		case IndMode:
			f += "Ind"
		case MemMode:
			f += ""
		}
		switch op.Size() {
		case DWord:
			f += "DW"
		case Word:
			f += "W"
		case Half:
			f += "H"
		case Byte:
			f += "B"
		}
		if cls == LdXClass || cls == StXClass {
			f += "Reg"
		}

	case ALUClass, ALU64Class:
		f += op.ALUOp().String()
		if op.ALUOp() == Swap {
			if op.Source() == ImmSource {
				f += "LE"
			} else {
				f += "BE"
			}
		} else {
			if cls == ALUClass {
				f += "32"
			}
			if op.Source() == ImmSource {
				f += "Imm"
			} else {
				f += "Reg"
			}
		}

	case JumpClass:
		f += op.JumpOp().String()
		if jop := op.JumpOp(); jop != Exit && jop != Call && jop != Ja {
			if op.Source() == ImmSource {
				f += "Imm"
			} else {
				f += "Reg"
			}
		}

	default:
		f = fmt.Sprintf("%#x", uint8(op))
	}

	return f
}
