package asm

import "fmt"

// Register of the SBPF virtual machine.
type Register uint8

const (
	// R0 holds return values from calls and syscalls.
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	// R10 is the frame pointer. It is read-only.
	R10
)

// RFP is an alias for the frame pointer.
const RFP = R10

// PseudoCall marks a call as targeting another SBPF function rather
// than a syscall. It is stored in the source register field of the
// call instruction.
const PseudoCall = R1

func (r Register) String() string {
	if r == R10 {
		return "rfp"
	}
	return fmt.Sprintf("r%d", uint8(r))
}
