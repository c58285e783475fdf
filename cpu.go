package sbpf

import "fmt"

// Cpu selects the BPF processor generation the input objects were
// compiled for.
//
// The generation decides which constructs the legalization pipeline
// must remove: generations before V2 have no function calls, and only
// V3 verifies loop back-edges.
type Cpu uint8

const (
	// CpuGeneric is the baseline instruction set.
	CpuGeneric Cpu = iota
	// CpuProbe behaves like CpuGeneric. The name is kept for
	// compatibility with toolchains that probe the running kernel.
	CpuProbe
	CpuV1
	CpuV2
	CpuV3
)

// ParseCpu converts a command line value into a Cpu.
func ParseCpu(s string) (Cpu, error) {
	switch s {
	case "generic":
		return CpuGeneric, nil
	case "probe":
		return CpuProbe, nil
	case "v1":
		return CpuV1, nil
	case "v2":
		return CpuV2, nil
	case "v3":
		return CpuV3, nil
	default:
		return 0, fmt.Errorf("unknown cpu `%s` - expected one of: `generic`, `probe`, `v1`, `v2`, `v3`", s)
	}
}

func (c Cpu) String() string {
	switch c {
	case CpuGeneric:
		return "generic"
	case CpuProbe:
		return "probe"
	case CpuV1:
		return "v1"
	case CpuV2:
		return "v2"
	case CpuV3:
		return "v3"
	default:
		return fmt.Sprintf("Cpu(%d)", uint8(c))
	}
}

// SupportsCalls returns true if the generation executes SBPF-to-SBPF
// calls. On older generations every call must be inlined away.
func (c Cpu) SupportsCalls() bool {
	return c >= CpuV2
}

// SupportsLoops returns true if the generation's verifier accepts
// loop back-edges.
func (c Cpu) SupportsLoops() bool {
	return c >= CpuV3
}

// OptLevel is the optimization level forwarded to the backend.
type OptLevel uint8

const (
	// OptNone performs no optimization.
	OptNone OptLevel = iota
	// OptLess optimizes lightly.
	OptLess
	// OptDefault is the default optimization level.
	OptDefault
	// OptAggressive optimizes hard.
	OptAggressive
	// OptSize optimizes for size.
	OptSize
	// OptSizeMin optimizes for minimal size.
	OptSizeMin
)

// ParseOptLevel converts a command line value into an OptLevel.
func ParseOptLevel(s string) (OptLevel, error) {
	switch s {
	case "0":
		return OptNone, nil
	case "1":
		return OptLess, nil
	case "2":
		return OptDefault, nil
	case "3":
		return OptAggressive, nil
	case "s":
		return OptSize, nil
	case "z":
		return OptSizeMin, nil
	default:
		return 0, fmt.Errorf("optimization level needs to be between 0-3, s or z (instead was `%s`)", s)
	}
}

func (o OptLevel) String() string {
	switch o {
	case OptNone:
		return "0"
	case OptLess:
		return "1"
	case OptDefault:
		return "2"
	case OptAggressive:
		return "3"
	case OptSize:
		return "s"
	case OptSizeMin:
		return "z"
	default:
		return fmt.Sprintf("OptLevel(%d)", uint8(o))
	}
}
