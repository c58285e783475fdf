package sbpf

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestParseCpu(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  Cpu
	}{
		{"generic", CpuGeneric},
		{"probe", CpuProbe},
		{"v1", CpuV1},
		{"v2", CpuV2},
		{"v3", CpuV3},
	} {
		cpu, err := ParseCpu(tc.input)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(cpu, tc.want))
		qt.Assert(t, qt.Equals(cpu.String(), tc.input))
	}

	_, err := ParseCpu("v9")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestCpuFeatures(t *testing.T) {
	qt.Assert(t, qt.IsFalse(CpuGeneric.SupportsCalls()))
	qt.Assert(t, qt.IsFalse(CpuV1.SupportsCalls()))
	qt.Assert(t, qt.IsTrue(CpuV2.SupportsCalls()))
	qt.Assert(t, qt.IsFalse(CpuV2.SupportsLoops()))
	qt.Assert(t, qt.IsTrue(CpuV3.SupportsLoops()))
}

func TestParseOptLevel(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  OptLevel
	}{
		{"0", OptNone},
		{"1", OptLess},
		{"2", OptDefault},
		{"3", OptAggressive},
		{"s", OptSize},
		{"z", OptSizeMin},
	} {
		opt, err := ParseOptLevel(tc.input)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(opt, tc.want))
	}

	_, err := ParseOptLevel("4")
	qt.Assert(t, qt.ErrorMatches(err, "optimization level needs to be.*"))
}
