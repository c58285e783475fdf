package sbpf

import (
	"errors"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/sbpf-tools/sbpf/asm"
)

func TestResolveDuplicateStrong(t *testing.T) {
	units := []*CompilationUnit{
		returnUnit("a.o", "entrypoint", 1),
		returnUnit("b.o", "entrypoint", 2),
	}

	_, err := resolveSymbols(units)
	var dup *DuplicateSymbolError
	qt.Assert(t, qt.IsTrue(errors.As(err, &dup)))
	qt.Assert(t, qt.Equals(dup.Name, "entrypoint"))
	qt.Assert(t, qt.Equals(dup.First, "a.o"))
	qt.Assert(t, qt.Equals(dup.Second, "b.o"))
}

func TestResolveStrongBeatsWeak(t *testing.T) {
	weak := returnUnit("weak.o", "helper", 1)
	weak.Functions[0].Binding = WeakBinding
	strong := returnUnit("strong.o", "helper", 2)

	for _, order := range [][]*CompilationUnit{
		{weak, strong},
		{strong, weak},
	} {
		table, err := resolveSymbols(order)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(table.symbols["helper"].unit.Path, "strong.o"))
	}
}

func TestResolveFirstWeakWins(t *testing.T) {
	first := returnUnit("first.o", "helper", 1)
	first.Functions[0].Binding = WeakBinding
	second := returnUnit("second.o", "helper", 2)
	second.Functions[0].Binding = WeakBinding

	table, err := resolveSymbols([]*CompilationUnit{first, second})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(table.symbols["helper"].unit.Path, "first.o"))
}

func TestResolveCommonLosesToDefinition(t *testing.T) {
	common := &CompilationUnit{
		Path: "common.o",
		Data: []*DataObject{{
			Name:    "counter",
			Binding: GlobalBinding,
			Section: ".bss",
			Data:    make([]byte, 8),
			Common:  true,
		}},
	}
	defined := &CompilationUnit{
		Path: "defined.o",
		Data: []*DataObject{{
			Name:    "counter",
			Binding: GlobalBinding,
			Section: ".data",
			Data:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
		}},
	}

	table, err := resolveSymbols([]*CompilationUnit{common, defined})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(table.symbols["counter"].unit.Path, "defined.o"))
}

func callerUnit(path, fn, callee string) *CompilationUnit {
	return &CompilationUnit{
		Path: path,
		Functions: []*Function{
			simpleFunc(fn, GlobalBinding, asm.Instructions{
				asm.FunctionCall(callee),
				asm.Return(),
			}),
		},
	}
}

func TestMarkLiveArchiveMembers(t *testing.T) {
	main := callerUnit("main.o", "entrypoint", "helper")
	used := returnUnit("lib.a", "helper", 1)
	used.Member = "used.o"
	used.FromArchive = true
	unused := returnUnit("lib.a", "unused", 2)
	unused.Member = "unused.o"
	unused.FromArchive = true

	units := []*CompilationUnit{main, used, unused}
	table, err := resolveSymbols(units)
	qt.Assert(t, qt.IsNil(err))

	live := markLiveUnits(units, table, nil)
	qt.Assert(t, qt.DeepEquals(live, []*CompilationUnit{main, used}))
}

func TestMarkLiveTransitive(t *testing.T) {
	main := callerUnit("main.o", "entrypoint", "a")
	a := callerUnit("lib.a", "a", "b")
	a.Member = "a.o"
	a.FromArchive = true
	b := returnUnit("lib.a", "b", 1)
	b.Member = "b.o"
	b.FromArchive = true

	units := []*CompilationUnit{main, a, b}
	table, err := resolveSymbols(units)
	qt.Assert(t, qt.IsNil(err))

	live := markLiveUnits(units, table, nil)
	qt.Assert(t, qt.HasLen(live, 3))
}

func TestMarkLiveRoots(t *testing.T) {
	entry := returnUnit("lib.a", "entrypoint", 0)
	entry.Member = "entry.o"
	entry.FromArchive = true
	exported := returnUnit("lib.a", "helper", 1)
	exported.Member = "helper.o"
	exported.FromArchive = true
	unused := returnUnit("lib.a", "unused", 2)
	unused.Member = "unused.o"
	unused.FromArchive = true

	units := []*CompilationUnit{entry, exported, unused}
	table, err := resolveSymbols(units)
	qt.Assert(t, qt.IsNil(err))

	// Nothing references the archive, but the entry point and the
	// exported symbol keep their members alive.
	live := markLiveUnits(units, table, []string{"entrypoint", "helper"})
	qt.Assert(t, qt.DeepEquals(live, []*CompilationUnit{entry, exported}))
}

func TestCheckUnresolved(t *testing.T) {
	main := callerUnit("main.o", "entrypoint", "missing")

	table, err := resolveSymbols([]*CompilationUnit{main})
	qt.Assert(t, qt.IsNil(err))

	err = checkUnresolved([]*CompilationUnit{main}, table)
	var unresolved *UnresolvedSymbolsError
	qt.Assert(t, qt.IsTrue(errors.As(err, &unresolved)))
	qt.Assert(t, qt.HasLen(unresolved.References, 1))
	qt.Assert(t, qt.Equals(unresolved.References[0].Symbol, "missing"))
	qt.Assert(t, qt.Equals(unresolved.References[0].Unit, "main.o"))
}

func TestCheckUnresolvedToleratesSyscalls(t *testing.T) {
	main := callerUnit("main.o", "entrypoint", "sol_log_")

	table, err := resolveSymbols([]*CompilationUnit{main})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(checkUnresolved([]*CompilationUnit{main}, table)))
}

func TestCheckUnresolvedToleratesIntrinsics(t *testing.T) {
	main := callerUnit("main.o", "entrypoint", "memcpy")

	table, err := resolveSymbols([]*CompilationUnit{main})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(checkUnresolved([]*CompilationUnit{main}, table)))
}
