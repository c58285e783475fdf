package sbpf

import (
	"sort"

	"github.com/sbpf-tools/sbpf/asm"
)

// symbolKind disambiguates functions from data in the global table.
type symbolKind int

const (
	funcSymbol symbolKind = iota
	dataSymbol
)

// globalSymbol is one resolved global definition.
type globalSymbol struct {
	name    string
	kind    symbolKind
	binding Binding
	unit    *CompilationUnit
}

// symbolTable maps global names to their winning definition.
type symbolTable struct {
	symbols map[string]*globalSymbol
}

// resolveSymbols builds the global symbol table from all units.
//
// A strong definition always wins over weak and common ones. Two
// strong definitions of the same name are an error. Among several weak
// definitions the first in input order wins; later ones are silently
// discarded, as are common data displaced by a real definition.
func resolveSymbols(units []*CompilationUnit) (*symbolTable, error) {
	table := &symbolTable{symbols: make(map[string]*globalSymbol)}

	define := func(name string, kind symbolKind, binding Binding, common bool, unit *CompilationUnit) error {
		if binding == LocalBinding {
			return nil
		}

		prev, ok := table.symbols[name]
		if !ok {
			table.symbols[name] = &globalSymbol{name, kind, binding, unit}
			return nil
		}

		strong := binding == GlobalBinding && !common
		prevStrong := prev.binding == GlobalBinding
		if prevStrong && strong {
			return &DuplicateSymbolError{
				Name:   name,
				First:  prev.unit.Origin(),
				Second: unit.Origin(),
			}
		}
		if strong || (binding == GlobalBinding && prev.binding == WeakBinding) {
			table.symbols[name] = &globalSymbol{name, kind, binding, unit}
		}
		return nil
	}

	for _, unit := range units {
		for _, fn := range unit.Functions {
			if err := define(fn.Name, funcSymbol, fn.Binding, false, unit); err != nil {
				return nil, err
			}
		}
		for _, obj := range unit.Data {
			if err := define(obj.Name, dataSymbol, obj.Binding, obj.Common, unit); err != nil {
				return nil, err
			}
		}
	}

	return table, nil
}

// markLiveUnits computes the set of units that join the link.
//
// Loose objects and the units defining a root symbol are always live.
// Other archive members start dead and are pulled in transitively when
// a live unit references a symbol they define. References that resolve
// to a syscall never pull anything in.
func markLiveUnits(units []*CompilationUnit, table *symbolTable, roots []string) []*CompilationUnit {
	live := make(map[*CompilationUnit]bool)

	var queue []*CompilationUnit
	for _, unit := range units {
		if !unit.FromArchive {
			live[unit] = true
			queue = append(queue, unit)
		}
	}
	for _, name := range roots {
		sym, ok := table.symbols[name]
		if !ok || live[sym.unit] {
			continue
		}
		live[sym.unit] = true
		queue = append(queue, sym.unit)
	}

	for len(queue) > 0 {
		unit := queue[0]
		queue = queue[1:]

		for _, ref := range unit.References() {
			sym, ok := table.symbols[ref]
			if !ok || live[sym.unit] {
				continue
			}
			live[sym.unit] = true
			queue = append(queue, sym.unit)
		}
	}

	result := make([]*CompilationUnit, 0, len(live))
	for _, unit := range units {
		if live[unit] {
			result = append(result, unit)
		}
	}
	return result
}

// checkUnresolved reports references in live units that no live
// definition or syscall satisfies.
func checkUnresolved(units []*CompilationUnit, table *symbolTable) error {
	isLive := make(map[*CompilationUnit]bool, len(units))
	for _, unit := range units {
		isLive[unit] = true
	}

	var missing []UnresolvedReference
	seen := make(map[string]bool)
	for _, unit := range units {
		for _, ref := range unit.References() {
			if seen[ref] {
				continue
			}
			if sym, ok := table.symbols[ref]; ok && isLive[sym.unit] {
				continue
			}
			if _, ok := asm.BuiltinFuncByName(ref); ok {
				continue
			}
			// Memory intrinsics are handled during legalization.
			if _, ok := memoryBuiltins[ref]; ok {
				continue
			}
			seen[ref] = true
			missing = append(missing, UnresolvedReference{Symbol: ref, Unit: unit.Origin()})
		}
	}

	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Symbol < missing[j].Symbol })
	return &UnresolvedSymbolsError{References: missing}
}
