package sbpf

import "fmt"

// mergeUnits combines all live units into a single module.
//
// Each global name carries over exactly one definition, the one the
// symbol table resolved. Local symbols keep their unit's definition;
// when two units use the same local name, later occurrences are
// renamed name.1, name.2 and so on, and the renamed unit's references
// are rewritten to match. References inside a unit bind to its own
// local before any global of the same name.
func mergeUnits(units []*CompilationUnit, table *symbolTable) *Module {
	taken := make(map[string]bool, len(table.symbols))
	for name := range table.symbols {
		taken[name] = true
	}

	freshName := func(name string) string {
		if !taken[name] {
			taken[name] = true
			return name
		}
		for i := 1; ; i++ {
			next := fmt.Sprintf("%s.%d", name, i)
			if !taken[next] {
				taken[next] = true
				return next
			}
		}
	}

	mod := &Module{}
	for _, unit := range units {
		// Locals renamed in this unit.
		renamed := make(map[string]string)

		for _, fn := range unit.Functions {
			if fn.Binding != LocalBinding {
				sym := table.symbols[fn.Name]
				if sym == nil || sym.unit != unit {
					continue
				}
				mod.Functions = append(mod.Functions, fn)
				continue
			}

			name := freshName(fn.Name)
			if name != fn.Name {
				renamed[fn.Name] = name
				fn.Name = name
				fn.Insns[0] = fn.Insns[0].Sym(name)
			}
			mod.Functions = append(mod.Functions, fn)
		}

		for _, obj := range unit.Data {
			if obj.Binding != LocalBinding {
				sym := table.symbols[obj.Name]
				if sym == nil || sym.unit != unit {
					continue
				}
				mod.Data = append(mod.Data, obj)
				continue
			}

			name := freshName(obj.Name)
			if name != obj.Name {
				renamed[obj.Name] = name
				obj.Name = name
			}
			mod.Data = append(mod.Data, obj)
		}

		if len(renamed) == 0 {
			continue
		}
		for _, fn := range unit.Functions {
			for i := range fn.Insns {
				if to, ok := renamed[fn.Insns[i].Reference]; ok {
					fn.Insns[i] = fn.Insns[i].WithReference(to)
				}
			}
		}
	}

	return mod
}
