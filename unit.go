package sbpf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sbpf-tools/sbpf/asm"
	"github.com/sbpf-tools/sbpf/internal"
	"github.com/sbpf-tools/sbpf/internal/ar"
)

// CompilationUnit is one parsed relocatable object, either a loose
// file or an archive member. It is immutable after parsing.
type CompilationUnit struct {
	Path string
	// Member is the archive member name, empty for loose objects.
	Member string
	// FromArchive members only join the link when referenced.
	FromArchive bool

	Functions []*Function
	Data      []*DataObject

	// Undefined symbols the unit references but does not define.
	Undefined []string
}

// Origin identifies the unit in diagnostics.
func (cu *CompilationUnit) Origin() string {
	if cu.Member != "" {
		return fmt.Sprintf("%s(%s)", cu.Path, cu.Member)
	}
	return cu.Path
}

// References returns every name the unit refers to but does not define
// itself.
func (cu *CompilationUnit) References() []string {
	defined := make(map[string]bool)
	for _, fn := range cu.Functions {
		defined[fn.Name] = true
	}
	for _, obj := range cu.Data {
		defined[obj.Name] = true
	}

	var refs []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || defined[name] || seen[name] {
			return
		}
		seen[name] = true
		refs = append(refs, name)
	}
	for _, fn := range cu.Functions {
		for _, ref := range fn.References() {
			add(ref)
		}
	}
	for _, name := range cu.Undefined {
		add(name)
	}
	return refs
}

// loadInputs parses every input path into compilation units.
//
// Inputs of the form "-lfoo" are located as libfoo.a in the library
// search path; everything else is opened directly. Independent files
// parse concurrently, but the result keeps strict input order so that
// resolution tie-breaks stay deterministic.
func loadInputs(inputs, libraryPaths []string) ([]*CompilationUnit, error) {
	parsed := make([][]*CompilationUnit, len(inputs))

	var eg errgroup.Group
	for i, input := range inputs {
		i, input := i, input
		eg.Go(func() error {
			path := input
			if name, ok := strings.CutPrefix(input, "-l"); ok {
				found, err := findLibrary(name, libraryPaths)
				if err != nil {
					return err
				}
				path = found
			}

			units, err := loadFile(path)
			if err != nil {
				return err
			}
			parsed[i] = units
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var units []*CompilationUnit
	for _, batch := range parsed {
		units = append(units, batch...)
	}
	return units, nil
}

// findLibrary locates lib<name>.a in the search path.
func findLibrary(name string, libraryPaths []string) (string, error) {
	for _, dir := range libraryPaths {
		stem := filepath.Join(dir, "lib"+name+".a")
		if _, err := os.Stat(stem); err == nil {
			return stem, nil
		}
	}
	return "", fmt.Errorf("library %s not found in search path", name)
}

// loadFile parses a single path as either an object or an archive.
func loadFile(path string) ([]*CompilationUnit, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if ar.IsArchive(contents) {
		members, err := ar.Members(contents)
		if err != nil {
			return nil, &FormatError{Path: path, Err: err}
		}

		units := make([]*CompilationUnit, 0, len(members))
		for _, member := range members {
			unit, err := parseObject(member.Data, path, member.Name)
			if err != nil {
				return nil, err
			}
			unit.FromArchive = true
			units = append(units, unit)
		}
		return units, nil
	}

	unit, err := parseObject(contents, path, "")
	if err != nil {
		return nil, err
	}
	return []*CompilationUnit{unit}, nil
}

// dataSection returns true for sections the linker carries as data.
func dataSection(name string) bool {
	for _, prefix := range []string{".rodata", ".data", ".bss"} {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	return false
}

// parseObject turns a relocatable ELF into a CompilationUnit.
func parseObject(contents []byte, path, member string) (*CompilationUnit, error) {
	formatErr := func(format string, args ...interface{}) error {
		return &FormatError{Path: path, Member: member, Err: fmt.Errorf(format, args...)}
	}

	se, err := internal.NewSafeELFFile(bytes.NewReader(contents))
	if err != nil {
		return nil, &FormatError{Path: path, Member: member, Err: err}
	}
	defer se.Close()

	if !se.IsRelocatable() {
		return nil, formatErr("not a relocatable BPF object")
	}

	syms, err := se.Symbols()
	if err != nil {
		return nil, formatErr("no symbol table: %s", err)
	}

	unit := &CompilationUnit{Path: path, Member: member}
	origin := unit.Origin()

	// Group defined symbols by section. debug/elf omits the null
	// symbol, so the ELF symbol index is the slice index plus one.
	bySection := make(map[elf.SectionIndex][]elf.Symbol)
	for _, sym := range syms {
		switch {
		case sym.Name == "" || elf.ST_TYPE(sym.Info) == elf.STT_SECTION:

		case sym.Section == elf.SHN_UNDEF:
			unit.Undefined = append(unit.Undefined, sym.Name)

		case sym.Section == elf.SHN_COMMON:
			unit.Data = append(unit.Data, &DataObject{
				Name:    sym.Name,
				Binding: symBinding(sym),
				Section: ".bss",
				Data:    make([]byte, sym.Size),
				Common:  true,
				Origin:  origin,
			})

		case sym.Section < elf.SectionIndex(len(se.Sections)):
			bySection[sym.Section] = append(bySection[sym.Section], sym)
		}
	}

	for i, sec := range se.Sections {
		idx := elf.SectionIndex(i)
		switch {
		case sec.Type == elf.SHT_PROGBITS && sec.Flags&elf.SHF_EXECINSTR != 0:
			fns, err := parseTextSection(se, idx, bySection[idx], syms)
			if err != nil {
				return nil, &FormatError{Path: path, Member: member, Err: err}
			}
			for _, fn := range fns {
				fn.Origin = origin
			}
			unit.Functions = append(unit.Functions, fns...)

		case dataSection(sec.Name):
			data, err := se.SectionData(sec)
			if err != nil {
				return nil, formatErr("section %s: %s", sec.Name, err)
			}
			for _, sym := range bySection[idx] {
				if sym.Size == 0 {
					continue
				}
				if sym.Value+sym.Size > uint64(len(data)) && sec.Type != elf.SHT_NOBITS {
					return nil, formatErr("symbol %s exceeds section %s", sym.Name, sec.Name)
				}
				contents := make([]byte, sym.Size)
				if sec.Type != elf.SHT_NOBITS {
					copy(contents, data[sym.Value:sym.Value+sym.Size])
				}
				unit.Data = append(unit.Data, &DataObject{
					Name:    sym.Name,
					Binding: symBinding(sym),
					Section: sec.Name,
					Data:    contents,
					Origin:  origin,
				})
			}
		}
	}

	return unit, nil
}

func symBinding(sym elf.Symbol) Binding {
	switch elf.ST_BIND(sym.Info) {
	case elf.STB_WEAK:
		return WeakBinding
	case elf.STB_GLOBAL:
		return GlobalBinding
	default:
		return LocalBinding
	}
}

// parseTextSection decodes one executable section into functions,
// split at symbol boundaries, with relocations applied as references.
func parseTextSection(se *internal.SafeELFFile, idx elf.SectionIndex, local []elf.Symbol, syms []elf.Symbol) ([]*Function, error) {
	sec := se.Sections[idx]
	data, err := se.SectionData(sec)
	if err != nil {
		return nil, fmt.Errorf("section %s: %s", sec.Name, err)
	}
	if len(data)%asm.InstructionSize != 0 {
		return nil, fmt.Errorf("section %s: size %d is not a multiple of %d", sec.Name, len(data), asm.InstructionSize)
	}

	var insns asm.Instructions
	offsets, err := insns.Unmarshal(bytes.NewReader(data), internal.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("section %s: %s", sec.Name, err)
	}

	if err := applyRelocations(se, idx, insns, offsets, syms); err != nil {
		return nil, err
	}

	// Mark function entry points. Sorting by value makes splitting
	// independent of symbol table order.
	funcSyms := make([]elf.Symbol, 0, len(local))
	for _, sym := range local {
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC || (elf.ST_TYPE(sym.Info) == elf.STT_NOTYPE && sym.Size > 0) {
			funcSyms = append(funcSyms, sym)
		}
	}
	sort.Slice(funcSyms, func(i, j int) bool { return funcSyms[i].Value < funcSyms[j].Value })

	if len(funcSyms) == 0 {
		if len(insns) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("section %s: no function symbol", sec.Name)
	}
	if funcSyms[0].Value != 0 {
		return nil, fmt.Errorf("section %s: code before first function symbol %s", sec.Name, funcSyms[0].Name)
	}

	var fns []*Function
	for i, sym := range funcSyms {
		start, ok := offsets[sym.Value]
		if !ok {
			return nil, fmt.Errorf("section %s: symbol %s is not on an instruction boundary", sec.Name, sym.Name)
		}
		end := len(insns)
		if i+1 < len(funcSyms) {
			end, ok = offsets[funcSyms[i+1].Value]
			if !ok {
				return nil, fmt.Errorf("section %s: symbol %s is not on an instruction boundary", sec.Name, funcSyms[i+1].Name)
			}
		}
		if start >= end {
			return nil, fmt.Errorf("section %s: function %s is empty", sec.Name, sym.Name)
		}

		body := make(asm.Instructions, end-start)
		copy(body, insns[start:end])
		body[0] = body[0].Sym(sym.Name)

		fns = append(fns, &Function{
			Name:    sym.Name,
			Binding: symBinding(sym),
			Insns:   body,
		})
	}

	return fns, nil
}

// applyRelocations rewrites relocated instructions to carry symbolic
// references.
//
// Call relocations reference the target by name. Address relocations
// against section symbols carry the final address in the instruction's
// immediate, or in the addend for RELA entries; the containing data
// symbol is recovered from it, and the immediate is reduced to the
// offset inside that symbol.
func applyRelocations(se *internal.SafeELFFile, idx elf.SectionIndex, insns asm.Instructions, offsets map[uint64]int, syms []elf.Symbol) error {
	for _, rsec := range se.Sections {
		if rsec.Type != elf.SHT_REL && rsec.Type != elf.SHT_RELA {
			continue
		}
		if elf.SectionIndex(rsec.Info) != idx {
			continue
		}

		data, err := se.SectionData(rsec)
		if err != nil {
			return fmt.Errorf("section %s: %s", rsec.Name, err)
		}

		entsize := 16
		if rsec.Type == elf.SHT_RELA {
			entsize = 24
		}
		if len(data)%entsize != 0 {
			return fmt.Errorf("section %s: truncated relocations", rsec.Name)
		}

		for pos := 0; pos < len(data); pos += entsize {
			off := internal.ByteOrder.Uint64(data[pos : pos+8])
			info := internal.ByteOrder.Uint64(data[pos+8 : pos+16])

			symIdx := int(info >> 32)
			if symIdx == 0 || symIdx > len(syms) {
				return fmt.Errorf("section %s: relocation against out of range symbol %d", rsec.Name, symIdx)
			}
			sym := syms[symIdx-1]

			insIdx, ok := offsets[off]
			if !ok {
				return fmt.Errorf("section %s: relocation at %#x is not on an instruction boundary", rsec.Name, off)
			}
			ins := &insns[insIdx]

			// RELA entries carry the addend explicitly instead of in
			// the relocated immediate.
			if rsec.Type == elf.SHT_RELA {
				ins.Constant = int64(internal.ByteOrder.Uint64(data[pos+16 : pos+24]))
			}

			if elf.ST_TYPE(sym.Info) != elf.STT_SECTION {
				ins.Reference = sym.Name
				continue
			}

			// Relocation against a section symbol: the immediate is an
			// address inside that section. Attribute it to the data
			// symbol containing the address.
			target, within, err := symbolAt(se, syms, elf.SectionIndex(sym.Section), uint64(ins.Constant))
			if err != nil {
				return fmt.Errorf("section %s: relocation at %#x: %s", rsec.Name, off, err)
			}
			ins.Reference = target
			ins.Constant = int64(within)
		}
	}
	return nil
}

// symbolAt finds the data symbol covering addr in the given section.
func symbolAt(se *internal.SafeELFFile, syms []elf.Symbol, idx elf.SectionIndex, addr uint64) (string, uint64, error) {
	for _, sym := range syms {
		if sym.Section != idx || sym.Name == "" || sym.Size == 0 {
			continue
		}
		if addr >= sym.Value && addr < sym.Value+sym.Size {
			return sym.Name, addr - sym.Value, nil
		}
	}

	name := "?"
	if int(idx) < len(se.Sections) {
		name = se.Sections[idx].Name
	}
	return "", 0, fmt.Errorf("no symbol covers %s+%#x", name, addr)
}
