package sbpf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbpf-tools/sbpf/asm"
	"github.com/sbpf-tools/sbpf/internal"
)

// objSym describes one symbol of a synthetic relocatable object.
type objSym struct {
	name    string
	section string // ".text", ".rodata" or "" for undefined
	value   uint64
	size    uint64
	bind    elf.SymBind
	typ     elf.SymType
}

// objRel is a relocation applied to .text. The addend only matters
// for RELA form objects.
type objRel struct {
	off    uint64 // byte offset of the relocated instruction
	sym    string
	addend int64
}

func mustMarshal(tb testing.TB, insns asm.Instructions) []byte {
	tb.Helper()

	var buf bytes.Buffer
	if err := insns.Marshal(&buf, internal.ByteOrder); err != nil {
		tb.Fatalf("marshal instructions: %s", err)
	}
	return buf.Bytes()
}

// buildObject assembles a minimal ET_REL object the loader accepts.
func buildObject(tb testing.TB, text, rodata []byte, syms []objSym, rels []objRel) []byte {
	tb.Helper()
	return buildRelocatable(tb, text, rodata, syms, rels, false)
}

// buildRelaObject is buildObject with RELA form relocations.
func buildRelaObject(tb testing.TB, text, rodata []byte, syms []objSym, rels []objRel) []byte {
	tb.Helper()
	return buildRelocatable(tb, text, rodata, syms, rels, true)
}

func buildRelocatable(tb testing.TB, text, rodata []byte, syms []objSym, rels []objRel, rela bool) []byte {
	tb.Helper()

	// Symbol table: null, locals, globals.
	ordered := make([]objSym, 0, len(syms))
	for _, sym := range syms {
		if sym.bind == elf.STB_LOCAL {
			ordered = append(ordered, sym)
		}
	}
	firstGlobal := len(ordered) + 1
	for _, sym := range syms {
		if sym.bind != elf.STB_LOCAL {
			ordered = append(ordered, sym)
		}
	}

	indexOf := func(name string) uint64 {
		for i, sym := range ordered {
			if sym.name == name {
				return uint64(i + 1)
			}
		}
		tb.Fatalf("relocation against unknown symbol %s", name)
		return 0
	}

	strtab := []byte{0}
	nameOff := func(name string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
		return off
	}

	sectionIndex := func(name string) uint16 {
		switch name {
		case ".text":
			return 1
		case ".rodata":
			return 2
		default:
			return uint16(elf.SHN_UNDEF)
		}
	}

	var symtab bytes.Buffer
	symtab.Write(make([]byte, 24))
	for _, sym := range ordered {
		rec := struct {
			Name  uint32
			Info  uint8
			Other uint8
			Shndx uint16
			Value uint64
			Size  uint64
		}{
			Name:  nameOff(sym.name),
			Info:  uint8(sym.bind)<<4 | uint8(sym.typ),
			Shndx: sectionIndex(sym.section),
			Value: sym.value,
			Size:  sym.size,
		}
		binary.Write(&symtab, internal.ByteOrder, rec)
	}

	type sec struct {
		name    string
		typ     elf.SectionType
		flags   elf.SectionFlag
		data    []byte
		link    uint32
		info    uint32
		entsize uint64
	}

	var reltab bytes.Buffer
	for _, rel := range rels {
		binary.Write(&reltab, internal.ByteOrder, rel.off)
		binary.Write(&reltab, internal.ByteOrder, indexOf(rel.sym)<<32|1)
		if rela {
			binary.Write(&reltab, internal.ByteOrder, rel.addend)
		}
	}
	relSec := sec{name: ".rel.text", typ: elf.SHT_REL, data: reltab.Bytes(), link: 4, info: 1, entsize: 16}
	if rela {
		relSec = sec{name: ".rela.text", typ: elf.SHT_RELA, data: reltab.Bytes(), link: 4, info: 1, entsize: 24}
	}

	sections := []sec{
		{},
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: text},
		{name: ".rodata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: rodata},
		relSec,
		{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab.Bytes(), link: 5, info: uint32(firstGlobal), entsize: 24},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
	}

	shstrtab := []byte{0}
	shNameOff := make([]uint32, len(sections)+1)
	for i, s := range sections[1:] {
		shNameOff[i+1] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	shNameOff[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	sections = append(sections, sec{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab})

	offsets := make([]uint64, len(sections))
	pos := uint64(64)
	for i, s := range sections[1:] {
		pos = internal.Align(pos, 8)
		offsets[i+1] = pos
		pos += uint64(len(s.data))
	}
	shoff := internal.Align(pos, 8)

	var out bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	out.Write(ident[:])
	hdr := struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		Phoff     uint64
		Shoff     uint64
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_BPF),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	}
	binary.Write(&out, internal.ByteOrder, hdr)

	for i, s := range sections[1:] {
		for uint64(out.Len()) < offsets[i+1] {
			out.WriteByte(0)
		}
		out.Write(s.data)
	}
	for uint64(out.Len()) < shoff {
		out.WriteByte(0)
	}

	for i, s := range sections {
		shdr := struct {
			Name      uint32
			Type      uint32
			Flags     uint64
			Addr      uint64
			Off       uint64
			Size      uint64
			Link      uint32
			Info      uint32
			Addralign uint64
			Entsize   uint64
		}{
			Name:    shNameOff[i],
			Type:    uint32(s.typ),
			Flags:   uint64(s.flags),
			Off:     offsets[i],
			Size:    uint64(len(s.data)),
			Link:    s.link,
			Info:    s.info,
			Entsize: s.entsize,
		}
		binary.Write(&out, internal.ByteOrder, shdr)
	}

	return out.Bytes()
}

// buildArchive wraps members in the !<arch> format.
func buildArchive(tb testing.TB, members map[string][]byte, order []string) []byte {
	tb.Helper()

	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, name := range order {
		data := members[name]
		fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name+"/", "0", "0", "0", "644", len(data))
		buf.Write(data)
		if len(data)%2 != 0 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// writeTempFile writes contents into a fresh temp directory and
// returns the file path.
func writeTempFile(tb testing.TB, name string, contents []byte) string {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		tb.Fatalf("write %s: %s", name, err)
	}
	return path
}

// writeTempDir is like writeTempFile but returns the directory.
func writeTempDir(tb testing.TB, name string, contents []byte) string {
	tb.Helper()

	return filepath.Dir(writeTempFile(tb, name, contents))
}

// simpleFunc returns a unit with one function of the given binding.
func simpleFunc(name string, binding Binding, insns asm.Instructions) *Function {
	insns[0] = insns[0].Sym(name)
	return &Function{Name: name, Binding: binding, Insns: insns}
}

// returnUnit builds a CompilationUnit defining a single global
// function that returns a constant.
func returnUnit(path, fn string, value int32) *CompilationUnit {
	return &CompilationUnit{
		Path: path,
		Functions: []*Function{
			simpleFunc(fn, GlobalBinding, asm.Instructions{
				asm.Mov.Imm(asm.R0, value),
				asm.Return(),
			}),
		},
	}
}
