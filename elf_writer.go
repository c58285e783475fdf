package sbpf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/sbpf-tools/sbpf/btf"
	"github.com/sbpf-tools/sbpf/internal"
)

const (
	elfHeaderSize     = 64
	programHeaderSize = 56
	sectionHeaderSize = 64
	symbolSize        = 24

	// sbpfVersionFlag marks artifacts for CPU generations past v1.
	sbpfVersionFlag = 0x20

	// buildIDNoteType follows the GNU build id convention.
	buildIDNoteType = 3
)

// strtab accumulates a NUL separated string table.
type strtab struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStrtab() *strtab {
	st := &strtab{offsets: make(map[string]uint32)}
	st.buf.WriteByte(0)
	return st
}

func (st *strtab) insert(s string) uint32 {
	if off, ok := st.offsets[s]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.offsets[s] = off
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	return off
}

// section is one output section under construction.
type section struct {
	name      string
	typ       elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	data      []byte
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

// writeELF renders the program image as an ELF64 shared object.
func writeELF(image *programImage, opts BackendOptions) ([]byte, string, error) {
	hash := blake3.New()
	hash.Write(image.Text)
	hash.Write(image.Rodata)
	digest := hash.Sum(nil)
	buildID := base58.Encode(digest)

	rodataAddr := MMProgramStart + uint64(internal.Align(len(image.Text), 8))

	symtab, strs := buildSymtab(image, false)
	dynsym, dynstrs := buildSymtab(image, true)

	sections := []*section{
		{}, // SHN_UNDEF
		{
			name:      ".text",
			typ:       elf.SHT_PROGBITS,
			flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			addr:      MMProgramStart,
			data:      image.Text,
			addralign: 8,
			entsize:   8,
		},
		{
			name:      ".rodata",
			typ:       elf.SHT_PROGBITS,
			flags:     elf.SHF_ALLOC,
			addr:      rodataAddr,
			data:      image.Rodata,
			addralign: 8,
		},
		{
			name:      ".dynsym",
			typ:       elf.SHT_DYNSYM,
			flags:     elf.SHF_ALLOC,
			data:      dynsym,
			link:      4, // .dynstr
			info:      1, // only the null symbol is local
			addralign: 8,
			entsize:   symbolSize,
		},
		{
			name:      ".dynstr",
			typ:       elf.SHT_STRTAB,
			flags:     elf.SHF_ALLOC,
			data:      dynstrs,
			addralign: 1,
		},
		{
			name:      ".symtab",
			typ:       elf.SHT_SYMTAB,
			data:      symtab,
			link:      6, // .strtab
			info:      uint32(firstGlobal(image) + 1),
			addralign: 8,
			entsize:   symbolSize,
		},
		{
			name:      ".strtab",
			typ:       elf.SHT_STRTAB,
			data:      strs,
			addralign: 1,
		},
		{
			name:      ".note.sbpf.build-id",
			typ:       elf.SHT_NOTE,
			data:      buildIDNote(digest),
			addralign: 4,
		},
	}

	if opts.EmitBTF {
		btfData, err := buildBTF(image)
		if err != nil {
			return nil, "", err
		}
		sections = append(sections, &section{
			name:      ".BTF",
			typ:       elf.SHT_PROGBITS,
			data:      btfData,
			addralign: 4,
		})
	}

	shstrtab := newStrtab()
	for _, sec := range sections[1:] {
		shstrtab.insert(sec.name)
	}
	shstrtab.insert(".shstrtab")
	sections = append(sections, &section{
		name:      ".shstrtab",
		typ:       elf.SHT_STRTAB,
		data:      shstrtab.buf.Bytes(),
		addralign: 1,
	})

	// Layout: header, one program header, section contents, section
	// header table.
	offsets := make([]uint64, len(sections))
	pos := uint64(elfHeaderSize + programHeaderSize)
	for i, sec := range sections[1:] {
		align := sec.addralign
		if align == 0 {
			align = 1
		}
		pos = internal.Align(pos, align)
		offsets[i+1] = pos
		pos += uint64(len(sec.data))
	}
	shoff := internal.Align(pos, 8)

	var out bytes.Buffer
	le := internal.ByteOrder

	flags := uint32(0)
	if opts.Cpu >= CpuV2 {
		flags = sbpfVersionFlag
	}

	// ELF header.
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
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_BPF),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     MMProgramStart,
		Phoff:     elfHeaderSize,
		Shoff:     shoff,
		Flags:     flags,
		Ehsize:    elfHeaderSize,
		Phentsize: programHeaderSize,
		Phnum:     1,
		Shentsize: sectionHeaderSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	}
	binary.Write(&out, le, hdr)

	// One PT_LOAD covering text and rodata.
	loadSize := offsets[2] + uint64(len(image.Rodata)) - offsets[1]
	phdr := struct {
		Type   uint32
		Flags  uint32
		Off    uint64
		Vaddr  uint64
		Paddr  uint64
		Filesz uint64
		Memsz  uint64
		Align  uint64
	}{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    offsets[1],
		Vaddr:  MMProgramStart,
		Paddr:  MMProgramStart,
		Filesz: loadSize,
		Memsz:  loadSize,
		Align:  8,
	}
	binary.Write(&out, le, phdr)

	for i, sec := range sections[1:] {
		for uint64(out.Len()) < offsets[i+1] {
			out.WriteByte(0)
		}
		out.Write(sec.data)
	}
	for uint64(out.Len()) < shoff {
		out.WriteByte(0)
	}

	for i, sec := range sections {
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
			Type:      uint32(sec.typ),
			Flags:     uint64(sec.flags),
			Addr:      sec.addr,
			Off:       offsets[i],
			Size:      uint64(len(sec.data)),
			Link:      sec.link,
			Info:      sec.info,
			Addralign: sec.addralign,
			Entsize:   sec.entsize,
		}
		if i > 0 {
			shdr.Name = shstrtab.offsets[sec.name]
		}
		binary.Write(&out, le, shdr)
	}

	return out.Bytes(), buildID, nil
}

// buildSymtab renders the symbol table. The dynamic variant carries
// global symbols only; the full table lists locals first per the ELF
// ordering rule.
func buildSymtab(image *programImage, dynamic bool) ([]byte, []byte) {
	names := newStrtab()
	var out bytes.Buffer
	out.Write(make([]byte, symbolSize)) // null symbol

	emit := func(sym imageSymbol) {
		bind := elf.STB_LOCAL
		if sym.Global {
			bind = elf.STB_GLOBAL
		}
		typ := elf.STT_OBJECT
		shndx := uint16(2) // .rodata
		if sym.Func {
			typ = elf.STT_FUNC
			shndx = 1 // .text
		}

		rec := struct {
			Name  uint32
			Info  uint8
			Other uint8
			Shndx uint16
			Value uint64
			Size  uint64
		}{
			Name:  names.insert(sym.Name),
			Info:  uint8(bind)<<4 | uint8(typ),
			Shndx: shndx,
			Value: sym.Addr,
			Size:  sym.Size,
		}
		binary.Write(&out, internal.ByteOrder, rec)
	}

	for _, sym := range image.Symbols {
		if !sym.Global && !dynamic {
			emit(sym)
		}
	}
	for _, sym := range image.Symbols {
		if sym.Global {
			emit(sym)
		}
	}

	return out.Bytes(), names.buf.Bytes()
}

// firstGlobal returns the number of local symbols in the image.
func firstGlobal(image *programImage) int {
	n := 0
	for _, sym := range image.Symbols {
		if !sym.Global {
			n++
		}
	}
	return n
}

// buildIDNote renders the content digest as an ELF note.
func buildIDNote(digest []byte) []byte {
	const owner = "sbpf"

	var out bytes.Buffer
	binary.Write(&out, internal.ByteOrder, uint32(len(owner)+1))
	binary.Write(&out, internal.ByteOrder, uint32(len(digest)))
	binary.Write(&out, internal.ByteOrder, uint32(buildIDNoteType))
	out.WriteString(owner)
	out.WriteByte(0)
	for out.Len()%4 != 0 {
		out.WriteByte(0)
	}
	out.Write(digest)
	for out.Len()%4 != 0 {
		out.WriteByte(0)
	}
	return out.Bytes()
}

// buildBTF describes the artifact's functions and data.
func buildBTF(image *programImage) ([]byte, error) {
	b := btf.NewBuilder()

	long := &btf.Int{Name: "long", Size: 8, Encoding: btf.Signed}
	char := &btf.Int{Name: "char", Size: 1, Encoding: btf.Char}
	rodataAddr := MMProgramStart + uint64(internal.Align(len(image.Text), 8))

	var entries []btf.DatasecEntry
	var secSize uint32
	for _, sym := range image.Symbols {
		if sym.Func {
			linkage := btf.StaticFunc
			if sym.Global {
				linkage = btf.GlobalFunc
			}
			fn := &btf.Func{
				Name:    sym.Name,
				Type:    &btf.FuncProto{Return: long},
				Linkage: linkage,
			}
			if _, err := b.Add(fn); err != nil {
				return nil, err
			}
			continue
		}

		linkage := btf.StaticVar
		if sym.Global {
			linkage = btf.GlobalVar
		}
		v := &btf.Var{Name: sym.Name, Type: char, Linkage: linkage}
		if _, err := b.Add(v); err != nil {
			return nil, err
		}
		off := uint32(sym.Addr - rodataAddr)
		entries = append(entries, btf.DatasecEntry{
			Type:   v,
			Offset: off,
			Size:   uint32(sym.Size),
		})
		if end := off + uint32(sym.Size); end > secSize {
			secSize = end
		}
	}

	if len(entries) > 0 {
		sec := &btf.Datasec{Name: ".rodata", Size: secSize, Vars: entries}
		if _, err := b.Add(sec); err != nil {
			return nil, err
		}
	}

	return b.Marshal()
}
