package internal

import (
	"debug/elf"
	"fmt"
	"io"
)

// SafeELFFile wraps debug/elf for use on untrusted input.
type SafeELFFile struct {
	*elf.File
}

// NewSafeELFFile reads an ELF safely.
//
// Any panic during parsing is turned into an error. This is necessary since
// there are a bunch of unfixed bugs in debug/elf.
//
// https://github.com/golang/go/issues?q=is%3Aissue+is%3Aopen+debug%2Felf+in%3Atitle
func NewSafeELFFile(r io.ReaderAt) (safe *SafeELFFile, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		safe = nil
		err = fmt.Errorf("reading ELF file panicked: %s", r)
	}()

	file, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}

	return &SafeELFFile{file}, nil
}

// Symbols is the safe version of elf.File.Symbols.
func (se *SafeELFFile) Symbols() (syms []elf.Symbol, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		syms = nil
		err = fmt.Errorf("reading ELF symbols panicked: %s", r)
	}()

	syms, err = se.File.Symbols()
	return
}

// SectionData is the safe version of elf.Section.Data.
func (se *SafeELFFile) SectionData(sec *elf.Section) (data []byte, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		data = nil
		err = fmt.Errorf("reading ELF section %s panicked: %s", sec.Name, r)
	}()

	data, err = sec.Data()
	return
}

// IsRelocatable returns true if the ELF is a relocatable object
// produced by a BPF targeting compiler.
func (se *SafeELFFile) IsRelocatable() bool {
	return se.Type == elf.ET_REL && (se.Machine == elf.EM_BPF || se.Machine == elf.EM_NONE)
}
