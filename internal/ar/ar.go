// Package ar reads members from static archives.
//
// Linker inputs may be "!<arch>" archives as emitted by llvm-ar and
// friends. Only reading is supported, and only the parts a linker
// needs: member enumeration in archive order, with GNU style long
// names resolved. The symbol index ("/") is skipped since the linker
// builds its own symbol table from the members.
package ar

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Magic identifies the start of an archive.
const Magic = "!<arch>\n"

const headerSize = 60

// Member is a single archive member.
type Member struct {
	// Name of the member, without the trailing '/'.
	Name string
	Data []byte
}

// IsArchive returns true if data starts with the archive magic.
func IsArchive(data []byte) bool {
	return len(data) >= len(Magic) && string(data[:len(Magic)]) == Magic
}

// Members enumerates all regular members of an archive, in archive
// order.
func Members(data []byte) ([]Member, error) {
	if !IsArchive(data) {
		return nil, errors.New("not an archive")
	}

	var (
		members  []Member
		longName []byte
		pos      = len(Magic)
	)
	for pos < len(data) {
		if pos+headerSize > len(data) {
			return nil, fmt.Errorf("truncated member header at offset %d", pos)
		}
		hdr := data[pos : pos+headerSize]
		if hdr[58] != 0x60 || hdr[59] != 0x0a {
			return nil, fmt.Errorf("bad member header magic at offset %d", pos)
		}

		size, err := strconv.Atoi(strings.TrimSpace(string(hdr[48:58])))
		if err != nil || size < 0 {
			return nil, fmt.Errorf("bad member size at offset %d", pos)
		}

		body := pos + headerSize
		if body+size > len(data) {
			return nil, fmt.Errorf("truncated member at offset %d", pos)
		}
		contents := data[body : body+size]

		name := strings.TrimRight(string(hdr[:16]), " ")
		switch {
		case name == "/" || name == "__.SYMDEF" || name == "__.SYMDEF SORTED":
			// Symbol index, not a member.

		case name == "//":
			// GNU long name table.
			longName = contents

		case strings.HasPrefix(name, "/"):
			off, err := strconv.Atoi(name[1:])
			if err != nil || off < 0 || off >= len(longName) {
				return nil, fmt.Errorf("bad long name reference %q at offset %d", name, pos)
			}
			resolved := longName[off:]
			if i := bytes.IndexByte(resolved, '\n'); i >= 0 {
				resolved = resolved[:i]
			}
			members = append(members, Member{
				Name: strings.TrimSuffix(strings.TrimRight(string(resolved), " "), "/"),
				Data: contents,
			})

		default:
			members = append(members, Member{
				Name: strings.TrimSuffix(name, "/"),
				Data: contents,
			})
		}

		// Member bodies are padded to even offsets.
		pos = body + size
		if pos%2 != 0 {
			pos++
		}
	}

	return members, nil
}
