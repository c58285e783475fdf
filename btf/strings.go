package btf

import (
	"bytes"

	"github.com/pkg/errors"
)

// stringTableBuilder builds the string section of a BTF blob.
//
// The table starts with a single empty string, which anonymous types
// reference at offset zero.
type stringTableBuilder struct {
	offsets map[string]uint32
	buf     bytes.Buffer
}

func newStringTableBuilder() *stringTableBuilder {
	stb := &stringTableBuilder{
		offsets: make(map[string]uint32),
	}
	stb.buf.WriteByte(0)
	stb.offsets[""] = 0
	return stb
}

// Add returns the offset of str, appending it if necessary.
func (stb *stringTableBuilder) Add(str string) (uint32, error) {
	if bytes.IndexByte([]byte(str), 0) != -1 {
		return 0, errors.Errorf("string %q contains NUL", str)
	}

	if off, ok := stb.offsets[str]; ok {
		return off, nil
	}

	off := uint32(stb.buf.Len())
	stb.buf.WriteString(str)
	stb.buf.WriteByte(0)
	stb.offsets[str] = off
	return off, nil
}

// Length returns the current size of the table in bytes.
func (stb *stringTableBuilder) Length() int {
	return stb.buf.Len()
}

// Marshal returns the raw string section.
func (stb *stringTableBuilder) Marshal() []byte {
	return stb.buf.Bytes()
}
