package btf

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Magic of a BTF blob, little-endian.
const Magic = 0xeB9F

const btfHeaderLen = 24

type btfHeader struct {
	Magic   uint16
	Version uint8
	Flags   uint8
	HdrLen  uint32

	TypeOff uint32
	TypeLen uint32
	StrOff  uint32
	StrLen  uint32
}

// Kinds of BTF types.
const (
	kindInt       = 1
	kindPointer   = 2
	kindFunc      = 12
	kindFuncProto = 13
	kindVar       = 14
	kindDatasec   = 15
)

// btfType is the on-disk representation common to all kinds.
type btfType struct {
	NameOff uint32
	// Info is kind<<24 | kindFlag<<31 | vlen.
	Info uint32
	// SizeType is either the byte size or a referenced TypeID,
	// depending on the kind.
	SizeType uint32
}

func typeInfo(kind uint32, vlen int) uint32 {
	return kind<<24 | uint32(vlen)&0xffff
}

// Builder assembles a BTF blob from types.
//
// Types are deduplicated by identity, not structure: adding the same
// pointer twice yields one entry, adding two equivalent types yields
// two.
type Builder struct {
	types   []Type
	ids     map[Type]TypeID
	strings *stringTableBuilder
}

// NewBuilder returns a Builder with an empty type section.
func NewBuilder() *Builder {
	return &Builder{
		ids:     make(map[Type]TypeID),
		strings: newStringTableBuilder(),
	}
}

// Add assigns an ID to typ, adding any referenced types first.
//
// Void has the fixed ID 0 and is never written out.
func (b *Builder) Add(typ Type) (TypeID, error) {
	if _, ok := typ.(Void); ok {
		return 0, nil
	}
	if typ == nil {
		return 0, nil
	}

	if id, ok := b.ids[typ]; ok {
		return id, nil
	}

	// Depth-first so that referenced types have smaller IDs, which is
	// what deduplicating readers expect.
	switch t := typ.(type) {
	case *Pointer:
		if _, err := b.Add(t.Target); err != nil {
			return 0, err
		}
	case *FuncProto:
		if _, err := b.Add(t.Return); err != nil {
			return 0, err
		}
		for _, p := range t.Params {
			if _, err := b.Add(p.Type); err != nil {
				return 0, err
			}
		}
	case *Func:
		if _, err := b.Add(t.Type); err != nil {
			return 0, err
		}
	case *Var:
		if _, err := b.Add(t.Type); err != nil {
			return 0, err
		}
	case *Datasec:
		for _, v := range t.Vars {
			if _, err := b.Add(v.Type); err != nil {
				return 0, err
			}
		}
	case *Int:
		// Leaf.
	default:
		return 0, errors.Errorf("unsupported BTF kind %T", typ)
	}

	b.types = append(b.types, typ)
	id := TypeID(len(b.types))
	b.ids[typ] = id
	return id, nil
}

func (b *Builder) id(typ Type) uint32 {
	if typ == nil {
		return 0
	}
	if _, ok := typ.(Void); ok {
		return 0
	}
	return uint32(b.ids[typ])
}

// Marshal returns the BTF blob for all added types.
func (b *Builder) Marshal() ([]byte, error) {
	var typeSec bytes.Buffer

	w := func(v interface{}) error {
		return binary.Write(&typeSec, binary.LittleEndian, v)
	}

	for _, typ := range b.types {
		nameOff, err := b.strings.Add(typ.TypeName())
		if err != nil {
			return nil, err
		}

		switch t := typ.(type) {
		case *Int:
			if err := w(btfType{nameOff, typeInfo(kindInt, 0), t.Size}); err != nil {
				return nil, err
			}
			if err := w(uint32(t.Encoding)<<24 | t.Size*8); err != nil {
				return nil, err
			}

		case *Pointer:
			if err := w(btfType{0, typeInfo(kindPointer, 0), b.id(t.Target)}); err != nil {
				return nil, err
			}

		case *FuncProto:
			if err := w(btfType{0, typeInfo(kindFuncProto, len(t.Params)), b.id(t.Return)}); err != nil {
				return nil, err
			}
			for _, p := range t.Params {
				pOff, err := b.strings.Add(p.Name)
				if err != nil {
					return nil, err
				}
				if err := w([2]uint32{pOff, b.id(p.Type)}); err != nil {
					return nil, err
				}
			}

		case *Func:
			if err := w(btfType{nameOff, typeInfo(kindFunc, int(t.Linkage)), b.id(t.Type)}); err != nil {
				return nil, err
			}

		case *Var:
			if err := w(btfType{nameOff, typeInfo(kindVar, 0), b.id(t.Type)}); err != nil {
				return nil, err
			}
			if err := w(uint32(t.Linkage)); err != nil {
				return nil, err
			}

		case *Datasec:
			if err := w(btfType{nameOff, typeInfo(kindDatasec, len(t.Vars)), t.Size}); err != nil {
				return nil, err
			}
			for _, v := range t.Vars {
				if err := w([3]uint32{b.id(v.Type), v.Offset, v.Size}); err != nil {
					return nil, err
				}
			}

		default:
			return nil, errors.Errorf("unsupported BTF kind %T", typ)
		}
	}

	strSec := b.strings.Marshal()

	var blob bytes.Buffer
	hdr := btfHeader{
		Magic:   Magic,
		Version: 1,
		HdrLen:  btfHeaderLen,
		TypeOff: 0,
		TypeLen: uint32(typeSec.Len()),
		StrOff:  uint32(typeSec.Len()),
		StrLen:  uint32(len(strSec)),
	}
	if err := binary.Write(&blob, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	blob.Write(typeSec.Bytes())
	blob.Write(strSec)

	return blob.Bytes(), nil
}
