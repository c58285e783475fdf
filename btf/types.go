package btf

// TypeID identifies a type in a BTF section.
type TypeID uint32

// Type represents a type described by BTF.
type Type interface {
	TypeName() string
}

// Void is the unit type of BTF. It has the fixed ID 0.
type Void struct{}

func (Void) TypeName() string { return "void" }

// IntEncoding describes how an integer is interpreted.
type IntEncoding uint32

const (
	Unsigned IntEncoding = 0
	Signed   IntEncoding = 1 << 0
	Char     IntEncoding = 1 << 1
	Bool     IntEncoding = 1 << 2
)

// Int is an integer of a given length.
type Int struct {
	Name string

	// Size of the integer in bytes.
	Size     uint32
	Encoding IntEncoding
}

func (i *Int) TypeName() string { return i.Name }

// Pointer is a pointer to another type.
type Pointer struct {
	Target Type
}

func (*Pointer) TypeName() string { return "" }

// FuncParam is a parameter of a FuncProto.
type FuncParam struct {
	Name string
	Type Type
}

// FuncProto is a function signature.
type FuncProto struct {
	Return Type
	Params []FuncParam
}

func (*FuncProto) TypeName() string { return "" }

// FuncLinkage describes BTF function linkage metadata.
type FuncLinkage uint32

const (
	StaticFunc FuncLinkage = iota
	GlobalFunc
	ExternFunc
)

// Func is a function definition.
type Func struct {
	Name    string
	Type    *FuncProto
	Linkage FuncLinkage
}

func (f *Func) TypeName() string { return f.Name }

// VarLinkage describes BTF variable linkage metadata.
type VarLinkage uint32

const (
	StaticVar VarLinkage = iota
	GlobalVar
	ExternVar
)

// Var is a global variable.
type Var struct {
	Name    string
	Type    Type
	Linkage VarLinkage
}

func (v *Var) TypeName() string { return v.Name }

// DatasecEntry describes a variable's location inside a Datasec.
type DatasecEntry struct {
	Type   *Var
	Offset uint32
	Size   uint32
}

// Datasec is a global program section containing variables, e.g.
// .rodata.
type Datasec struct {
	Name string
	Size uint32
	Vars []DatasecEntry
}

func (d *Datasec) TypeName() string { return d.Name }
