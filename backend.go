package sbpf

import (
	"bytes"
	"fmt"

	"github.com/sbpf-tools/sbpf/asm"
	"github.com/sbpf-tools/sbpf/internal"
)

// MMProgramStart is the virtual address programs are loaded at.
const MMProgramStart = 0x1_0000_0000

// BackendOptions carries everything the code generator needs beyond
// the module itself.
type BackendOptions struct {
	Cpu      Cpu
	OptLevel OptLevel

	// Exports names the symbols that stay visible; everything else is
	// subject to dead code elimination.
	Exports map[string]bool

	// EmitBTF embeds type information describing the artifact.
	EmitBTF bool

	// ExtraArgs are backend directives passed through from the
	// command line. Unknown directives produce a warning diagnostic.
	ExtraArgs []string

	// Diagnostics collects backend messages. May be nil, in which
	// case they are discarded.
	Diagnostics *internal.Diagnostics
}

// Backend turns a legalized module into a loadable artifact. Its
// internal representation never leaks back into the pipeline.
type Backend interface {
	Compile(mod *Module, opts BackendOptions) (*Artifact, error)
}

// Artifact is a finished shared object.
type Artifact struct {
	Contents []byte

	// BuildID is the base58 rendering of the artifact's content hash.
	BuildID string
}

// sbpfBackend is the default backend, an SBPF V0 ELF emitter.
type sbpfBackend struct{}

// NewBackend returns the default code generation backend.
func NewBackend() Backend {
	return sbpfBackend{}
}

func (sbpfBackend) Compile(mod *Module, opts BackendOptions) (*Artifact, error) {
	if opts.Diagnostics == nil {
		opts.Diagnostics = new(internal.Diagnostics)
	}

	for _, arg := range opts.ExtraArgs {
		opts.Diagnostics.Add(internal.SeverityWarning, "ignoring unknown backend directive %q", arg)
	}

	fns, data := eliminateDeadCode(mod, opts)

	if opts.OptLevel != OptNone {
		for _, fn := range fns {
			insns, err := peephole(fn.Insns)
			if err != nil {
				opts.Diagnostics.Add(internal.SeverityError, "peephole on %s: %s", fn.Name, err)
				continue
			}
			fn.Insns = insns
		}
	}

	image, err := layout(fns, data)
	if err != nil {
		return nil, err
	}

	contents, buildID, err := writeELF(image, opts)
	if err != nil {
		return nil, err
	}

	return &Artifact{Contents: contents, BuildID: buildID}, nil
}

// eliminateDeadCode keeps functions reachable from the export set.
//
// Data is dropped only at the size optimization levels, and only when
// no surviving function references it.
func eliminateDeadCode(mod *Module, opts BackendOptions) ([]*Function, []*DataObject) {
	roots := make([]*Function, 0, len(opts.Exports))
	for _, fn := range mod.Functions {
		if opts.Exports[fn.Name] {
			roots = append(roots, fn)
		}
	}
	if len(roots) == 0 {
		// Without visible roots everything is presumed needed.
		return mod.Functions, mod.Data
	}

	live := make(map[string]bool)
	queue := roots
	for _, fn := range roots {
		live[fn.Name] = true
	}
	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		for _, ref := range fn.References() {
			if live[ref] {
				continue
			}
			if target := mod.Function(ref); target != nil {
				live[ref] = true
				queue = append(queue, target)
			} else if mod.DataObject(ref) != nil {
				live[ref] = true
			}
		}
	}

	var fns []*Function
	for _, fn := range mod.Functions {
		if live[fn.Name] {
			fns = append(fns, fn)
		}
	}

	sizeOpt := opts.OptLevel == OptSize || opts.OptLevel == OptSizeMin
	var data []*DataObject
	for _, obj := range mod.Data {
		if sizeOpt && !live[obj.Name] && !opts.Exports[obj.Name] {
			continue
		}
		data = append(data, obj)
	}
	return fns, data
}

// peephole removes instructions with no architectural effect: jumps to
// the next instruction and additive no-ops. Instructions carrying a
// symbol stay put.
func peephole(insns asm.Instructions) (asm.Instructions, error) {
	for {
		idx := -1
		for i, ins := range insns {
			if ins.Symbol != "" {
				continue
			}
			if removableNop(ins) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return insns, nil
		}

		out, err := spliceInsns(insns, idx, idx+1, nil)
		if err != nil {
			// A jump targets the no-op's interior, which cannot
			// happen for single instructions; treat as corrupt input.
			return nil, err
		}
		insns = out
	}
}

func removableNop(ins asm.Instruction) bool {
	if ins.Reference != "" {
		return false
	}
	if ins.OpCode.JumpOp() == asm.Ja && ins.Offset == 0 {
		return true
	}
	switch ins.OpCode.ALUOp() {
	case asm.Add, asm.Sub, asm.Or, asm.Xor, asm.LSh, asm.RSh, asm.ArSh:
		return ins.OpCode.Source() == asm.ImmSource && ins.Constant == 0
	}
	return false
}

// programImage is the laid out module, ready for ELF emission.
type programImage struct {
	// Text is the marshaled instruction stream.
	Text []byte
	// Rodata is the concatenated data blob following the text.
	Rodata []byte

	// Symbols maps every function and data name to its virtual
	// address and size.
	Symbols []imageSymbol
}

type imageSymbol struct {
	Name string
	Addr uint64
	Size uint64
	Func bool
	// Global symbols end up in the dynamic table.
	Global bool
}

// layout places the entry point first, resolves call and data
// references, and marshals the final instruction stream.
func layout(fns []*Function, data []*DataObject) (*programImage, error) {
	ordered := make([]*Function, 0, len(fns))
	for _, fn := range fns {
		if fn.Name == EntrypointSymbol {
			ordered = append(ordered, fn)
		}
	}
	for _, fn := range fns {
		if fn.Name != EntrypointSymbol {
			ordered = append(ordered, fn)
		}
	}

	var insns asm.Instructions
	image := &programImage{}

	textWords := 0
	for _, fn := range ordered {
		words := 0
		for i, ins := range fn.Insns {
			if i == 0 {
				ins = ins.Sym(fn.Name)
			}
			words += ins.OpCode.Words()
			insns = append(insns, ins)
		}
		image.Symbols = append(image.Symbols, imageSymbol{
			Name:   fn.Name,
			Addr:   MMProgramStart + uint64(textWords)*asm.InstructionSize,
			Size:   uint64(words) * asm.InstructionSize,
			Func:   true,
			Global: fn.Binding != LocalBinding,
		})
		textWords += words
	}

	// Data follows the text, 8 byte aligned per object.
	addrs := make(map[string]uint64)
	base := MMProgramStart + uint64(textWords)*asm.InstructionSize
	var blob bytes.Buffer
	for _, obj := range data {
		if pad := internal.Padding(blob.Len(), 8); pad > 0 {
			blob.Write(make([]byte, pad))
		}
		addr := base + uint64(blob.Len())
		addrs[obj.Name] = addr
		blob.Write(obj.Data)
		image.Symbols = append(image.Symbols, imageSymbol{
			Name:   obj.Name,
			Addr:   addr,
			Size:   uint64(len(obj.Data)),
			Global: obj.Binding != LocalBinding,
		})
	}
	image.Rodata = blob.Bytes()

	// Rewrite references the marshaler cannot resolve itself: data
	// addresses into 64 bit immediates, syscall names into call
	// numbers.
	for i := range insns {
		ins := &insns[i]
		switch {
		case ins.IsLoadOfSymbol():
			addr, ok := addrs[ins.Reference]
			if !ok {
				return nil, fmt.Errorf("load of unknown symbol %s", ins.Reference)
			}
			ins.Constant = int64(addr + uint64(ins.Constant))
			ins.Reference = ""

		case ins.IsFunctionCall():
			fn, ok := asm.BuiltinFuncByName(ins.Reference)
			if !ok {
				continue
			}
			sym := ins.Symbol
			*ins = fn.Call()
			ins.Symbol = sym
		}
	}

	var text bytes.Buffer
	if err := insns.Marshal(&text, internal.ByteOrder); err != nil {
		return nil, err
	}
	image.Text = text.Bytes()

	return image, nil
}
