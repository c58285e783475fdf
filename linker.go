package sbpf

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/sbpf-tools/sbpf/internal"
)

// Options configures a single link invocation. The zero value is not
// usable; fill in at least Inputs and Output.
type Options struct {
	// Inputs are object files, archives, or -l<name> library
	// references, in resolution order.
	Inputs []string

	// Output is the artifact path.
	Output string

	Cpu      Cpu
	OptLevel OptLevel

	// LibraryPaths are the -L directories searched for -l inputs.
	LibraryPaths []string

	// Exports are symbol names kept visible in the artifact.
	Exports []string
	// ExportFile optionally names a newline delimited symbol list.
	ExportFile string

	UnrollLoops       bool
	IgnoreInlineNever bool
	InsertTraps       bool

	// DisableExpandMemcpyInOrder keeps fixed length memory intrinsics
	// as calls.
	DisableExpandMemcpyInOrder bool
	// DisableMemoryBuiltins forbids redirecting memory intrinsics to
	// runtime syscalls.
	DisableMemoryBuiltins bool

	// EmitBTF embeds a .BTF section in the artifact.
	EmitBTF bool

	// DumpModule optionally names a path the legalized module is
	// disassembled to, before code generation.
	DumpModule string

	// ExtraArgs are passed to the backend verbatim.
	ExtraArgs []string

	// FatalErrors aborts the link on error severity backend
	// diagnostics. Without it they are logged and emission proceeds
	// best effort.
	FatalErrors bool

	// Backend overrides the default code generator.
	Backend Backend

	// Log receives stage progress. Defaults to a discarding logger.
	Log *logrus.Logger
}

// Linker drives the pipeline. All state is held here; two linkers
// never share anything.
type Linker struct {
	opts  Options
	log   *logrus.Logger
	diags internal.Diagnostics

	artifact *Artifact
}

// New validates the options and prepares a Linker.
func New(opts Options) (*Linker, error) {
	if len(opts.Inputs) == 0 {
		return nil, errors.New("no input files")
	}
	if opts.Output == "" {
		return nil, errors.New("no output path")
	}
	if opts.Backend == nil {
		opts.Backend = NewBackend()
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
		opts.Log.SetOutput(io.Discard)
	}
	return &Linker{opts: opts, log: opts.Log}, nil
}

// Artifact returns the linked artifact after a successful Link.
func (l *Linker) Artifact() *Artifact {
	return l.artifact
}

// HasErrors returns true if the backend reported error severity
// diagnostics, even in non fatal mode.
func (l *Linker) HasErrors() bool {
	return l.diags.HasErrors()
}

// Link runs the pipeline and writes the artifact to the output path.
func (l *Linker) Link() error {
	units, err := loadInputs(l.opts.Inputs, l.opts.LibraryPaths)
	if err != nil {
		return err
	}
	l.log.WithField("units", len(units)).Debug("parsed inputs")

	table, err := resolveSymbols(units)
	if err != nil {
		return err
	}

	requested := append([]string(nil), l.opts.Exports...)
	if l.opts.ExportFile != "" {
		fromFile, err := readExportFile(l.opts.ExportFile)
		if err != nil {
			return err
		}
		requested = append(requested, fromFile...)
	}

	// Exports and the entry point keep their defining archive members
	// alive even when nothing else refers to them.
	roots := append([]string{EntrypointSymbol}, requested...)
	live := markLiveUnits(units, table, roots)
	l.log.WithFields(logrus.Fields{
		"live":  len(live),
		"total": len(units),
	}).Debug("marked live units")

	if err := checkUnresolved(live, table); err != nil {
		return err
	}

	mod := mergeUnits(live, table)

	cfg := LegalizationConfig{
		Cpu:                 l.opts.Cpu,
		UnrollLoops:         l.opts.UnrollLoops,
		IgnoreInlineNever:   l.opts.IgnoreInlineNever,
		ExpandMemcpyInOrder: !l.opts.DisableExpandMemcpyInOrder,
		MemoryBuiltins:      !l.opts.DisableMemoryBuiltins,
		InsertTraps:         l.opts.InsertTraps,
	}
	runtimeSyms, err := legalize(mod, cfg)
	if err != nil {
		return err
	}

	if l.opts.DumpModule != "" {
		if err := dumpModule(l.opts.DumpModule, mod); err != nil {
			return err
		}
		l.log.WithField("path", l.opts.DumpModule).Debug("dumped module")
	}

	exports, err := buildExportSet(mod, requested, runtimeSyms, l.log)
	if err != nil {
		return err
	}
	internalize(mod, exports)

	artifact, err := l.opts.Backend.Compile(mod, BackendOptions{
		Cpu:         l.opts.Cpu,
		OptLevel:    l.opts.OptLevel,
		Exports:     exports,
		EmitBTF:     l.opts.EmitBTF,
		ExtraArgs:   l.opts.ExtraArgs,
		Diagnostics: &l.diags,
	})
	if err != nil {
		return err
	}

	for _, diag := range l.diags.All() {
		entry := l.log.WithField("stage", "backend")
		switch diag.Severity {
		case internal.SeverityError:
			entry.Error(diag.Message)
		case internal.SeverityWarning:
			entry.Warn(diag.Message)
		default:
			entry.Info(diag.Message)
		}
	}
	if l.diags.HasErrors() && l.opts.FatalErrors {
		return &BackendError{
			Diagnostics: l.diags.All(),
			Summary:     l.diags.ErrorSummary(),
		}
	}

	if err := writeOutput(l.opts.Output, artifact.Contents); err != nil {
		return err
	}
	l.artifact = artifact
	l.log.WithFields(logrus.Fields{
		"path":     l.opts.Output,
		"build_id": artifact.BuildID,
	}).Info("wrote artifact")

	return nil
}
