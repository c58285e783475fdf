// Program sbpf-linker links SBPF object files and archives into a
// loadable shared object.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbpf-tools/sbpf"
)

type flags struct {
	cpu           string
	output        string
	btf           bool
	allowTrap     bool
	libraryPaths  []string
	optLevels     []string
	exportSymbols string
	exports       []string
	unrollLoops   bool
	ignoreInline  bool
	dumpModule    string
	llvmArgs      []string
	noExpand      bool
	noBuiltins    bool
	fatalErrors   bool
	debug         bool
}

func run(f *flags, inputs []string, log *logrus.Logger) error {
	cpu, err := sbpf.ParseCpu(f.cpu)
	if err != nil {
		return err
	}

	// -O repeats; the last one wins, like clang.
	level := "2"
	if len(f.optLevels) > 0 {
		level = f.optLevels[len(f.optLevels)-1]
	}
	opt, err := sbpf.ParseOptLevel(level)
	if err != nil {
		return err
	}

	var exports []string
	for _, arg := range f.exports {
		for _, name := range strings.Split(arg, ",") {
			if name = strings.TrimSpace(name); name != "" {
				exports = append(exports, name)
			}
		}
	}

	var extraArgs []string
	for _, arg := range f.llvmArgs {
		for _, directive := range strings.Split(arg, ",") {
			if directive != "" {
				extraArgs = append(extraArgs, directive)
			}
		}
	}

	linker, err := sbpf.New(sbpf.Options{
		Inputs:                     inputs,
		Output:                     f.output,
		Cpu:                        cpu,
		OptLevel:                   opt,
		LibraryPaths:               f.libraryPaths,
		Exports:                    exports,
		ExportFile:                 f.exportSymbols,
		UnrollLoops:                f.unrollLoops,
		IgnoreInlineNever:          f.ignoreInline,
		InsertTraps:                f.allowTrap,
		DisableExpandMemcpyInOrder: f.noExpand,
		DisableMemoryBuiltins:      f.noBuiltins,
		EmitBTF:                    f.btf,
		DumpModule:                 f.dumpModule,
		ExtraArgs:                  extraArgs,
		FatalErrors:                f.fatalErrors,
		Log:                        log,
	})
	if err != nil {
		return err
	}

	if err := linker.Link(); err != nil {
		return err
	}

	// Deployment tooling expects a .so next to outputs named
	// differently.
	if !strings.HasSuffix(f.output, ".so") {
		companion := f.output + ".so"
		if dot := strings.LastIndexByte(f.output, '.'); dot > strings.LastIndexByte(f.output, '/') {
			companion = f.output[:dot] + ".so"
		}
		if err := linker.Artifact().WriteFile(companion); err != nil {
			return err
		}
	}

	return nil
}

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	f := &flags{}
	cmd := &cobra.Command{
		Use:           "sbpf-linker [flags] inputs...",
		Short:         "Static linker for SBPF programs",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f, args, log)
		},
	}

	cmd.Flags().StringVar(&f.cpu, "cpu", "generic", "target CPU generation (generic|probe|v1|v2|v3)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output path")
	cmd.Flags().BoolVar(&f.btf, "btf", false, "emit a .BTF section")
	cmd.Flags().BoolVar(&f.allowTrap, "allow-bpf-trap", false, "append traps to functions that can fall off the end")
	cmd.Flags().StringArrayVarP(&f.libraryPaths, "library-path", "L", nil, "directory searched for -l libraries")
	cmd.Flags().StringArrayVarP(&f.optLevels, "optimize", "O", nil, "optimization level (0|1|2|3|s|z), last wins")
	cmd.Flags().StringVar(&f.exportSymbols, "export-symbols", "", "file with newline delimited symbols to export")
	cmd.Flags().StringArrayVar(&f.exports, "export", nil, "comma separated symbols to export")
	cmd.Flags().BoolVar(&f.unrollLoops, "unroll-loops", false, "fully unroll bounded loops")
	cmd.Flags().BoolVar(&f.ignoreInline, "ignore-inline-never", false, "inline functions marked noinline")
	cmd.Flags().StringVar(&f.dumpModule, "dump-module", "", "write the legalized module as text to this path")
	cmd.Flags().StringArrayVar(&f.llvmArgs, "llvm-args", nil, "comma separated backend directives")
	cmd.Flags().BoolVar(&f.noExpand, "disable-expand-memcpy-in-order", false, "keep fixed length memory intrinsics as calls")
	cmd.Flags().BoolVar(&f.noBuiltins, "disable-memory-builtins", false, "do not redirect memory intrinsics to syscalls")
	cmd.Flags().BoolVar(&f.fatalErrors, "fatal-errors", true, "abort on backend errors")

	// Build tooling passes --debug through to every linker it spawns.
	cmd.Flags().BoolVar(&f.debug, "debug", false, "")
	cmd.Flags().MarkHidden("debug")

	cmd.MarkFlagRequired("output")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sbpf-linker: %s\n", err)
		os.Exit(1)
	}
}
