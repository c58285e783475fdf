package sbpf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// writeOutput writes contents to path atomically.
//
// The data goes to a temporary file in the target directory first and
// is renamed into place only after a successful sync, so a failed link
// never leaves a truncated artifact behind.
func writeOutput(path string, contents []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// WriteFile writes the artifact to path with the same atomic rename
// the linker uses for its primary output.
func (a *Artifact) WriteFile(path string) error {
	return writeOutput(path, a.Contents)
}

// dumpModule renders the legalized module as text disassembly.
func dumpModule(path string, mod *Module) error {
	var sb strings.Builder

	for _, fn := range mod.Functions {
		fmt.Fprintf(&sb, "%s: ; %s %s\n", fn.Name, fn.Binding, fn.Origin)
		fmt.Fprintf(&sb, "%v\n", fn.Insns)
	}
	for _, obj := range mod.Data {
		fmt.Fprintf(&sb, "%s: ; %s %s section %s, %d bytes\n",
			obj.Name, obj.Binding, obj.Origin, obj.Section, len(obj.Data))
	}

	return writeOutput(path, []byte(sb.String()))
}
