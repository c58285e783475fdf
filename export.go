package sbpf

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// EntrypointSymbol is the program entry every deployed artifact is
// expected to export.
const EntrypointSymbol = "entrypoint"

// readExportFile parses a newline delimited symbol list. Blank lines
// and # comments are skipped.
func readExportFile(path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, scanner.Err()
}

// buildExportSet collects the final export set: explicitly requested
// names, the entry point, and syscalls the legalizer introduced.
//
// Explicit names that the module does not define are an error. A
// missing entry point is only logged, since objects linked for tests
// may not have one.
func buildExportSet(mod *Module, requested, runtime []string, log *logrus.Logger) (map[string]bool, error) {
	exports := make(map[string]bool)

	var missing []string
	for _, name := range requested {
		if mod.Function(name) == nil && mod.DataObject(name) == nil {
			missing = append(missing, name)
			continue
		}
		exports[name] = true
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ExportError{Missing: missing}
	}

	if mod.Function(EntrypointSymbol) != nil {
		exports[EntrypointSymbol] = true
	} else {
		log.WithField("symbol", EntrypointSymbol).Warn("no entry point in linked module")
	}

	for _, name := range runtime {
		exports[name] = true
	}

	return exports, nil
}

// internalize demotes every global definition outside the export set
// so dead code elimination may drop it.
func internalize(mod *Module, exports map[string]bool) {
	for _, fn := range mod.Functions {
		if fn.Binding != LocalBinding && !exports[fn.Name] {
			fn.Binding = LocalBinding
		}
	}
	for _, obj := range mod.Data {
		if obj.Binding != LocalBinding && !exports[obj.Name] {
			obj.Binding = LocalBinding
		}
	}
}
