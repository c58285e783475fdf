package sbpf

import (
	"fmt"
	"strings"

	"github.com/sbpf-tools/sbpf/internal"
)

// FormatError is returned when an input is not a recognized object or
// archive, or is corrupt.
type FormatError struct {
	Path   string
	Member string
	Err    error
}

func (fe *FormatError) Error() string {
	if fe.Member != "" {
		return fmt.Sprintf("%s(%s): %s", fe.Path, fe.Member, fe.Err)
	}
	return fmt.Sprintf("%s: %s", fe.Path, fe.Err)
}

func (fe *FormatError) Unwrap() error {
	return fe.Err
}

// DuplicateSymbolError is returned when one name has a strong
// definition in more than one unit.
type DuplicateSymbolError struct {
	Name   string
	First  string
	Second string
}

func (de *DuplicateSymbolError) Error() string {
	return fmt.Sprintf("duplicate symbol %s: defined in both %s and %s", de.Name, de.First, de.Second)
}

// UnresolvedReference is one undefined symbol and the unit that needs
// it.
type UnresolvedReference struct {
	Symbol string
	Unit   string
}

// UnresolvedSymbolsError collects every reference that resolution
// could not satisfy.
//
// References are batched rather than reported one at a time so that a
// single link attempt surfaces all missing names at once.
type UnresolvedSymbolsError struct {
	References []UnresolvedReference
}

func (ue *UnresolvedSymbolsError) Error() string {
	lines := make([]string, 0, len(ue.References))
	for _, ref := range ue.References {
		lines = append(lines, fmt.Sprintf("\t%s: referenced by %s", ref.Symbol, ref.Unit))
	}
	return fmt.Sprintf("unresolved symbols:\n%s", strings.Join(lines, "\n"))
}

// ExportError is returned when a requested export does not exist in
// the linked module. This usually indicates a typo, or a unit the
// caller did not expect to be dropped as dead code.
type ExportError struct {
	Missing []string
}

func (ee *ExportError) Error() string {
	return fmt.Sprintf("exported symbol(s) not found in linked module: %s", strings.Join(ee.Missing, ", "))
}

// LegalizationError is returned when a transformation cannot make a
// function satisfy the target's constraints.
type LegalizationError struct {
	Pass     string
	Function string
	Err      error
}

func (le *LegalizationError) Error() string {
	return fmt.Sprintf("%s: function %s: %s", le.Pass, le.Function, le.Err)
}

func (le *LegalizationError) Unwrap() error {
	return le.Err
}

// BackendError is returned when the code generation backend rejects
// the module.
type BackendError struct {
	Diagnostics []internal.Diagnostic
	Summary     string
}

func (be *BackendError) Error() string {
	if be.Summary != "" {
		return "backend: " + be.Summary
	}
	return "backend issued diagnostic with error severity"
}
