package internal

import (
	"fmt"
	"strings"
)

// Severity of a backend diagnostic.
type Severity int

const (
	SeverityNote Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityNote:
		return "note"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Diagnostic is a single message reported by the code generation
// backend.
type Diagnostic struct {
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	return d.Severity.String() + ": " + d.Message
}

// Diagnostics collects backend messages during code generation.
//
// The backend keeps emitting after a recoverable error; whether the
// collected errors abort the link is the caller's policy, not ours.
type Diagnostics struct {
	msgs []Diagnostic
}

// Add records a diagnostic.
func (ds *Diagnostics) Add(sev Severity, format string, args ...interface{}) {
	ds.msgs = append(ds.msgs, Diagnostic{sev, fmt.Sprintf(format, args...)})
}

// All returns the recorded diagnostics in order.
func (ds *Diagnostics) All() []Diagnostic {
	return ds.msgs
}

// HasErrors returns true if any diagnostic has error severity.
func (ds *Diagnostics) HasErrors() bool {
	for _, d := range ds.msgs {
		if d.Severity >= SeverityError {
			return true
		}
	}
	return false
}

// ErrorSummary squashes all error diagnostics into one message.
//
// The most specific information is usually at the end, so the last
// error is used as the summary and the rest become the detail.
func (ds *Diagnostics) ErrorSummary() string {
	var errs []string
	for _, d := range ds.msgs {
		if d.Severity >= SeverityError {
			errs = append(errs, d.Message)
		}
	}

	switch len(errs) {
	case 0:
		return ""
	case 1:
		return errs[0]
	default:
		return fmt.Sprintf("%s (and %d more)\n%s", errs[len(errs)-1], len(errs)-1, strings.Join(errs[:len(errs)-1], "\n"))
	}
}
