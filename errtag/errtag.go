// Package errtag classifies errors produced by the toolkit so that command
// front-ends can map them to exit codes and decide what to print.
//
// A tag is attached by wrapping; it survives further wrapping with
// github.com/pkg/errors and is recovered with KindOf.
package errtag

import (
	"github.com/pkg/errors"
)

// Kind partitions failures by who can act on them.
type Kind int

const (
	// KindUnknown is an untagged error, treated as internal.
	KindUnknown Kind = iota
	// KindInput is a user supplied bad file or option.
	KindInput
	// KindGeometry is camera/ray/DEM math that cannot produce a valid result
	// for a single pixel. Usually swallowed and recorded as invalid output.
	KindGeometry
	// KindNumeric is a solver that failed to converge within bounds.
	KindNumeric
	// KindFormat is on-disk data that does not match its declared schema.
	KindFormat
	// KindResource is a file that cannot be opened or written.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindGeometry:
		return "geometry"
	case KindNumeric:
		return "numeric"
	case KindFormat:
		return "format"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// ExitCode maps a kind to the process exit code contract: 0 success,
// 1 user-recoverable, 2 internal inconsistency.
func (k Kind) ExitCode() int {
	switch k {
	case KindInput, KindFormat, KindResource:
		return 1
	default:
		return 2
	}
}

type tagged struct {
	kind Kind
	err  error
}

func (t *tagged) Error() string { return t.err.Error() }

func (t *tagged) Unwrap() error { return t.err }

// Tag attaches a kind to err. Tagging nil returns nil. An already tagged
// error keeps its innermost tag.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &tagged{kind: kind, err: err}
}

// Input tags a formatted user input error.
func Input(format string, args ...interface{}) error {
	return Tag(KindInput, errors.Errorf(format, args...))
}

// Geometry tags a formatted per-pixel geometry error.
func Geometry(format string, args ...interface{}) error {
	return Tag(KindGeometry, errors.Errorf(format, args...))
}

// Numeric tags a formatted solver convergence error.
func Numeric(format string, args ...interface{}) error {
	return Tag(KindNumeric, errors.Errorf(format, args...))
}

// Format tags a formatted on-disk schema error.
func Format(format string, args ...interface{}) error {
	return Tag(KindFormat, errors.Errorf(format, args...))
}

// Resource tags a formatted file access error.
func Resource(format string, args ...interface{}) error {
	return Tag(KindResource, errors.Errorf(format, args...))
}

// KindOf walks the wrap chain and returns the first tag found, or
// KindUnknown if the error carries none.
func KindOf(err error) Kind {
	for err != nil {
		if t, ok := err.(*tagged); ok { //nolint:errorlint
			return t.kind
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}
