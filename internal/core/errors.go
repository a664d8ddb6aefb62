// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// Packet buffer errors
	ErrShortRead              = errors.New("dissect: read beyond captured bytes")
	ErrReportedBoundsExceeded = errors.New("dissect: read beyond reported length")

	// Dispatch errors
	ErrRecursionLimit        = errors.New("dissect: dissector recursion limit exceeded")
	ErrUnknownTable          = errors.New("dissect: unknown dissector table")
	ErrUnknownDissector      = errors.New("dissect: unknown dissector")
	ErrTableKeyKind          = errors.New("dissect: wrong key kind for dissector table")
	ErrInternalInconsistency = errors.New("dissect: internal inconsistency")

	// Field registry / tree errors
	ErrDuplicateField = errors.New("dissect: duplicate field registration")
	ErrUnknownField   = errors.New("dissect: unknown field")
	ErrStaleHandle    = errors.New("dissect: stale tree handle")

	// Capture session errors
	ErrUnsupportedEncapsulation = errors.New("dissect: unsupported encapsulation")
	ErrFrameNotFound            = errors.New("dissect: frame not found")
	ErrSessionClosed            = errors.New("dissect: session closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("dissect: invalid configuration")
)
