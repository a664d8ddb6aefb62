package buffer

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
)

// BoundsError reports an access outside the captured bytes of a Buffer.
//
// Every BoundsError matches core.ErrShortRead. When the access also runs past the
// reported (on-the-wire) length it additionally matches core.ErrReportedBoundsExceeded:
// the packet claims a length it cannot have, rather than merely being truncated by
// the capture snaplen.
type BoundsError struct {
	Offset   int
	Length   int
	Captured int
	Reported int
}

// BeyondReported reports whether the access exceeds the reported length.
func (e *BoundsError) BeyondReported() bool {
	return e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > e.Reported
}

func (e *BoundsError) Error() string {
	if e.BeyondReported() {
		return fmt.Sprintf("malformed: %d byte(s) at offset %d exceed reported length %d",
			e.Length, e.Offset, e.Reported)
	}
	return fmt.Sprintf("short read: %d byte(s) at offset %d exceed captured length %d",
		e.Length, e.Offset, e.Captured)
}

func (e *BoundsError) Unwrap() []error {
	if e.BeyondReported() {
		return []error{core.ErrShortRead, core.ErrReportedBoundsExceeded}
	}
	return []error{core.ErrShortRead}
}
