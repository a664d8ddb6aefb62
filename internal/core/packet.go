// Package core defines core data structures with zero external dependencies.
package core

import "time"

// Frame is one captured record handed to the engine by a frame source.
type Frame struct {
	Number         uint32        // 1-based, assigned by the session in read order
	Timestamp      time.Time     // Capture timestamp
	CaptureLength  int           // Bytes actually captured (len(Data))
	ReportedLength int           // Length on the wire, may exceed CaptureLength
	Data           []byte        // Captured bytes
	Encapsulation  Encapsulation // Link-layer type
}
