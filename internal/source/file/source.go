// Package file reads capture records from pcap and pcapng files.
package file

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/metrics"
)

// Name labels metrics and log lines for this source.
const Name = "file"

const pcapngMagic = 0x0A0D0D0A

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source is a capture file opened for sequential reading.
type Source struct {
	path   string
	f      *os.File
	reader packetReader
	ng     bool
	count  uint64
	log    *logrus.Entry
}

// Open opens path and detects its format from the leading block type.
func Open(path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("capture file path is required: %w", core.ErrConfigInvalid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	s, err := newSource(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}
	s.path = path
	s.f = f
	s.log.WithFields(logrus.Fields{"path": path, "pcapng": s.ng, "linktype": s.reader.LinkType()}).Debug("capture file opened")
	return s, nil
}

// NewReader reads a capture from r, which the caller owns.
func NewReader(r io.Reader) (*Source, error) {
	return newSource(r)
}

func newSource(r io.Reader) (*Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	s := &Source{log: log.WithComponent("source.file")}
	// the section header block type reads the same in either byte order
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		s.ng = true
		s.reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		s.reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ReadFrame returns the next record, or io.EOF after the last one.
func (s *Source) ReadFrame() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.reader.ReadPacketData()
	switch {
	case err == nil:
		s.count++
		metrics.SourceFramesTotal.WithLabelValues(Name, "ok").Inc()
		return data, ci, nil
	case errors.Is(err, io.EOF):
		return nil, gopacket.CaptureInfo{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// a truncated trailing record ends the capture
		metrics.SourceFramesTotal.WithLabelValues(Name, "truncated").Inc()
		s.log.WithField("records", s.count).Warn("capture file ends with a truncated record")
		return nil, gopacket.CaptureInfo{}, io.EOF
	default:
		metrics.SourceFramesTotal.WithLabelValues(Name, "error").Inc()
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("failed to read record %d: %w", s.count+1, err)
	}
}

// Encapsulation is the link type of the file (of its first interface for pcapng).
func (s *Source) Encapsulation() core.Encapsulation {
	return core.Encapsulation(s.reader.LinkType())
}

// Records returns the number of records read so far.
func (s *Source) Records() uint64 { return s.count }

// Close closes the underlying file when the source opened it.
func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
