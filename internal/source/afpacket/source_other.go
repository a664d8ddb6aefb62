//go:build !linux

package afpacket

import (
	"fmt"

	"github.com/google/gopacket"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/filter"
)

// Name labels metrics and log lines for this source.
const Name = "afpacket"

// Source is unavailable outside Linux.
type Source struct{}

// Open always fails outside Linux.
func Open(device string, _ config.CaptureConfig, _ *filter.Filter) (*Source, error) {
	return nil, fmt.Errorf("live capture on %s requires linux: %w", device, core.ErrConfigInvalid)
}

func (s *Source) ReadFrame() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, core.ErrSessionClosed
}

func (s *Source) Stop()                             {}
func (s *Source) Encapsulation() core.Encapsulation { return core.EncapEthernet }
func (s *Source) Close() error                      { return nil }
