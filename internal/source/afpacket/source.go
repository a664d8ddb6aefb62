//go:build linux

// Package afpacket captures live frames from a Linux interface through a
// TPACKET_V3 memory-mapped ring.
package afpacket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/filter"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/metrics"
)

// Name labels metrics and log lines for this source.
const Name = "afpacket"

// Source reads frames from one interface until stopped.
type Source struct {
	handle  *afpacket.TPacket
	device  string
	stopped atomic.Bool
	promisc *promiscGuard
	log     *logrus.Entry
}

// Open opens the ring on device, attaches the kernel filter when f is not
// empty and puts the interface into promiscuous mode when configured.
func Open(device string, cfg config.CaptureConfig, f *filter.Filter) (*Source, error) {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %w", device, err)
	}

	frameSize, blockSize, numBlocks, err := recomputeSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("failed to compute ring size: %w", err)
	}
	if cfg.BlockSizeKB > 0 {
		blockSize, numBlocks = overrideBlockSize(cfg.BlockSizeKB, cfg.BufferSizeMB, frameSize, os.Getpagesize())
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface.Name),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(cfg.PollTimeoutDuration()),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TPacket on %s: %w", iface.Name, err)
	}

	s := &Source{
		handle: tp,
		device: iface.Name,
		log:    log.WithComponent("source.afpacket").WithField("device", iface.Name),
	}
	if !f.Empty() {
		if err := tp.SetBPF(f.Instructions()); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to attach BPF filter %q: %w", f.String(), err)
		}
	}
	if cfg.Promiscuous {
		guard, err := enablePromisc(iface.Name)
		if err != nil {
			// capture still works for traffic addressed to the host
			s.log.WithError(err).Warn("failed to enable promiscuous mode")
		}
		s.promisc = guard
	}

	s.log.WithFields(logrus.Fields{
		"frame_size": frameSize,
		"block_size": blockSize,
		"num_blocks": numBlocks,
		"filter":     f.String(),
	}).Info("live capture started")
	return s, nil
}

// ReadFrame blocks until a frame arrives or Stop is called, after which it
// returns io.EOF.
func (s *Source) ReadFrame() ([]byte, gopacket.CaptureInfo, error) {
	for {
		if s.stopped.Load() {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		data, ci, err := s.handle.ReadPacketData()
		if err == nil {
			metrics.SourceFramesTotal.WithLabelValues(Name, "ok").Inc()
			return data, ci, nil
		}
		if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
			continue
		}
		metrics.SourceFramesTotal.WithLabelValues(Name, "error").Inc()
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("read from %s: %w", s.device, err)
	}
}

// Stop makes the next ReadFrame return io.EOF within one poll timeout.
func (s *Source) Stop() { s.stopped.Store(true) }

// Encapsulation is always Ethernet for a SOCK_RAW packet socket.
func (s *Source) Encapsulation() core.Encapsulation { return core.EncapEthernet }

// Close releases the ring and restores the interface flags.
func (s *Source) Close() error {
	s.Stop()
	if s.handle == nil {
		return nil
	}
	if _, v3, err := s.handle.SocketStats(); err == nil {
		s.log.WithFields(logrus.Fields{
			"packets": v3.Packets(),
			"drops":   v3.Drops(),
			"freezes": v3.QueueFreezes(),
		}).Info("live capture stopped")
	}
	s.handle.Close()
	s.handle = nil
	return s.promisc.restore()
}
