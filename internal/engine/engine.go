// Package engine drives dissection: it owns the startup-immutable registries and
// opens capture sessions that dissect frames sequentially or at random.
package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/proto"
)

// Link-layer dispatch table and the transport port tables that port overrides
// from configuration apply to.
const (
	TableEncap   = "wtap_encap"
	TableUDPPort = "udp.port"
	TableTCPPort = "tcp.port"
)

// Registrar plugs a protocol into the engine. Register declares fields, handles
// and tables; Handoff runs once every Register has, and binds handles into tables
// owned by other protocols.
type Registrar struct {
	Name     string
	Register func(e *Engine) error
	Handoff  func(e *Engine) error
}

// Engine is built once at startup and shared by every session.
type Engine struct {
	cfg        *config.GlobalConfig
	fields     *proto.Registry
	dissectors *dissector.Registry
	frame      *frameProtocol
	log        *logrus.Entry
}

// New builds an engine and runs the registrars in order.
func New(cfg *config.GlobalConfig, registrars ...Registrar) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	fields := proto.NewRegistry()
	e := &Engine{
		cfg:        cfg,
		fields:     fields,
		dissectors: dissector.NewRegistry(fields, cfg.Engine.MaxDepth),
		log:        log.WithComponent("engine"),
	}
	var err error
	if e.frame, err = registerFrame(fields); err != nil {
		return nil, err
	}
	if _, err := e.dissectors.CreateTable(TableEncap, "Link-layer encapsulation", dissector.KeyUint); err != nil {
		return nil, err
	}

	for _, r := range registrars {
		if r.Register == nil {
			continue
		}
		if err := r.Register(e); err != nil {
			return nil, fmt.Errorf("register %s: %w", r.Name, err)
		}
	}
	for _, r := range registrars {
		if r.Handoff == nil {
			continue
		}
		if err := r.Handoff(e); err != nil {
			return nil, fmt.Errorf("handoff %s: %w", r.Name, err)
		}
	}
	if err := e.applyPreferences(); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"fields":     fields.Len(),
		"dissectors": len(e.dissectors.Handles()),
		"tables":     len(e.dissectors.Tables()),
	}).Debug("engine ready")
	return e, nil
}

// applyPreferences applies heuristic switches and port overrides from config.
func (e *Engine) applyPreferences() error {
	for table, entries := range e.cfg.Heuristics {
		for short, enabled := range entries {
			if err := e.dissectors.EnableHeuristic(table, short, enabled); err != nil {
				e.log.WithError(err).Warn("ignoring heuristic preference")
			}
		}
	}
	for name, ports := range e.cfg.Ports {
		h, ok := e.dissectors.Lookup(name)
		if !ok {
			return fmt.Errorf("ports for %q: %w: %w", name, core.ErrConfigInvalid, core.ErrUnknownDissector)
		}
		for _, p := range ports.UDP {
			if err := e.dissectors.SetUint(TableUDPPort, uint64(p), h); err != nil {
				return fmt.Errorf("ports for %q: %w", name, err)
			}
		}
		for _, p := range ports.TCP {
			if err := e.dissectors.SetUint(TableTCPPort, uint64(p), h); err != nil {
				return fmt.Errorf("ports for %q: %w", name, err)
			}
		}
	}
	return nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.GlobalConfig { return e.cfg }

// Fields returns the field registry.
func (e *Engine) Fields() *proto.Registry { return e.fields }

// Dissectors returns the dissector registry.
func (e *Engine) Dissectors() *dissector.Registry { return e.dissectors }

// Supports reports whether a dissector is registered for encap.
func (e *Engine) Supports(encap core.Encapsulation) bool {
	t, err := e.dissectors.Table(TableEncap)
	if err != nil {
		return false
	}
	_, ok := t.LookupUint(uint64(encap))
	return ok
}

// AddHeuristic adds a heuristic to table, enabled unless configuration says
// otherwise.
func (e *Engine) AddHeuristic(table, shortName string, h *dissector.Handle, enabled bool) error {
	if v, set := e.cfg.HeuristicEnabled(table, shortName); set {
		enabled = v
	}
	return e.dissectors.AddHeuristic(table, shortName, h, enabled)
}
