// Package plugins lists the built-in dissectors.
package plugins

import (
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/plugins/dissector/eth"
	"firestige.xyz/dissect/plugins/dissector/hep"
	"firestige.xyz/dissect/plugins/dissector/icmp"
	"firestige.xyz/dissect/plugins/dissector/ip"
	"firestige.xyz/dissect/plugins/dissector/pfcp"
	"firestige.xyz/dissect/plugins/dissector/rtp"
	"firestige.xyz/dissect/plugins/dissector/sip"
	"firestige.xyz/dissect/plugins/dissector/tcp"
	"firestige.xyz/dissect/plugins/dissector/tunnel"
	"firestige.xyz/dissect/plugins/dissector/udp"
)

// Registrars returns a fresh registrar for every built-in dissector. Handoffs
// run after all registrations, so the order only decides the order of
// heuristics that share a table.
func Registrars() []engine.Registrar {
	return []engine.Registrar{
		eth.Registrar(),
		ip.Registrar(),
		udp.Registrar(),
		tcp.Registrar(),
		icmp.Registrar(),
		tunnel.Registrar(),
		sip.Registrar(),
		rtp.Registrar(),
		pfcp.Registrar(),
		hep.Registrar(),
	}
}
