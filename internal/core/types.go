// Package core defines core types with zero external dependencies.
package core

import (
	"bytes"
	"fmt"
	"net/netip"
)

// AddressKind identifies the variant of an Address.
type AddressKind uint8

const (
	AddrNone AddressKind = iota
	AddrEther
	AddrIP
	AddrString
)

// Address is a closed sum of the address kinds a dissector may record as the
// source or destination of a packet. Only the variants in this package implement it.
type Address interface {
	Kind() AddressKind
	String() string
	bytes() []byte
}

// NoAddress is the zero address used before any layer sets one.
type NoAddress struct{}

func (NoAddress) Kind() AddressKind { return AddrNone }
func (NoAddress) String() string    { return "" }
func (NoAddress) bytes() []byte     { return nil }

// EtherAddress is a 48-bit IEEE 802 MAC address.
type EtherAddress [6]byte

func (a EtherAddress) Kind() AddressKind { return AddrEther }
func (a EtherAddress) bytes() []byte     { return a[:] }
func (a EtherAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IPAddress is an IPv4 or IPv6 address.
type IPAddress struct {
	Addr netip.Addr
}

// NewIPAddress builds an IPAddress from 4 or 16 raw bytes.
func NewIPAddress(raw []byte) (IPAddress, bool) {
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return IPAddress{}, false
	}
	return IPAddress{Addr: addr}, true
}

func (a IPAddress) Kind() AddressKind { return AddrIP }
func (a IPAddress) String() string    { return a.Addr.String() }
func (a IPAddress) bytes() []byte     { return a.Addr.AsSlice() }

// StringAddress is an opaque textual address (bus ids, URIs).
type StringAddress string

func (a StringAddress) Kind() AddressKind { return AddrString }
func (a StringAddress) String() string    { return string(a) }
func (a StringAddress) bytes() []byte     { return []byte(a) }

// CompareAddress orders addresses by kind, then by length, then bytewise.
// A nil address sorts as NoAddress.
func CompareAddress(a, b Address) int {
	if a == nil {
		a = NoAddress{}
	}
	if b == nil {
		b = NoAddress{}
	}
	if a.Kind() != b.Kind() {
		if a.Kind() < b.Kind() {
			return -1
		}
		return 1
	}
	ab, bb := a.bytes(), b.bytes()
	if len(ab) != len(bb) {
		if len(ab) < len(bb) {
			return -1
		}
		return 1
	}
	return bytes.Compare(ab, bb)
}

// PortType identifies the transport namespace of a port number.
type PortType uint8

const (
	PortNone PortType = iota
	PortTCP
	PortUDP
	PortSCTP
	PortICMP
)

func (p PortType) String() string {
	switch p {
	case PortTCP:
		return "tcp"
	case PortUDP:
		return "udp"
	case PortSCTP:
		return "sctp"
	case PortICMP:
		return "icmp"
	default:
		return "none"
	}
}

// Encapsulation is the link-layer type of a frame, using libpcap LINKTYPE_ numbers.
type Encapsulation uint16

// Link types referenced by the built-in dissectors.
const (
	EncapNull     Encapsulation = 0
	EncapEthernet Encapsulation = 1
	EncapRaw      Encapsulation = 101
	EncapIPv4     Encapsulation = 228
	EncapIPv6     Encapsulation = 229
)
