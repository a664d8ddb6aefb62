package core

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

func TestAddressString(t *testing.T) {
	t.Run("ether", func(t *testing.T) {
		a := EtherAddress{0x00, 0x11, 0x22, 0xaa, 0xbb, 0xcc}
		if a.String() != "00:11:22:aa:bb:cc" {
			t.Errorf("unexpected ether string %q", a.String())
		}
	})

	t.Run("ip", func(t *testing.T) {
		a, ok := NewIPAddress([]byte{10, 0, 0, 1})
		if !ok {
			t.Fatal("expected valid IPv4 address")
		}
		if a.String() != "10.0.0.1" {
			t.Errorf("unexpected ip string %q", a.String())
		}
	})

	t.Run("invalid ip", func(t *testing.T) {
		if _, ok := NewIPAddress([]byte{1, 2, 3}); ok {
			t.Error("expected 3-byte address to be rejected")
		}
	})

	t.Run("none", func(t *testing.T) {
		if (NoAddress{}).String() != "" {
			t.Error("expected empty string for NoAddress")
		}
	})
}

func TestCompareAddress(t *testing.T) {
	a := IPAddress{Addr: netip.MustParseAddr("10.0.0.1")}
	b := IPAddress{Addr: netip.MustParseAddr("10.0.0.2")}
	v6 := IPAddress{Addr: netip.MustParseAddr("::1")}
	mac := EtherAddress{1, 2, 3, 4, 5, 6}

	cases := []struct {
		name string
		x, y Address
		want int
	}{
		{"equal", a, a, 0},
		{"less", a, b, -1},
		{"greater", b, a, 1},
		{"v4 before v6", a, v6, -1},
		{"kind order", mac, a, -1},
		{"nil as none", nil, NoAddress{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CompareAddress(tc.x, tc.y); got != tc.want {
				t.Errorf("CompareAddress = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAddressAsMapKey(t *testing.T) {
	m := map[Address]int{}
	m[IPAddress{Addr: netip.MustParseAddr("192.168.1.1")}] = 1
	m[EtherAddress{1, 2, 3, 4, 5, 6}] = 2

	if m[IPAddress{Addr: netip.MustParseAddr("192.168.1.1")}] != 1 {
		t.Error("expected IP address lookup to hit")
	}
	if m[EtherAddress{1, 2, 3, 4, 5, 6}] != 2 {
		t.Error("expected ether address lookup to hit")
	}
}

func TestPortTypeString(t *testing.T) {
	if PortTCP.String() != "tcp" || PortUDP.String() != "udp" || PortNone.String() != "none" {
		t.Error("unexpected port type names")
	}
}

// Test sentinel errors
func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrShortRead,
		ErrReportedBoundsExceeded,
		ErrRecursionLimit,
		ErrUnknownTable,
		ErrInternalInconsistency,
		ErrDuplicateField,
		ErrUnsupportedEncapsulation,
		ErrConfigInvalid,
	}

	for _, err := range sentinels {
		wrapped := fmt.Errorf("context: %w", err)
		if !errors.Is(wrapped, err) {
			t.Errorf("errors.Is failed for wrapped %v", err)
		}
	}

	if errors.Is(ErrShortRead, ErrReportedBoundsExceeded) {
		t.Error("short read and reported bounds must stay distinct")
	}
}
