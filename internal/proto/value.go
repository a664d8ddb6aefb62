package proto

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"firestige.xyz/dissect/internal/core"
)

// Value is the decoded value of a tree node. It is a closed sum type: only the
// variants in this file implement it.
type Value interface {
	String() string
	// Interface returns the value as a plain Go value for export.
	Interface() any
	isValue()
}

type UintValue uint64

func (v UintValue) String() string { return strconv.FormatUint(uint64(v), 10) }
func (v UintValue) Interface() any { return uint64(v) }
func (UintValue) isValue()         {}

type IntValue int64

func (v IntValue) String() string { return strconv.FormatInt(int64(v), 10) }
func (v IntValue) Interface() any { return int64(v) }
func (IntValue) isValue()         {}

type BoolValue bool

func (v BoolValue) String() string { return strconv.FormatBool(bool(v)) }
func (v BoolValue) Interface() any { return bool(v) }
func (BoolValue) isValue()         {}

type StringValue string

func (v StringValue) String() string { return string(v) }
func (v StringValue) Interface() any { return string(v) }
func (StringValue) isValue()         {}

// BytesValue holds a copy-free view of the bytes; it is valid only while the
// underlying buffer is.
type BytesValue []byte

func (v BytesValue) String() string { return hex.EncodeToString(v) }
func (v BytesValue) Interface() any { return hex.EncodeToString(v) }
func (BytesValue) isValue()         {}

// AddrValue holds an address (IP or Ethernet).
type AddrValue struct {
	Addr core.Address
}

func (v AddrValue) String() string { return v.Addr.String() }
func (v AddrValue) Interface() any { return v.Addr.String() }
func (AddrValue) isValue()         {}

type TimeValue time.Time

func (v TimeValue) String() string {
	return time.Time(v).UTC().Format("2006-01-02 15:04:05.000000000 MST")
}
func (v TimeValue) Interface() any { return time.Time(v).UTC().Format(time.RFC3339Nano) }
func (TimeValue) isValue()         {}

type DurationValue time.Duration

func (v DurationValue) String() string {
	return fmt.Sprintf("%.9f seconds", time.Duration(v).Seconds())
}
func (v DurationValue) Interface() any { return time.Duration(v).Seconds() }
func (DurationValue) isValue()         {}

// Format renders v according to the field definition: enumerated names and hex
// display for integers, plain String() otherwise.
func Format(def FieldDef, v Value) string {
	if v == nil {
		return ""
	}
	var n uint64
	switch x := v.(type) {
	case UintValue:
		n = uint64(x)
	case IntValue:
		return x.String()
	default:
		return v.String()
	}
	var num string
	switch def.Display {
	case DisplayHex:
		num = fmt.Sprintf("0x%0*x", hexDigits(def.Type), n)
	case DisplayDecHex:
		num = fmt.Sprintf("%d (0x%0*x)", n, hexDigits(def.Type), n)
	default:
		num = strconv.FormatUint(n, 10)
	}
	if name, ok := def.Strings[n]; ok {
		return fmt.Sprintf("%s (%s)", name, num)
	}
	return num
}

func hexDigits(t FieldType) int {
	if w := t.width(); w > 0 {
		return w * 2
	}
	return 1
}

// addrValue converts raw bytes to an address value for IPv4/IPv6/Ethernet fields.
func addrValue(t FieldType, p []byte) Value {
	switch t {
	case TypeEther:
		var a core.EtherAddress
		copy(a[:], p)
		return AddrValue{Addr: a}
	default:
		addr, ok := netip.AddrFromSlice(p)
		if !ok {
			return BytesValue(p)
		}
		return AddrValue{Addr: core.IPAddress{Addr: addr}}
	}
}
