package reassembly

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"
)

var testKey = FragmentKey{
	Src:      netip.MustParseAddr("192.168.1.1"),
	Dst:      netip.MustParseAddr("192.168.1.2"),
	Protocol: 17,
	ID:       0x1234,
}

func seqBytes(from, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(from + i)
	}
	return p
}

func TestFragments_TwoFragments(t *testing.T) {
	f := NewFragments(FragmentConfig{})
	now := time.Unix(1000, 0)

	d, err := f.Add(1, now, Fragment{Key: testKey, Offset: 0, More: true, Payload: seqBytes(0, 80)})
	if err != nil {
		t.Fatalf("fragment 1 error: %v", err)
	}
	if d != nil {
		t.Fatal("fragment 1 should not complete the datagram")
	}
	if f.Pending() != 1 {
		t.Fatalf("expected 1 pending datagram, got %d", f.Pending())
	}

	d, err = f.Add(2, now, Fragment{Key: testKey, Offset: 80, More: false, Payload: seqBytes(80, 80)})
	if err != nil {
		t.Fatalf("fragment 2 error: %v", err)
	}
	if d == nil {
		t.Fatal("fragment 2 should complete reassembly")
	}
	if !bytes.Equal(d.Data, seqBytes(0, 160)) {
		t.Fatalf("reassembled data mismatch")
	}
	if len(d.Frames) != 2 || d.Frames[0] != 1 || d.Frames[1] != 2 {
		t.Fatalf("expected frames [1 2], got %v", d.Frames)
	}
	if f.Pending() != 0 {
		t.Fatalf("flow should be evicted after completion, %d pending", f.Pending())
	}

	// revisits resolve without mutation
	got, ok := f.Completed(2, testKey)
	if !ok || got != d {
		t.Fatal("completed datagram should be found for frame 2")
	}
	in, ok := f.ReassembledIn(1, testKey)
	if !ok || in != 2 {
		t.Fatalf("frame 1 should be reassembled in 2, got %d %v", in, ok)
	}
	again, err := f.Add(2, now, Fragment{Key: testKey, Offset: 80, Payload: seqBytes(80, 80)})
	if err != nil || again != d {
		t.Fatal("re-adding the completing frame should return the stored datagram")
	}
}

func TestFragments_OutOfOrder(t *testing.T) {
	f := NewFragments(FragmentConfig{})
	now := time.Unix(1000, 0)

	if d, _ := f.Add(1, now, Fragment{Key: testKey, Offset: 16, Payload: seqBytes(16, 8)}); d != nil {
		t.Fatal("last fragment alone should not complete")
	}
	if d, _ := f.Add(2, now, Fragment{Key: testKey, Offset: 8, More: true, Payload: seqBytes(8, 8)}); d != nil {
		t.Fatal("middle fragment should not complete")
	}
	d, err := f.Add(3, now, Fragment{Key: testKey, Offset: 0, More: true, Payload: seqBytes(0, 8)})
	if err != nil || d == nil {
		t.Fatalf("first fragment should complete, err=%v", err)
	}
	if !bytes.Equal(d.Data, seqBytes(0, 24)) {
		t.Fatalf("out-of-order reassembly mismatch: %v", d.Data)
	}
}

func TestFragments_OverlapKeepsEarlierData(t *testing.T) {
	f := NewFragments(FragmentConfig{})
	now := time.Unix(1000, 0)

	first := bytes.Repeat([]byte{0xAA}, 16)
	overlap := bytes.Repeat([]byte{0xBB}, 16)

	f.Add(1, now, Fragment{Key: testKey, Offset: 0, More: true, Payload: first})
	d, err := f.Add(2, now, Fragment{Key: testKey, Offset: 8, Payload: overlap})
	if err != nil || d == nil {
		t.Fatalf("expected completion, err=%v", err)
	}
	want := append(bytes.Repeat([]byte{0xAA}, 16), bytes.Repeat([]byte{0xBB}, 8)...)
	if !bytes.Equal(d.Data, want) {
		t.Fatalf("BSD-right overlap: got %x want %x", d.Data, want)
	}
}

func TestFragments_SecurityChecks(t *testing.T) {
	f := NewFragments(FragmentConfig{})
	now := time.Unix(1000, 0)

	cases := []struct {
		name string
		frag Fragment
	}{
		{"empty", Fragment{Key: testKey, Offset: 0, More: true}},
		{"unaligned", Fragment{Key: testKey, Offset: 3, More: true, Payload: []byte{1}}},
		{"offset too large", Fragment{Key: testKey, Offset: (ipv4MaxFragOffset + 1) * 8, Payload: []byte{1}}},
		{"beyond max size", Fragment{Key: testKey, Offset: 65528, Payload: make([]byte, 16)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Add(1, now, tc.frag)
			if !errors.Is(err, ErrFragmentInvalid) {
				t.Fatalf("expected ErrFragmentInvalid, got %v", err)
			}
		})
	}
}

func TestFragments_MaxFragments(t *testing.T) {
	f := NewFragments(FragmentConfig{MaxFragments: 2})
	now := time.Unix(1000, 0)

	f.Add(1, now, Fragment{Key: testKey, Offset: 0, More: true, Payload: seqBytes(0, 8)})
	f.Add(2, now, Fragment{Key: testKey, Offset: 8, More: true, Payload: seqBytes(8, 8)})
	_, err := f.Add(3, now, Fragment{Key: testKey, Offset: 16, More: true, Payload: seqBytes(16, 8)})
	if !errors.Is(err, ErrFragmentOverflow) {
		t.Fatalf("expected ErrFragmentOverflow, got %v", err)
	}
	if f.Pending() != 0 {
		t.Fatal("overflowing flow should be evicted")
	}
}

func TestFragments_MaxReassembleSize(t *testing.T) {
	f := NewFragments(FragmentConfig{MaxReassembleSize: 100})
	now := time.Unix(1000, 0)

	f.Add(1, now, Fragment{Key: testKey, Offset: 0, More: true, Payload: seqBytes(0, 80)})
	_, err := f.Add(2, now, Fragment{Key: testKey, Offset: 80, Payload: seqBytes(80, 80)})
	if !errors.Is(err, ErrFragmentOverflow) {
		t.Fatalf("expected ErrFragmentOverflow, got %v", err)
	}
}

func TestFragments_DifferentFlows(t *testing.T) {
	f := NewFragments(FragmentConfig{})
	now := time.Unix(1000, 0)
	other := testKey
	other.ID = 0x9999

	f.Add(1, now, Fragment{Key: testKey, Offset: 0, More: true, Payload: seqBytes(0, 8)})
	f.Add(2, now, Fragment{Key: other, Offset: 0, More: true, Payload: seqBytes(100, 8)})
	if f.Pending() != 2 {
		t.Fatalf("expected 2 pending flows, got %d", f.Pending())
	}
	d, _ := f.Add(3, now, Fragment{Key: other, Offset: 8, Payload: seqBytes(108, 8)})
	if d == nil || !bytes.Equal(d.Data, seqBytes(100, 16)) {
		t.Fatal("second flow should reassemble independently")
	}
	if _, ok := f.ReassembledIn(1, testKey); ok {
		t.Fatal("first flow is still incomplete")
	}
}

func TestFragments_TimeoutInCaptureTime(t *testing.T) {
	f := NewFragments(FragmentConfig{Timeout: 30 * time.Second})
	start := time.Unix(1000, 0)

	f.Add(1, start, Fragment{Key: testKey, Offset: 0, More: true, Payload: seqBytes(0, 8)})
	other := testKey
	other.ID = 1
	f.Add(2, start.Add(time.Minute), Fragment{Key: other, Offset: 0, More: true, Payload: seqBytes(0, 8)})

	if f.Pending() != 1 {
		t.Fatalf("stale datagram should be swept, %d pending", f.Pending())
	}
	d, _ := f.Add(3, start.Add(time.Minute), Fragment{Key: testKey, Offset: 8, Payload: seqBytes(8, 8)})
	if d != nil {
		t.Fatal("a fragment of an expired datagram must not complete it")
	}
}

func TestFragments_RateLimit(t *testing.T) {
	f := NewFragments(FragmentConfig{MaxFragsPerIP: 2, RateLimitWindow: 10 * time.Second})
	now := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		k := testKey
		k.ID = uint32(i)
		if _, err := f.Add(uint32(i+1), now, Fragment{Key: k, Offset: 0, More: true, Payload: []byte{1}}); err != nil {
			t.Fatalf("fragment %d should be allowed: %v", i, err)
		}
	}
	_, err := f.Add(3, now, Fragment{Key: testKey, Offset: 8, More: true, Payload: []byte{1}})
	if !errors.Is(err, ErrFragmentRateLimited) {
		t.Fatalf("expected ErrFragmentRateLimited, got %v", err)
	}
}
