package buffer

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
)

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestBytes_AllValidRanges(t *testing.T) {
	data := seq(16)
	b := New(data, 16)

	for off := 0; off <= len(data); off++ {
		for n := 0; off+n <= len(data); n++ {
			got, err := b.Bytes(off, n)
			require.NoError(t, err, "off=%d n=%d", off, n)
			assert.Equal(t, data[off:off+n], got)
		}
	}
}

func TestBytes_BeyondCaptured(t *testing.T) {
	b := New(seq(8), 8)

	for _, tc := range []struct{ off, n int }{{0, 9}, {8, 1}, {7, 2}, {100, 0}, {-1, 1}} {
		_, err := b.Bytes(tc.off, tc.n)
		require.Error(t, err, "off=%d n=%d", tc.off, tc.n)
		assert.True(t, errors.Is(err, core.ErrShortRead))

		var be *BoundsError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, tc.off, be.Offset)
	}
}

func TestBytes_EmptyAtEnd(t *testing.T) {
	b := New(seq(4), 4)

	got, err := b.Bytes(4, 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Len(t, got, 0)

	sub, err := b.Subset(4, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, sub.CapturedLength())

	sub, err = b.Subset(4, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, sub.CapturedLength())
}

func TestShortReadVersusReported(t *testing.T) {
	// 10 bytes on the wire, 6 captured.
	b := New(seq(6), 10)
	assert.True(t, b.Truncated())

	_, err := b.Bytes(4, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrShortRead))
	assert.False(t, errors.Is(err, core.ErrReportedBoundsExceeded), "truncated capture is not malformed")

	_, err = b.Bytes(8, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrShortRead))
	assert.True(t, errors.Is(err, core.ErrReportedBoundsExceeded))
}

func TestSubset_RoundTrip(t *testing.T) {
	data := seq(20)
	b := New(data, 20)

	for off := 0; off <= len(data); off++ {
		for n := 0; off+n <= len(data); n++ {
			sub, err := b.Subset(off, n)
			require.NoError(t, err)
			assert.Equal(t, KindSubset, sub.Kind())

			want, _ := b.Bytes(off, n)
			got, err := sub.Bytes(0, n)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, off, sub.SourceOffset(0))
			assert.Same(t, b.Source(), sub.Source())
		}
	}
}

func TestSubset_OutOfRange(t *testing.T) {
	b := New(seq(8), 8)

	_, err := b.Subset(4, 5)
	assert.True(t, errors.Is(err, core.ErrShortRead))

	_, err = b.Subset(9, 0)
	assert.True(t, errors.Is(err, core.ErrShortRead))
}

func TestSubset_ZeroCopy(t *testing.T) {
	data := seq(8)
	b := New(data, 8)
	sub, err := b.Subset(2, 4)
	require.NoError(t, err)

	got, err := sub.Bytes(0, 4)
	require.NoError(t, err)
	assert.Same(t, &data[2], &got[0])
}

func TestSubsetReported(t *testing.T) {
	b := New(seq(10), 10)

	// Declared 20 bytes but only 6 captured after offset 4.
	sub, err := b.SubsetReported(4, 20)
	require.NoError(t, err)
	assert.Equal(t, 6, sub.CapturedLength())
	assert.Equal(t, 20, sub.ReportedLength())

	_, err = sub.Bytes(4, 4)
	assert.True(t, errors.Is(err, core.ErrShortRead))
	assert.False(t, errors.Is(err, core.ErrReportedBoundsExceeded))

	// Declared shorter than captured clips the view.
	sub, err = b.SubsetReported(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.CapturedLength())
	_, err = sub.Bytes(0, 4)
	assert.True(t, errors.Is(err, core.ErrReportedBoundsExceeded))
}

func TestCompose_CrossesSegments(t *testing.T) {
	a := New([]byte{0x01, 0x02, 0x03}, 3)
	b := New([]byte{0x04}, 1)
	c := New([]byte{0x05, 0x06, 0x07, 0x08}, 4)

	comp := Compose("Reassembled", a, b, c)
	assert.Equal(t, KindComposite, comp.Kind())
	assert.Equal(t, 8, comp.CapturedLength())
	assert.Equal(t, "Reassembled", comp.Source().Name())

	got, err := comp.Bytes(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got)

	v32, err := comp.Uint32(2, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x03040506), v32)

	v16, err := comp.Uint16(2, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0403), v16)

	sub, err := comp.Subset(1, 5)
	require.NoError(t, err)
	got, err = sub.Bytes(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4, 5, 6}, got)

	_, err = comp.Bytes(6, 3)
	assert.True(t, errors.Is(err, core.ErrShortRead))
}

func TestCompose_OfSubsets(t *testing.T) {
	frame := New(seq(10), 10)
	s1, _ := frame.Subset(0, 2)
	s2, _ := frame.Subset(8, 2)

	comp := Compose("joined", s1, s2)
	got, err := comp.Bytes(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 8, 9}, got)
	assert.NotSame(t, frame.Source(), comp.Source())
}

func TestIntegers(t *testing.T) {
	b := New([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, 8)

	v8, err := b.Uint8(7)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), v8)

	v24, err := b.Uint24(0, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x010203), v24)

	v24, err = b.Uint24(0, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x030201), v24)

	v64, err := b.Uint64(0, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	_, err = b.Uint64(1, binary.BigEndian)
	assert.True(t, errors.Is(err, core.ErrShortRead))

	v, err := b.UintN(1, 3, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x020304), v)

	_, err = b.UintN(0, 5, binary.BigEndian)
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	a := New([]byte("INVITE sip:bob SIP/2.0\r\n\r"), 25)
	b := New([]byte("\nbody"), 5)
	comp := Compose("stream", a, b)

	assert.Equal(t, 22, comp.Find(0, []byte("\r\n\r\n")))
	assert.Equal(t, 6, comp.FindByte(0, ' '))
	assert.Equal(t, -1, comp.Find(0, []byte("missing")))
	assert.Equal(t, -1, comp.Find(100, []byte("x")))
}

func TestRemaining(t *testing.T) {
	b := New(seq(5), 9)

	n, err := b.Remaining(2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Remaining(5)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = b.Remaining(6)
	assert.Error(t, err)

	assert.Equal(t, 4, b.ReportedRemaining(5))
	assert.Equal(t, 0, b.ReportedRemaining(9))
}
