package reassembly

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/buffer"
)

// lengthPrefixed is a toy application protocol: "<len>:" followed by len bytes.
type lengthPrefixed struct {
	pdus []string
}

func (p *lengthPrefixed) dissect(buf *buffer.Buffer) (Verdict, error) {
	data, err := buf.String(0, buf.CapturedLength())
	if err != nil {
		return Verdict{}, err
	}
	colon := strings.IndexByte(data, ':')
	if colon < 0 {
		return Verdict{NeedMore: true, More: OneMoreSegment}, nil
	}
	n, err := strconv.Atoi(data[:colon])
	if err != nil {
		return Verdict{Consumed: len(data)}, nil
	}
	total := colon + 1 + n
	if len(data) < total {
		return Verdict{NeedMore: true, More: total - len(data)}, nil
	}
	p.pdus = append(p.pdus, data[colon+1:total])
	return Verdict{Consumed: total}, nil
}

func seg(s string) *buffer.Buffer { return buffer.New([]byte(s), len(s)) }

func newStreams() *Streams {
	return NewStreams("Reassembled TCP", StreamConfig{Enabled: true})
}

func TestStreams_SinglePDU(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	rec, err := s.Process("a", 1, 100, seg("5:hello"), false, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, app.pdus)
	assert.Equal(t, -1, rec.Held)
	require.Len(t, rec.Steps, 1)
	assert.Nil(t, rec.Steps[0].Reassembled)
}

func TestStreams_MultiplePDUsInOneSegment(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	rec, err := s.Process("a", 1, 0, seg("2:ab3:cde1:f"), false, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "cde", "f"}, app.pdus)
	assert.Len(t, rec.Steps, 3)
	assert.Equal(t, 4, rec.Steps[1].Offset)
}

func TestStreams_PDUAcrossSegments(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	r1, err := s.Process("a", 1, 0, seg("10:abc"), false, app.dissect)
	require.NoError(t, err)
	assert.Empty(t, app.pdus)
	assert.Equal(t, 0, r1.Held)

	r2, err := s.Process("a", 2, 6, seg("def"), false, app.dissect)
	require.NoError(t, err)
	assert.Empty(t, app.pdus)
	assert.Equal(t, 0, r2.Held)

	r3, err := s.Process("a", 3, 9, seg("ghij2:xy"), false, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdefghij", "xy"}, app.pdus)
	require.Len(t, r3.Steps, 2)
	require.NotNil(t, r3.Steps[0].Reassembled)
	assert.Equal(t, []uint32{1, 2, 3}, r3.Steps[0].Reassembled.Frames)
	assert.Equal(t, "Reassembled TCP", r3.Steps[0].Reassembled.Data.Source().Name())
	assert.Nil(t, r3.Steps[1].Reassembled)
	assert.Equal(t, 4, r3.Steps[1].Offset)

	// revisits replay the same dispatches and see where the bytes went
	app.pdus = nil
	v1, err := s.Process("a", 1, 0, seg("10:abc"), true, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v1.ReassembledIn)
	v2, _ := s.Process("a", 2, 6, seg("def"), true, app.dissect)
	assert.Equal(t, uint32(3), v2.ReassembledIn)
	assert.Empty(t, app.pdus)

	_, err = s.Process("a", 3, 9, seg("ghij2:xy"), true, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdefghij", "xy"}, app.pdus)
}

func TestStreams_UnknownLengthWaitsOneSegment(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	_, err := s.Process("a", 1, 0, seg("12"), false, app.dissect)
	require.NoError(t, err)
	_, err = s.Process("a", 2, 2, seg(":abcdefghijkl"), false, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdefghijkl"}, app.pdus)
}

func TestStreams_TailHeldForNextPDU(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	r1, _ := s.Process("a", 1, 0, seg("1:a4:bc"), false, app.dissect)
	assert.Equal(t, []string{"a"}, app.pdus)
	assert.Equal(t, 3, r1.Held)

	_, _ = s.Process("a", 2, 7, seg("de"), false, app.dissect)
	assert.Equal(t, []string{"a", "bcde"}, app.pdus)

	v1, _ := s.Process("a", 1, 0, seg("1:a4:bc"), true, func(*buffer.Buffer) (Verdict, error) { return Verdict{}, nil })
	assert.Equal(t, uint32(2), v1.ReassembledIn)
	assert.Equal(t, 3, v1.Held)
}

func TestStreams_RetransmissionIgnored(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	s.Process("a", 1, 0, seg("2:ab"), false, app.dissect)
	rec, err := s.Process("a", 2, 0, seg("2:ab"), false, app.dissect)
	require.NoError(t, err)
	assert.True(t, rec.Retransmitted)
	assert.Equal(t, []string{"ab"}, app.pdus)
}

func TestStreams_GapDropsPending(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	s.Process("a", 1, 0, seg("9:abc"), false, app.dissect)
	_, err := s.Process("a", 2, 100, seg("2:zz"), false, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, []string{"zz"}, app.pdus)
}

func TestStreams_DirectionsIndependent(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	s.Process("fwd", 1, 0, seg("4:ab"), false, app.dissect)
	s.Process("rev", 2, 500, seg("1:x"), false, app.dissect)
	s.Process("fwd", 3, 4, seg("cd"), false, app.dissect)
	assert.Equal(t, []string{"x", "abcd"}, app.pdus)
}

func TestStreams_Disabled(t *testing.T) {
	s := NewStreams("Reassembled TCP", StreamConfig{Enabled: false})
	app := &lengthPrefixed{}

	rec, err := s.Process("a", 1, 0, seg("4:ab"), false, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, -1, rec.Held)
	s.Process("a", 2, 4, seg("cd"), false, app.dissect)
	assert.Empty(t, app.pdus)
}

func TestStreams_PendingLimit(t *testing.T) {
	s := NewStreams("Reassembled TCP", StreamConfig{Enabled: true, MaxPendingBytes: 8})
	app := &lengthPrefixed{}

	s.Process("a", 1, 0, seg("100:abc"), false, app.dissect)
	rec, _ := s.Process("a", 2, 7, seg("defgh"), false, app.dissect)
	assert.Equal(t, -1, rec.Held)

	s.Process("a", 3, 12, seg("1:q"), false, app.dissect)
	assert.Equal(t, []string{"q"}, app.pdus)
}

func TestStreams_RevisitUnknownFrameDispatchesWhole(t *testing.T) {
	s := newStreams()
	app := &lengthPrefixed{}

	rec, err := s.Process("a", 9, 0, seg("1:z"), true, app.dissect)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, app.pdus)
	assert.Equal(t, -1, rec.Held)
}
