package sip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	for _, tc := range []struct {
		data string
		want bool
	}{
		{"INVITE sip:bob@example.com SIP/2.0", true},
		{"SIP/2.0 200 OK", true},
		{"OPTIONS sip:a SIP/2.0", true},
		{"INVITEX sip:bob", false},
		{"SIP/2.0", false},
		{"GET / HTTP/1.1", false},
		{"", false},
	} {
		assert.Equal(t, tc.want, detect([]byte(tc.data)), tc.data)
	}
}

func TestParseMessage_Request(t *testing.T) {
	hdr := "INVITE sip:bob@example.com SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 10.0.0.1:5060\r\n" +
		"From: \"Alice\" <sip:alice@example.com>;tag=abc\r\n" +
		"Subject: first\r\n" +
		" continued\r\n" +
		"CSeq: 42 INVITE\r\n" +
		"l: 12"
	msg, ok := parseMessage([]byte(hdr))
	require.True(t, ok)

	assert.True(t, msg.isRequest())
	assert.Equal(t, "INVITE", msg.method)
	assert.Equal(t, "sip:bob@example.com", msg.requestURI)
	assert.Equal(t, len("INVITE sip:bob@example.com SIP/2.0"), msg.firstLine)

	via, ok := msg.get("via")
	require.True(t, ok)
	assert.Equal(t, "SIP/2.0/UDP 10.0.0.1:5060", via)

	subject, _ := msg.get("subject")
	assert.Equal(t, "first continued", subject)

	seq, method, ok := msg.cseq()
	require.True(t, ok)
	assert.Equal(t, uint32(42), seq)
	assert.Equal(t, "INVITE", method)
	assert.Equal(t, 12, msg.contentLength())
}

func TestParseMessage_Response(t *testing.T) {
	msg, ok := parseMessage([]byte("SIP/2.0 486 Busy Here\r\nCall-ID: x"))
	require.True(t, ok)
	assert.False(t, msg.isRequest())
	assert.Equal(t, 486, msg.statusCode)
	assert.Equal(t, "Busy Here", msg.reason)
	assert.Equal(t, -1, msg.contentLength())
	_, _, ok = msg.cseq()
	assert.False(t, ok)
}

func TestParseMessage_BadStartLine(t *testing.T) {
	for _, hdr := range []string{
		"SIP/2.0 99 Too Low",
		"SIP/2.0 abc Nope",
		"INVITE sip:bob SIP/3.0",
		"INVITE",
	} {
		_, ok := parseMessage([]byte(hdr))
		assert.False(t, ok, hdr)
	}
}

func TestExtractURIAndParam(t *testing.T) {
	assert.Equal(t, "sip:alice@example.com", extractURI(`"Alice" <sip:alice@example.com>;tag=1`))
	assert.Equal(t, "sip:bob@example.com", extractURI("sip:bob@example.com;tag=2"))
	assert.Equal(t, "", extractURI("<sip:broken"))
	assert.Equal(t, "", extractURI(""))

	assert.Equal(t, "1928", param(";tag=1928;foo=bar", "tag"))
	assert.Equal(t, "bar", param("<sip:x>;TAG=1;foo=bar", "foo"))
	assert.Equal(t, "", param("<sip:x>", "tag"))
}

func TestApplyAttribute(t *testing.T) {
	m := Media{Port: 4000, RTCPPort: 4001, Direction: "sendrecv"}
	applyAttribute(&m, "rtpmap:8 PCMA/8000")
	applyAttribute(&m, "rtpmap:0 PCMU/8000")
	applyAttribute(&m, "rtcp:5001 IN IP4 10.0.0.1")
	applyAttribute(&m, "recvonly")
	assert.Equal(t, "PCMA/8000", m.Codec)
	assert.Equal(t, uint16(5001), m.RTCPPort)
	assert.Equal(t, "recvonly", m.Direction)

	applyAttribute(&m, "rtcp-mux")
	assert.True(t, m.RTCPMux)
	assert.Equal(t, uint16(4000), m.RTCPPort)
	applyAttribute(&m, "rtcp:6001")
	assert.Equal(t, uint16(4000), m.RTCPPort)
}

func TestParseConnectionLine(t *testing.T) {
	assert.Equal(t, netip.MustParseAddr("192.168.1.100"), parseConnectionLine("IN IP4 192.168.1.100"))
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), parseConnectionLine("IN IP6 2001:db8::1"))
	assert.Equal(t, netip.MustParseAddr("224.2.1.1"), parseConnectionLine("IN IP4 224.2.1.1/127"))
	assert.False(t, parseConnectionLine("IN IP4").IsValid())
	assert.False(t, parseConnectionLine("IN IP4 host.example.com").IsValid())

	m := Media{}
	session := netip.MustParseAddr("10.0.0.1")
	assert.Equal(t, session, m.Address(session))
	m.Connection = netip.MustParseAddr("10.0.0.9")
	assert.Equal(t, m.Connection, m.Address(session))
}
