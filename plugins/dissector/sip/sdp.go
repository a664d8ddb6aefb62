package sip

import (
	"bytes"
	"net/netip"
	"strconv"
	"strings"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/proto"
)

// ScratchSDP holds the *SDP parsed from the current message body, for the
// signalling protocol that carried it.
const ScratchSDP = "sdp.session"

// SDP is the part of a session description that locates media streams.
type SDP struct {
	Connection netip.Addr // session-level c= address
	Media      []Media
}

// Media is one m= section.
type Media struct {
	Type       string // audio, video, ...
	Port       uint16
	RTCPPort   uint16 // Port+1 unless a=rtcp: says otherwise
	RTCPMux    bool
	Codec      string // first a=rtpmap encoding
	Direction  string // sendrecv, sendonly, recvonly, inactive
	Connection netip.Addr
}

// Address returns the media-level address, falling back to the session level.
func (m Media) Address(session netip.Addr) netip.Addr {
	if m.Connection.IsValid() {
		return m.Connection
	}
	return session
}

var sdpLineNames = map[byte]string{
	'v': "Session Description Protocol Version (v)",
	'o': "Owner/Creator, Session Id (o)",
	's': "Session Name (s)",
	'i': "Session Information (i)",
	'u': "URI of Description (u)",
	'e': "E-mail Address (e)",
	'p': "Phone Number (p)",
	'c': "Connection Information (c)",
	'b': "Bandwidth Information (b)",
	't': "Time Description, active time (t)",
	'r': "Repeat Time (r)",
	'z': "Time Zone Adjustments (z)",
	'k': "Encryption Key (k)",
	'a': "Media Attribute (a)",
	'm': "Media Description, name and address (m)",
}

type sdpFields struct {
	line, connAddr, mediaType, mediaPort, mediaProto, attr proto.FieldID
}

func (f *sdpFields) register(fields *proto.Registry) error {
	for _, def := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.line, proto.FieldDef{Abbrev: "sdp.line", Name: "Line", Type: proto.TypeString}},
		{&f.connAddr, proto.FieldDef{Abbrev: "sdp.connection_info.address", Name: "Connection Address", Type: proto.TypeString}},
		{&f.mediaType, proto.FieldDef{Abbrev: "sdp.media.media", Name: "Media Type", Type: proto.TypeString}},
		{&f.mediaPort, proto.FieldDef{Abbrev: "sdp.media.port", Name: "Media Port", Type: proto.TypeUint16}},
		{&f.mediaProto, proto.FieldDef{Abbrev: "sdp.media.proto", Name: "Media Protocol", Type: proto.TypeString}},
		{&f.attr, proto.FieldDef{Abbrev: "sdp.media_attr", Name: "Media Attribute", Type: proto.TypeString}},
	} {
		def.def.Parent = "sdp"
		id, err := fields.Register(def.def)
		if err != nil {
			return err
		}
		*def.id = id
	}
	return nil
}

// dissectSDP shows every line of the description and leaves the parsed media
// sections in ScratchSDP.
func (d *sip) dissectSDP(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	body, err := buf.Bytes(0, buf.CapturedLength())
	if err != nil {
		return dissector.Result{}, err
	}
	layer := ctx.AddLayer(parent, buf, 0, -1)
	f := &d.sdp

	sdp := &SDP{}
	var cur *Media
	off := 0
	for off < len(body) {
		end := bytes.IndexByte(body[off:], '\n')
		if end < 0 {
			end = len(body) - off
		}
		raw := bytes.TrimRight(body[off:off+end], "\r")
		lineOff, lineLen := off, len(raw)
		off += end + 1
		if len(raw) < 2 || raw[1] != '=' {
			continue
		}
		typ, value := raw[0], string(bytes.TrimSpace(raw[2:]))
		label, ok := sdpLineNames[typ]
		if !ok {
			label = "Unknown (" + string(typ) + ")"
		}
		line := ctx.Tree.AddValue(layer, f.line, buf, lineOff, lineLen, proto.StringValue(value))
		ctx.Tree.AppendLabel(line, " ["+label+"]")

		switch typ {
		case 'c':
			addr := parseConnectionLine(value)
			if fields := strings.Fields(value); len(fields) == 3 {
				ctx.Tree.AddValue(line, f.connAddr, buf, lineOff+lineLen-len(fields[2]), len(fields[2]), proto.StringValue(fields[2]))
			}
			if !addr.IsValid() {
				continue
			}
			if cur != nil {
				cur.Connection = addr
			} else {
				sdp.Connection = addr
			}
		case 'm':
			if cur != nil {
				sdp.Media = append(sdp.Media, *cur)
				cur = nil
			}
			parts := strings.Fields(value)
			if len(parts) < 3 {
				continue
			}
			port, err := strconv.ParseUint(strings.SplitN(parts[1], "/", 2)[0], 10, 16)
			if err != nil {
				continue
			}
			ctx.Tree.AddGenerated(line, f.mediaType, proto.StringValue(parts[0]))
			ctx.Tree.AddGenerated(line, f.mediaPort, proto.UintValue(port))
			ctx.Tree.AddGenerated(line, f.mediaProto, proto.StringValue(parts[2]))
			cur = &Media{
				Type:      parts[0],
				Port:      uint16(port),
				RTCPPort:  uint16(port) + 1,
				Direction: "sendrecv",
			}
		case 'a':
			ctx.Tree.AddGenerated(line, f.attr, proto.StringValue(value))
			if cur != nil {
				applyAttribute(cur, value)
			}
		}
	}
	if cur != nil {
		sdp.Media = append(sdp.Media, *cur)
	}
	ctx.SetScratch(ScratchSDP, sdp)
	return dissector.Accept(buf.CapturedLength()), nil
}

// applyAttribute applies the media-level attributes that locate RTCP, name the
// codec or set the direction.
func applyAttribute(m *Media, value string) {
	switch {
	case value == "rtcp-mux":
		m.RTCPMux = true
		m.RTCPPort = m.Port
	case strings.HasPrefix(value, "rtcp:"):
		port := strings.Fields(value[5:])
		if len(port) > 0 {
			if p, err := strconv.ParseUint(port[0], 10, 16); err == nil && !m.RTCPMux {
				m.RTCPPort = uint16(p)
			}
		}
	case strings.HasPrefix(value, "rtpmap:"):
		if m.Codec == "" {
			if parts := strings.SplitN(value[7:], " ", 2); len(parts) == 2 {
				m.Codec = parts[1]
			}
		}
	case value == "sendrecv" || value == "sendonly" || value == "recvonly" || value == "inactive":
		m.Direction = value
	}
}

// parseConnectionLine extracts the address of a c= line such as
// "IN IP4 192.168.1.100" or "IN IP6 2001:db8::1".
func parseConnectionLine(value string) netip.Addr {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return netip.Addr{}
	}
	// multicast addresses may carry a /ttl suffix
	host, _, _ := strings.Cut(parts[2], "/")
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return ip
}
