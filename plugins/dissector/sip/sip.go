// Package sip dissects SIP signalling and the SDP bodies it carries. Requests
// and final responses are paired into transactions by Call-ID and CSeq, and
// every SDP description announces its media endpoints so the RTP dissector is
// bound to the streams when they appear.
package sip

import (
	"fmt"
	"strings"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/rtp"
)

const (
	// Port is the well-known SIP port for UDP and TCP.
	Port = 5060

	// TableMediaType is keyed by lower-case MIME type without parameters.
	TableMediaType = "media_type"

	// Heuristic short names on the UDP and TCP port tables.
	HeuristicUDP = "sip_udp"
	HeuristicTCP = "sip_tcp"

	convDataKey   = "sip"
	headerEnd     = "\r\n\r\n"
	mediaTypeSDP  = "application/sdp"
	detectMaxRead = 16
)

// Preferences are read from the "protocols.sip" configuration section.
type Preferences struct {
	DesegmentHeaders bool `mapstructure:"desegment_headers"` // wait for the whole header section over TCP
	DesegmentBody    bool `mapstructure:"desegment_body"`    // wait for Content-Length bytes of body over TCP
	TrackMedia       bool `mapstructure:"track_media"`       // announce SDP media endpoints to RTP
}

// DefaultPreferences returns the preferences used when configuration is silent.
func DefaultPreferences() Preferences {
	return Preferences{DesegmentHeaders: true, DesegmentBody: true, TrackMedia: true}
}

// calls is what SIP keeps per signalling conversation: the media endpoints
// each Call-ID announced, withdrawn when the call ends.
type calls struct {
	media map[string][]conversation.Endpoint
}

type sipFields struct {
	requestLine, method, ruri, statusLine, statusCode, statusPhrase proto.FieldID
	header, fromAddr, fromTag, toAddr, toTag, cseqSeq, cseqMethod   proto.FieldID
	contentLength, body, responseIn, responseTo, responseTime       proto.FieldID
	headers                                                         map[string]proto.FieldID
}

// known headers shown as their own fields; the rest use sip.header
var knownHeaders = []struct{ name, abbrev, display string }{
	{"via", "sip.Via", "Via"},
	{"from", "sip.From", "From"},
	{"to", "sip.To", "To"},
	{"call-id", "sip.Call-ID", "Call-ID"},
	{"cseq", "sip.CSeq", "CSeq"},
	{"contact", "sip.Contact", "Contact"},
	{"content-type", "sip.Content-Type", "Content-Type"},
	{"max-forwards", "sip.Max-Forwards", "Max-Forwards"},
	{"user-agent", "sip.User-Agent", "User-Agent"},
	{"server", "sip.Server", "Server"},
	{"allow", "sip.Allow", "Allow"},
	{"supported", "sip.Supported", "Supported"},
	{"expires", "sip.Expires", "Expires"},
	{"subject", "sip.Subject", "Subject"},
	{"route", "sip.Route", "Route"},
	{"record-route", "sip.Record-Route", "Record-Route"},
}

type sip struct {
	prefs Preferences
	hf    sipFields
	sdp   sdpFields

	handle, sdpHandle *dissector.Handle
	rtp, rtcp         *dissector.Handle
}

// Registrar returns the SIP and SDP registrar.
func Registrar() engine.Registrar {
	d := &sip{prefs: DefaultPreferences(), hf: sipFields{headers: make(map[string]proto.FieldID)}}
	return engine.Registrar{Name: "sip", Register: d.register, Handoff: d.handoff}
}

func (d *sip) register(e *engine.Engine) error {
	if err := e.Config().DecodeProtocol("sip", &d.prefs); err != nil {
		return err
	}
	fields := e.Fields()
	sipID, err := fields.RegisterProtocol("Session Initiation Protocol", "sip")
	if err != nil {
		return err
	}
	sdpID, err := fields.RegisterProtocol("Session Description Protocol", "sdp")
	if err != nil {
		return err
	}
	f := &d.hf
	for _, def := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.requestLine, proto.FieldDef{Abbrev: "sip.Request-Line", Name: "Request-Line", Type: proto.TypeString}},
		{&f.method, proto.FieldDef{Abbrev: "sip.Method", Name: "Method", Type: proto.TypeString}},
		{&f.ruri, proto.FieldDef{Abbrev: "sip.r-uri", Name: "Request-URI", Type: proto.TypeString}},
		{&f.statusLine, proto.FieldDef{Abbrev: "sip.Status-Line", Name: "Status-Line", Type: proto.TypeString}},
		{&f.statusCode, proto.FieldDef{Abbrev: "sip.Status-Code", Name: "Status-Code", Type: proto.TypeUint16}},
		{&f.statusPhrase, proto.FieldDef{Abbrev: "sip.Status-Phrase", Name: "Reason-Phrase", Type: proto.TypeString}},
		{&f.header, proto.FieldDef{Abbrev: "sip.header", Name: "Header", Type: proto.TypeString}},
		{&f.fromAddr, proto.FieldDef{Abbrev: "sip.from.addr", Name: "SIP from address", Type: proto.TypeString}},
		{&f.fromTag, proto.FieldDef{Abbrev: "sip.from.tag", Name: "SIP from tag", Type: proto.TypeString}},
		{&f.toAddr, proto.FieldDef{Abbrev: "sip.to.addr", Name: "SIP to address", Type: proto.TypeString}},
		{&f.toTag, proto.FieldDef{Abbrev: "sip.to.tag", Name: "SIP to tag", Type: proto.TypeString}},
		{&f.cseqSeq, proto.FieldDef{Abbrev: "sip.CSeq.seq", Name: "Sequence Number", Type: proto.TypeUint32}},
		{&f.cseqMethod, proto.FieldDef{Abbrev: "sip.CSeq.method", Name: "Method", Type: proto.TypeString}},
		{&f.contentLength, proto.FieldDef{Abbrev: "sip.Content-Length", Name: "Content-Length", Type: proto.TypeUint32}},
		{&f.body, proto.FieldDef{Abbrev: "sip.msg_body", Name: "Message Body", Type: proto.TypeBytes}},
		{&f.responseIn, proto.FieldDef{Abbrev: "sip.response-in", Name: "Response in", Type: proto.TypeFrameNum}},
		{&f.responseTo, proto.FieldDef{Abbrev: "sip.response-request", Name: "Request", Type: proto.TypeFrameNum}},
		{&f.responseTime, proto.FieldDef{Abbrev: "sip.response-time", Name: "Response Time", Type: proto.TypeRelTime}},
	} {
		def.def.Parent = "sip"
		if *def.id, err = fields.Register(def.def); err != nil {
			return err
		}
	}
	for _, h := range knownHeaders {
		id, err := fields.Register(proto.FieldDef{Abbrev: h.abbrev, Name: h.display, Type: proto.TypeString, Parent: "sip"})
		if err != nil {
			return err
		}
		f.headers[h.name] = id
	}
	if err := d.sdp.register(fields); err != nil {
		return err
	}

	reg := e.Dissectors()
	if _, err := reg.CreateTable(TableMediaType, "Internet media type", dissector.KeyString); err != nil {
		return err
	}
	d.handle = dissector.NewHandle("sip", sipID, "sip", d.dissect)
	d.sdpHandle = dissector.NewHandle("sdp", sdpID, "sdp", d.dissectSDP)
	reg.Register(d.handle)
	reg.Register(d.sdpHandle)
	return nil
}

func (d *sip) handoff(e *engine.Engine) error {
	reg := e.Dissectors()
	for _, t := range []string{engine.TableUDPPort, engine.TableTCPPort} {
		if err := reg.SetUint(t, Port, d.handle); err != nil {
			return err
		}
	}
	if err := reg.SetString(TableMediaType, mediaTypeSDP, d.sdpHandle); err != nil {
		return err
	}
	heuristic := dissector.NewHandle("sip_heur", d.handle.Protocol(), "sip", d.heuristic)
	if err := e.AddHeuristic(engine.TableUDPPort, HeuristicUDP, heuristic, true); err != nil {
		return err
	}
	if err := e.AddHeuristic(engine.TableTCPPort, HeuristicTCP, heuristic, true); err != nil {
		return err
	}
	d.rtp, _ = reg.Lookup("rtp")
	d.rtcp, _ = reg.Lookup("rtcp")
	return nil
}

// heuristic runs the dissector only on data that starts like a SIP message,
// so other protocols on the same transport fall through untouched.
func (d *sip) heuristic(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	p, err := buf.Bytes(0, min(buf.CapturedLength(), detectMaxRead))
	if err != nil || !detect(p) {
		return dissector.Reject(), nil
	}
	return d.dissect(ctx, buf, parent)
}

func (d *sip) dissect(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	p, err := buf.Bytes(0, min(buf.CapturedLength(), detectMaxRead))
	if err != nil || !detect(p) {
		return dissector.Reject(), nil
	}

	hdrLen := buf.Find(0, []byte(headerEnd))
	bodyStart := hdrLen + len(headerEnd)
	if hdrLen < 0 {
		if ctx.CanDesegment() && d.prefs.DesegmentHeaders {
			return dissector.NeedMore(0, dissector.OneMoreSegment), nil
		}
		hdrLen, bodyStart = buf.CapturedLength(), buf.CapturedLength()
	}
	hdr, err := buf.Bytes(0, hdrLen)
	if err != nil {
		return dissector.Result{}, err
	}
	msg, ok := parseMessage(hdr)
	if !ok {
		return dissector.Reject(), nil
	}

	bodyLen := msg.contentLength()
	if bodyLen < 0 {
		// without Content-Length a datagram's body runs to its end; a stream's is empty
		bodyLen = 0
		if ctx.PortType != core.PortTCP {
			bodyLen = max(buf.ReportedLength()-bodyStart, 0)
		}
	}
	msgLen := bodyStart + bodyLen
	var short error
	if msgLen > buf.ReportedLength() {
		if ctx.CanDesegment() && d.prefs.DesegmentBody {
			return dissector.NeedMore(0, msgLen-buf.CapturedLength()), nil
		}
		short = fmt.Errorf("Content-Length %d exceeds the %d bytes available", bodyLen, buf.ReportedLength()-bodyStart)
		msgLen = buf.ReportedLength()
		bodyLen = max(msgLen-bodyStart, 0)
	}

	layer := ctx.AddLayer(parent, buf, 0, msgLen)
	if err := d.addStartLine(ctx, layer, buf, msg); err != nil {
		return dissector.Result{}, err
	}
	d.addHeaders(ctx, layer, buf, msg, hdrLen)

	ctx.Columns.Set(proto.ColProtocol, "SIP")
	info := "Status: " + fmt.Sprintf("%d %s", msg.statusCode, msg.reason)
	if msg.isRequest() {
		info = "Request: " + msg.method + " " + msg.requestURI
	}
	// Each message fences its summary so the next one in the frame follows it.
	ctx.Columns.Set(proto.ColInfo, info)
	ctx.Columns.FenceSep(proto.ColInfo, " , ")
	if short != nil {
		ctx.Malformed(short)
	}

	d.transaction(ctx, layer, msg)

	ctx.SetScratch(ScratchSDP, nil)
	if bodyLen > 0 {
		if err := d.addBody(ctx, layer, buf, msg, bodyStart, bodyLen); err != nil {
			return dissector.Result{}, err
		}
	}
	d.media(ctx, msg)
	return dissector.Accept(min(msgLen, buf.CapturedLength())), nil
}

func (d *sip) addStartLine(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, msg *message) error {
	f := &d.hf
	first, err := buf.String(0, msg.firstLine)
	if err != nil {
		return err
	}
	if msg.isRequest() {
		line := ctx.Tree.AddValue(layer, f.requestLine, buf, 0, msg.firstLine, proto.StringValue(first))
		ctx.Tree.AddValue(line, f.method, buf, 0, len(msg.method), proto.StringValue(msg.method))
		ctx.Tree.AddValue(line, f.ruri, buf, len(msg.method)+1, len(msg.requestURI), proto.StringValue(msg.requestURI))
		return nil
	}
	line := ctx.Tree.AddValue(layer, f.statusLine, buf, 0, msg.firstLine, proto.StringValue(first))
	ctx.Tree.AddValue(line, f.statusCode, buf, len(version)+1, 3, proto.UintValue(msg.statusCode))
	ctx.Tree.AddValue(line, f.statusPhrase, buf, len(version)+5, len(msg.reason), proto.StringValue(msg.reason))
	return nil
}

func (d *sip) addHeaders(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, msg *message, hdrLen int) {
	f := &d.hf
	start := min(msg.firstLine+2, hdrLen)
	tree := ctx.Tree.AddSubtree(layer, "Message Header", buf, start, hdrLen-start)
	for _, h := range msg.headers {
		id, known := f.headers[h.name]
		if !known {
			ctx.Tree.AddValue(tree, f.header, buf, h.off, h.len, proto.StringValue(h.raw+": "+h.value))
			continue
		}
		node := ctx.Tree.AddValue(tree, id, buf, h.off, h.len, proto.StringValue(h.value))
		switch h.name {
		case "from":
			ctx.Tree.AddGenerated(node, f.fromAddr, proto.StringValue(extractURI(h.value)))
			if tag := param(h.value[strings.LastIndexByte(h.value, '>')+1:], "tag"); tag != "" {
				ctx.Tree.AddGenerated(node, f.fromTag, proto.StringValue(tag))
			}
		case "to":
			ctx.Tree.AddGenerated(node, f.toAddr, proto.StringValue(extractURI(h.value)))
			if tag := param(h.value[strings.LastIndexByte(h.value, '>')+1:], "tag"); tag != "" {
				ctx.Tree.AddGenerated(node, f.toTag, proto.StringValue(tag))
			}
		case "cseq":
			if seq, method, ok := msg.cseq(); ok {
				ctx.Tree.AddGenerated(node, f.cseqSeq, proto.UintValue(seq))
				ctx.Tree.AddGenerated(node, f.cseqMethod, proto.StringValue(method))
			}
		}
	}
	if n := msg.contentLength(); n >= 0 {
		ctx.Tree.AddGenerated(tree, f.contentLength, proto.UintValue(n))
	}
}

func (d *sip) addBody(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, msg *message, off, n int) error {
	body, err := buf.SubsetReported(off, n)
	if err != nil {
		return err
	}
	tree := ctx.Tree.AddSubtree(layer, "Message Body", buf, off, n)
	ctype, _ := msg.get("content-type")
	ctype, _, _ = strings.Cut(ctype, ";")
	ctype = strings.ToLower(strings.TrimSpace(ctype))
	if ctype != "" {
		_, ok, err := ctx.TryString(TableMediaType, ctype, body, tree)
		if err != nil {
			return err
		}
		if ok {
			ctx.Columns.Set(proto.ColProtocol, "SIP/"+strings.ToUpper(ctx.Layers[len(ctx.Layers)-1]))
			return nil
		}
	}
	_, err = ctx.Tree.AddField(tree, d.hf.body, body, 0, -1, proto.EncNA)
	return err
}

// transaction pairs a request with its final response by Call-ID and CSeq.
// Provisional responses do not end a transaction.
func (d *sip) transaction(ctx *dissector.Context, layer proto.Handle, msg *message) {
	if ctx.Conversation == nil || ctx.Conversations == nil {
		return
	}
	callID, ok := msg.get("call-id")
	if !ok {
		return
	}
	seq, method, ok := msg.cseq()
	if !ok {
		return
	}
	key := fmt.Sprintf("%s|%d|%s", callID, seq, method)
	f := &d.hf
	if msg.isRequest() {
		tx, ok := ctx.Conversations.Start(ctx.Conversation, key, ctx.Frame, ctx.Timestamp, ctx.Visited)
		if ok && tx.ResponseFrame != 0 {
			ctx.Tree.AddGenerated(layer, f.responseIn, proto.UintValue(tx.ResponseFrame))
		}
		return
	}
	if msg.statusCode < 200 {
		return
	}
	tx, ok := ctx.Conversations.End(ctx.Conversation, key, ctx.Frame, ctx.Timestamp, ctx.Visited)
	if !ok {
		return
	}
	ctx.Tree.AddGenerated(layer, f.responseTo, proto.UintValue(tx.RequestFrame))
	ctx.Tree.AddGenerated(layer, f.responseTime, proto.DurationValue(tx.RTT()))
}

// media announces the endpoints of the SDP the message carried, and withdraws
// a call's endpoints when it ends. Expectations only change on the first pass.
func (d *sip) media(ctx *dissector.Context, msg *message) {
	if !d.prefs.TrackMedia || ctx.Visited || ctx.Conversations == nil || d.rtp == nil {
		return
	}
	callID, _ := msg.get("call-id")
	var state *calls
	if ctx.Conversation != nil {
		v, _ := ctx.Conversation.Data(convDataKey)
		state, _ = v.(*calls)
		if state == nil {
			state = &calls{media: make(map[string][]conversation.Endpoint)}
			ctx.Conversation.SetData(convDataKey, state)
		}
	}

	if msg.method == "BYE" || msg.method == "CANCEL" {
		if state == nil {
			return
		}
		for _, ep := range state.media[callID] {
			ctx.Conversations.Unexpect(core.PortUDP, ep)
		}
		delete(state.media, callID)
		return
	}

	v, _ := ctx.Scratch(ScratchSDP)
	sdp, _ := v.(*SDP)
	if sdp == nil {
		return
	}
	for _, m := range sdp.Media {
		addr := m.Address(sdp.Connection)
		if !addr.IsValid() || m.Port == 0 || m.Direction == "inactive" {
			continue
		}
		setup := rtp.Setup{Method: "SDP", Frame: ctx.Frame, CallID: callID, Codec: m.Codec}
		targets := []struct {
			port uint16
			h    *dissector.Handle
		}{{m.Port, d.rtp}}
		if !m.RTCPMux && d.rtcp != nil {
			targets = append(targets, struct {
				port uint16
				h    *dissector.Handle
			}{m.RTCPPort, d.rtcp})
		}
		for _, t := range targets {
			ep := conversation.Endpoint{Addr: core.IPAddress{Addr: addr}, Port: uint32(t.port)}
			ctx.Conversations.Expect(core.PortUDP, ep, conversation.Expectation{Dissector: t.h, Frame: ctx.Frame, Setup: setup})
			if state != nil {
				state.media[callID] = append(state.media[callID], ep)
			}
		}
	}
}
