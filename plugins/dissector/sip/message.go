package sip

import (
	"bytes"
	"strconv"
	"strings"
)

var methods = [][]byte{
	[]byte("INVITE"),
	[]byte("ACK"),
	[]byte("BYE"),
	[]byte("CANCEL"),
	[]byte("REGISTER"),
	[]byte("OPTIONS"),
	[]byte("PRACK"),
	[]byte("SUBSCRIBE"),
	[]byte("NOTIFY"),
	[]byte("PUBLISH"),
	[]byte("INFO"),
	[]byte("REFER"),
	[]byte("MESSAGE"),
	[]byte("UPDATE"),
}

var version = []byte("SIP/2.0")

// compact header forms of RFC 3261 §7.3.3
var compactForms = map[string]string{
	"i": "call-id",
	"m": "contact",
	"e": "content-encoding",
	"l": "content-length",
	"c": "content-type",
	"f": "from",
	"s": "subject",
	"k": "supported",
	"t": "to",
	"v": "via",
}

// detect reports whether data starts like a SIP message: a status line, or a
// known method followed by a space.
func detect(data []byte) bool {
	if bytes.HasPrefix(data, version) {
		return len(data) > len(version) && data[len(version)] == ' '
	}
	for _, m := range methods {
		if bytes.HasPrefix(data, m) && len(data) > len(m) && data[len(m)] == ' ' {
			return true
		}
	}
	return false
}

// header is one header line of a message, offsets relative to the message.
type header struct {
	name  string // canonical lower-case long form
	raw   string // name as written
	value string
	off   int // start of the line
	len   int // line length without the line terminator
}

// message is the parsed start line and headers of a SIP message.
type message struct {
	method     string
	requestURI string
	statusCode int
	reason     string
	firstLine  int // length of the start line
	headers    []header
}

func (m *message) isRequest() bool { return m.method != "" }

// get returns the first value of the header with canonical name name.
func (m *message) get(name string) (string, bool) {
	for _, h := range m.headers {
		if h.name == name {
			return h.value, true
		}
	}
	return "", false
}

// contentLength returns the declared body length, or -1 if absent or invalid.
func (m *message) contentLength() int {
	v, ok := m.get("content-length")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// cseq splits the CSeq header into its sequence number and method.
func (m *message) cseq() (uint32, string, bool) {
	v, ok := m.get("cseq")
	if !ok {
		return 0, "", false
	}
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(n), parts[1], true
}

// parseMessage parses the header section hdr, which excludes the empty line
// that ends it. Folded continuation lines are joined to their header.
func parseMessage(hdr []byte) (*message, bool) {
	msg := &message{}
	lineEnd := bytes.IndexByte(hdr, '\n')
	if lineEnd < 0 {
		lineEnd = len(hdr)
	}
	first := string(bytes.TrimRight(hdr[:lineEnd], "\r"))
	msg.firstLine = len(first)
	parts := strings.SplitN(first, " ", 3)
	if len(parts) < 3 {
		return nil, false
	}
	if parts[0] == string(version) {
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 699 {
			return nil, false
		}
		msg.statusCode, msg.reason = code, parts[2]
	} else {
		if parts[2] != string(version) {
			return nil, false
		}
		msg.method, msg.requestURI = parts[0], parts[1]
	}

	off := lineEnd + 1
	for off < len(hdr) {
		end := bytes.IndexByte(hdr[off:], '\n')
		if end < 0 {
			end = len(hdr) - off
		}
		line := bytes.TrimRight(hdr[off:off+end], "\r")
		next := off + end + 1
		if len(line) == 0 {
			off = next
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(msg.headers) > 0 {
			h := &msg.headers[len(msg.headers)-1]
			h.value += " " + string(bytes.TrimSpace(line))
			h.len = off + len(line) - h.off
			off = next
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon > 0 {
			raw := string(bytes.TrimSpace(line[:colon]))
			name := strings.ToLower(raw)
			if long, ok := compactForms[name]; ok {
				name = long
			}
			msg.headers = append(msg.headers, header{
				name:  name,
				raw:   raw,
				value: string(bytes.TrimSpace(line[colon+1:])),
				off:   off,
				len:   len(line),
			})
		}
		off = next
	}
	return msg, true
}

// extractURI extracts the URI from a From/To/Contact value:
// "Alice" <sip:alice@example.com>;tag=1234 gives sip:alice@example.com.
func extractURI(value string) string {
	start := strings.IndexByte(value, '<')
	if start == -1 {
		parts := strings.Fields(value)
		if len(parts) == 0 {
			return ""
		}
		uri := parts[0]
		if semi := strings.IndexByte(uri, ';'); semi != -1 {
			uri = uri[:semi]
		}
		return uri
	}
	end := strings.IndexByte(value[start:], '>')
	if end == -1 {
		return ""
	}
	return value[start+1 : start+end]
}

// param returns the value of the ;name= parameter in a header value.
func param(value, name string) string {
	for _, p := range strings.Split(value, ";")[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
