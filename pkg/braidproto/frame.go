package braidproto

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

const crlf = "\r\n"

// EncodeFrame renders an update the way it travels inside a subscription
// body: an optional status line, headers, a blank line and the body or
// patches, followed by a separating blank line. An empty update encodes as a
// lone blank line, which readers treat as a heartbeat.
func EncodeFrame(u Update) []byte {
	if u.IsEmpty() {
		return []byte(crlf)
	}

	var b bytes.Buffer
	if u.Status != 0 && u.Status != StatusOK {
		fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", u.Status, StatusText(u.Status))
	}
	if len(u.Version) > 0 {
		writeHeader(&b, HeaderVersion, FormatVersionHeader(u.Version))
	}
	if len(u.Parents) > 0 {
		writeHeader(&b, HeaderParents, FormatVersionHeader(u.Parents))
	}
	for _, name := range slices.Sorted(maps.Keys(u.ExtraHeaders)) {
		if reservedFrameHeader(name) {
			continue
		}
		writeHeader(&b, name, u.ExtraHeaders[name])
	}

	switch {
	case u.Body != nil:
		writeHeader(&b, HeaderContentLength, strconv.Itoa(len(u.Body)))
		b.WriteString(crlf)
		b.Write(u.Body)
	case len(u.Patches) == 1:
		writePatch(&b, u.Patches[0])
	case len(u.Patches) > 1:
		writeHeader(&b, HeaderPatches, strconv.Itoa(len(u.Patches)))
		b.WriteString(crlf)
		b.Write(EncodePatches(u.Patches))
	default:
		b.WriteString(crlf)
	}
	b.WriteString(crlf)
	return b.Bytes()
}

// EncodePatches renders the patch blocks that follow a "Patches: N" header.
func EncodePatches(patches []Patch) []byte {
	var b bytes.Buffer
	for i, p := range patches {
		if i > 0 {
			b.WriteString(crlf)
		}
		writePatch(&b, p)
	}
	return b.Bytes()
}

func writePatch(b *bytes.Buffer, p Patch) {
	writeHeader(b, HeaderContentLength, strconv.Itoa(len(p.Content)))
	writeHeader(b, HeaderContentRange, FormatContentRange(p.Unit, p.Range))
	b.WriteString(crlf)
	b.Write(p.Content)
}

func writeHeader(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString(crlf)
}

func reservedFrameHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "content-range", "patches", "version", "parents":
		return true
	}
	return false
}

// Update converts a parsed message into an Update. A body addressed by a
// Content-Range becomes a single patch; headers without a protocol meaning
// end up in ExtraHeaders.
func (m Message) Update() Update {
	u := Update{Status: StatusOK}
	extra := make(map[string]string)
	for name, value := range m.Headers {
		switch name {
		case StatusHeader:
			if code, err := strconv.Atoi(value); err == nil {
				u.Status = code
			}
		case "version":
			u.Version = ParseVersionHeader(value)
		case "parents":
			u.Parents = ParseVersionHeader(value)
		case "content-length", "patches", "content-range":
		default:
			extra[name] = value
		}
	}

	_, hasLength := m.Headers["content-length"]
	cr, hasRange := m.Headers["content-range"]
	switch {
	case len(m.Patches) > 0:
		u.Patches = m.Patches
	case hasRange:
		unit, rng, err := ParseContentRange(cr)
		if err != nil {
			extra["content-range"] = cr
			u.Body = nonNil(m.Body)
			break
		}
		u.Patches = []Patch{{Unit: unit, Range: rng, Content: nonNil(m.Body)}}
	case hasLength:
		u.Body = nonNil(m.Body)
	}

	if len(extra) > 0 {
		u.ExtraHeaders = extra
	}
	return u
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
