package braidproto

import (
	"strconv"
	"strings"
	"time"
)

// Header names used by the protocol.
const (
	HeaderVersion        = "Version"
	HeaderParents        = "Parents"
	HeaderCurrentVersion = "Current-Version"
	HeaderSubscribe      = "Subscribe"
	HeaderPeer           = "Peer"
	HeaderHeartbeats     = "Heartbeats"
	HeaderMergeType      = "Merge-Type"
	HeaderContentRange   = "Content-Range"
	HeaderContentLength  = "Content-Length"
	HeaderPatches        = "Patches"
)

// ParseVersionHeader splits a Version or Parents header value into its
// versions. A single layer of double quotes around each entry is removed;
// unquoted entries are accepted as they are.
func ParseVersionHeader(text string) VersionList {
	if text == "" {
		return VersionList{}
	}
	parts := strings.Split(text, ",")
	list := make(VersionList, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if len(part) >= 2 && strings.HasPrefix(part, `"`) && strings.HasSuffix(part, `"`) {
			part = part[1 : len(part)-1]
		}
		list = append(list, Version(part))
	}
	return list
}

// FormatVersionHeader renders versions as quoted, comma separated values.
func FormatVersionHeader(versions VersionList) string {
	var b strings.Builder
	for i, v := range versions {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('"')
		b.WriteString(string(v))
		b.WriteByte('"')
	}
	return b.String()
}

// ParseContentRange splits a Content-Range value such as "json .foo" into
// its unit and range at the first space.
func ParseContentRange(text string) (unit, rng string, err error) {
	unit, rng, ok := strings.Cut(text, " ")
	if !ok {
		return "", "", &HeaderParseError{Header: HeaderContentRange, Value: text}
	}
	return unit, rng, nil
}

// FormatContentRange is the inverse of ParseContentRange.
func FormatContentRange(unit, rng string) string {
	return unit + " " + rng
}

// ParseHeartbeat parses a Heartbeats value ("500ms", "5s" or "5") into whole
// seconds. Milliseconds are truncated.
func ParseHeartbeat(text string) (uint64, error) {
	trimmed := strings.TrimSpace(text)
	divisor := uint64(1)
	switch {
	case strings.HasSuffix(trimmed, "ms"):
		trimmed = strings.TrimSuffix(trimmed, "ms")
		divisor = 1000
	case strings.HasSuffix(trimmed, "s"):
		trimmed = strings.TrimSuffix(trimmed, "s")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(trimmed), 10, 64)
	if err != nil {
		return 0, &HeaderParseError{Header: HeaderHeartbeats, Value: text, Err: err}
	}
	return n / divisor, nil
}

// FormatHeartbeat renders an interval as a Heartbeats value, in seconds when
// it is a whole number of them and in milliseconds otherwise.
func FormatHeartbeat(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}
