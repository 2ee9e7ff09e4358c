package braidproto

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Range units understood by ApplyJSONPatch and ParseIndexRange.
const (
	UnitJSON  = "json"
	UnitText  = "text"
	UnitBytes = "bytes"
)

// ParseIndexRange parses a text or bytes range, "[3:7]" or "3:7", into a
// half open interval. "[3]" addresses the empty interval at 3.
func ParseIndexRange(rng string) (start, end int, err error) {
	s := strings.TrimSpace(rng)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	from, to, ok := strings.Cut(s, ":")
	if !ok {
		to = from
	}
	if start, err = strconv.Atoi(strings.TrimSpace(from)); err != nil {
		return 0, 0, fmt.Errorf("%w %q: %w", ErrInvalidRange, rng, err)
	}
	if end, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
		return 0, 0, fmt.Errorf("%w %q: %w", ErrInvalidRange, rng, err)
	}
	if start < 0 || end < start {
		return 0, 0, fmt.Errorf("%w %q", ErrInvalidRange, rng)
	}
	return start, end, nil
}

// ApplyJSONPatch applies a patch in the json unit to doc. The range is
// either a JSON pointer ("/a/0/b") or a path (".a[0].b"); an empty range
// addresses the whole document. Empty content deletes the addressed value.
func ApplyJSONPatch(doc []byte, p Patch) ([]byte, error) {
	if p.Unit != UnitJSON {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedUnit, p.Unit)
	}
	path, err := JSONPath(p.Range)
	if err != nil {
		return nil, err
	}
	if len(p.Content) > 0 && !gjson.ValidBytes(p.Content) {
		return nil, fmt.Errorf("%w: patch content for %q is not json", ErrInvalidRange, p.Range)
	}
	if path == "" {
		return p.Content, nil
	}
	if len(doc) == 0 {
		doc = []byte("{}")
	}
	if len(p.Content) == 0 {
		return sjson.DeleteBytes(doc, path)
	}
	return sjson.SetRawBytes(doc, path, p.Content)
}

// JSONPath converts a json range into a gjson/sjson path.
func JSONPath(rng string) (string, error) {
	rng = strings.TrimSpace(rng)
	switch {
	case rng == "":
		return "", nil
	case strings.HasPrefix(rng, "/"):
		return pointerPath(rng), nil
	case strings.HasPrefix(rng, ".") || strings.HasPrefix(rng, "["):
		return dottedPath(rng)
	}
	return "", fmt.Errorf("%w: json range %q", ErrInvalidRange, rng)
}

func pointerPath(ptr string) string {
	tokens := strings.Split(ptr[1:], "/")
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		if tok == "-" {
			out[i] = "-1"
			continue
		}
		out[i] = escapePathToken(tok)
	}
	return strings.Join(out, ".")
}

// dottedPath accepts .name, [index] and ["name"] segments.
func dottedPath(rng string) (string, error) {
	var out []string
	for i := 0; i < len(rng); {
		switch rng[i] {
		case '.':
			j := i + 1
			for j < len(rng) && rng[j] != '.' && rng[j] != '[' {
				j++
			}
			if j == i+1 {
				return "", fmt.Errorf("%w: json range %q", ErrInvalidRange, rng)
			}
			out = append(out, escapePathToken(rng[i+1:j]))
			i = j
		case '[':
			j := strings.IndexByte(rng[i:], ']')
			if j < 0 {
				return "", fmt.Errorf("%w: json range %q", ErrInvalidRange, rng)
			}
			inner := rng[i+1 : i+j]
			if unquoted, err := strconv.Unquote(inner); err == nil {
				out = append(out, escapePathToken(unquoted))
			} else if _, err := strconv.Atoi(inner); err == nil {
				out = append(out, inner)
			} else if inner == "-" {
				out = append(out, "-1")
			} else {
				return "", fmt.Errorf("%w: json range %q", ErrInvalidRange, rng)
			}
			i += j + 1
		default:
			return "", fmt.Errorf("%w: json range %q", ErrInvalidRange, rng)
		}
	}
	return strings.Join(out, "."), nil
}

func escapePathToken(tok string) string {
	var b strings.Builder
	for _, r := range tok {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
