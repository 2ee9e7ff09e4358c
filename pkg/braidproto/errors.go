package braidproto

import (
	"errors"
	"fmt"
)

var (
	// ErrHeaderParse is matched by every *HeaderParseError.
	ErrHeaderParse = errors.New("braid: malformed header")
	// ErrInvalidUTF8 is returned when a header block is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("braid: header block is not valid utf-8")
	// ErrParserFailed is returned by a parser fed after a fatal error.
	ErrParserFailed = errors.New("braid: parser is in error state")
	// ErrUnsupportedUnit is returned for patches in a range unit that
	// cannot be applied.
	ErrUnsupportedUnit = errors.New("braid: unsupported range unit")
	// ErrInvalidRange is returned for a range that does not address the
	// document.
	ErrInvalidRange = errors.New("braid: invalid range")
)

// HeaderParseError describes a header value that could not be parsed.
type HeaderParseError struct {
	Header string
	Value  string
	Err    error
}

func (e *HeaderParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("braid: malformed %s header %q: %v", e.Header, e.Value, e.Err)
	}
	return fmt.Sprintf("braid: malformed %s header %q", e.Header, e.Value)
}

func (e *HeaderParseError) Unwrap() error { return e.Err }

func (e *HeaderParseError) Is(target error) bool { return target == ErrHeaderParse }
