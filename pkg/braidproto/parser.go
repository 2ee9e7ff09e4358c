package braidproto

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// StatusHeader is the pseudo header holding the status of a message that
// started with a status line.
const StatusHeader = ":status"

var headerTerminator = []byte("\r\n\r\n")

// ParseState is the state of a Parser.
type ParseState int

const (
	WaitingForHeaders ParseState = iota
	WaitingForBody
	WaitingForPatchHeaders
	WaitingForPatchBody
	Error
)

func (s ParseState) String() string {
	switch s {
	case WaitingForHeaders:
		return "waiting-for-headers"
	case WaitingForBody:
		return "waiting-for-body"
	case WaitingForPatchHeaders:
		return "waiting-for-patch-headers"
	case WaitingForPatchBody:
		return "waiting-for-patch-body"
	case Error:
		return "error"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Message is one complete framed message: a header block and either a body
// or a list of patches. Header names are lowercase.
type Message struct {
	Headers map[string]string
	Body    []byte
	Patches []Patch
}

// Parser turns a byte stream of framed messages into Messages. The result
// does not depend on how the stream is split across Feed calls.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf   []byte
	state ParseState
	err   error

	headers     map[string]string
	body        []byte
	expected    int
	patches     []Patch
	patch       Patch
	patchesLeft int
}

// NewParser returns a parser waiting for the first header block.
func NewParser() *Parser {
	return &Parser{state: WaitingForHeaders}
}

// State returns the current state.
func (p *Parser) State() ParseState {
	return p.state
}

// Feed appends data to the parser and returns every message completed by it.
// Once an error is returned the parser stays failed; messages completed
// before the failure are still returned.
func (p *Parser) Feed(data []byte) ([]Message, error) {
	if p.state == Error {
		return nil, fmt.Errorf("%w: %w", ErrParserFailed, p.err)
	}
	p.buf = append(p.buf, data...)

	var messages []Message
	for {
		progressed, msg, err := p.step()
		if err != nil {
			p.state = Error
			p.err = err
			p.buf = nil
			return messages, err
		}
		if msg != nil {
			messages = append(messages, *msg)
		}
		if !progressed {
			break
		}
	}
	if len(p.buf) == 0 {
		p.buf = p.buf[:0]
	}
	return messages, nil
}

func (p *Parser) step() (bool, *Message, error) {
	switch p.state {
	case WaitingForHeaders:
		block, ok := p.takeHeaderBlock()
		if !ok {
			return false, nil, nil
		}
		headers, err := parseHeaderBlock(block)
		if err != nil {
			return false, nil, err
		}
		p.headers = headers

		count, err := headerInt(headers, "patches", HeaderPatches)
		if err != nil {
			return false, nil, err
		}
		if count > 0 {
			p.patchesLeft = count
			p.state = WaitingForPatchHeaders
			return true, nil, nil
		}
		length, err := headerInt(headers, "content-length", HeaderContentLength)
		if err != nil {
			return false, nil, err
		}
		p.expected = length
		p.state = WaitingForBody
		return true, nil, nil

	case WaitingForBody:
		if !p.fill() {
			return false, nil, nil
		}
		msg := p.finish()
		return true, &msg, nil

	case WaitingForPatchHeaders:
		block, ok := p.takeHeaderBlock()
		if !ok {
			return false, nil, nil
		}
		headers, err := parseHeaderBlock(block)
		if err != nil {
			return false, nil, err
		}
		length, err := headerInt(headers, "content-length", HeaderContentLength)
		if err != nil {
			return false, nil, err
		}
		unit, rng, err := ParseContentRange(headers["content-range"])
		if err != nil {
			return false, nil, err
		}
		p.patch = Patch{Unit: unit, Range: rng}
		p.expected = length
		p.state = WaitingForPatchBody
		return true, nil, nil

	case WaitingForPatchBody:
		if !p.fill() {
			return false, nil, nil
		}
		p.patch.Content = p.body
		if p.patch.Content == nil {
			p.patch.Content = []byte{}
		}
		p.patches = append(p.patches, p.patch)
		p.patch, p.body, p.expected = Patch{}, nil, 0
		p.patchesLeft--
		if p.patchesLeft == 0 {
			msg := p.finish()
			return true, &msg, nil
		}
		p.state = WaitingForPatchHeaders
		return true, nil, nil
	}
	return false, nil, ErrParserFailed
}

// takeHeaderBlock skips blank lines and cuts the next header block, up to the
// first terminator, out of the buffer.
func (p *Parser) takeHeaderBlock() ([]byte, bool) {
	skip := 0
	for skip < len(p.buf) && (p.buf[skip] == '\r' || p.buf[skip] == '\n') {
		skip++
	}
	p.buf = p.buf[skip:]

	end := bytes.Index(p.buf, headerTerminator)
	if end < 0 {
		return nil, false
	}
	block := p.buf[:end]
	p.buf = p.buf[end+len(headerTerminator):]
	return block, true
}

// fill moves buffered bytes into the body until it holds expected bytes.
func (p *Parser) fill() bool {
	need := p.expected - len(p.body)
	if need <= 0 {
		return true
	}
	n := min(need, len(p.buf))
	p.body = append(p.body, p.buf[:n]...)
	p.buf = p.buf[n:]
	return n == need
}

func (p *Parser) finish() Message {
	msg := Message{Headers: p.headers, Body: p.body, Patches: p.patches}
	p.headers, p.body, p.patches = nil, nil, nil
	p.expected, p.patchesLeft = 0, 0
	p.state = WaitingForHeaders
	return msg
}

func parseHeaderBlock(block []byte) (map[string]string, error) {
	if !utf8.Valid(block) {
		return nil, ErrInvalidUTF8
	}
	headers := make(map[string]string)
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			if status, ok := parseStatusLine(line); ok {
				headers[StatusHeader] = status
			}
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return headers, nil
}

// parseStatusLine accepts "HTTP/1.1 206 Partial Content" and "HTTP 206".
func parseStatusLine(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	if fields[0] != "HTTP" && !strings.HasPrefix(fields[0], "HTTP/") {
		return "", false
	}
	if len(fields[1]) != 3 {
		return "", false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", false
	}
	return fields[1], true
}

// headerInt reads a non-negative integer header. An absent header is 0.
func headerInt(headers map[string]string, key, name string) (int, error) {
	value, ok := headers[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &HeaderParseError{Header: name, Value: value, Err: err}
	}
	if n < 0 {
		return 0, &HeaderParseError{Header: name, Value: value}
	}
	return n, nil
}
