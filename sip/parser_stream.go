package sip

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrParseContentLength means Content-Length of a stream message could
	// not be read. Fatal for the stream.
	ErrParseContentLength = errors.New("missing or malformed Content-Length")

	ErrMessageTooLarge = errors.New("message exceeds maximum length")
)

var streamBufReader = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		return new(bytes.Buffer)
	},
}

// ParserStream frames and parses SIP messages arriving over a stream
// transport. Messages are located with Content-Length - RFC 3261 7.5.
// Not safe for concurrent use; create one per stream.
type ParserStream struct {
	parser *Parser

	buf *bytes.Buffer

	// skipped is count of leading whitespace bytes consumed before the last
	// message. NAT keep-alives appear as stray CRLF and must be silently eaten.
	skipped int
}

// Buffer returns the internal buffer used by the parser.
// This allows to inspect the current parser state.
func (p *ParserStream) Buffer() *bytes.Buffer {
	if p.buf == nil {
		p.buf = streamBufReader.Get().(*bytes.Buffer)
		p.buf.Reset()
	}
	return p.buf
}

// Reset drops the internal buffer content.
func (p *ParserStream) Reset() {
	p.skipped = 0
	if p.buf != nil {
		p.buf.Reset()
	}
}

// Close the parser and free the associated resources.
func (p *ParserStream) Close() {
	buf := p.buf
	p.buf = nil
	if buf != nil {
		streamBufReader.Put(buf)
	}
}

// Write appends stream data to the internal buffer. Must be called before ParseNext.
func (p *ParserStream) Write(data []byte) (int, error) {
	buf := p.Buffer()
	buf.Write(data)
	return len(data), nil
}

// Skipped reports how many leading whitespace bytes were consumed by the
// last successful ParseNext.
func (p *ParserStream) Skipped() int {
	return p.skipped
}

// ParseSIPStream parses SIP stream data and calls cb for every complete
// message found. Residual bytes stay buffered for the next write.
// Returns ErrParseSipPartial when the tail of the buffer is an incomplete
// message; any other error is fatal for the stream.
func (p *ParserStream) ParseSIPStream(data []byte, cb func(msg Message)) error {
	if _, err := p.Write(data); err != nil {
		return err
	}
	for p.buf.Len() > 0 {
		msg, _, err := p.ParseNext()
		if err != nil {
			if errors.Is(err, ErrParseSipPartial) {
				return ErrParseSipPartial
			}
			return err
		}
		cb(msg)
	}
	return nil
}

// ParseNext extracts the next complete SIP message from the internal buffer.
// It returns the parsed message and the number of consumed message bytes
// (not counting skipped whitespace). When the buffer holds less than one
// complete message ErrParseSipPartial is returned and no message bytes are
// consumed.
func (p *ParserStream) ParseNext() (Message, int, error) {
	buf := p.Buffer()
	data := buf.Bytes()

	// Skip leading whitespace. Keep-alive probes are CRLF (and some NATs pad
	// with spaces), they must not break framing.
	skip := 0
	for skip < len(data) {
		switch data[skip] {
		case ' ', '\t', '\r', '\n':
			skip++
			continue
		}
		break
	}
	if skip > 0 {
		buf.Next(skip)
		data = data[skip:]
	}
	p.skipped = skip

	if len(data) == 0 {
		return nil, 0, ErrParseSipPartial
	}

	maxLength := p.maxLength()

	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		if len(data) > maxLength {
			return nil, 0, ErrMessageTooLarge
		}
		return nil, 0, ErrParseSipPartial
	}
	headerEnd += 4

	contentLength, err := GetContentLength(data[:headerEnd])
	if err != nil {
		return nil, 0, err
	}

	total := headerEnd + contentLength
	if total > maxLength {
		return nil, 0, ErrMessageTooLarge
	}
	if len(data) < total {
		// Do not consume anything. Caller will feed more data.
		return nil, 0, fmt.Errorf("have %d bytes of %d: %w", len(data), total, ErrParseSipPartial)
	}

	msg, err := p.parser.ParseSIP(data[:total])
	if err != nil {
		return nil, 0, err
	}

	buf.Next(total)
	return msg, total, nil
}

func (p *ParserStream) maxLength() int {
	if p.parser != nil && p.parser.MaxMessageLength > 0 {
		return p.parser.MaxMessageLength
	}
	return MaxMessageSize
}

// GetContentLength scans a header block for the Content-Length value.
// The header name match is case-insensitive and the compact form 'l' is an
// alias. Arbitrary whitespace is allowed around the colon and the value; the
// value is read as the first contiguous run of ASCII digits.
// Missing header means zero body - RFC 3261 20.14.
func GetContentLength(headers []byte) (int, error) {
	off := 0
	for off < len(headers) {
		lineEnd := bytes.Index(headers[off:], []byte("\r\n"))
		if lineEnd == -1 {
			break
		}
		line := headers[off : off+lineEnd]
		off += lineEnd + 2

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			continue
		}

		name := bytes.TrimRight(line[:colon], abnfWs)
		if !contentLengthName(name) {
			continue
		}

		// First contiguous run of digits after the colon.
		val := line[colon+1:]
		i := 0
		for i < len(val) && (val[i] == ' ' || val[i] == '\t') {
			i++
		}
		start := i
		for i < len(val) && val[i] >= '0' && val[i] <= '9' {
			i++
		}
		if i == start {
			return 0, ErrParseContentLength
		}

		length := 0
		for _, c := range val[start:i] {
			length = length*10 + int(c-'0')
			if length > 1<<31 {
				return 0, ErrParseContentLength
			}
		}
		return length, nil
	}

	return 0, nil
}

func contentLengthName(name []byte) bool {
	if len(name) == 1 {
		return name[0] == 'l' || name[0] == 'L'
	}
	const canon = "content-length"
	if len(name) != len(canon) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != canon[i] {
			return false
		}
	}
	return true
}
