// Package scanner implements the Record Scanner (C1): a bounded-memory byte
// scan that locates the envelope's top-level "nodes" array and emits the
// exact byte span of each array element, without decoding any element it
// has not yet reached.
//
// The source this was distilled from armed its "are we inside the nodes
// array" check with a crude look-back (does the last ~10 bytes contain the
// literal text `"nodes"`), which misfires on any nested key sequence that
// happens to contain that text. This scanner tracks true JSON structure
// instead: it walks the outer object's key/value pairs one at a time,
// skipping values generically, and only arms array-scanning mode when it
// has actually parsed the top-level key "nodes" followed by `:` and `[`.
package scanner

import (
	"bufio"
	"bytes"
	"io"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
)

// Record is one emitted array element: its byte offset in the input stream
// and the exact bytes spanning `{`...`}`.
type Record struct {
	Offset int64
	Data   []byte
}

// Options configures scan behavior.
type Options struct {
	// ContinueOnError resyncs to the next top-level `{` after a malformed
	// record instead of aborting the scan.
	ContinueOnError bool
}

// Scanner performs the bounded-memory structural scan described above.
// The zero value is ready to use.
type Scanner struct {
	opts Options
}

// New creates a Scanner with the given options.
func New(opts Options) *Scanner {
	return &Scanner{opts: opts}
}

// reader wraps a bufio.Reader with an absolute byte offset, so callers can
// report Malformed{offset} against the whole stream rather than the local
// buffer.
type reader struct {
	br     *bufio.Reader
	offset int64
}

func newReader(r io.Reader) *reader {
	return &reader{br: bufio.NewReaderSize(r, 64*1024)}
}

func (r *reader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == nil {
		r.offset++
	}
	return b, err
}

func (r *reader) peekByte() (byte, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// skipSpace advances past whitespace and returns the first non-whitespace
// byte without consuming it.
func (r *reader) skipSpace() (byte, error) {
	for {
		b, err := r.peekByte()
		if err != nil {
			return 0, err
		}
		if !isSpace(b) {
			return b, nil
		}
		if _, err := r.readByte(); err != nil {
			return 0, err
		}
	}
}

// Scan walks input emitting one Record per element of the top-level
// "nodes" array via onRecord. onRecord errors abort the scan immediately
// (independent of ContinueOnError, which governs malformed-record
// resync, not caller-side handling).
func (s *Scanner) Scan(input io.Reader, onRecord func(Record) error) error {
	r := newReader(input)

	c, err := r.skipSpace()
	if err != nil {
		return graph.Malformed(r.offset)
	}
	if c != '{' {
		return graph.Malformed(r.offset)
	}
	if _, err := r.readByte(); err != nil { // consume '{'
		return graph.Malformed(r.offset)
	}

	found, err := s.scanOuterObject(r, onRecord)
	if err != nil {
		return err
	}
	if !found {
		return graph.Malformed(r.offset)
	}
	return nil
}

// scanOuterObject walks the key/value pairs of the top-level object,
// skipping every value except "nodes", whose array it hands to
// scanNodesArray. Returns found=true once the nodes array has been fully
// scanned; per §4.1 everything after the closing `]` is ignored, so the
// scan stops as soon as it is found.
func (s *Scanner) scanOuterObject(r *reader, onRecord func(Record) error) (bool, error) {
	first := true
	for {
		c, err := r.skipSpace()
		if err != nil {
			return false, graph.Malformed(r.offset)
		}
		if c == '}' {
			_, _ = r.readByte()
			return false, nil
		}
		if !first {
			if c != ',' {
				return false, graph.Malformed(r.offset)
			}
			_, _ = r.readByte() // consume ','
			c, err = r.skipSpace()
			if err != nil {
				return false, graph.Malformed(r.offset)
			}
		}
		first = false

		if c != '"' {
			return false, graph.Malformed(r.offset)
		}
		key, err := readJSONString(r)
		if err != nil {
			return false, graph.Malformed(r.offset)
		}

		c, err = r.skipSpace()
		if err != nil {
			return false, graph.Malformed(r.offset)
		}
		if c != ':' {
			return false, graph.Malformed(r.offset)
		}
		_, _ = r.readByte() // consume ':'

		c, err = r.skipSpace()
		if err != nil {
			return false, graph.Malformed(r.offset)
		}

		if key == "nodes" {
			if c != '[' {
				return false, graph.Malformed(r.offset)
			}
			_, _ = r.readByte() // consume '['
			if err := s.scanNodesArray(r, onRecord); err != nil {
				return false, err
			}
			return true, nil
		}

		if err := skipValue(r); err != nil {
			return false, graph.Malformed(r.offset)
		}
	}
}

// scanNodesArray emits one Record per `{...}` element of the already-armed
// array, resyncing to the next top-level `{` on a malformed element when
// ContinueOnError is set.
func (s *Scanner) scanNodesArray(r *reader, onRecord func(Record) error) error {
	first := true
	for {
		c, err := r.skipSpace()
		if err != nil {
			return graph.Malformed(r.offset)
		}
		if c == ']' {
			_, _ = r.readByte()
			return nil
		}
		if !first {
			if c == ',' {
				_, _ = r.readByte()
				c, err = r.skipSpace()
				if err != nil {
					return graph.Malformed(r.offset)
				}
			}
		}
		first = false

		if c != '{' {
			if s.opts.ContinueOnError {
				if err := s.resyncToNextObject(r); err != nil {
					return err
				}
				continue
			}
			return graph.Malformed(r.offset)
		}

		start := r.offset
		data, err := readObjectSpan(r)
		if err != nil {
			if s.opts.ContinueOnError {
				if err := s.resyncToNextObject(r); err != nil {
					return err
				}
				continue
			}
			return graph.Malformed(start)
		}
		if err := onRecord(Record{Offset: start, Data: data}); err != nil {
			return err
		}
	}
}

// resyncToNextObject advances past bytes, without emitting them, until the
// next byte is `{` (the start of the next candidate record) or `]` (end of
// array) — §4.1 continue_on_error resync behavior. It leaves that byte
// unconsumed so the normal loop in scanNodesArray picks it up.
func (s *Scanner) resyncToNextObject(r *reader) error {
	for {
		b, err := r.peekByte()
		if err != nil {
			return graph.Malformed(r.offset)
		}
		if b == '{' || b == ']' {
			return nil
		}
		if _, err := r.readByte(); err != nil {
			return graph.Malformed(r.offset)
		}
	}
}

// readJSONString consumes bytes starting just after the opening quote
// (caller has peeked but not consumed it — this consumes the opening quote
// too) through the matching unescaped closing quote, returning the decoded
// content is not required here: the scanner only needs the raw key text to
// compare against "nodes", so no escape decoding beyond `\"` is needed to
// keep parsing structurally correct.
func readJSONString(r *reader) (string, error) {
	if _, err := r.readByte(); err != nil { // opening quote
		return "", err
	}
	var buf bytes.Buffer
	for {
		b, err := r.readByte()
		if err != nil {
			return "", err
		}
		if b == '\\' {
			esc, err := r.readByte()
			if err != nil {
				return "", err
			}
			buf.WriteByte(b)
			buf.WriteByte(esc)
			continue
		}
		if b == '"' {
			return unescapeSimple(buf.String()), nil
		}
		buf.WriteByte(b)
	}
}

// unescapeSimple resolves the handful of escapes that can appear in a JSON
// object key; full unicode escape decoding happens later, in the
// transformer, once a record is handed off as a whole.
func unescapeSimple(s string) string {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case '"':
				buf.WriteByte('"')
			case '\\':
				buf.WriteByte('\\')
			case 'n':
				buf.WriteByte('\n')
			case 't':
				buf.WriteByte('\t')
			default:
				buf.WriteByte(s[i])
			}
			continue
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}

// skipValue consumes one JSON value (string, number, bool, null, object or
// array) without retaining it, leaving the stream positioned just past it.
func skipValue(r *reader) error {
	c, err := r.skipSpace()
	if err != nil {
		return err
	}
	switch {
	case c == '"':
		_, err := readJSONString(r)
		return err
	case c == '{' || c == '[':
		_, err := readBracketedSpan(r)
		return err
	default:
		for {
			b, err := r.peekByte()
			if err != nil {
				return err
			}
			if b == ',' || b == '}' || b == ']' || isSpace(b) {
				return nil
			}
			if _, err := r.readByte(); err != nil {
				return err
			}
		}
	}
}

// readObjectSpan reads one `{...}` value — the caller has peeked the
// opening `{` but not consumed it — returning its exact bytes.
func readObjectSpan(r *reader) ([]byte, error) {
	return readBracketedSpan(r)
}

// readBracketedSpan reads a full `{...}` or `[...]` span starting at the
// (not yet consumed) opening bracket, tracking nested depth and treating
// string contents as opaque (structural characters inside a JSON string
// are literal; `\` escapes the next byte — §4.1).
func readBracketedSpan(r *reader) ([]byte, error) {
	open, err := r.readByte()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(open)
	return readBracketedBody(r, &buf, 1)
}

func readBracketedBody(r *reader, buf *bytes.Buffer, depth int) ([]byte, error) {
	inString := false
	for depth > 0 {
		b, err := r.readByte()
		if err != nil {
			return nil, err // unterminated at EOF
		}
		buf.WriteByte(b)

		if inString {
			if b == '\\' {
				esc, err := r.readByte()
				if err != nil {
					return nil, err
				}
				buf.WriteByte(esc)
				continue
			}
			if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth < 0 {
				return nil, io.ErrUnexpectedEOF
			}
		}
	}
	return buf.Bytes(), nil
}
