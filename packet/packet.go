// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding the binary
// segments of a service frame.
//
// A frame carries a big-endian uint32 length prefix, a JSON segment, an
// optional binary segment, and a two-byte terminator. Because receivers find
// the end of the binary segment by scanning for the terminator, binary data
// are escaped so that they never contain a carriage return:
//
//	'\\' is encoded as "\\\\"
//	'\r' is encoded as "\\r"
//
// All other bytes are copied unchanged.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Terminator is the byte sequence that ends every frame.
const Terminator = "\r\n"

// A Builder is a buffer that accumulates data into a frame. The zero value is
// ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the specified string to b.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Escaped appends vs to b using the binary segment escaping.
func (b *Builder) Escaped(vs []byte) {
	b.Grow(EscapedLen(vs))
	b.buf = AppendEscaped(b.buf, vs)
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// EscapedLen reports the number of bytes needed to escape vs.
func EscapedLen(vs []byte) int {
	n := len(vs)
	for _, v := range vs {
		if v == '\\' || v == '\r' {
			n++
		}
	}
	return n
}

// AppendEscaped appends the escaped form of vs to buf and returns the updated
// slice.
func AppendEscaped(buf, vs []byte) []byte {
	for _, v := range vs {
		switch v {
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\r':
			buf = append(buf, '\\', 'r')
		default:
			buf = append(buf, v)
		}
	}
	return buf
}

// errBadEscape is reported for an escape sequence that cannot be decoded.
var errBadEscape = errors.New("invalid escape sequence")

// Unescape decodes a binary segment produced by AppendEscaped.
func Unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == '\r' {
			return nil, fmt.Errorf("offset %d: unescaped carriage return", i)
		} else if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i == len(data) {
			return nil, fmt.Errorf("offset %d: %w", i-1, io.ErrUnexpectedEOF)
		}
		switch data[i] {
		case '\\':
			out = append(out, '\\')
		case 'r':
			out = append(out, '\r')
		default:
			return nil, fmt.Errorf("offset %d: %w %q", i-1, errBadEscape, data[i-1:i+1])
		}
	}
	return out, nil
}

// A Scanner reads encoded values from the contents of a frame.
// The methods of a scanner return [io.EOF] when no further input is available.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	input  []byte
	rest   []byte
	offset int // of reset from input
}

// NewScanner constructs a [Scanner] that consumes data from input.
// The scanner does not modify the contents of input, but retain slices
// into it, so the caller should ensure it is not modified while the scanner
// is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	data := []byte(input)
	return &Scanner{input: data, rest: data}
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	s.offset++
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Uint32 parses a big-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	s.offset += 4
	out := binary.BigEndian.Uint32(s.rest[:4])
	s.rest = s.rest[4:]
	return out, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
// The reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns a string of exactly n bytes from the head of the input.
// If the full requested amount is not available, a partial result is returned
// along with an error.  When the result is a slice, the value aliases the
// input, and the caller must not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	s.offset += n
	out := Str(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}

// Escaped consumes the rest of the input as an escaped binary segment and
// returns its decoded contents.
func (s *Scanner) Escaped() ([]byte, error) {
	out, err := Unescape(s.rest)
	if err != nil {
		return nil, err
	}
	s.offset += len(s.rest)
	s.rest = nil
	return out, nil
}
