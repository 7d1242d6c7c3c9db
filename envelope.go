// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/creachadair/svcrpc/packet"
)

// DefaultMaxFrameSize is the default bound on the size of a single frame.
// A receiver that buffers this many bytes without finding a terminator
// discards them.
const DefaultMaxFrameSize = 64 << 20

// binaryKey is the payload field carried in the binary segment of a frame
// rather than in its JSON segment.
const binaryKey = "binary_data"

// An Envelope is a single unit of the wire protocol. An envelope with a
// Method is a request; otherwise it is a response to the pending call named
// by its ID.
//
// The encoded form of an envelope is
//
//	<4-byte big-endian length> <JSON segment> [<binary segment>] "\r\n"
//
// where the length counts the bytes of the JSON segment. A request is encoded
// as {"method", "data", "id"} and a response as {"id", "data", "error"}.
//
// When Binary is set, or when Data is a JSON object with a "binary_data"
// field, those bytes are sent as the binary segment instead of in the JSON.
// Decoding puts them back: Binary holds the raw bytes, and Data receives them
// as a base64 string, either in its "binary_data" field or, if the payload was
// null, as the whole payload.
type Envelope struct {
	ID     string          // call identifier (optional for requests)
	Method string          // method name (requests only)
	Data   json.RawMessage // payload; nil is encoded as null
	Error  string          // structured error text (responses only)
	Binary []byte          // raw attachment
}

// IsRequest reports whether e is a request.
func (e *Envelope) IsRequest() bool { return e.Method != "" }

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	var data string
	if len(e.Data) > 32 {
		data = fmt.Sprintf("%s ...", e.Data[:32])
	} else {
		data = string(e.Data)
	}
	if e.IsRequest() {
		return fmt.Sprintf("Request(ID=%q, Method=%q, Data=%s, [%d bytes])", e.ID, e.Method, data, len(e.Binary))
	}
	return fmt.Sprintf("Response(ID=%q, Data=%s, Error=%q, [%d bytes])", e.ID, data, e.Error, len(e.Binary))
}

type wireRequest struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
	ID     string          `json:"id,omitempty"`
}

type wireResponse struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error *string         `json:"error"`
}

type wireEnvelope struct {
	ID     *string         `json:"id"`
	Method *string         `json:"method"`
	Data   json.RawMessage `json:"data"`
	Error  *string         `json:"error"`
}

// Encode encodes e as a complete frame, including the terminator.
func (e *Envelope) Encode() ([]byte, error) {
	data, bin, err := splitBinary(e.Data, e.Binary)
	if err != nil {
		return nil, err
	}

	var body []byte
	if e.IsRequest() {
		body, err = json.Marshal(wireRequest{Method: e.Method, Data: data, ID: e.ID})
	} else {
		rsp := wireResponse{ID: e.ID, Data: data}
		if e.Error != "" {
			rsp.Error = &e.Error
		}
		body, err = json.Marshal(rsp)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("envelope too large (%d bytes)", len(body))
	}

	var b packet.Builder
	b.Grow(4 + len(body) + packet.EscapedLen(bin) + len(packet.Terminator))
	b.Uint32(uint32(len(body)))
	b.Put(body...)
	b.Escaped(bin)
	b.PutString(packet.Terminator)
	return b.Bytes(), nil
}

// DecodeEnvelope decodes a single frame. The trailing terminator is optional.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	frame = bytes.TrimSuffix(frame, []byte(packet.Terminator))
	s := packet.NewScanner(frame)
	n, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("invalid frame header: %w", err)
	}
	if int64(n) > int64(s.Len()) {
		return nil, fmt.Errorf("frame length %d exceeds available data (%d bytes)", n, s.Len())
	}
	body, _ := packet.Get[[]byte](s, int(n))

	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("invalid frame body: %w", err)
	}
	env := &Envelope{Data: w.Data}
	if w.Method != nil {
		if *w.Method == "" {
			return nil, errors.New("empty method name")
		}
		env.Method = *w.Method
	}
	if w.ID != nil {
		env.ID = *w.ID
	}
	if w.Error != nil {
		env.Error = *w.Error
	}

	if s.Len() != 0 {
		bin, err := s.Escaped()
		if err != nil {
			return nil, fmt.Errorf("invalid binary segment: %w", err)
		}
		data, err := attachBinary(env.Data, bin)
		if err != nil {
			return nil, err
		}
		env.Data = data
		env.Binary = bin
	}
	return env, nil
}

// ScanFrames returns a bufio.SplitFunc that splits a byte stream into frames
// of at most maxSize bytes. The tokens it reports do not include the
// terminator.
//
// A frame whose declared length cannot fit within maxSize, or that has a
// terminator before its declared end, is reported up to the next terminator
// so that the receiver can resynchronize. If maxSize bytes
// arrive without a terminator, they are reported as a single token. In both
// cases the token will not decode, and the caller should discard it.
func ScanFrames(maxSize int) bufio.SplitFunc {
	term := []byte(packet.Terminator)
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if len(data) < 4 {
			return 0, nil, nil // a partial header at EOF is discarded
		}
		start := 4 + int64(binary.BigEndian.Uint32(data))
		if start > int64(maxSize) {
			start = 4
		}

		// The JSON segment never contains the terminator, so a terminator
		// before the declared end means the length prefix is wrong.
		limit := min(int64(len(data)), start)
		if i := bytes.Index(data[4:limit], term); i >= 0 {
			end := 4 + i
			return end + len(term), data[:end], nil
		}
		if int64(len(data)) >= start {
			if i := bytes.Index(data[start:], term); i >= 0 {
				end := int(start) + i
				return end + len(term), data[:end], nil
			}
		}
		if len(data) >= maxSize {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func isNull(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || string(d) == "null"
}

func isObject(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) != 0 && d[0] == '{'
}

var errBinaryPayload = errors.New("binary segment attached to a non-object payload")

// splitBinary separates the binary attachment of a payload from its JSON.
// An explicit attachment takes precedence over a "binary_data" field.
func splitBinary(data json.RawMessage, bin []byte) (json.RawMessage, []byte, error) {
	if isNull(data) {
		data = nil
	}
	if bin != nil && data != nil && !isObject(data) {
		return nil, nil, errBinaryPayload
	}
	if bin != nil || !isObject(data) || !bytes.Contains(data, []byte(`"`+binaryKey+`"`)) {
		return data, bin, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, fmt.Errorf("invalid payload: %w", err)
	}
	raw, ok := fields[binaryKey]
	if !ok {
		return data, nil, nil
	}
	if err := json.Unmarshal(raw, &bin); err != nil {
		return nil, nil, fmt.Errorf("invalid %s field: %w", binaryKey, err)
	}
	delete(fields, binaryKey)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, err
	}
	return out, bin, nil
}

// attachBinary merges a decoded binary segment back into its payload.
func attachBinary(data json.RawMessage, bin []byte) (json.RawMessage, error) {
	enc, err := json.Marshal(bin)
	if err != nil {
		return nil, err
	}
	if isNull(data) {
		return enc, nil
	} else if !isObject(data) {
		return nil, errBinaryPayload
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	fields[binaryKey] = enc
	return json.Marshal(fields)
}
