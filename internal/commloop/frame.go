// Package commloop implements the client side of the MoMMI commloop protocol.
//
// A commloop message is a JSON document {"type", "meta", "cont"} sent over a
// fresh TCP connection inside an authenticated frame:
//
//	magic (2) | HMAC-SHA512 tag over body (64) | body length, u32 big-endian (4) | body
//
// The backend answers with a single status byte.
package commloop

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// TagSize is the length of the HMAC-SHA512 authentication tag.
	TagSize = sha512.Size

	// HeaderSize covers magic, tag and length prefix.
	HeaderSize = len(Magic) + TagSize + 4

	// DefaultMaxBodyBytes bounds frames accepted by ReadFrame.
	DefaultMaxBodyBytes = 8 * 1024 * 1024
)

// Magic identifies the commloop protocol and version.
var Magic = [2]byte{0x30, 0x05}

var (
	ErrEncode       = errors.New("commloop: encode message")
	ErrInvalidMsg   = errors.New("commloop: invalid message")
	ErrBadMagic     = errors.New("commloop: bad magic")
	ErrShortFrame   = errors.New("commloop: short frame")
	ErrBodyTooLarge = errors.New("commloop: body too large")
	ErrTagMismatch  = errors.New("commloop: authentication tag mismatch")
)

// Message is the canonical record relayed to the backend.
type Message struct {
	Category string
	Subtopic string
	Payload  any
}

// Validate checks the routing fields. Payload is checked when it is encoded.
func (m Message) Validate() error {
	if m.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidMsg)
	}
	if m.Subtopic == "" {
		return fmt.Errorf("%w: subtopic is required", ErrInvalidMsg)
	}
	return nil
}

// wireBody fixes the key names (and order) the backend parses.
type wireBody struct {
	Type string `json:"type"`
	Meta string `json:"meta"`
	Cont any    `json:"cont"`
}

// Frame is one authenticated commloop request.
type Frame struct {
	Tag  [TagSize]byte
	Body []byte
}

// Encode serializes msg and signs it with secret.
func Encode(secret []byte, msg Message) (Frame, error) {
	if err := msg.Validate(); err != nil {
		return Frame{}, err
	}

	body, err := json.Marshal(wireBody{
		Type: msg.Category,
		Meta: msg.Subtopic,
		Cont: msg.Payload,
	})
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	return Frame{Tag: ComputeTag(secret, body), Body: body}, nil
}

// ComputeTag returns HMAC-SHA512(secret, body).
func ComputeTag(secret, body []byte) [TagSize]byte {
	var tag [TagSize]byte
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	copy(tag[:], mac.Sum(nil))
	return tag
}

// Verify reports whether the frame's tag matches its body under secret.
func (f Frame) Verify(secret []byte) bool {
	expected := ComputeTag(secret, f.Body)
	return hmac.Equal(expected[:], f.Tag[:])
}

// Len returns the encoded size of the frame.
func (f Frame) Len() int {
	return HeaderSize + len(f.Body)
}

// Bytes returns the frame in wire order.
func (f Frame) Bytes() []byte {
	buf := make([]byte, 0, f.Len())
	buf = append(buf, Magic[:]...)
	buf = append(buf, f.Tag[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Body)))
	return append(buf, f.Body...)
}

// WriteTo writes the frame to w. It implements io.WriterTo.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Bytes())
	return int64(n), err
}

// Decode parses the frame body back into its routing fields. Cont is left raw.
func (f Frame) Decode() (category, subtopic string, cont json.RawMessage, err error) {
	var body struct {
		Type string          `json:"type"`
		Meta string          `json:"meta"`
		Cont json.RawMessage `json:"cont"`
	}
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return "", "", nil, fmt.Errorf("decode frame body: %w", err)
	}
	return body.Type, body.Meta, body.Cont, nil
}

// ReadFrame reads one frame from r. Bodies larger than maxBody are rejected
// before they are read; maxBody <= 0 selects DefaultMaxBodyBytes.
func ReadFrame(r io.Reader, maxBody int) (Frame, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	if header[0] != Magic[0] || header[1] != Magic[1] {
		return Frame{}, ErrBadMagic
	}

	var f Frame
	copy(f.Tag[:], header[len(Magic):len(Magic)+TagSize])

	size := binary.BigEndian.Uint32(header[len(Magic)+TagSize:])
	if uint64(size) > uint64(maxBody) {
		return Frame{}, ErrBodyTooLarge
	}

	f.Body = make([]byte, size)
	if _, err := io.ReadFull(r, f.Body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	return f, nil
}
