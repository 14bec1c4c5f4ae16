package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes is the upper bound the server enforces on a declared body
// length. Clients trust the server but apply the same bound defensively.
const MaxFrameBytes = 1 << 20

const headerSize = 4

var (
	// ErrFrameTooLarge marks a frame whose declared body length exceeds the bound.
	ErrFrameTooLarge = errors.New("frame body exceeds maximum length")
	// ErrBadLength marks a frame declaring a non-positive body length.
	ErrBadLength = errors.New("frame declares non-positive body length")
	// ErrUnknownKind marks a body whose type discriminant is not recognized.
	ErrUnknownKind = errors.New("unknown envelope kind")
	// ErrMissingField marks a body lacking a field its kind requires.
	ErrMissingField = errors.New("envelope missing required field")
)

// wireEnvelope is the JSON shape of the body. Field names are fixed; unknown
// fields on inbound bodies are ignored for forward compatibility.
type wireEnvelope struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
	UID  string `json:"uid"`
}

// Encode serializes the envelope into a single length-prefixed frame.
func Encode(env Envelope) ([]byte, error) {
	wire, ok := kindWire[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	body, err := json.Marshal(wireEnvelope{
		Type: wire,
		From: env.From,
		To:   env.To,
		Text: env.Text,
		Ts:   env.Timestamp,
		UID:  env.SenderUID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	frame := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(frame[:headerSize], uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Write encodes the envelope and writes the full frame to w.
func Write(w io.Writer, env Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decode reads exactly one frame from r. A clean close at the header boundary
// surfaces as io.EOF; every other shortfall is an error. maxBytes bounds the
// declared body length, defaulting to MaxFrameBytes when non-positive.
func Decode(r io.Reader, maxBytes int) (Envelope, error) {
	if maxBytes <= 0 {
		maxBytes = MaxFrameBytes
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			// Zero bytes at a frame boundary: peer closed.
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("read frame header: %w", err)
	}

	length := int32(binary.LittleEndian.Uint32(header[:]))
	if length <= 0 {
		return Envelope{}, fmt.Errorf("%w: %d", ErrBadLength, length)
	}
	if int(length) > maxBytes {
		return Envelope{}, fmt.Errorf("%w: declared %d, limit %d", ErrFrameTooLarge, length, maxBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body (%d bytes): %w", length, err)
	}

	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	kind, ok := wireKind[wire.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Type)
	}

	env := Envelope{
		Kind:      kind,
		From:      wire.From,
		To:        wire.To,
		Text:      wire.Text,
		Timestamp: wire.Ts,
		SenderUID: wire.UID,
	}
	if err := validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// validate enforces the per-kind required fields once, at decode time.
func validate(env Envelope) error {
	switch env.Kind {
	case KindMessage, KindJoin, KindLeave, KindTyping, KindStopTyping:
		if env.From == "" {
			return fmt.Errorf("%w: from (kind %s)", ErrMissingField, env.Kind)
		}
	case KindPrivateMessage:
		if env.From == "" {
			return fmt.Errorf("%w: from (kind %s)", ErrMissingField, env.Kind)
		}
		if env.To == "" {
			return fmt.Errorf("%w: to (kind %s)", ErrMissingField, env.Kind)
		}
	case KindSystem:
		if env.Text == "" {
			return fmt.Errorf("%w: text (kind %s)", ErrMissingField, env.Kind)
		}
	}
	return nil
}
