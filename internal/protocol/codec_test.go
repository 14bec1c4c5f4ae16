package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllKinds(t *testing.T) {
	envs := []Envelope{
		NewMessage("alice", "hi", "u1"),
		NewPrivateMessage("alice", "bob", "secret", "u1"),
		NewJoin("alice", "u1"),
		NewLeave("alice", "u1"),
		NewSystem("server notice"),
		NewTyping("alice", "u1"),
		NewStopTyping("alice", "u1"),
	}
	for _, env := range envs {
		t.Run(env.Kind.String(), func(t *testing.T) {
			frame, err := Encode(env)
			require.NoError(t, err)

			got, err := Decode(bytes.NewReader(frame), 0)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestDecodeCleanEOFAtFrameBoundary(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil), 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncatedHeaderIsNotEOF(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x10, 0x00}), 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameBytes+1)

	_, err := Decode(bytes.NewReader(header[:]), 0)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRespectsCustomBound(t *testing.T) {
	frame, err := Encode(NewMessage("alice", "0123456789", "u1"))
	require.NoError(t, err)

	_, err = Decode(bytes.NewReader(frame), 8)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsNonPositiveLength(t *testing.T) {
	for _, declared := range []uint32{0, 0xFFFFFFFF} {
		var header [4]byte
		binary.LittleEndian.PutUint32(header[:], declared)

		_, err := Decode(bytes.NewReader(header[:]), 0)
		require.ErrorIs(t, err, ErrBadLength)
	}
}

func TestDecodeShortBodyFails(t *testing.T) {
	_, err := Decode(bytes.NewReader(rawFrame(10, []byte("abc"))), 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDecodeUnknownKind(t *testing.T) {
	body := []byte(`{"type":"shrug","from":"alice"}`)
	_, err := Decode(bytes.NewReader(rawFrame(len(body), body)), 0)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	body := []byte(`{"type":"msg","from":"alice","text":"hi","ts":1700000000,"uid":"u1","future":"field"}`)
	env, err := Decode(bytes.NewReader(rawFrame(len(body), body)), 0)
	require.NoError(t, err)
	assert.Equal(t, KindMessage, env.Kind)
	assert.Equal(t, "hi", env.Text)
}

func TestDecodeRequiredFieldsByKind(t *testing.T) {
	cases := map[string]string{
		"pm missing to":     `{"type":"pm","from":"alice","text":"x"}`,
		"pm missing from":   `{"type":"pm","to":"bob","text":"x"}`,
		"msg missing from":  `{"type":"msg","text":"x"}`,
		"sys missing text":  `{"type":"sys"}`,
		"join missing from": `{"type":"join"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(rawFrame(len(body), []byte(body))), 0)
			require.ErrorIs(t, err, ErrMissingField)
		})
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(Envelope{Kind: KindUnknown, From: "alice"})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func rawFrame(declared int, body []byte) []byte {
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(declared))
	copy(frame[4:], body)
	return frame
}
