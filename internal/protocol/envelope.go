// Package protocol defines the chat envelope model and its length-prefixed
// wire codec. Every discrete unit exchanged between client and server is one
// Envelope, encoded as a 4-byte little-endian body length followed by a UTF-8
// JSON body.
package protocol

import "time"

// Kind is the closed set of envelope discriminants. The wire carries it as a
// short string; anything else fails decoding with ErrUnknownKind.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindJoin
	KindLeave
	KindPrivateMessage
	KindSystem
	KindTyping
	KindStopTyping
)

var kindWire = map[Kind]string{
	KindMessage:        "msg",
	KindJoin:           "join",
	KindLeave:          "leave",
	KindPrivateMessage: "pm",
	KindSystem:         "sys",
	KindTyping:         "typing",
	KindStopTyping:     "stoptyping",
}

var wireKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindWire))
	for k, s := range kindWire {
		m[s] = k
	}
	return m
}()

// String returns the wire representation of the kind.
func (k Kind) String() string {
	if s, ok := kindWire[k]; ok {
		return s
	}
	return "unknown"
}

// Envelope is one protocol message unit: chat text, presence, or a control
// signal. Timestamp is stamped once at construction (UTC, Unix seconds) and
// never rewritten.
type Envelope struct {
	Kind      Kind
	From      string
	To        string
	Text      string
	Timestamp int64
	SenderUID string
}

// split out for testing.
var nowFn = time.Now

func stamp() int64 {
	return nowFn().UTC().Unix()
}

// NewMessage builds a broadcast chat message.
func NewMessage(from, text, uid string) Envelope {
	return Envelope{Kind: KindMessage, From: from, Text: text, SenderUID: uid, Timestamp: stamp()}
}

// NewPrivateMessage builds a directed message to a single recipient.
func NewPrivateMessage(from, to, text, uid string) Envelope {
	return Envelope{Kind: KindPrivateMessage, From: from, To: to, Text: text, SenderUID: uid, Timestamp: stamp()}
}

// NewJoin announces a user's presence.
func NewJoin(username, uid string) Envelope {
	return Envelope{Kind: KindJoin, From: username, SenderUID: uid, Timestamp: stamp()}
}

// NewLeave announces a user's departure.
func NewLeave(username, uid string) Envelope {
	return Envelope{Kind: KindLeave, From: username, SenderUID: uid, Timestamp: stamp()}
}

// NewSystem builds a server-originated notice. System envelopes carry no
// sender identity.
func NewSystem(text string) Envelope {
	return Envelope{Kind: KindSystem, Text: text, Timestamp: stamp()}
}

// NewTyping signals that a user started composing.
func NewTyping(from, uid string) Envelope {
	return Envelope{Kind: KindTyping, From: from, SenderUID: uid, Timestamp: stamp()}
}

// NewStopTyping signals that a user stopped composing.
func NewStopTyping(from, uid string) Envelope {
	return Envelope{Kind: KindStopTyping, From: from, SenderUID: uid, Timestamp: stamp()}
}
