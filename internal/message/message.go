// Package message defines the closed set of server-to-node messages relayed
// by the broadcast core, plus their JSON and CBOR frame encodings.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags a Message. The set is closed; add a constant (and a name below)
// to extend it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindPing is the liveness probe published on the global channel.
	KindPing
	KindRequestUptimeReport
	KindRequestBandwidthReport
	// KindPayload carries opaque bytes the core forwards untouched.
	KindPayload
)

var kindNames = map[Kind]string{
	KindPing:                   "Ping",
	KindRequestUptimeReport:    "RequestUptimeReport",
	KindRequestBandwidthReport: "RequestBandwidthReport",
	KindPayload:                "Payload",
}

var ErrUnknownKind = errors.New("message: unknown kind")

// Valid reports whether k is one of the named kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(name), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Message is an immutable value. Copying it is cheap; Payload must be treated
// as read-only by every holder since copies share the backing array.
type Message struct {
	Kind    Kind
	Payload []byte
}

func Ping() Message                   { return Message{Kind: KindPing} }
func RequestUptimeReport() Message    { return Message{Kind: KindRequestUptimeReport} }
func RequestBandwidthReport() Message { return Message{Kind: KindRequestBandwidthReport} }

// Payload wraps opaque bytes. The slice is copied so the caller may reuse it.
//
// JSON frames carry a JSON payload verbatim and anything else as a base64
// string, which decodes back as that quoted string. Non-JSON bytes only
// survive a round trip over CBOR.
func Payload(b []byte) Message {
	return Message{Kind: KindPayload, Payload: bytes.Clone(b)}
}

func (m Message) String() string {
	if m.Kind == KindPayload {
		return fmt.Sprintf("Payload(%d bytes)", len(m.Payload))
	}
	return m.Kind.String()
}

// Names renders a message list for logs and audit records.
func Names(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind.String())
	}
	return out
}

// wire is the frame shape shared by both encodings:
//
//	{"type":"Ping"}
//	{"type":"Payload","payload":{...}}
type wire struct {
	Type    Kind            `json:"type" cbor:"type"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wire{Type: m.Kind}
	if m.Kind == KindPayload && len(m.Payload) > 0 {
		if !json.Valid(m.Payload) {
			// Non-JSON payloads travel base64-encoded inside a JSON string.
			raw, err := json.Marshal(m.Payload)
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		} else {
			w.Payload = m.Payload
		}
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if !w.Type.Valid() {
		return fmt.Errorf("%w: missing type", ErrUnknownKind)
	}
	*m = Message{Kind: w.Type}
	if len(w.Payload) > 0 {
		m.Payload = bytes.Clone(w.Payload)
	}
	return nil
}
