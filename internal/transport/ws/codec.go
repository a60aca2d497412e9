package ws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"meshrelay/internal/message"
)

type encoding uint8

const (
	encodingJSON encoding = iota
	encodingCBOR
)

func parseEncoding(s string) (encoding, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return encodingJSON, true
	case "cbor":
		return encodingCBOR, true
	default:
		return 0, false
	}
}

func (e encoding) String() string {
	if e == encodingCBOR {
		return "cbor"
	}
	return "json"
}

// encode returns the websocket frame type and body for m.
func (e encoding) encode(m message.Message) (int, []byte, error) {
	if e == encodingCBOR {
		b, err := message.EncodeCBOR(m)
		return websocket.BinaryMessage, b, err
	}
	b, err := json.Marshal(m)
	return websocket.TextMessage, b, err
}

// decode turns an inbound frame into a message. Text frames are always JSON.
// Binary frames are CBOR on cbor connections and opaque payloads otherwise.
func (e encoding) decode(frameType int, data []byte) (message.Message, error) {
	switch frameType {
	case websocket.TextMessage:
		var m message.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return message.Message{}, err
		}
		return m, nil
	case websocket.BinaryMessage:
		if e == encodingCBOR {
			return message.DecodeCBOR(data)
		}
		return message.Payload(data), nil
	default:
		return message.Message{}, fmt.Errorf("unexpected frame type %d", frameType)
	}
}
