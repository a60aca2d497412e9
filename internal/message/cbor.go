package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// Kind serializes as its name via MarshalText, same as the JSON frames.
	opts.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = opts.EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{TextUnmarshaler: cbor.TextUnmarshalerTextString}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborWire struct {
	Type    Kind   `cbor:"type"`
	Payload []byte `cbor:"payload,omitempty"`
}

// EncodeCBOR renders m as a deterministic CBOR frame. Payload bytes are
// carried as a byte string.
func EncodeCBOR(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(m.Kind))
	}
	return encMode.Marshal(cborWire{Type: m.Kind, Payload: m.Payload})
}

func DecodeCBOR(b []byte) (Message, error) {
	var w cborWire
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Message{}, err
	}
	if !w.Type.Valid() {
		return Message{}, fmt.Errorf("%w: missing type", ErrUnknownKind)
	}
	return Message{Kind: w.Type, Payload: w.Payload}, nil
}
