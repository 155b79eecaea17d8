package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec is the payload encoding of one frame. Text frames carry JSON, binary
// frames carry CBOR.
type Codec int

const (
	CodecJSON Codec = iota
	CodecCBOR
)

func (c Codec) String() string {
	if c == CodecCBOR {
		return "cbor"
	}
	return "json"
}

// MessageType returns the websocket message type used for the codec.
func (c Codec) MessageType() int {
	if c == CodecCBOR {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// CodecFor maps a websocket message type onto a codec.
func CodecFor(messageType int) (Codec, bool) {
	switch messageType {
	case websocket.TextMessage:
		return CodecJSON, true
	case websocket.BinaryMessage:
		return CodecCBOR, true
	}
	return CodecJSON, false
}

var (
	// ErrMalformedFrame is returned for frames that cannot be decoded.
	ErrMalformedFrame = errors.New("ws: malformed frame")
	// ErrMissingData is returned when a frame without data is decoded into a value.
	ErrMissingData = errors.New("ws: frame has no data")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("ws: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ws: cbor decoder mode: %v", err))
	}
}

type jsonFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type cborFrame struct {
	Type string          `cbor:"type"`
	Data cbor.RawMessage `cbor:"data,omitempty"`
}

// Frame is a decoded inbound envelope whose data has not been decoded yet.
type Frame struct {
	Type  string
	Codec Codec
	data  []byte
}

// HasData reports whether the frame carries a data member.
func (f Frame) HasData() bool {
	return len(f.data) > 0 && string(f.data) != "null"
}

// Decode decodes the frame data into v with the frame's codec.
func (f Frame) Decode(v any) error {
	if !f.HasData() {
		return ErrMissingData
	}
	var err error
	if f.Codec == CodecCBOR {
		err = decMode.Unmarshal(f.data, v)
	} else {
		err = json.Unmarshal(f.data, v)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// DecodeFrame parses the envelope of an inbound payload.
func DecodeFrame(codec Codec, payload []byte) (Frame, error) {
	frame := Frame{Codec: codec}
	if codec == CodecCBOR {
		var raw cborFrame
		if err := decMode.Unmarshal(payload, &raw); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		frame.Type, frame.data = raw.Type, raw.Data
	} else {
		var raw jsonFrame
		if err := json.Unmarshal(payload, &raw); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		frame.Type, frame.data = raw.Type, raw.Data
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return frame, nil
}

// Encode builds an outbound frame and returns the websocket message type and payload.
func Encode(codec Codec, eventType string, data any) (int, []byte, error) {
	if codec == CodecCBOR {
		raw, err := encMode.Marshal(data)
		if err != nil {
			return 0, nil, err
		}
		payload, err := encMode.Marshal(cborFrame{Type: eventType, Data: raw})
		return websocket.BinaryMessage, payload, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, nil, err
	}
	payload, err := json.Marshal(jsonFrame{Type: eventType, Data: raw})
	return websocket.TextMessage, payload, err
}
