package messaging

import (
	"errors"
	"fmt"

	msgpack "github.com/vmihailenco/msgpack/v5"

	"github.com/italypaleale/orbit/cluster"
)

// MessageType is the type of a message exchanged between nodes.
type MessageType uint8

const (
	// MessageTypeOneWay is a request that doesn't expect a response
	MessageTypeOneWay MessageType = iota
	// MessageTypeRequest is a request that expects a response
	MessageTypeRequest
	// MessageTypeResponseOK is a successful response; the payload contains the result
	MessageTypeResponseOK
	// MessageTypeResponseError is a failed response; the payload contains a WireError
	MessageTypeResponseError
)

// String implements fmt.Stringer.
func (t MessageType) String() string {
	switch t {
	case MessageTypeOneWay:
		return "oneway"
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponseOK:
		return "response-ok"
	case MessageTypeResponseError:
		return "response-error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsResponse returns true for response types.
func (t MessageType) IsResponse() bool {
	return t == MessageTypeResponseOK || t == MessageTypeResponseError
}

// Message is the unit of communication between nodes.
type Message struct {
	ID          uint64              `msgpack:"i"`
	Type        MessageType         `msgpack:"t"`
	From        cluster.NodeAddress `msgpack:"f"`
	To          cluster.NodeAddress `msgpack:"r"`
	InterfaceID int32               `msgpack:"a,omitempty"`
	ObjectID    string              `msgpack:"o,omitempty"`
	MethodID    int32               `msgpack:"m,omitempty"`
	Payload     []byte              `msgpack:"p,omitempty"`
	Headers     map[string]string   `msgpack:"h,omitempty"`
}

// EncodeMessage serializes a message with msgpack.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a message encoded with EncodeMessage.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errors.New("message is empty")
	}

	msg := &Message{}
	err := msgpack.Unmarshal(data, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

// EncodePayload serializes a request argument or a response result.
// A nil value produces an empty payload.
func EncodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
