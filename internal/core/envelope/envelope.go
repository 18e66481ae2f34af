// Package envelope encodes and decodes the JSON envelopes exchanged with the gateway.
//
// Inbound frames look like {"e":"changed","id":"7",...}; outbound frames look
// like {"topic":"set","payload":{...}}.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for frames that are not a JSON object.
var ErrMalformed = errors.New("envelope: malformed frame")

// Topic discriminates outbound envelopes.
type Topic string

const (
	TopicGet         Topic = "get"
	TopicSet         Topic = "set"
	TopicAccessories Topic = "accessories"
	TopicResponse    Topic = "response"
)

// Inbound is a decoded gateway event.
type Inbound struct {
	Event string
	ID    string
	// Fields holds every top-level member, including e and id, undecoded.
	Fields map[string]json.RawMessage
}

// Outbound is the wire form of a command or notification.
type Outbound struct {
	Topic   Topic `json:"topic"`
	Payload any   `json:"payload"`
}

// GetPayload asks the gateway for the current value of a characteristic.
type GetPayload struct {
	Name           string `json:"name"`
	Characteristic string `json:"characteristic"`
}

// SetPayload carries a characteristic write to the gateway.
type SetPayload struct {
	Name           string `json:"name"`
	Characteristic string `json:"characteristic"`
	Value          any    `json:"value"`
}

// ResponsePayload acknowledges a platform operation.
type ResponsePayload struct {
	Ack     bool   `json:"ack"`
	Message string `json:"message"`
}

// Codec is the JSON envelope codec. The zero value is ready to use.
type Codec struct{}

// Decode parses one inbound frame.
func (Codec) Decode(data []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if fields == nil {
		// literal null
		return Inbound{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	return Inbound{
		Event:  stringField(fields["e"]),
		ID:     stringField(fields["id"]),
		Fields: fields,
	}, nil
}

// Encode renders an outbound envelope.
func (Codec) Encode(topic Topic, payload any) ([]byte, error) {
	data, err := json.Marshal(Outbound{Topic: topic, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", topic, err)
	}
	return data, nil
}

// stringField returns a JSON string's value, or the literal text of a number.
// Anything else yields "".
func stringField(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
