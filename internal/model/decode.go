package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType is returned for JSON objects without a "type" field
var ErrMissingType = errors.New("message has no type")

// Decode parses one text frame into its typed variant.
// Unrecognised tags decode to Unknown rather than an error.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, ErrMissingType
	}

	var msg Message
	var err error
	switch envelope.Type {
	case MessageTypeHello:
		var m Hello
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeHeartbeat:
		var m Heartbeat
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeSamples:
		var m Samples
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeFeatures:
		var m Features
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeError:
		var m Error
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return Unknown{Type: envelope.Type}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
	}
	return msg, nil
}
