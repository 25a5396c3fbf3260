package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

type PushType string

const (
	PushPayload PushType = "payload"
	PushEnded   PushType = "ended"
)

// PushMessage is the frame written to push subscribers.
type PushMessage struct {
	Type    PushType `json:"type"`
	Payload *Payload `json:"payload,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

func EncodePush(m PushMessage) (Frame, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode push: %w", err)
	}
	return b, nil
}

func DecodePush(b []byte) (PushMessage, error) {
	var m PushMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode push: %w", err)
	}
	switch m.Type {
	case PushPayload:
		if m.Payload == nil {
			return m, fmt.Errorf("decode push: payload frame without payload")
		}
	case PushEnded:
	default:
		return m, fmt.Errorf("decode push: unknown type %q", m.Type)
	}
	return m, nil
}
