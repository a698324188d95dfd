// Package message defines the closed set of messages exchanged between host
// pages and the worker.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindSkipWaiting       Kind = "SKIP_WAITING"
	KindNotificationClick Kind = "NOTIFICATION_CLICK"
)

var (
	ErrUnknownKind = errors.New("message: unknown kind")
	ErrMalformed   = errors.New("message: malformed")
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	isMessage()
}

// SkipWaiting asks a waiting worker to activate immediately. Host -> worker.
type SkipWaiting struct{}

func (SkipWaiting) Kind() Kind { return KindSkipWaiting }
func (SkipWaiting) isMessage() {}

// NotificationClick tells a host page where a clicked notification leads.
// Worker -> host. The host performs the navigation.
type NotificationClick struct {
	URL  string         `json:"url"`
	Data map[string]any `json:"data"`
}

func (NotificationClick) Kind() Kind { return KindNotificationClick }
func (NotificationClick) isMessage() {}

type envelope struct {
	Type Kind           `json:"type"`
	URL  string         `json:"url,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Encode renders m in its wire form: {"type": KIND, ...fields}.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case SkipWaiting:
		return json.Marshal(envelope{Type: KindSkipWaiting})
	case NotificationClick:
		data := v.Data
		if data == nil {
			data = map[string]any{}
		}
		return json.Marshal(struct {
			Type Kind           `json:"type"`
			URL  string         `json:"url"`
			Data map[string]any `json:"data"`
		}{KindNotificationClick, v.URL, data})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
}

// Decode validates and parses a wire message.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case KindSkipWaiting:
		return SkipWaiting{}, nil
	case KindNotificationClick:
		if env.URL == "" {
			return nil, fmt.Errorf("%w: %s without url", ErrMalformed, env.Type)
		}
		data := env.Data
		if data == nil {
			data = map[string]any{}
		}
		return NotificationClick{URL: env.URL, Data: data}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}
