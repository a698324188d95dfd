// Package push turns push payloads into notifications and notification
// clicks into in-app destinations.
package push

import (
	"bytes"
	"encoding/json"
	"maps"
)

// Action is a button shown on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Descriptor is everything needed to show one notification. Tag groups
// notifications: showing a descriptor with the same tag replaces the previous
// one instead of stacking a duplicate.
type Descriptor struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Tag                string         `json:"tag"`
	RequireInteraction bool           `json:"requireInteraction"`
	Data               map[string]any `json:"data"`
	Actions            []Action       `json:"actions,omitempty"`
}

const (
	DefaultTitle = "Vybbi CRM"
	DefaultBody  = "You have a new notification"
	DefaultIcon  = "/favicon.ico"
	DefaultTag   = "vybbi-notification"
)

// Defaults is the descriptor every payload is merged over.
func Defaults() Descriptor {
	return Descriptor{
		Title: DefaultTitle,
		Body:  DefaultBody,
		Icon:  DefaultIcon,
		Badge: DefaultIcon,
		Tag:   DefaultTag,
		Data:  map[string]any{},
	}
}

// WithActions returns d carrying the fixed view/dismiss actions.
func (d Descriptor) WithActions() Descriptor {
	d.Actions = []Action{
		{Action: ActionView, Title: "View"},
		{Action: ActionDismiss, Title: "Dismiss"},
	}
	return d
}

// Type is the routing discriminant carried in Data.
func (d Descriptor) Type() string {
	s, _ := d.Data["type"].(string)
	return s
}

var descriptorFields = map[string]struct{}{
	"title": {}, "body": {}, "icon": {}, "badge": {}, "tag": {},
	"requireInteraction": {}, "data": {}, "actions": {},
}

// ParsePayload merges a push payload over Defaults. A JSON object overrides
// the fields it carries; keys that are not descriptor fields (for example a
// top-level "type" or "conversationId") are folded into Data unless Data
// already has them. Anything that is not a JSON object becomes the body.
func ParsePayload(payload []byte) Descriptor {
	d := Defaults()
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return d
	}

	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		d.Body = string(payload)
		return d
	}
	if obj == nil {
		// JSON null carries no fields.
		return d
	}

	if v, ok := obj["title"].(string); ok {
		d.Title = v
	}
	if v, ok := obj["body"].(string); ok {
		d.Body = v
	}
	if v, ok := obj["icon"].(string); ok {
		d.Icon = v
	}
	if v, ok := obj["badge"].(string); ok {
		d.Badge = v
	}
	if v, ok := obj["tag"].(string); ok {
		d.Tag = v
	}
	if v, ok := obj["requireInteraction"].(bool); ok {
		d.RequireInteraction = v
	}
	if v, ok := obj["data"].(map[string]any); ok {
		d.Data = maps.Clone(v)
	}
	for k, v := range obj {
		if _, known := descriptorFields[k]; known {
			continue
		}
		if _, exists := d.Data[k]; !exists {
			d.Data[k] = v
		}
	}
	return d
}
