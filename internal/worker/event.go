package worker

import (
	"net/http"

	"vybbi-edge/internal/fetch"
	"vybbi-edge/internal/push"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventMessage           EventKind = "message"
)

// Event is one of the event types below.
type Event interface {
	Kind() EventKind
}

type InstallEvent struct{}

type ActivateEvent struct{}

// FetchEvent carries a GET or other request with an absolute URL.
type FetchEvent struct {
	Request *http.Request
}

// PushEvent carries the raw push payload, possibly empty.
type PushEvent struct {
	Payload []byte
}

type NotificationClickEvent struct {
	Action       string
	Notification push.Descriptor
}

// MessageEvent is a message posted by a host page. Source is the sending
// client id, if known.
type MessageEvent struct {
	Data   []byte
	Source string
}

func (InstallEvent) Kind() EventKind           { return EventInstall }
func (ActivateEvent) Kind() EventKind          { return EventActivate }
func (FetchEvent) Kind() EventKind             { return EventFetch }
func (PushEvent) Kind() EventKind              { return EventPush }
func (NotificationClickEvent) Kind() EventKind { return EventNotificationClick }
func (MessageEvent) Kind() EventKind           { return EventMessage }

// Result is what a handler settled with. Only the fields for its event kind
// are set.
type Result struct {
	// Fetch: Handled is false when the request was left to default handling.
	Response fetch.Response
	Handled  bool

	Notification push.Descriptor
	Click        push.ClickResult
}
