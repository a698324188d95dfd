package push

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"vybbi-edge/internal/message"
)

// Window is an open window-type client.
type Window interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	PostMessage(msg message.Message) error
}

// Clients exposes the open windows of the worker's origin.
type Clients interface {
	// MatchAll lists window clients; includeUncontrolled also returns windows
	// no worker controls yet.
	MatchAll(ctx context.Context, includeUncontrolled bool) ([]Window, error)
	OpenWindow(ctx context.Context, url string) (Window, error)
}

// Click is a notificationclick event.
type Click struct {
	Action       string
	Notification Descriptor
}

type ClickOutcome string

const (
	ClickDismissed ClickOutcome = "dismissed"
	ClickFocused   ClickOutcome = "focused"
	ClickOpened    ClickOutcome = "opened"
)

type ClickResult struct {
	Outcome  ClickOutcome
	URL      string
	ClientID string
}

// ClickHandler routes notification clicks to a host page. It never
// navigates a window itself: an existing window gets a NOTIFICATION_CLICK
// message and performs the navigation.
type ClickHandler struct {
	origin  string
	clients Clients
	log     *zap.Logger
}

func NewClickHandler(origin string, clients Clients, log *zap.Logger) *ClickHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClickHandler{origin: strings.TrimRight(origin, "/"), clients: clients, log: log}
}

func (h *ClickHandler) Handle(ctx context.Context, c Click) (ClickResult, error) {
	if c.Action == ActionDismiss {
		return ClickResult{Outcome: ClickDismissed}, nil
	}

	data := c.Notification.Data
	if data == nil {
		data = map[string]any{}
	}
	dest := Route(data)

	windows, err := h.clients.MatchAll(ctx, true)
	if err != nil {
		return ClickResult{}, fmt.Errorf("match clients: %w", err)
	}
	for _, w := range windows {
		if !sameOrigin(w.URL(), h.origin) {
			continue
		}
		if err := w.Focus(ctx); err != nil {
			h.log.Warn("focus client failed", zap.String("client", w.ID()), zap.Error(err))
		}
		if err := w.PostMessage(message.NotificationClick{URL: dest, Data: data}); err != nil {
			return ClickResult{}, fmt.Errorf("post to client %s: %w", w.ID(), err)
		}
		h.log.Debug("notification click routed", zap.String("client", w.ID()), zap.String("url", dest))
		return ClickResult{Outcome: ClickFocused, URL: dest, ClientID: w.ID()}, nil
	}

	w, err := h.clients.OpenWindow(ctx, h.origin+dest)
	if err != nil {
		return ClickResult{}, fmt.Errorf("open window: %w", err)
	}
	res := ClickResult{Outcome: ClickOpened, URL: dest}
	if w != nil {
		res.ClientID = w.ID()
	}
	return res, nil
}

func sameOrigin(rawURL, origin string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}
