package hostpage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"vybbi-edge/internal/lifecycle"
	"vybbi-edge/internal/message"
	"vybbi-edge/internal/platform"
	"vybbi-edge/internal/push"
)

const clientIDHeader = "X-Client-ID"

// HTTPContainer talks to an edge control API. It serves as both the
// Container and the Notifications of a page.
type HTTPContainer struct {
	base    string
	pageURL string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPContainer targets the edge at base; pageURL is the URL of the page
// being registered.
func NewHTTPContainer(base, pageURL string, client *http.Client, log *zap.Logger) *HTTPContainer {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPContainer{base: strings.TrimRight(base, "/"), pageURL: pageURL, client: client, log: log}
}

func (c *HTTPContainer) Supported() bool { return c.base != "" }

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string { return fmt.Sprintf("edge: %d %s", e.Status, e.Msg) }

func (c *HTTPContainer) call(ctx context.Context, method, path string, header http.Header, body []byte, out any) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return &apiError{Status: resp.StatusCode, Msg: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPContainer) Register(ctx context.Context, scriptPath string) (Registration, error) {
	body, err := json.Marshal(map[string]string{"scriptURL": scriptPath, "url": c.pageURL})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ClientID   string `json:"clientId"`
		Controlled bool   `json:"controlled"`
	}
	if err := c.call(ctx, http.MethodPost, "/_sw/register", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("register %s: %w", scriptPath, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	r := &httpRegistration{
		c:          c,
		id:         resp.ClientID,
		controlled: resp.Controlled,
		events:     make(chan Event, 16),
		cancel:     cancel,
	}
	ready := make(chan error, 1)
	go r.stream(streamCtx, ready)
	if err := <-ready; err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (c *HTTPContainer) Permission(ctx context.Context) (platform.Permission, error) {
	var resp struct {
		Permission platform.Permission `json:"permission"`
	}
	err := c.call(ctx, http.MethodGet, "/_sw/permission", nil, nil, &resp)
	return resp.Permission, err
}

func (c *HTTPContainer) RequestPermission(ctx context.Context) (platform.Permission, error) {
	var resp struct {
		Permission platform.Permission `json:"permission"`
	}
	err := c.call(ctx, http.MethodPost, "/_sw/permission", nil, nil, &resp)
	return resp.Permission, err
}

type httpRegistration struct {
	c          *HTTPContainer
	id         string
	controlled bool

	events chan Event
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (r *httpRegistration) Events() <-chan Event { return r.events }
func (r *httpRegistration) HasController() bool  { return r.controlled }
func (r *httpRegistration) ClientID() string     { return r.id }

func (r *httpRegistration) PostMessage(ctx context.Context, msg message.Message) error {
	b, err := message.Encode(msg)
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set(clientIDHeader, r.id)
	return r.c.call(ctx, http.MethodPost, "/_sw/message", h, b, nil)
}

func (r *httpRegistration) ShowNotification(ctx context.Context, d push.Descriptor) error {
	b, err := json.Marshal(descriptorFields(d))
	if err != nil {
		return err
	}
	var apiErr *apiError
	err = r.c.call(ctx, http.MethodPost, "/_sw/notifications", nil, b, nil)
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", platform.ErrPermission, apiErr.Msg)
	}
	return err
}

// descriptorFields keeps only the fields d sets so the edge fills in the
// rest from its defaults.
func descriptorFields(d push.Descriptor) map[string]any {
	out := map[string]any{}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("title", d.Title)
	set("body", d.Body)
	set("icon", d.Icon)
	set("badge", d.Badge)
	set("tag", d.Tag)
	if d.RequireInteraction {
		out["requireInteraction"] = true
	}
	if len(d.Data) > 0 {
		out["data"] = d.Data
	}
	if len(d.Actions) > 0 {
		out["actions"] = d.Actions
	}
	return out
}

// Close drops the event stream and unregisters the client.
func (r *httpRegistration) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		ctx := context.Background()
		err := r.c.call(ctx, http.MethodDelete, "/_sw/clients/"+r.id, nil, nil, nil)
		var apiErr *apiError
		// The edge drops the client itself when the stream ends.
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			err = nil
		}
		r.closeErr = err
	})
	return r.closeErr
}

type stateEvent struct {
	Version string          `json:"version"`
	State   lifecycle.State `json:"state"`
}

func (r *httpRegistration) stream(ctx context.Context, ready chan<- error) {
	defer close(r.events)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.c.base+"/_sw/events?client="+r.id, http.NoBody)
	if err != nil {
		ready <- err
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := r.c.client.Do(req)
	if err != nil {
		ready <- fmt.Errorf("open event stream: %w", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ready <- fmt.Errorf("open event stream: status %d", resp.StatusCode)
		return
	}
	ready <- nil

	sc := newSSEReader(resp.Body)
	for sc.Next() {
		ev, ok := r.decode(sc.Event())
		if !ok {
			continue
		}
		select {
		case r.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		r.c.log.Warn("event stream ended", zap.String("client", r.id), zap.Error(err))
	}
}

func (r *httpRegistration) decode(raw sseEvent) (Event, bool) {
	switch EventKind(raw.Name) {
	case EventMessage:
		msg, err := message.Decode([]byte(raw.Data))
		if err != nil {
			r.c.log.Warn("invalid message from worker", zap.Error(err))
			return Event{}, false
		}
		return Event{Kind: EventMessage, Message: msg}, true
	case EventUpdateFound, EventStateChange:
		var se stateEvent
		if err := json.Unmarshal([]byte(raw.Data), &se); err != nil {
			r.c.log.Warn("invalid registration event", zap.String("event", raw.Name), zap.Error(err))
			return Event{}, false
		}
		return Event{Kind: EventKind(raw.Name), Version: se.Version, State: se.State}, true
	default:
		return Event{}, false
	}
}
