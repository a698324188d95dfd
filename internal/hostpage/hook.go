// Package hostpage is the page side of the worker: it registers the worker
// script, tracks updates, follows notification clicks and exposes the
// notification helpers the application calls.
package hostpage

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"vybbi-edge/internal/lifecycle"
	"vybbi-edge/internal/message"
	"vybbi-edge/internal/platform"
	"vybbi-edge/internal/push"
)

var ErrNotMounted = errors.New("hostpage: worker not registered")

type EventKind string

const (
	EventUpdateFound EventKind = "updatefound"
	EventStateChange EventKind = "statechange"
	EventMessage     EventKind = "message"
)

// Event is a registration event or a message from the worker.
type Event struct {
	Kind    EventKind
	Version string
	State   lifecycle.State
	Message message.Message
}

// Container is the page's worker container.
type Container interface {
	Supported() bool
	Register(ctx context.Context, scriptPath string) (Registration, error)
}

// Registration is a registered worker as seen from the page.
type Registration interface {
	// Events is closed when the registration is closed or its stream ends.
	Events() <-chan Event
	// HasController reports whether a worker controlled the page when it
	// registered.
	HasController() bool
	PostMessage(ctx context.Context, msg message.Message) error
	ShowNotification(ctx context.Context, d push.Descriptor) error
	Close() error
}

// Notifications is the page's notification permission API.
type Notifications interface {
	Supported() bool
	Permission(ctx context.Context) (platform.Permission, error)
	RequestPermission(ctx context.Context) (platform.Permission, error)
}

// Navigator performs page navigations.
type Navigator interface {
	Assign(url string)
	Reload()
}

type Options struct {
	ScriptPath string
	Log        *zap.Logger
}

type Hook struct {
	container  Container
	notes      Notifications
	nav        Navigator
	scriptPath string
	log        *zap.Logger

	mu              sync.Mutex
	reg             Registration
	installing      string
	updateAvailable bool
	done            chan struct{}
}

func New(container Container, notes Notifications, nav Navigator, opts Options) *Hook {
	if opts.ScriptPath == "" {
		opts.ScriptPath = "/sw.js"
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Hook{container: container, notes: notes, nav: nav, scriptPath: opts.ScriptPath, log: opts.Log}
}

// Mount registers the worker script and starts following its events. Without
// a supported container it does nothing.
func (h *Hook) Mount(ctx context.Context) error {
	if h.container == nil || !h.container.Supported() {
		h.log.Debug("worker container unsupported, skipping registration")
		return nil
	}
	reg, err := h.container.Register(ctx, h.scriptPath)
	if err != nil {
		h.log.Error("worker registration failed", zap.Error(err))
		return err
	}
	done := make(chan struct{})
	h.mu.Lock()
	h.reg = reg
	h.done = done
	h.mu.Unlock()
	h.log.Info("worker registered", zap.String("script", h.scriptPath))

	go func() {
		defer close(done)
		for ev := range reg.Events() {
			h.handle(ev, reg)
		}
	}()
	return nil
}

// Unmount closes the registration and waits for the event loop to stop.
func (h *Hook) Unmount() error {
	h.mu.Lock()
	reg, done := h.reg, h.done
	h.reg, h.done = nil, nil
	h.mu.Unlock()
	if reg == nil {
		return nil
	}
	err := reg.Close()
	<-done
	return err
}

func (h *Hook) handle(ev Event, reg Registration) {
	switch ev.Kind {
	case EventUpdateFound:
		h.mu.Lock()
		h.installing = ev.Version
		h.mu.Unlock()
	case EventStateChange:
		if ev.State != lifecycle.StateInstalled {
			return
		}
		h.mu.Lock()
		if ev.Version == h.installing && reg.HasController() {
			h.updateAvailable = true
			h.log.Info("update available", zap.String("version", ev.Version))
		}
		h.mu.Unlock()
	case EventMessage:
		switch m := ev.Message.(type) {
		case message.NotificationClick:
			h.log.Debug("notification click, navigating", zap.String("url", m.URL))
			h.nav.Assign(m.URL)
		default:
			h.log.Warn("unexpected message from worker", zap.String("kind", string(ev.Message.Kind())))
		}
	}
}

// UpdateAvailable reports whether a new version finished installing while
// this page was controlled.
func (h *Hook) UpdateAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateAvailable
}

func (h *Hook) registration() Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg
}

// Update asks the waiting worker to take over and reloads the page.
func (h *Hook) Update(ctx context.Context) error {
	reg := h.registration()
	if reg == nil {
		return ErrNotMounted
	}
	if err := reg.PostMessage(ctx, message.SkipWaiting{}); err != nil {
		return err
	}
	h.nav.Reload()
	return nil
}

// RequestNotificationPermission returns true when notifications may be
// shown. A denied permission is never re-prompted.
func (h *Hook) RequestNotificationPermission(ctx context.Context) bool {
	if h.notes == nil || !h.notes.Supported() {
		return false
	}
	p, err := h.notes.Permission(ctx)
	if err != nil {
		h.log.Warn("read notification permission", zap.Error(err))
		return false
	}
	switch p {
	case platform.PermissionGranted:
		return true
	case platform.PermissionDenied:
		return false
	}
	p, err = h.notes.RequestPermission(ctx)
	if err != nil {
		h.log.Warn("request notification permission", zap.Error(err))
		return false
	}
	return p == platform.PermissionGranted
}

// ShowNotification shows a local notification through the registration.
// opts supplies everything but the title.
func (h *Hook) ShowNotification(ctx context.Context, title string, opts push.Descriptor) bool {
	reg := h.registration()
	if reg == nil || h.notes == nil || !h.notes.Supported() {
		h.log.Warn("cannot show notification: no registration or notification support")
		return false
	}
	p, err := h.notes.Permission(ctx)
	if err != nil || p != platform.PermissionGranted {
		h.log.Warn("cannot show notification: permission not granted", zap.String("permission", string(p)))
		return false
	}
	opts.Title = title
	if err := reg.ShowNotification(ctx, opts); err != nil {
		h.log.Warn("show notification failed", zap.Error(err))
		return false
	}
	return true
}
