// Package worker is one deployed worker version: a cache name, a shell list
// and the handlers for every event the platform delivers to it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"vybbi-edge/internal/cachestore"
	"vybbi-edge/internal/fetch"
	"vybbi-edge/internal/lifecycle"
	"vybbi-edge/internal/message"
	"vybbi-edge/internal/push"
)

var ErrNoHandler = errors.New("worker: no handler for event")

// Notifier is the notification center the worker shows pushes through.
type Notifier interface {
	Show(ctx context.Context, d push.Descriptor) error
	Close(tag string) bool
}

// Registrar is the registration the worker belongs to.
type Registrar interface {
	SkipWaiting(ctx context.Context, v *lifecycle.Version) error
}

type Config struct {
	CacheName string
	// Shell lists root-relative paths pre-cached at install.
	Shell        []string
	Origin       string
	Classifier   fetch.Classifier
	MaxBodyBytes int64
}

type Deps struct {
	Storage       *cachestore.Storage
	Network       fetch.Doer
	Clients       push.Clients
	Notifications Notifier
	Registration  Registrar
	Metrics       *fetch.Metrics
	Log           *zap.Logger
}

type handlerFunc func(ctx context.Context, ev Event) (Result, error)

type Worker struct {
	name    string
	origin  string
	shell   []string
	maxBody int64

	storage *cachestore.Storage
	cache   *cachestore.Cache
	network fetch.Doer
	ic      *fetch.Interceptor
	click   *push.ClickHandler
	notes   Notifier
	reg     Registrar
	log     *zap.Logger

	version  *lifecycle.Version
	handlers map[EventKind]handlerFunc
}

func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Storage == nil || deps.Network == nil {
		return nil, fmt.Errorf("worker: storage and network are required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("cache", cfg.CacheName))

	cache, err := deps.Storage.Open(cfg.CacheName)
	if err != nil {
		return nil, err
	}
	ic, err := fetch.New(cache, deps.Network, fetch.Options{
		Origin:       cfg.Origin,
		Classifier:   cfg.Classifier,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Metrics:      deps.Metrics,
		Log:          log,
	})
	if err != nil {
		return nil, err
	}

	origin := strings.TrimRight(cfg.Origin, "/")
	shell := make([]string, 0, len(cfg.Shell))
	for _, p := range cfg.Shell {
		shell = append(shell, origin+p)
	}

	w := &Worker{
		name:    cfg.CacheName,
		origin:  origin,
		shell:   shell,
		maxBody: cfg.MaxBodyBytes,
		storage: deps.Storage,
		cache:   cache,
		network: deps.Network,
		ic:      ic,
		notes:   deps.Notifications,
		reg:     deps.Registration,
		log:     log,
	}
	if deps.Clients != nil {
		w.click = push.NewClickHandler(origin, deps.Clients, log)
	}
	w.handlers = map[EventKind]handlerFunc{
		EventInstall:           w.onInstall,
		EventActivate:          w.onActivate,
		EventFetch:             w.onFetch,
		EventPush:              w.onPush,
		EventNotificationClick: w.onNotificationClick,
		EventMessage:           w.onMessage,
	}
	w.version = lifecycle.NewVersion(cfg.CacheName, w)
	return w, nil
}

func (w *Worker) CacheName() string { return w.name }

func (w *Worker) Version() *lifecycle.Version { return w.version }

func (w *Worker) Cache() *cachestore.Cache { return w.cache }

// Dispatch runs the handler for ev and returns once everything it started
// has settled. If ctx ends first Dispatch returns ctx.Err(); the handler sees
// the same ctx and winds down on its own.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	h, ok := w.handlers[ev.Kind()]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind())
	}

	type settled struct {
		res Result
		err error
	}
	done := make(chan settled, 1)
	go func() {
		res, err := h(ctx, ev)
		done <- settled{res, err}
	}()

	select {
	case s := <-done:
		return s.res, s.err
	case <-ctx.Done():
		go func() {
			s := <-done
			_ = s.res.Response.Close()
		}()
		return Result{}, ctx.Err()
	}
}

// Install and Activate make the worker a lifecycle.Hooks.

func (w *Worker) Install(ctx context.Context) error {
	_, err := w.Dispatch(ctx, InstallEvent{})
	return err
}

func (w *Worker) Activate(ctx context.Context) error {
	_, err := w.Dispatch(ctx, ActivateEvent{})
	return err
}

func (w *Worker) onInstall(ctx context.Context, _ Event) (Result, error) {
	if err := w.cache.AddAll(ctx, w.shell, w.fetchShell); err != nil {
		return Result{}, fmt.Errorf("precache shell: %w", err)
	}
	w.log.Info("shell cached", zap.Int("urls", len(w.shell)))
	return Result{}, nil
}

func (w *Worker) fetchShell(ctx context.Context, url string) (cachestore.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return cachestore.Entry{}, err
	}
	resp, err := w.network.Do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()

	r := io.Reader(resp.Body)
	if w.maxBody > 0 {
		r = io.LimitReader(resp.Body, w.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return cachestore.Entry{}, err
	}
	if w.maxBody > 0 && int64(len(body)) > w.maxBody {
		return cachestore.Entry{}, fetch.ErrBodyTooLarge
	}
	ent := cachestore.NewEntry(resp.StatusCode, resp.Header, body, cachestore.TypeBasic)
	ent.Header.Del("Content-Length")
	return ent, nil
}

// onActivate deletes every cache except the current one. Deletions are best
// effort.
func (w *Worker) onActivate(_ context.Context, _ Event) (Result, error) {
	names, err := w.storage.Keys()
	if err != nil {
		return Result{}, fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.name {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.log.Warn("delete stale cache failed", zap.String("stale", name), zap.Error(err))
			continue
		}
		w.log.Info("stale cache deleted", zap.String("stale", name))
	}
	return Result{}, nil
}

func (w *Worker) onFetch(_ context.Context, ev Event) (Result, error) {
	fe := ev.(FetchEvent)
	resp, handled, err := w.ic.Intercept(fe.Request)
	return Result{Response: resp, Handled: handled}, err
}

func (w *Worker) onPush(ctx context.Context, ev Event) (Result, error) {
	pe := ev.(PushEvent)
	d := push.ParsePayload(pe.Payload).WithActions()
	if w.notes == nil {
		return Result{Notification: d}, fmt.Errorf("show notification: no notification center")
	}
	if err := w.notes.Show(ctx, d); err != nil {
		return Result{Notification: d}, fmt.Errorf("show notification: %w", err)
	}
	w.log.Debug("push shown", zap.String("tag", d.Tag), zap.String("type", d.Type()))
	return Result{Notification: d}, nil
}

func (w *Worker) onNotificationClick(ctx context.Context, ev Event) (Result, error) {
	ce := ev.(NotificationClickEvent)
	if w.notes != nil {
		w.notes.Close(ce.Notification.Tag)
	}
	if w.click == nil {
		return Result{}, fmt.Errorf("notification click: no clients")
	}
	res, err := w.click.Handle(ctx, push.Click{Action: ce.Action, Notification: ce.Notification})
	if err != nil {
		return Result{}, err
	}
	return Result{Click: res}, nil
}

func (w *Worker) onMessage(ctx context.Context, ev Event) (Result, error) {
	me := ev.(MessageEvent)
	msg, err := message.Decode(me.Data)
	if err != nil {
		w.log.Warn("message dropped", zap.String("client", me.Source), zap.Error(err))
		return Result{}, err
	}
	switch msg.(type) {
	case message.SkipWaiting:
		if w.reg == nil {
			return Result{}, fmt.Errorf("skip waiting: no registration")
		}
		w.log.Info("skip waiting requested", zap.String("client", me.Source))
		return Result{}, w.reg.SkipWaiting(ctx, w.version)
	default:
		w.log.Warn("unexpected message kind", zap.String("client", me.Source), zap.String("kind", string(msg.Kind())))
		return Result{}, nil
	}
}
