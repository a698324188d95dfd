package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNoWaiting       = errors.New("lifecycle: no waiting worker")
	ErrNothingToRetry  = errors.New("lifecycle: no installing worker")
	ErrAlreadyDeployed = errors.New("lifecycle: version already registered")
)

type EventKind string

const (
	EventUpdateFound EventKind = "updatefound"
	EventStateChange EventKind = "statechange"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	VersionID string    `json:"version"`
	State     State     `json:"state"`
}

// Registration owns the installing, waiting and active versions for one
// script scope. Transitions are serialised: at most one version moves
// through install or activation at a time.
type Registration struct {
	log *zap.Logger

	transition sync.Mutex

	mu         sync.Mutex
	installing *Version
	waiting    *Version
	active     *Version
	clients    int
	listeners  map[int]func(Event)
	nextID     int
}

func NewRegistration(log *zap.Logger) *Registration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registration{log: log, listeners: map[int]func(Event){}}
}

// Subscribe registers fn for update and state events. fn runs on the
// transitioning goroutine and must not block.
func (r *Registration) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registration) emit(ev Event) {
	r.mu.Lock()
	fns := make([]func(Event), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *Registration) setState(v *Version, s State) {
	v.setState(s)
	r.log.Info("worker state", zap.String("version", v.ID), zap.Stringer("state", s))
	r.emit(Event{Kind: EventStateChange, VersionID: v.ID, State: s})
}

func (r *Registration) Installing() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

func (r *Registration) Waiting() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Active() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Update installs v. If installation fails v stays installing and the error
// is returned; RetryInstall runs it again later. On success v activates at
// once when nothing is active, no client is controlled, or v asked to skip
// waiting; otherwise it waits.
func (r *Registration) Update(ctx context.Context, v *Version) error {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	if v == r.installing || v == r.waiting || v == r.active {
		r.mu.Unlock()
		return ErrAlreadyDeployed
	}
	prev := r.installing
	r.installing = v
	r.mu.Unlock()

	if prev != nil {
		r.setState(prev, StateRedundant)
	}
	r.emit(Event{Kind: EventUpdateFound, VersionID: v.ID, State: StateInstalling})
	r.setState(v, StateInstalling)
	return r.install(ctx, v)
}

// RetryInstall re-runs the install step of a version stuck installing.
func (r *Registration) RetryInstall(ctx context.Context) error {
	r.transition.Lock()
	defer r.transition.Unlock()

	v := r.Installing()
	if v == nil {
		return ErrNothingToRetry
	}
	return r.install(ctx, v)
}

func (r *Registration) install(ctx context.Context, v *Version) error {
	if err := v.hooks.Install(ctx); err != nil {
		r.log.Warn("install failed, will retry", zap.String("version", v.ID), zap.Error(err))
		return fmt.Errorf("install %s: %w", v.ID, err)
	}

	r.mu.Lock()
	if r.installing == v {
		r.installing = nil
	}
	prevWaiting := r.waiting
	r.waiting = v
	activateNow := r.active == nil || r.clients == 0 || v.skipWaiting.Load()
	r.mu.Unlock()

	if prevWaiting != nil && prevWaiting != v {
		r.setState(prevWaiting, StateRedundant)
	}
	r.setState(v, StateInstalled)

	if activateNow {
		return r.activateWaiting(ctx)
	}
	return nil
}

// activateWaiting promotes the waiting version. Activate hook errors are
// logged; the version still becomes the active one.
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	v := r.waiting
	if v == nil {
		r.mu.Unlock()
		return ErrNoWaiting
	}
	prev := r.active
	r.waiting = nil
	r.active = v
	r.mu.Unlock()

	if prev != nil {
		r.setState(prev, StateRedundant)
	}
	r.setState(v, StateActivating)
	if err := v.hooks.Activate(ctx); err != nil {
		r.log.Error("activate failed", zap.String("version", v.ID), zap.Error(err))
	}
	r.setState(v, StateActivated)
	return nil
}

// SkipWaiting is called by version v on itself. A waiting v activates now;
// an installing v activates as soon as it finishes installing. For an
// active or redundant v it is a no-op.
func (r *Registration) SkipWaiting(ctx context.Context, v *Version) error {
	v.skipWaiting.Store(true)

	r.transition.Lock()
	defer r.transition.Unlock()

	if r.Waiting() != v {
		return nil
	}
	return r.activateWaiting(ctx)
}

// SetClients records how many pages the active version controls. When the
// last one goes away a waiting version takes over.
func (r *Registration) SetClients(ctx context.Context, n int) error {
	r.mu.Lock()
	r.clients = n
	hasWaiting := r.waiting != nil
	r.mu.Unlock()

	if n > 0 || !hasWaiting {
		return nil
	}

	r.transition.Lock()
	defer r.transition.Unlock()

	// A page may have attached while another transition held the lock.
	r.mu.Lock()
	idle := r.clients == 0 && r.waiting != nil
	r.mu.Unlock()
	if !idle {
		return nil
	}

	err := r.activateWaiting(ctx)
	if errors.Is(err, ErrNoWaiting) {
		return nil
	}
	return err
}

type VersionInfo struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

type Snapshot struct {
	Installing *VersionInfo `json:"installing,omitempty"`
	Waiting    *VersionInfo `json:"waiting,omitempty"`
	Active     *VersionInfo `json:"active,omitempty"`
	Clients    int          `json:"clients"`
}

func (r *Registration) Snapshot() Snapshot {
	r.mu.Lock()
	installing, waiting, active, clients := r.installing, r.waiting, r.active, r.clients
	r.mu.Unlock()
	return Snapshot{
		Installing: info(installing),
		Waiting:    info(waiting),
		Active:     info(active),
		Clients:    clients,
	}
}

func info(v *Version) *VersionInfo {
	if v == nil {
		return nil
	}
	return &VersionInfo{ID: v.ID, State: v.State()}
}
