// Package platform provides the surfaces a worker talks to besides its
// caches: the window clients of its origin and the notification center.
package platform

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vybbi-edge/internal/message"
	"vybbi-edge/internal/push"
)

var (
	ErrClientGone = errors.New("platform: client gone")
	ErrBacklog    = errors.New("platform: client message backlog full")
	ErrAttached   = errors.New("platform: client already attached")
)

const outboxSize = 32

// Client is one window of the origin, typically a browser tab attached over
// the event stream.
type Client struct {
	id  string
	seq uint64

	mu         sync.Mutex
	url        string
	controlled bool
	focusedAt  time.Time
	attached   bool
	closed     bool
	out        chan message.Message
	expire     *time.Timer
}

func (c *Client) ID() string { return c.id }

func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Client) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

// Attached reports whether a host is draining the client's messages.
func (c *Client) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *Client) FocusedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focusedAt
}

func (c *Client) Focus(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientGone
	}
	c.focusedAt = time.Now()
	return nil
}

// Navigate records a new URL for the client; hosts report it when they
// follow a route.
func (c *Client) Navigate(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

// PostMessage queues msg for the client. It never blocks: a client that does
// not drain its outbox gets ErrBacklog.
func (c *Client) PostMessage(msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientGone
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrBacklog
	}
}

// Messages is closed when the client is removed.
func (c *Client) Messages() <-chan message.Message { return c.out }

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expire != nil {
		c.expire.Stop()
	}
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Clients is the registry of window clients. A client only receives
// messages once a host attaches to it; one that stays unattached past the
// attach timeout is removed.
type Clients struct {
	log           *zap.Logger
	attachTimeout time.Duration

	mu       sync.Mutex
	byID     map[string]*Client
	nextSeq  uint64
	onChange func(controlled int)
}

// NewClients returns an empty registry. onChange, if set, is called with the
// number of controlled clients whenever it may have changed; it runs outside
// the registry lock. attachTimeout <= 0 keeps unattached clients forever.
func NewClients(log *zap.Logger, attachTimeout time.Duration, onChange func(controlled int)) *Clients {
	if log == nil {
		log = zap.NewNop()
	}
	return &Clients{log: log, attachTimeout: attachTimeout, byID: map[string]*Client{}, onChange: onChange}
}

func (cs *Clients) Add(url string, controlled bool) *Client {
	c := &Client{
		id:         uuid.NewString(),
		url:        url,
		controlled: controlled,
		out:        make(chan message.Message, outboxSize),
	}
	cs.mu.Lock()
	cs.nextSeq++
	c.seq = cs.nextSeq
	cs.byID[c.id] = c
	n := cs.controlledLocked()
	if cs.attachTimeout > 0 {
		c.expire = time.AfterFunc(cs.attachTimeout, func() { cs.expire(c) })
	}
	cs.mu.Unlock()

	cs.log.Debug("client added", zap.String("client", c.id), zap.String("url", url), zap.Bool("controlled", controlled))
	if controlled {
		cs.notify(n)
	}
	return c
}

// Attach marks the client as drained by a host, which makes it eligible for
// MatchAll and cancels its attach deadline. A client attaches at most once.
func (cs *Clients) Attach(id string) (*Client, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.byID[id]
	if !ok {
		return nil, ErrClientGone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return nil, ErrAttached
	}
	c.attached = true
	if c.expire != nil {
		c.expire.Stop()
	}
	return c, nil
}

// expire removes c unless a host attached to it in the meantime.
func (cs *Clients) expire(c *Client) {
	cs.mu.Lock()
	if cur, ok := cs.byID[c.id]; !ok || cur != c || c.Attached() {
		cs.mu.Unlock()
		return
	}
	delete(cs.byID, c.id)
	n := cs.controlledLocked()
	cs.mu.Unlock()

	c.close()
	cs.log.Debug("unattached client expired", zap.String("client", c.id), zap.Duration("after", cs.attachTimeout))
	if c.Controlled() {
		cs.notify(n)
	}
}

func (cs *Clients) Get(id string) (*Client, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.byID[id]
	return c, ok
}

// Remove drops the client and closes its outbox.
func (cs *Clients) Remove(id string) bool {
	cs.mu.Lock()
	c, ok := cs.byID[id]
	if ok {
		delete(cs.byID, id)
	}
	n := cs.controlledLocked()
	cs.mu.Unlock()
	if !ok {
		return false
	}

	c.close()
	cs.log.Debug("client removed", zap.String("client", id))
	if c.Controlled() {
		cs.notify(n)
	}
	return true
}

func (cs *Clients) Controlled() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.controlledLocked()
}

func (cs *Clients) controlledLocked() int {
	n := 0
	for _, c := range cs.byID {
		if c.Controlled() {
			n++
		}
	}
	return n
}

func (cs *Clients) notify(n int) {
	if cs.onChange != nil {
		cs.onChange(n)
	}
}

// List returns clients oldest first.
func (cs *Clients) List(includeUncontrolled bool) []*Client {
	cs.mu.Lock()
	out := make([]*Client, 0, len(cs.byID))
	for _, c := range cs.byID {
		if includeUncontrolled || c.Controlled() {
			out = append(out, c)
		}
	}
	cs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MatchAll lists the attached clients oldest first. Unattached clients are
// left out since nothing would read what is posted to them.
func (cs *Clients) MatchAll(ctx context.Context, includeUncontrolled bool) ([]push.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := cs.List(includeUncontrolled)
	out := make([]push.Window, 0, len(list))
	for _, c := range list {
		if c.Attached() {
			out = append(out, c)
		}
	}
	return out, nil
}

// OpenWindow registers a new uncontrolled window at url. A host claims it by
// attaching to its ID; otherwise it expires with the attach timeout.
func (cs *Clients) OpenWindow(ctx context.Context, url string) (push.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := cs.Add(url, false)
	cs.log.Info("window opened", zap.String("client", c.id), zap.String("url", url))
	return c, nil
}
