package hostpage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vybbi-edge/internal/lifecycle"
	"vybbi-edge/internal/message"
	"vybbi-edge/internal/platform"
	"vybbi-edge/internal/push"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistration struct {
	events     chan Event
	controlled bool

	mu     sync.Mutex
	posted []message.Message
	shown  []push.Descriptor
	closed bool
}

func newFakeRegistration(controlled bool) *fakeRegistration {
	return &fakeRegistration{events: make(chan Event, 8), controlled: controlled}
}

func (r *fakeRegistration) Events() <-chan Event { return r.events }
func (r *fakeRegistration) HasController() bool  { return r.controlled }

func (r *fakeRegistration) PostMessage(_ context.Context, msg message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posted = append(r.posted, msg)
	return nil
}

func (r *fakeRegistration) ShowNotification(_ context.Context, d push.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, d)
	return nil
}

func (r *fakeRegistration) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

type fakeContainer struct {
	supported bool
	reg       *fakeRegistration
	err       error
	scripts   []string
}

func (c *fakeContainer) Supported() bool { return c.supported }

func (c *fakeContainer) Register(_ context.Context, scriptPath string) (Registration, error) {
	c.scripts = append(c.scripts, scriptPath)
	if c.err != nil {
		return nil, c.err
	}
	return c.reg, nil
}

type fakeNotifications struct {
	supported bool
	perm      platform.Permission
	answer    platform.Permission
	prompts   int
}

func (n *fakeNotifications) Supported() bool { return n.supported }

func (n *fakeNotifications) Permission(context.Context) (platform.Permission, error) {
	return n.perm, nil
}

func (n *fakeNotifications) RequestPermission(context.Context) (platform.Permission, error) {
	n.prompts++
	n.perm = n.answer
	return n.perm, nil
}

type fakeNavigator struct {
	mu       sync.Mutex
	assigned []string
	reloads  int
}

func (n *fakeNavigator) Assign(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, url)
}

func (n *fakeNavigator) Reload() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reloads++
}

func (n *fakeNavigator) snapshot() ([]string, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.assigned...), n.reloads
}

func TestMountWithoutSupportIsNoop(t *testing.T) {
	c := &fakeContainer{supported: false}
	h := New(c, nil, &fakeNavigator{}, Options{})
	require.NoError(t, h.Mount(context.Background()))
	assert.Empty(t, c.scripts)
	assert.ErrorIs(t, h.Update(context.Background()), ErrNotMounted)
	require.NoError(t, h.Unmount())
}

func TestMountRegistersScript(t *testing.T) {
	c := &fakeContainer{supported: true, reg: newFakeRegistration(false)}
	h := New(c, nil, &fakeNavigator{}, Options{})
	require.NoError(t, h.Mount(context.Background()))
	t.Cleanup(func() { _ = h.Unmount() })
	assert.Equal(t, []string{"/sw.js"}, c.scripts)
}

func TestMountRegistrationError(t *testing.T) {
	c := &fakeContainer{supported: true, err: errors.New("boom")}
	h := New(c, nil, &fakeNavigator{}, Options{ScriptPath: "/worker.js"})
	require.Error(t, h.Mount(context.Background()))
	assert.Equal(t, []string{"/worker.js"}, c.scripts)
	assert.ErrorIs(t, h.Update(context.Background()), ErrNotMounted)
}

func TestUpdateAvailable(t *testing.T) {
	tests := []struct {
		name       string
		controlled bool
		events     []Event
		want       bool
	}{
		{
			name:       "new version installed while controlled",
			controlled: true,
			events: []Event{
				{Kind: EventUpdateFound, Version: "v2", State: lifecycle.StateInstalling},
				{Kind: EventStateChange, Version: "v2", State: lifecycle.StateInstalled},
			},
			want: true,
		},
		{
			name:       "first install is not an update",
			controlled: false,
			events: []Event{
				{Kind: EventUpdateFound, Version: "v1", State: lifecycle.StateInstalling},
				{Kind: EventStateChange, Version: "v1", State: lifecycle.StateInstalled},
			},
		},
		{
			name:       "still installing",
			controlled: true,
			events: []Event{
				{Kind: EventUpdateFound, Version: "v2", State: lifecycle.StateInstalling},
			},
		},
		{
			name:       "installed event for another version",
			controlled: true,
			events: []Event{
				{Kind: EventUpdateFound, Version: "v2", State: lifecycle.StateInstalling},
				{Kind: EventStateChange, Version: "v1", State: lifecycle.StateInstalled},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistration(tt.controlled)
			h := New(&fakeContainer{supported: true, reg: reg}, nil, &fakeNavigator{}, Options{})
			require.NoError(t, h.Mount(context.Background()))
			for _, ev := range tt.events {
				reg.events <- ev
			}
			require.NoError(t, h.Unmount())
			assert.Equal(t, tt.want, h.UpdateAvailable())
		})
	}
}

func TestNotificationClickNavigates(t *testing.T) {
	reg := newFakeRegistration(true)
	nav := &fakeNavigator{}
	h := New(&fakeContainer{supported: true, reg: reg}, nil, nav, Options{})
	require.NoError(t, h.Mount(context.Background()))

	reg.events <- Event{Kind: EventMessage, Message: message.NotificationClick{URL: "/messages?conversation=abc123"}}
	reg.events <- Event{Kind: EventMessage, Message: message.SkipWaiting{}}
	require.NoError(t, h.Unmount())

	assigned, reloads := nav.snapshot()
	assert.Equal(t, []string{"/messages?conversation=abc123"}, assigned)
	assert.Zero(t, reloads)
}

func TestUpdatePostsSkipWaitingThenReloads(t *testing.T) {
	reg := newFakeRegistration(true)
	nav := &fakeNavigator{}
	h := New(&fakeContainer{supported: true, reg: reg}, nil, nav, Options{})
	require.NoError(t, h.Mount(context.Background()))
	t.Cleanup(func() { _ = h.Unmount() })

	require.NoError(t, h.Update(context.Background()))
	assert.Equal(t, []message.Message{message.SkipWaiting{}}, reg.posted)
	_, reloads := nav.snapshot()
	assert.Equal(t, 1, reloads)
}

func TestRequestNotificationPermission(t *testing.T) {
	tests := []struct {
		name        string
		notes       *fakeNotifications
		want        bool
		wantPrompts int
	}{
		{name: "unsupported", notes: &fakeNotifications{}, want: false},
		{name: "already granted", notes: &fakeNotifications{supported: true, perm: platform.PermissionGranted}, want: true},
		{name: "denied is not re-prompted", notes: &fakeNotifications{supported: true, perm: platform.PermissionDenied, answer: platform.PermissionGranted}, want: false},
		{name: "prompt accepted", notes: &fakeNotifications{supported: true, perm: platform.PermissionDefault, answer: platform.PermissionGranted}, want: true, wantPrompts: 1},
		{name: "prompt dismissed", notes: &fakeNotifications{supported: true, perm: platform.PermissionDefault, answer: platform.PermissionDefault}, want: false, wantPrompts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(nil, tt.notes, &fakeNavigator{}, Options{})
			assert.Equal(t, tt.want, h.RequestNotificationPermission(context.Background()))
			assert.Equal(t, tt.wantPrompts, tt.notes.prompts)
		})
	}
}

func TestShowNotification(t *testing.T) {
	t.Run("not mounted", func(t *testing.T) {
		h := New(nil, &fakeNotifications{supported: true, perm: platform.PermissionGranted}, &fakeNavigator{}, Options{})
		assert.False(t, h.ShowNotification(context.Background(), "Hi", push.Descriptor{}))
	})

	t.Run("permission not granted", func(t *testing.T) {
		reg := newFakeRegistration(true)
		h := New(&fakeContainer{supported: true, reg: reg}, &fakeNotifications{supported: true, perm: platform.PermissionDefault}, &fakeNavigator{}, Options{})
		require.NoError(t, h.Mount(context.Background()))
		t.Cleanup(func() { _ = h.Unmount() })
		assert.False(t, h.ShowNotification(context.Background(), "Hi", push.Descriptor{}))
		assert.Empty(t, reg.shown)
	})

	t.Run("granted", func(t *testing.T) {
		reg := newFakeRegistration(true)
		h := New(&fakeContainer{supported: true, reg: reg}, &fakeNotifications{supported: true, perm: platform.PermissionGranted}, &fakeNavigator{}, Options{})
		require.NoError(t, h.Mount(context.Background()))
		t.Cleanup(func() { _ = h.Unmount() })
		ok := h.ShowNotification(context.Background(), "New lead", push.Descriptor{Title: "ignored", Body: "Acme Corp", Tag: "lead-7"})
		require.True(t, ok)
		require.Len(t, reg.shown, 1)
		assert.Equal(t, "New lead", reg.shown[0].Title)
		assert.Equal(t, "Acme Corp", reg.shown[0].Body)
		assert.Equal(t, "lead-7", reg.shown[0].Tag)
	})
}

func TestSSEReader(t *testing.T) {
	in := ": connected\n\n" +
		"event: message\ndata: {\"type\":\"SKIP_WAITING\"}\n\n" +
		": ping\n\n" +
		"id: 3\nevent: statechange\ndata: line one\r\ndata:line two\n\n" +
		"data: trailing"

	r := newSSEReader(strings.NewReader(in))
	var got []sseEvent
	for r.Next() {
		got = append(got, r.Event())
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []sseEvent{
		{Name: "message", Data: `{"type":"SKIP_WAITING"}`},
		{Name: "statechange", Data: "line one\nline two"},
		{Name: "", Data: "trailing"},
	}, got)
}

func TestSSEReaderError(t *testing.T) {
	r := newSSEReader(&failingReader{data: "event: message\ndata: x\n\n", err: errors.New("reset")})
	require.True(t, r.Next())
	assert.Equal(t, "x", r.Event().Data)
	assert.False(t, r.Next())
	assert.EqualError(t, r.Err(), "reset")
}

type failingReader struct {
	data string
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.data == "" {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
