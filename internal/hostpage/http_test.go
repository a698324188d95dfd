package hostpage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vybbi-edge/internal/cachestore"
	"vybbi-edge/internal/config"
	"vybbi-edge/internal/edge"
	"vybbi-edge/internal/lifecycle"
	"vybbi-edge/internal/platform"
	"vybbi-edge/internal/push"
)

const edgeConfig = `
server:
  origin: https://vybbi.app
cache:
  name: vybbi-crm-v1
notifications:
  permission: %s
  allowPrompt: true
`

type liveEdge struct {
	svc *edge.Service
	srv *httptest.Server
}

func startEdge(t *testing.T, permission string) *liveEdge {
	t.Helper()
	cfg, err := config.Parse([]byte(strings.Replace(edgeConfig, "%s", permission, 1)))
	require.NoError(t, err)

	store, err := cachestore.OpenMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := httpmock.NewMockTransport()
	for _, p := range config.DefaultShell {
		transport.RegisterResponder(http.MethodGet, "https://vybbi.app"+p, httpmock.NewStringResponder(200, "asset "+p))
	}
	svc, err := edge.New(cfg, zap.NewNop(), edge.Options{
		Network: &http.Client{Transport: transport},
		Storage: store,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Deploy(context.Background()))

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		_ = svc.Close()
	})
	return &liveEdge{svc: svc, srv: srv}
}

func (e *liveEdge) container() *HTTPContainer {
	return NewHTTPContainer(e.srv.URL, "https://vybbi.app/dashboard", e.srv.Client(), zap.NewNop())
}

func TestHookAgainstEdgeUpdatesOnSkipWaiting(t *testing.T) {
	e := startEdge(t, "granted")
	ctx := context.Background()

	nav := &fakeNavigator{}
	c := e.container()
	h := New(c, c, nav, Options{})
	require.NoError(t, h.Mount(ctx))
	defer func() { require.NoError(t, h.Unmount()) }()

	cfg, err := config.Parse([]byte(strings.Replace(strings.Replace(edgeConfig, "%s", "granted", 1), "vybbi-crm-v1", "vybbi-crm-v2", 1)))
	require.NoError(t, err)
	require.NoError(t, e.svc.Reload(ctx, cfg))
	require.Equal(t, lifecycle.StateInstalled, e.svc.Registration().Waiting().State())

	waitUntil(t, h.UpdateAvailable)
	require.NoError(t, h.Update(ctx))
	assert.Equal(t, "vybbi-crm-v2", e.svc.Registration().Active().ID)
	_, reloads := nav.snapshot()
	assert.Equal(t, 1, reloads)
}

func TestHookAgainstEdgeFollowsNotificationClick(t *testing.T) {
	e := startEdge(t, "granted")
	ctx := context.Background()

	nav := &fakeNavigator{}
	c := e.container()
	h := New(c, c, nav, Options{})
	require.NoError(t, h.Mount(ctx))
	defer func() { require.NoError(t, h.Unmount()) }()
	assert.False(t, h.UpdateAvailable())

	resp, err := e.srv.Client().Post(e.srv.URL+"/_sw/push", "application/json",
		strings.NewReader(`{"title":"New message","tag":"conv-abc123","data":{"type":"new_message","conversationId":"abc123"}}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = e.srv.Client().Post(e.srv.URL+"/_sw/notifications/conv-abc123/click", "application/json", strings.NewReader(`{"action":"view"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	waitUntil(t, func() bool {
		assigned, _ := nav.snapshot()
		return len(assigned) == 1 && assigned[0] == "/messages?conversation=abc123"
	})
}

func TestHTTPContainerNotifications(t *testing.T) {
	e := startEdge(t, "default")
	ctx := context.Background()

	c := e.container()
	h := New(c, c, &fakeNavigator{}, Options{})
	require.NoError(t, h.Mount(ctx))
	defer func() { require.NoError(t, h.Unmount()) }()

	assert.False(t, h.ShowNotification(ctx, "Reminder", push.Descriptor{Body: "Call Acme"}))
	require.True(t, h.RequestNotificationPermission(ctx))
	p, err := c.Permission(ctx)
	require.NoError(t, err)
	assert.Equal(t, platform.PermissionGranted, p)

	require.True(t, h.ShowNotification(ctx, "Reminder", push.Descriptor{Body: "Call Acme", Tag: "reminder-1"}))
	resp, err := e.srv.Client().Get(e.srv.URL + "/_sw/notifications")
	require.NoError(t, err)
	defer resp.Body.Close()
	var shown []platform.Notification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shown))
	require.Len(t, shown, 1)
	assert.Equal(t, "Reminder", shown[0].Title)
	assert.Equal(t, "Call Acme", shown[0].Body)
	assert.Equal(t, push.DefaultIcon, shown[0].Icon)
}

func TestHTTPContainerRegisterWrongScript(t *testing.T) {
	e := startEdge(t, "granted")

	_, err := e.container().Register(context.Background(), "/other.js")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPContainerShowNotificationForbidden(t *testing.T) {
	e := startEdge(t, "denied")
	ctx := context.Background()

	reg, err := e.container().Register(ctx, "/sw.js")
	require.NoError(t, err)
	defer func() { require.NoError(t, reg.Close()) }()
	assert.True(t, reg.HasController())

	err = reg.ShowNotification(ctx, push.Descriptor{Title: "x"})
	assert.ErrorIs(t, err, platform.ErrPermission)
}
