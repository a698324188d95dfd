// Package edge serves the app through the active worker and exposes the
// worker control API host pages talk to.
package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vybbi-edge/internal/cachestore"
	"vybbi-edge/internal/config"
	"vybbi-edge/internal/fetch"
	"vybbi-edge/internal/lifecycle"
	"vybbi-edge/internal/platform"
	"vybbi-edge/internal/worker"
)

const cacheHeader = "X-Vybbi-Cache"

var ErrNoWorker = errors.New("edge: no worker available")

type Options struct {
	// Network replaces the origin HTTP client.
	Network fetch.Doer
	// Storage is used instead of opening cfg.Storage.Path. The caller keeps
	// ownership.
	Storage *cachestore.Storage
	// Registry receives metrics; a fresh one is created when nil.
	Registry *prometheus.Registry
}

type Service struct {
	log *zap.Logger
	net fetch.Doer

	store    *cachestore.Storage
	ownStore bool

	reg     *lifecycle.Registration
	clients *platform.Clients
	notes   *platform.Notifications

	prom    *prometheus.Registry
	metrics *fetch.Metrics
	stats   *respStats

	mu      sync.RWMutex
	cfg     config.Config
	workers map[*lifecycle.Version]*worker.Worker

	handler http.Handler
}

func New(cfg config.Config, log *zap.Logger, opts Options) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	perm, err := platform.ParsePermission(cfg.Notifications.Permission)
	if err != nil {
		return nil, err
	}

	s := &Service{
		log:     log,
		net:     opts.Network,
		store:   opts.Storage,
		prom:    opts.Registry,
		cfg:     cfg,
		workers: map[*lifecycle.Version]*worker.Worker{},
		stats:   newRespStats(),
	}
	if s.net == nil {
		s.net = &http.Client{Timeout: cfg.FetchTimeout()}
	}
	if s.store == nil {
		s.store, err = cachestore.Open(cfg.Storage.Path, log.Named("cachestore"))
		if err != nil {
			return nil, err
		}
		s.ownStore = true
	}
	if s.prom == nil {
		s.prom = prometheus.NewRegistry()
	}

	s.reg = lifecycle.NewRegistration(log.Named("lifecycle"))
	s.reg.Subscribe(s.onLifecycle)
	s.clients = platform.NewClients(log.Named("clients"), cfg.ClientAttachTimeout(), s.onControlled)
	s.notes = platform.NewNotifications(perm, cfg.AllowPrompt(), cfg.NotificationExpiry(), log.Named("notifications"))

	s.metrics = fetch.NewMetrics(s.prom)
	s.prom.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vybbi_edge",
		Name:      "controlled_clients",
		Help:      "Window clients controlled by the active worker.",
	}, func() float64 { return float64(s.clients.Controlled()) }))

	s.handler = s.routes()
	return s, nil
}

func (s *Service) Handler() http.Handler { return s.handler }

func (s *Service) Registration() *lifecycle.Registration { return s.reg }

func (s *Service) Close() error {
	if s.ownStore {
		return s.store.Close()
	}
	return nil
}

func (s *Service) config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Deploy builds a worker version from the current config and runs it
// through install. An install error leaves the version installing; Run
// retries it.
func (s *Service) Deploy(ctx context.Context) error {
	cfg := s.config()

	shell := cfg.Cache.Shell
	if cfg.Shell.Manifest != "" {
		found, err := discoverShell(ctx, s.net, cfg.Server.Origin, cfg.Shell.Manifest)
		if err != nil {
			s.log.Warn("shell manifest discovery failed, using configured shell", zap.String("manifest", cfg.Shell.Manifest), zap.Error(err))
		} else {
			shell = mergeShell(shell, found)
			s.log.Info("shell manifest discovered", zap.Int("paths", len(found)), zap.Int("shell", len(shell)))
		}
	}

	w, err := worker.New(worker.Config{
		CacheName: cfg.Cache.Name,
		Shell:     shell,
		Origin:    cfg.Server.Origin,
		Classifier: fetch.Classifier{
			APIMarkers:   cfg.Cache.APIMarkers,
			BackendHosts: cfg.Cache.BackendHosts,
		},
		MaxBodyBytes: cfg.MaxBodyBytes(),
	}, worker.Deps{
		Storage:       s.store,
		Network:       s.net,
		Clients:       s.clients,
		Notifications: s.notes,
		Registration:  s.reg,
		Metrics:       s.metrics,
		Log:           s.log.Named("worker"),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.workers[w.Version()] = w
	s.mu.Unlock()
	return s.reg.Update(ctx, w.Version())
}

// Reload swaps in cfg. A new worker version is deployed only when the cache
// name or the shell changed.
func (s *Service) Reload(ctx context.Context, cfg config.Config) error {
	s.mu.Lock()
	same := s.cfg.SameVersion(cfg)
	s.cfg = cfg
	s.mu.Unlock()

	if same {
		s.log.Info("config reloaded, worker version unchanged", zap.String("cache", cfg.Cache.Name))
		return nil
	}
	s.log.Info("config reloaded, deploying new worker version", zap.String("cache", cfg.Cache.Name))
	return s.Deploy(ctx)
}

// Run drives the background loops until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.installRetryLoop(ctx)
		return nil
	})
	if every := s.config().StatsEvery(); every > 0 {
		g.Go(func() error {
			s.statsLoop(ctx, every)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) installRetryLoop(ctx context.Context) {
	every := s.config().InstallRetry()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.reg.Installing() == nil {
				continue
			}
			if err := s.reg.RetryInstall(ctx); err != nil && !errors.Is(err, lifecycle.ErrNothingToRetry) {
				s.log.Warn("install retry failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	names, err := s.store.Keys()
	if err != nil {
		s.log.Warn("stats: list caches", zap.Error(err))
		return
	}
	entries := make([]string, 0, len(names))
	for _, name := range names {
		n := -1
		if c, err := s.store.Open(name); err == nil {
			n, _ = c.Len()
		}
		entries = append(entries, fmt.Sprintf("%s=%d", name, n))
	}
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.String("caches", strings.Join(entries, ",")),
		zap.Int("clients", s.clients.Controlled()),
		zap.String("resp_min", formatBytes(ss.Min)),
		zap.String("resp_avg", formatBytes(ss.Avg)),
		zap.String("resp_max", formatBytes(ss.Max)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}

func (s *Service) onLifecycle(ev lifecycle.Event) {
	if ev.Kind != lifecycle.EventStateChange || ev.State != lifecycle.StateRedundant {
		return
	}
	s.mu.Lock()
	for v := range s.workers {
		if v.ID == ev.VersionID && v.State() == lifecycle.StateRedundant {
			delete(s.workers, v)
		}
	}
	s.mu.Unlock()
}

func (s *Service) onControlled(n int) {
	if err := s.reg.SetClients(context.Background(), n); err != nil {
		s.log.Warn("activate after last client left", zap.Error(err))
	}
}

func (s *Service) worker(v *lifecycle.Version) *worker.Worker {
	if v == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[v]
}

func (s *Service) activeWorker() *worker.Worker { return s.worker(s.reg.Active()) }

// messageTarget is the worker a host message goes to: the waiting one if
// any, otherwise the active one.
func (s *Service) messageTarget() *worker.Worker {
	if w := s.worker(s.reg.Waiting()); w != nil {
		return w
	}
	return s.activeWorker()
}

// ---- proxy ----

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	target := r.URL.String()
	if !r.URL.IsAbs() {
		target = cfg.Server.Origin + r.URL.RequestURI()
	}

	wk := s.activeWorker()
	if wk == nil || r.Method != http.MethodGet {
		s.proxyPass(w, r, target)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, http.NoBody)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	res, err := wk.Dispatch(r.Context(), worker.FetchEvent{Request: req})
	if err != nil {
		s.log.Debug("fetch failed", zap.String("url", target), zap.Error(err))
		setCacheHeaders(w.Header(), "")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if !res.Handled {
		s.proxyPass(w, r, target)
		return
	}
	if res.Response.Stream != nil {
		defer res.Response.Close()
		writeStream(w, res.Response)
		return
	}
	writeEntry(w, res.Response.Entry, string(res.Response.Source))
	switch res.Response.Source {
	case fetch.SourceHit, fetch.SourceMiss:
		s.stats.Observe(len(res.Response.Body))
	}
}

// proxyPass forwards r untouched and streams the answer back.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, target string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.net.Do(req)
	if err != nil {
		s.log.Debug("proxy failed", zap.String("method", r.Method), zap.String("url", target), zap.Error(err))
		setCacheHeaders(w.Header(), "")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeEntry(w http.ResponseWriter, ent cachestore.Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

// writeStream sends a response too large for the cache with its original
// headers.
func writeStream(w http.ResponseWriter, resp fetch.Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), string(resp.Source))
	w.WriteHeader(resp.Status)
	_, _ = io.Copy(w, resp.Stream)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(cacheHeader, source)
	}
	ensureExposedHeader(h, cacheHeader)
}

// ensureExposedHeader adds name to Access-Control-Expose-Headers so browser
// code can read it in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
