package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vybbi-edge/internal/lifecycle"
	"vybbi-edge/internal/message"
	"vybbi-edge/internal/platform"
	"vybbi-edge/internal/push"
	"vybbi-edge/internal/worker"
)

// ClientIDHeader names the sending client on POST /_sw/message.
const ClientIDHeader = "X-Client-ID"

const maxControlBody = 1 << 20

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(s.config().Server.ScriptPath, s.serveScript)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))

	r.Route("/_sw", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Delete("/clients/{id}", s.handleUnregister)
		r.Get("/events", s.handleEvents)
		r.Post("/message", s.handleMessage)
		r.Post("/push", s.handlePush)
		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications", s.handleShowNotification)
		r.Post("/notifications/{tag}/click", s.handleNotificationClick)
		r.Get("/permission", s.handleGetPermission)
		r.Post("/permission", s.handleRequestPermission)
		r.Get("/state", s.handleState)
		r.Get("/health", s.handleHealth)
	})

	r.HandleFunc("/*", s.handleProxy)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxControlBody))
}

func (s *Service) serveScript(w http.ResponseWriter, _ *http.Request) {
	cfg := s.config()
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Service-Worker-Allowed", "/")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = fmt.Fprintf(w, "// vybbi-edge worker %s; requests are served by the edge.\n", cfg.Cache.Name)
}

type registerRequest struct {
	ScriptURL string `json:"scriptURL"`
	URL       string `json:"url"`
}

type registerResponse struct {
	ClientID     string             `json:"clientId"`
	Controlled   bool               `json:"controlled"`
	Registration lifecycle.Snapshot `json:"registration"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cfg := s.config()
	u, err := url.Parse(req.ScriptURL)
	if err != nil || u.Path != cfg.Server.ScriptPath {
		writeError(w, http.StatusNotFound, "no worker script at "+req.ScriptURL)
		return
	}
	pageURL := req.URL
	if pageURL == "" {
		pageURL = cfg.Server.Origin + "/"
	}

	c := s.clients.Add(pageURL, s.reg.Active() != nil)
	s.log.Info("client registered", zap.String("client", c.ID()), zap.String("url", pageURL), zap.Bool("controlled", c.Controlled()))
	writeJSON(w, http.StatusOK, registerResponse{
		ClientID:     c.ID(),
		Controlled:   c.Controlled(),
		Registration: s.reg.Snapshot(),
	})
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if !s.clients.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "unknown client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	wk := s.messageTarget()
	if wk == nil {
		writeError(w, http.StatusConflict, ErrNoWorker.Error())
		return
	}
	_, err = wk.Dispatch(r.Context(), worker.MessageEvent{Data: body, Source: r.Header.Get(ClientIDHeader)})
	switch {
	case errors.Is(err, message.ErrUnknownKind), errors.Is(err, message.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Warn("message handling failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "message failed")
	default:
		writeJSON(w, http.StatusAccepted, s.reg.Snapshot())
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	wk := s.activeWorker()
	if wk == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoWorker.Error())
		return
	}
	res, err := wk.Dispatch(r.Context(), worker.PushEvent{Payload: body})
	switch {
	case errors.Is(err, platform.ErrPermission):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		s.log.Warn("push handling failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "push failed")
	default:
		writeJSON(w, http.StatusCreated, res.Notification)
	}
}

func (s *Service) handleListNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.notes.List())
}

// handleShowNotification shows a local notification from a host page. The
// body is a descriptor merged over the defaults.
func (s *Service) handleShowNotification(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	d := push.ParsePayload(body)
	if err := s.notes.Show(r.Context(), d); err != nil {
		if errors.Is(err, platform.ErrPermission) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type clickRequest struct {
	Action string `json:"action"`
}

type clickResponse struct {
	Outcome  push.ClickOutcome `json:"outcome"`
	URL      string            `json:"url,omitempty"`
	ClientID string            `json:"clientId,omitempty"`
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	n, ok := s.notes.Get(chi.URLParam(r, "tag"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown notification")
		return
	}
	wk := s.activeWorker()
	if wk == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoWorker.Error())
		return
	}
	res, err := wk.Dispatch(r.Context(), worker.NotificationClickEvent{Action: req.Action, Notification: n.Descriptor})
	if err != nil {
		s.log.Warn("notification click failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "click failed")
		return
	}
	writeJSON(w, http.StatusOK, clickResponse{Outcome: res.Click.Outcome, URL: res.Click.URL, ClientID: res.Click.ClientID})
}

type permissionResponse struct {
	Permission platform.Permission `json:"permission"`
}

func (s *Service) handleGetPermission(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, permissionResponse{Permission: s.notes.Permission()})
}

func (s *Service) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	p, err := s.notes.RequestPermission(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, permissionResponse{Permission: p})
}

func (s *Service) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok"}
	if v := s.reg.Active(); v != nil {
		resp["active"] = v.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- events ----

const sseKeepAlive = 25 * time.Second

// handleEvents streams worker messages and registration events to one
// client. The client is removed when the stream ends.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("client")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	c, err := s.clients.Attach(id)
	switch {
	case errors.Is(err, platform.ErrAttached):
		writeError(w, http.StatusConflict, "client already attached")
		return
	case err != nil:
		writeError(w, http.StatusNotFound, "unknown client")
		return
	}
	defer s.clients.Remove(id)

	lifecycleEvents := make(chan lifecycle.Event, 64)
	unsubscribe := s.reg.Subscribe(func(ev lifecycle.Event) {
		select {
		case lifecycleEvents <- ev:
		default:
			s.log.Warn("event stream backlog, dropping", zap.String("client", id), zap.String("kind", string(ev.Kind)))
		}
	})
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			b, err := message.Encode(msg)
			if err != nil {
				s.log.Warn("encode message", zap.Error(err))
				continue
			}
			if err := writeSSE(w, "message", b); err != nil {
				return
			}
		case ev := <-lifecycleEvents:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := writeSSE(w, string(ev.Kind), b); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
