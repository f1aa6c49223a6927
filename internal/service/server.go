package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/inject"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/proxy"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/selection"
)

// Server is the HTTP surface of the selection service.
type Server struct {
	logger  *zap.Logger
	manager *Manager
	pool    *relay.Pool
	server  *http.Server
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr    string
	Manager *Manager
	Pool    *relay.Pool
	Logger  *zap.Logger
}

// NewServer wires the routes.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:  logger.Named("http"),
		manager: cfg.Manager,
		pool:    cfg.Pool,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /relays", s.handleRelays)
	mux.HandleFunc("POST /relays/rotate", s.handleRelayRotate)
	mux.HandleFunc("GET /assets/selector.js", s.handleScript)
	mux.HandleFunc("GET /assets/selector.css", s.handleStylesheet)
	mux.HandleFunc("GET /proxy", s.handleProxy)
	mux.HandleFunc("POST /frames", s.handleCreateFrame)
	mux.HandleFunc("GET /frames/{id}/content", s.handleFrameContent)
	mux.HandleFunc("POST /frames/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /frames/{id}/deactivate", s.handleDeactivate)
	mux.HandleFunc("POST /frames/{id}/region", s.handleRegion)
	mux.HandleFunc("GET /frames/{id}/locator", s.handleLocator)
	mux.HandleFunc("DELETE /frames/{id}", s.handleCloseFrame)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(s.logger),
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	shutdownErr := make(chan error)
	go func() {
		<-ctx.Done()
		s.logger.Info("Shutdown signal received, stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		shutdownErr <- s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Starting selection service", zap.String("address", s.server.Addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	}
	if err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	s.logger.Info("HTTP server stopped gracefully.")
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, extra map[string]interface{}) {
	body := map[string]interface{}{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	_, current := s.pool.Current()

	type relayInfo struct {
		Name    string `json:"name"`
		Origin  string `json:"origin"`
		Current bool   `json:"current"`
		Healthy *bool  `json:"healthy,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	infos := make([]relayInfo, 0, s.pool.Len())
	if r.URL.Query().Get("probe") == "true" {
		statuses := s.pool.Probe(r.Context(), nil, relay.DefaultProbeTarget, 10*time.Second)
		for _, st := range statuses {
			healthy := st.Healthy
			info := relayInfo{
				Name:    st.Endpoint.Name,
				Origin:  st.Endpoint.Origin(),
				Current: st.Index == current,
				Healthy: &healthy,
			}
			info.Error = st.Error
			infos = append(infos, info)
		}
	} else {
		for i, e := range s.pool.Endpoints() {
			infos = append(infos, relayInfo{Name: e.Name, Origin: e.Origin(), Current: i == current})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"relays": infos})
}

func (s *Server) handleRelayRotate(w http.ResponseWriter, r *http.Request) {
	next := s.pool.Rotate()
	s.writeJSON(w, http.StatusOK, map[string]string{"current": next.Name})
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(inject.Script()))
}

func (s *Server) handleStylesheet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(inject.Stylesheet()))
}

func (s *Server) handleCreateFrame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "body must carry a target url", nil)
		return
	}

	id, res, err := s.manager.CreateFrame(r.Context(), req.URL)
	if err != nil {
		s.respondLoadError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"frameId":  id,
		"mode":     res.Mode.String(),
		"frameUrl": res.FrameURL,
	})
}

// respondLoadError maps load failures onto responses; relay exhaustion
// carries a retry hint naming the next relay to try.
func (s *Server) respondLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, proxy.ErrAllRelaysFailed) {
		next := s.pool.Rotate()
		s.writeError(w, http.StatusBadGateway, err.Error(), map[string]interface{}{
			"retryWith": next.Name,
		})
		return
	}
	if errors.Is(err, proxy.ErrStaleFetch) {
		s.writeError(w, http.StatusConflict, "load superseded by a newer request", nil)
		return
	}
	s.writeError(w, http.StatusBadGateway, err.Error(), nil)
}

// handleProxy serves a one-shot rewritten, instrumented copy of a page
// without registering a frame. Useful for ad hoc embedding and debugging.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "missing url query parameter", nil)
		return
	}
	content, err := s.manager.FetchOnce(r.Context(), target)
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(content.HTML))
}

func (s *Server) handleFrameContent(w http.ResponseWriter, r *http.Request) {
	content, err := s.manager.Content(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// Proxied copies are per-fetch artifacts; never cache them.
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(content.HTML))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	msg, err := s.manager.Activate(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msg)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	msg, err := s.manager.Deactivate(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msg)
}

// handleRegion completes a visual fallback selection: the host posts the
// drag it tracked over the frame's capture and receives the resulting
// locator.
func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	var drag RegionDrag
	if err := json.NewDecoder(r.Body).Decode(&drag); err != nil {
		s.writeError(w, http.StatusBadRequest, "body must carry a drag gesture", nil)
		return
	}

	loc, err := s.manager.SelectRegion(r.Context(), r.PathValue("id"), drag)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, loc)
	case errors.Is(err, ErrUnknownFrame):
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, selection.ErrNotActive):
		s.writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
	}
}

func (s *Server) handleLocator(w http.ResponseWriter, r *http.Request) {
	loc, ok, err := s.manager.Locator(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no selection completed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleCloseFrame(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CloseFrame(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
