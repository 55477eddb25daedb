package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/bus"
	"agentrelay/internal/config"
	"agentrelay/internal/domain"
)

// Server is the single HTTP listener for platform webhooks, health, metrics
// and the admin endpoints.
type Server struct {
	cfg        config.ServerConfig
	channels   config.ChannelsConfig
	proc       domain.Processor
	whatsapp   *WhatsApp
	telegram   *Telegram
	market     *Marketplace
	metrics    http.Handler
	events     *bus.EventBus
	sem        chan struct{}
	logger     *slog.Logger
	mux        *http.ServeMux
	httpServer *http.Server

	mu      sync.Mutex
	baseCtx context.Context
}

type ServerConfig struct {
	Config    config.ServerConfig
	Channels  config.ChannelsConfig
	Processor domain.Processor

	// Adapters left nil are not mounted.
	WhatsApp    *WhatsApp
	Telegram    *Telegram
	Marketplace *Marketplace

	Metrics http.Handler  // optional
	Events  *bus.EventBus // optional, backs GET /admin/events
	Logger  *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config.MaxConcurrentUnits <= 0 {
		cfg.Config.MaxConcurrentUnits = 16
	}
	s := &Server{
		cfg:      cfg.Config,
		channels: cfg.Channels,
		proc:     cfg.Processor,
		whatsapp: cfg.WhatsApp,
		telegram: cfg.Telegram,
		market:   cfg.Marketplace,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		sem:      make(chan struct{}, cfg.Config.MaxConcurrentUnits),
		logger:   cfg.Logger,
		baseCtx:  context.Background(),
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.whatsapp != nil {
		path := pathOr(s.channels.WhatsApp.WebhookPath, "/webhook/whatsapp")
		mux.Handle(path, s.limit(s.whatsapp.Handler(s.proc, s.channels.WhatsApp.AgentID)))
		s.logger.Info("whatsapp webhook mounted", "path", path)
	}
	if s.market != nil {
		path := pathOr(s.channels.Marketplace.WebhookPath, "/webhook/marketplace")
		mux.Handle(path, s.limit(s.market.Handler(s.proc, s.channels.Marketplace.AgentID)))
		s.logger.Info("marketplace webhook mounted", "path", path)
	}
	if s.telegram != nil && s.channels.Telegram.Mode == "webhook" {
		path := pathOr(s.channels.Telegram.WebhookPath, "/webhook/telegram")
		mux.Handle(path, s.limit(s.telegram.Handler()))
		s.logger.Info("telegram webhook mounted", "path", path)
	}

	mux.HandleFunc("POST /admin/telegram", s.requireAdmin(s.handleTelegramAction))
	mux.HandleFunc("GET /admin/events", s.requireAdmin(s.handleEvents))

	if s.metrics != nil && s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, s.metrics)
	}
	return mux
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens until ctx is done, then shuts down gracefully. Listeners
// started through the admin endpoint live as long as ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Duration(s.cfg.UnitTimeoutSeconds)*time.Second + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// limit bounds the number of units processed at once. Requests wait for a
// slot until their own context ends.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(rw, r)
			return
		}
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			next.ServeHTTP(rw, r)
		case <-r.Context().Done():
			http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
		}
	})
}

// requireAdmin guards admin routes with the bearer admin token. Without a
// configured token every request is refused.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !tokensEqual(s.cfg.AdminToken, token) {
			writeJSON(rw, http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthorized"})
			return
		}
		next(rw, r)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.telegram != nil {
		resp["telegram"] = s.telegram.Running()
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) handleTelegramAction(rw http.ResponseWriter, r *http.Request) {
	if s.telegram == nil {
		writeJSON(rw, http.StatusNotFound, map[string]any{"success": false, "message": "telegram channel is not enabled"})
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	body, err := readBody(r)
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid JSON body"})
		return
	}

	switch req.Action {
	case "start":
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		if err := s.telegram.Start(ctx); err != nil {
			s.logger.Error("telegram start failed", "err", err)
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"success": true, "message": "telegram listener started", "running": s.telegram.Running()})
	case "stop":
		if err := s.telegram.Stop(); err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"success": true, "message": "telegram listener stopped", "running": s.telegram.Running()})
	default:
		writeJSON(rw, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid action"})
	}
}

// handleEvents replays recent lifecycle events. Query: type (default all)
// and since, either RFC3339 or a duration such as 15m.
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(rw, http.StatusOK, []bus.Event{})
		return
	}
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			since = time.Now().Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, v); err == nil {
			since = ts
		} else {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"success": false, "message": "since must be RFC3339 or a duration"})
			return
		}
	}
	events := s.events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, events)
}

func pathOr(path, def string) string {
	if path == "" {
		return def
	}
	return path
}
