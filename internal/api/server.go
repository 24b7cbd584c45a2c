package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/optimus/telemetry/internal/alerter"
	"github.com/optimus/telemetry/internal/config"
	"github.com/optimus/telemetry/internal/logbuf"
	"github.com/optimus/telemetry/internal/metrics"
	"github.com/optimus/telemetry/internal/pipeline"
	"github.com/optimus/telemetry/internal/types"
	"github.com/optimus/telemetry/internal/version"
	"github.com/rs/zerolog"
)

const (
	defaultHistorySeconds = 300
	maxRulesBody          = 1 << 20
	writeWait             = 10 * time.Second
	pingPeriod            = 30 * time.Second
)

// ConfigReloadFunc is called when a config reload is requested
type ConfigReloadFunc func() (*config.Config, error)

// HealthFunc reports the state of the sample source
type HealthFunc func() interface{}

// Server exposes the pipeline over HTTP and WebSocket
type Server struct {
	pipeline     *pipeline.Pipeline
	metrics      *metrics.Prom
	logger       zerolog.Logger
	port         string
	corsOrigins  []string
	startTime    time.Time
	upgrader     websocket.Upgrader
	logBuffer    *logbuf.Buffer
	reloadFunc   ConfigReloadFunc
	sourceHealth HealthFunc
	httpServer   *http.Server
	mu           sync.Mutex
}

// NewServer creates a new API server
func NewServer(p *pipeline.Pipeline, m *metrics.Prom, logger zerolog.Logger, port string) *Server {
	return &Server{
		pipeline:    p,
		metrics:     m,
		logger:      logger.With().Str("component", "api").Logger(),
		port:        port,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetCORSOrigins sets the allowed origins; "*" allows any
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		s.corsOrigins = origins
	}
}

// SetLogBuffer exposes captured logs on /logs
func (s *Server) SetLogBuffer(lb *logbuf.Buffer) {
	s.logBuffer = lb
}

// SetReloadFunc sets the function to call when a config reload is requested
func (s *Server) SetReloadFunc(fn ConfigReloadFunc) {
	s.reloadFunc = fn
}

// SetSourceHealth reports source health on /status
func (s *Server) SetSourceHealth(fn HealthFunc) {
	s.sourceHealth = fn
}

// Handler returns the routed handler with CORS and request metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	routes := map[string]http.HandlerFunc{
		"/health":             s.handleHealth,
		"/status":             s.handleStatus,
		"/alerts":             s.handleAlerts,
		"/config/alert-rules": s.handleAlertRules,
		"/telemetry/history":  s.handleHistory,
		"/stream/telemetry":   s.handleStream,
		"/logs":               s.handleLogs,
		"/reload":             s.handleReload,
	}
	for path, h := range routes {
		mux.Handle(path, s.instrument(path, h))
		mux.Handle("/api"+path, s.instrument(path, h))
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return s.cors(mux)
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	addr := ":" + s.port
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().
		Str("address", addr).
		Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// instrument counts requests and records handler latency. The response
// writer is passed through untouched so WebSocket upgrades can hijack it.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, endpoint, time.Since(start))
		}
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, allowed := range s.corsOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// handleHealth returns service health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns current state summary
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.pipeline.Stats()
	flapping := s.pipeline.FlappingRules()
	if flapping == nil {
		flapping = []string{}
	}

	status := map[string]interface{}{
		"time":           time.Now().UTC().Format(time.RFC3339),
		"uptime":         formatDuration(time.Since(s.startTime)),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"version":        version.Get(),
		"pipeline":       stats,
		"flapping_rules": flapping,
	}
	if s.sourceHealth != nil {
		status["source"] = s.sourceHealth()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAlerts returns active alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	alerts := s.pipeline.ActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAlertRules reads or replaces the rule set
func (s *Server) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rules": s.pipeline.GetRules(),
		})
	case http.MethodPost:
		rules, err := decodeRules(io.LimitReader(r.Body, maxRulesBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.pipeline.UpdateRules(rules); err != nil {
			if errors.Is(err, alerter.ErrInvalidRuleSet) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "success",
			"rules_count": len(rules),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// decodeRules accepts either a bare array of rules or {"rules": [...]}
func decodeRules(body io.Reader) ([]types.Rule, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("request body is empty")
	}

	var rules []types.Rule
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Rules []types.Rule `json:"rules"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("invalid rules payload: %w", err)
		}
		rules = wrapped.Rules
	} else if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("invalid rules payload: %w", err)
	}
	if rules == nil {
		rules = []types.Rule{}
	}
	return rules, nil
}

// handleHistory returns samples from the last N seconds
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	seconds := defaultHistorySeconds
	if v := r.URL.Query().Get("seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "seconds must be a non-negative integer")
			return
		}
		seconds = n
	}

	data := s.pipeline.History(seconds)
	if data == nil {
		data = []types.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  data,
		"count": len(data),
	})
}

// handleStream upgrades to a WebSocket and pumps the subscriber queue
// into it until either side goes away
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.pipeline.Subscribe()
	defer s.pipeline.Unsubscribe(sub)

	// inbound frames are ignored; reading surfaces the peer's close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-sub.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug().
					Err(err).
					Str("subscriber", sub.ID()).
					Msg("WebSocket write failed, dropping subscriber")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleLogs returns recent log entries
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := []logbuf.Entry{}
	if s.logBuffer != nil {
		limit := 200
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		level := zerolog.DebugLevel
		if v := r.URL.Query().Get("level"); v != "" {
			parsed, err := zerolog.ParseLevel(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unknown level "+v)
				return
			}
			level = parsed
		}
		entries = s.logBuffer.Recent(limit, level)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleReload re-reads the config file and applies its rule set
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.reloadFunc == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   "Config reload not configured",
		})
		return
	}

	s.logger.Info().Msg("Config reload requested via API")

	cfg, err := s.reloadFunc()
	if err == nil {
		err = s.pipeline.UpdateRules(cfg.Rules)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Config reload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	s.logger.Info().
		Int("rule_count", len(cfg.Rules)).
		Msg("Config reloaded successfully")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"rules_count": len(cfg.Rules),
	})
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Minute).String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, hours)
}
