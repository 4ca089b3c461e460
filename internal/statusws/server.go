package statusws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/turn"
	"github.com/lukasbauer/voiceloop/internal/wake"
)

const defaultHistoryLimit = 50

// Turns starts turns on behalf of HTTP clients.
type Turns interface {
	StartTurn(ctx context.Context) bool
	Snapshot() turn.Snapshot
}

// HistorySource lists the most recent conversation messages, oldest first.
type HistorySource interface {
	RecentMessages(ctx context.Context, limit int) ([]turn.Message, error)
}

// HistoryFunc adapts a function to HistorySource.
type HistoryFunc func(ctx context.Context, limit int) ([]turn.Message, error)

func (f HistoryFunc) RecentMessages(ctx context.Context, limit int) ([]turn.Message, error) {
	return f(ctx, limit)
}

// WakeControl toggles the background wake-word listener.
type WakeControl interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Status(ctx context.Context) (wake.Status, error)
}

type ServerConfig struct {
	Addr string

	Hub      *Hub
	Turns    Turns
	History  HistorySource
	Wake     WakeControl // nil when the listener is not running in this process
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg    ServerConfig
	logger zerolog.Logger
	mux    *http.ServeMux
}

func NewServer(cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("POST /turn", s.handleStartTurn)

	s.mux.HandleFunc("GET /wake", s.handleWakeStatus)
	s.mux.HandleFunc("POST /wake", s.handleWakeSet)

	if s.cfg.Hub != nil {
		s.mux.HandleFunc("GET /ws", s.cfg.Hub.ServeWS)
	}
}

// Handler returns the routed handler with panic recovery and CORS applied.
func (s *Server) Handler() http.Handler {
	return withSentryRecovery(withCORS(s.mux))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if s.cfg.Hub != nil {
		resp["clients"] = s.cfg.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Turns == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no assistant running"})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Turns.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []turn.Message{}})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := s.cfg.History.RecentMessages(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list history")
		captureError(r, err, "list history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list history"})
		return
	}
	if msgs == nil {
		msgs = []turn.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Turns == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no assistant running"})
		return
	}
	// The turn outlives the request.
	if !s.cfg.Turns.StartTurn(context.WithoutCancel(r.Context())) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "turn already in progress"})
		return
	}
	writeJSON(w, http.StatusAccepted, s.cfg.Turns.Snapshot())
}

func (s *Server) handleWakeStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Wake == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "wake listener not available"})
		return
	}
	st, err := s.cfg.Wake.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read wake status")
		captureError(r, err, "wake status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read wake status"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWakeSet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Wake == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "wake listener not available"})
		return
	}

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}

	var err error
	if *body.Enabled {
		// The listener loop outlives the request.
		err = s.cfg.Wake.Enable(context.WithoutCancel(r.Context()))
	} else {
		err = s.cfg.Wake.Disable(r.Context())
	}
	if errors.Is(err, wake.ErrPermissionMissing) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Bool("enabled", *body.Enabled).Msg("failed to set wake word")
		captureError(r, err, "set wake word")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update wake word"})
		return
	}

	s.handleWakeStatus(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
