package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/stat7verse/backbone/internal/apperrors"
	"github.com/stat7verse/backbone/internal/config"
	"github.com/stat7verse/backbone/internal/orchestrator"
	"github.com/stat7verse/backbone/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires the Hub, the orchestrator and the HTTP side-channels
// (health/realms/metrics) behind a single gorilla/mux router.
type Server struct {
	cfg     config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	hub     *Hub
	orch    *orchestrator.Orchestrator
	httpSrv *http.Server
}

// NewServer builds the Server around an already-constructed Hub (the same
// Hub must have been passed to the Orchestrator as its Broadcaster). Call
// Run to start the hub and the HTTP listener; Run blocks until ctx is
// cancelled. Run does not start the orchestrator's tick task: the caller
// runs orch.Run in its own goroutine.
func NewServer(cfg config.Config, logger *telemetry.Logger, metrics *telemetry.Metrics, orch *orchestrator.Orchestrator, hub *Hub) *Server {
	if logger == nil {
		logger = telemetry.Nop
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		hub:     hub,
		orch:    orch,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/realms", s.handleRealms).Methods(http.MethodGet)
	router.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)

	handler := requestLoggingMiddleware(logger, router)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub exposes the Broadcaster to wire into orchestrator.New.
func (s *Server) Hub() *Hub { return s.hub }

// Run starts the hub loop, serves HTTP until ctx is cancelled, then shuts
// the HTTP server down with the configured grace period.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ws_listen", map[string]any{"addr": s.cfg.Addr()})
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.connectionCount() >= s.cfg.MaxConnections {
		writeJSON(w, apperrors.HTTPStatus(apperrors.CodeOverloaded), apperrors.New(apperrors.CodeOverloaded, "max connections reached", nil))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", map[string]any{"err": err.Error()})
		return
	}

	c := newClient(s.hub, conn, s.orch, s.cfg)
	s.hub.register <- &registration{c: c, replay: buildReplay(s.orch.Log())}

	go c.writePump()
	go c.readPump(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reply := make(chan orchestrator.Response, 1)
	if err := s.orch.Submit(r.Context(), orchestrator.Request{Kind: orchestrator.CmdUniverseState, Reply: reply}); err != nil {
		writeJSON(w, 503, map[string]any{"status": "unavailable"})
		return
	}
	resp := <-reply
	data := map[string]any{"status": "ok"}
	if resp.Envelope != nil {
		for k, v := range resp.Envelope.Data {
			data[k] = v
		}
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleRealms(w http.ResponseWriter, r *http.Request) {
	reply := make(chan orchestrator.Response, 1)
	if err := s.orch.Submit(r.Context(), orchestrator.Request{Kind: orchestrator.CmdListGames, Reply: reply}); err != nil {
		writeJSON(w, 503, map[string]any{"error": "unavailable"})
		return
	}
	resp := <-reply
	if resp.Envelope != nil {
		writeJSON(w, http.StatusOK, resp.Envelope.Data)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": []any{}})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	reply := make(chan orchestrator.Response, 1)
	if err := s.orch.Submit(r.Context(), orchestrator.Request{Kind: orchestrator.CmdMetricsSnapshot, Reply: reply}); err != nil {
		writeJSON(w, 503, map[string]any{"error": "unavailable"})
		return
	}
	resp := <-reply
	if resp.Envelope != nil {
		writeJSON(w, http.StatusOK, resp.Envelope.Data)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLoggingMiddleware(logger *telemetry.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http_request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
