// Package ops exposes the local operator surface: health, status,
// Prometheus metrics, a live event websocket, and manual overrides
// (kill switch, flatten). The server binds locally and carries no
// authentication; do not expose it past the host.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/internal/execution"
	"github.com/sawpanic/gearbox/internal/metrics"
	"github.com/sawpanic/gearbox/internal/pipeline"
)

// FlattenFunc closes everything for one account. Wired by the app so
// the ops layer never holds broker handles directly.
type FlattenFunc func(ctx context.Context, account, reason string) ([]execution.FlattenOutcome, error)

// Deps are the collaborators the server reads from and acts on.
type Deps struct {
	Status    *metrics.StatusCollector
	Pipelines *pipeline.Service
	Hub       http.Handler // nil disables /ws
	Flatten   FlattenFunc  // nil disables POST /accounts/{account}/flatten
}

// Config tunes the HTTP listener.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the standard listener settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8686",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the operator HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	srv    *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{cfg: cfg, deps: deps, router: mux.NewRouter()}
	s.routes()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(s.logging)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.deps.Hub != nil {
		s.router.Handle("/ws", s.deps.Hub).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/accounts", s.handleAccounts).Methods(http.MethodGet)
	s.router.HandleFunc("/accounts/{account}/outcome", s.handleOutcome).Methods(http.MethodGet)
	s.router.HandleFunc("/accounts/{account}/kill-switch", s.handleKillSwitch).Methods(http.MethodPost)
	if s.deps.Flatten != nil {
		s.router.HandleFunc("/accounts/{account}/flatten", s.handleFlatten).Methods(http.MethodPost)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot())
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts := []string{}
	if s.deps.Pipelines != nil {
		accounts = s.deps.Pipelines.Accounts()
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.LastOutcome())
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p.SetKillSwitch(body.On)
	log.Warn().
		Str("account", mux.Vars(r)["account"]).
		Bool("on", body.On).
		Msg("kill switch toggled via ops API")
	writeJSON(w, http.StatusOK, map[string]any{"kill_switch": body.On})
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	account := mux.Vars(r)["account"]

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual flatten via ops API"
	}

	outcomes, err := s.deps.Flatten(r.Context(), account, body.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Warn().
		Str("account", account).
		Str("reason", body.Reason).
		Int("actions", len(outcomes)).
		Msg("manual flatten via ops API")
	writeJSON(w, http.StatusOK, map[string]any{"reason": body.Reason, "outcomes": outcomes})
}

// lookup resolves the {account} path variable into a pipeline, writing
// a 404 on miss.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*pipeline.Pipeline, bool) {
	account := mux.Vars(r)["account"]
	if s.deps.Pipelines == nil {
		writeError(w, http.StatusNotFound, "unknown account: "+account)
		return nil, false
	}
	p, ok := s.deps.Pipelines.Get(account)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown account: "+account)
		return nil, false
	}
	return p, true
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("ops request")
	})
}

// Start runs the listener until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("ops server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
