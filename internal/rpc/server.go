package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clockswitch/internal/chain"
	"clockswitch/internal/storage"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

const (
	DefaultAddr     = "127.0.0.1:8899"
	maxBodyBytes    = 1 << 16
	shutdownTimeout = 5 * time.Second
)

// Config controls the HTTP API.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	// RatePerSec limits requests across all clients; 0 disables it.
	RatePerSec float64
	Burst      int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof bool
}

// needsRebind reports whether moving from a to b needs a new listener.
func needsRebind(a, b Config) bool {
	return a.Enabled != b.Enabled ||
		a.Addr != b.Addr ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout ||
		a.Exposed() != b.Exposed()
}

// Exposed reports a config that would serve a non-loopback address without
// authentication.
func (c Config) Exposed() bool {
	return c.Enabled && !c.AllowInsecure && strings.TrimSpace(c.Token) == "" && !IsLoopbackAddr(c.Addr)
}

// Server serves the HTTP API for a Node.
type Server struct {
	node *Node
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	addr    string
	limiter *rate.Limiter
	rebind  chan struct{}
}

func NewServer(cfg Config, node *Node, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		node:   node,
		log:    log.With(logx.String("comp", "rpc")),
		cfg:    cfg,
		rebind: make(chan struct{}, 1),
	}
	s.limiter = newLimiter(cfg)
	return s
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RatePerSec))
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Apply swaps the config. Token and rate limits apply to the next request;
// listener settings make Run rebind.
func (s *Server) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.limiter = newLimiter(cfg)
	s.mu.Unlock()

	if needsRebind(prev, cfg) {
		select {
		case s.rebind <- struct{}{}:
		default:
		}
	}
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Addr reports the listen address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setAddr(a string) {
	s.mu.Lock()
	s.addr = a
	s.mu.Unlock()
}

// Run serves until ctx is done, rebinding when Apply changes the listener
// settings. A listen or serve failure is returned so a supervisor can
// restart Run.
func (s *Server) Run(ctx context.Context) error {
	for {
		cfg := s.config()
		if !cfg.Enabled || cfg.Exposed() {
			if cfg.Exposed() {
				s.log.Error("rpc refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", cfg.Addr))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-s.rebind:
				continue
			}
		}

		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("rpc listen %s: %w", cfg.Addr, err)
		}
		srv := &http.Server{
			Handler:      s.Handler(cfg.Pprof),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
			BaseContext:  func(net.Listener) context.Context { return ctx },
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		addr := ln.Addr().String()
		s.setAddr(addr)
		s.log.Info("rpc started",
			logx.String("addr", addr),
			logx.Bool("token_set", strings.TrimSpace(cfg.Token) != ""),
			logx.Bool("pprof", cfg.Pprof),
		)

		var serveErr error
		rebind := false
		select {
		case <-ctx.Done():
		case <-s.rebind:
			rebind = true
		case serveErr = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		s.setAddr("")
		s.log.Info("rpc stopped", logx.String("addr", addr), logx.Bool("rebind", rebind))

		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		if !rebind {
			return nil
		}
	}
}

// Handler returns the API routes behind auth and rate limiting.
func (s *Server) Handler(pprof bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/initialize", s.handleInitialize)
	api.HandleFunc("POST /v1/toggle", s.handleToggle)
	api.HandleFunc("GET /v1/switch", s.handleSwitch)
	api.HandleFunc("GET /v1/threads/{address}", s.handleThread)
	api.HandleFunc("GET /v1/accounts/{address}", s.handleAccount)
	api.HandleFunc("POST /v1/airdrop", s.handleAirdrop)
	api.HandleFunc("GET /v1/invocations", s.handleInvocations)
	api.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	if pprof {
		api.HandleFunc("/debug/pprof/", hpprof.Index)
		api.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		api.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		api.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		api.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	mux.Handle("/", s.guard(api))
	return s.recoverer(mux)
}

func (s *Server) recoverer(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("rpc handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", v))
				writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal error"})
			}
		}()
		h.ServeHTTP(w, r)
	})
}

// guard checks the bearer token and the request budget.
func (s *Server) guard(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		tok := strings.TrimSpace(s.cfg.Token)
		lim := s.limiter
		s.mu.Unlock()

		if tok != "" && !authorized(r, tok) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "unauthorized"})
			return
		}
		if lim != nil && !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: "rate limited"})
			return
		}
		start := time.Now()
		h.ServeHTTP(w, r)
		s.log.Debug("rpc request", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Duration("took", time.Since(start)))
	})
}

// authorized accepts "Authorization: Bearer <token>" or ?token=<token>.
func authorized(r *http.Request, tok string) bool {
	got := r.URL.Query().Get("token")
	if got == "" {
		ah := r.Header.Get("Authorization")
		const p = "Bearer "
		if !strings.HasPrefix(ah, p) {
			return false
		}
		got = strings.TrimSpace(strings.TrimPrefix(ah, p))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.node.Initialize(r.Context(), req.ThreadID)
	if err != nil {
		s.writeError(w, err, res.Receipt.Logs)
		return
	}
	s.log.Info("switch initialized", logx.String("thread_id", res.ThreadID), logx.String("thread", res.Thread.String()))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	res, err := s.node.Toggle(r.Context())
	if err != nil {
		s.writeError(w, err, res.Receipt.Logs)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	view, err := s.node.Switch()
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r)
	if !ok {
		return
	}
	view, err := s.node.Thread(addr)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r)
	if !ok {
		return
	}
	view, err := s.node.Account(addr)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	var req AirdropRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rc, err := s.node.Airdrop(r.Context(), req.Address, req.Lamports)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "limit must be an integer"})
			return
		}
		limit = n
	}
	recs, err := s.node.Invocations(r.Context(), limit)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if recs == nil {
		recs = []storage.InvocationRecord{}
	}
	writeJSON(w, http.StatusOK, InvocationsResponse{Invocations: recs})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Snapshot())
}

func pathKey(w http.ResponseWriter, r *http.Request) (pubkey.Key, bool) {
	k, err := pubkey.Parse(r.PathValue("address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return pubkey.Key{}, false
	}
	return k, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps ledger and node errors to HTTP statuses. Program
// failures carry the program error code.
func (s *Server) writeError(w http.ResponseWriter, err error, logs []string) {
	body := ErrorBody{Error: err.Error(), Logs: logs}
	status := http.StatusInternalServerError

	var txErr *chain.TxError
	switch {
	case errors.As(err, &txErr):
		status = http.StatusUnprocessableEntity
		if pe, ok := chain.ProgramErrorOf(err); ok {
			body.Code = pe.Code
			body.Name = pe.Name
		}
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadRequest), errors.Is(err, chain.ErrAirdropLimit), errors.Is(err, chain.ErrInvalidInstruction):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("rpc request failed", logx.Err(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
