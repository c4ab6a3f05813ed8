// Package intake runs the loopback ingestion server: a token-guarded HTTP
// API on 127.0.0.1 that the browser extension and connector scripts push
// captured content through. Accepted captures land as pending intake items
// and fire intake_created on the bus.
//
// The bearer token is generated fresh for every process and lives only in
// memory. There is deliberately no CORS allowance: preflights get an empty
// 204, so web-origin callers are refused by omission.
package intake

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/bus"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

const (
	bindRetries = 3

	// bodyHeadroom covers the JSON envelope around a max-size content field.
	bodyHeadroom = 1024
)

// bindRetryDelay is a var so tests can shorten the backoff.
var bindRetryDelay = 2 * time.Second

// Server is the loopback ingestion listener.
type Server struct {
	st      *store.Store
	bus     *bus.Bus
	cfg     *config.Config
	token   string
	limiter *limiter

	mu       sync.Mutex
	srv      *http.Server
	addr     string
	disabled bool
}

// New creates the server and mints its bearer token. The token is never
// persisted; clients obtain it from the running process.
func New(st *store.Store, b *bus.Bus, cfg *config.Config) (*Server, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate intake token: %w", err)
	}
	window := time.Duration(cfg.Intake.WindowSeconds) * time.Second
	return &Server{
		st:      st,
		bus:     b,
		cfg:     cfg,
		token:   hex.EncodeToString(raw),
		limiter: newLimiter(cfg.Intake.WindowRequests, window),
	}, nil
}

// Token returns the bearer token for this process.
func (s *Server) Token() string { return s.token }

// Addr returns the bound address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Disabled reports whether the server gave up on binding (or was disabled
// by config) and captures are unavailable this session.
func (s *Server) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// Start binds the loopback port and begins serving. A busy port is retried
// a few times, then the server disables itself rather than failing startup;
// the rest of the runtime keeps working without captures.
func (s *Server) Start(ctx context.Context) {
	if !s.cfg.Intake.Enabled {
		logging.Intake("Ingestion server disabled by config")
		s.setDisabled()
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Intake.Port)
	var ln net.Listener
	var err error
	for attempt := 0; ; attempt++ {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		if attempt >= bindRetries || !errors.Is(err, syscall.EADDRINUSE) {
			logging.IntakeError("Ingestion server disabled, cannot bind %s: %v", addr, err)
			s.setDisabled()
			return
		}
		logging.IntakeWarn("Port %s busy, retrying in %s (%d/%d)", addr, bindRetryDelay, attempt+1, bindRetries)
		select {
		case <-time.After(bindRetryDelay):
		case <-ctx.Done():
			s.setDisabled()
			return
		}
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: s.cfg.GetIntakeHeadersTimeout(),
		ReadTimeout:       s.cfg.GetIntakeRequestTimeout(),
		IdleTimeout:       120 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.IntakeError("Ingestion server stopped: %v", err)
		}
	}()

	logging.Intake("Ingestion server listening on %s", ln.Addr())
}

func (s *Server) setDisabled() {
	s.mu.Lock()
	s.disabled = true
	s.mu.Unlock()
}

// Stop shuts the listener down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(noCORS)

	r.Get("/api/ping", s.handlePing)

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireToken)
		pr.Use(s.rateLimit)
		pr.Get("/api/intake/check", s.handleCheck)
		pr.Post("/api/intake", s.handleCreate)
	})

	// Unknown method and unknown path look the same to callers.
	notFound := func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

// noCORS answers preflight with an empty 204. No Allow-Origin header is
// ever set, so browsers refuse cross-origin responses on their own.
func noCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken enforces the per-process bearer token. The compare is
// constant-time once lengths match.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !tokenEqual(got, s.token) {
			logging.IntakeDebug("Rejected %s %s: bad token", r.Method, r.URL.Path)
			respondError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenEqual(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r), time.Now()) {
			logging.IntakeDebug("Rate limited %s %s", r.Method, r.URL.Path)
			respondError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey is the remote IP. Everything arrives over loopback, so in
// practice one budget covers all local clients.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sourceType := types.IntakeSource(queryParam(q, "sourceType", "source_type"))
	externalID := queryParam(q, "externalId", "external_id")
	if !sourceType.Valid() || externalID == "" {
		respondError(w, http.StatusBadRequest, "sourceType and externalId are required")
		return
	}

	exists, err := s.st.IntakeExists(sourceType, externalID)
	if err != nil {
		logging.WithRequestID(logging.CategoryIntake, chimw.GetReqID(r.Context())).
			Error("Existence check failed: %v", err)
		respondError(w, http.StatusInternalServerError, "storage error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	reqLog := logging.WithRequestID(logging.CategoryIntake, chimw.GetReqID(r.Context()))

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		respondError(w, http.StatusUnsupportedMediaType, "expected application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Intake.MaxContentBytes)+bodyHeadroom)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooBig.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	item, err := itemFromBody(body, s.cfg.Intake.MaxContentBytes)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.st.CreateIntakeItem(item); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			reqLog.Info("Duplicate capture of %s/%s", item.SourceType, item.ExternalID)
			respondError(w, http.StatusBadRequest, "item already captured")
			return
		}
		reqLog.Error("Capture failed: %v", err)
		respondError(w, http.StatusInternalServerError, "storage error")
		return
	}
	reqLog.WithField("source", string(item.SourceType)).Info("Captured item %s", item.ID)

	if s.bus != nil {
		data, _ := json.Marshal(map[string]string{
			"id":          item.ID,
			"source_type": string(item.SourceType),
			"title":       item.Title,
		})
		s.bus.Emit(types.Event{Type: types.EventIntakeCreated, Data: data})
	}

	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": item.ID})
}

// queryParam returns the first non-empty value among the given names.
func queryParam(q url.Values, names ...string) string {
	for _, n := range names {
		if v := q.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.IntakeDebug("Response encode failed: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
