// Package server exposes a compiled database over HTTP: message lookup,
// stateless and session based decode/encode, candump replay and metrics.
package server

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/dbcgate"
	"example.com/dbcgate/internal/common"
)

// ErrSessionLimit is returned when the server already holds MaxSessions.
var ErrSessionLimit = errors.New("session limit reached")

// Options configures server creation.
type Options struct {
	Database *dbcgate.Database
	// Root names the root fragment in reports and lint output.
	Root   string
	Logger *zap.Logger
	// Registry receives the server's collectors and backs /metrics. A nil
	// registry disables both.
	Registry     *prometheus.Registry
	Clamp        bool
	MaxSessions  int
	MaxBodyBytes int64
}

// Server serves one immutable database. Counter state lives in sessions that
// clients create and address by id.
type Server struct {
	db           *dbcgate.Database
	root         string
	log          *zap.Logger
	registry     *prometheus.Registry
	metrics      *common.Collectors
	clamp        bool
	maxBodyBytes int64
	sessions     *SessionStore
}

type sessionEntry struct {
	session  *dbcgate.Session
	created  time.Time
	lastUsed time.Time
}

// SessionInfo is the public representation of a session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"lastUsed"`
}

// SessionStore keeps the sessions created over the API.
type SessionStore struct {
	mu      sync.RWMutex
	max     int
	entries map[string]*sessionEntry
}

func NewServer(opts Options) (*Server, error) {
	if opts.Database == nil {
		return nil, errors.New("nil database")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		db:           opts.Database,
		root:         opts.Root,
		log:          log,
		registry:     opts.Registry,
		clamp:        opts.Clamp,
		maxBodyBytes: opts.MaxBodyBytes,
		sessions:     &SessionStore{max: opts.MaxSessions, entries: make(map[string]*sessionEntry)},
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = 8 << 20
	}
	if opts.Registry != nil {
		s.metrics = common.NewCollectors(opts.Registry)
	}
	return s, nil
}

func (s *Server) sessionOptions() []dbcgate.SessionOption {
	opts := []dbcgate.SessionOption{
		dbcgate.WithClamp(s.clamp),
		dbcgate.WithSessionLogger(s.log),
	}
	if s.metrics != nil {
		opts = append(opts, dbcgate.WithObserver(s.metrics))
	}
	return opts
}

// NewSession creates a session and registers it with the store.
func (s *Server) NewSession() (SessionInfo, error) {
	sess, err := dbcgate.NewSession(s.db, s.sessionOptions()...)
	if err != nil {
		return SessionInfo{}, err
	}
	now := time.Now().UTC()
	entry := &sessionEntry{session: sess, created: now, lastUsed: now}

	s.sessions.mu.Lock()
	if s.sessions.max > 0 && len(s.sessions.entries) >= s.sessions.max {
		s.sessions.mu.Unlock()
		return SessionInfo{}, ErrSessionLimit
	}
	s.sessions.entries[sess.ID()] = entry
	n := len(s.sessions.entries)
	s.sessions.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSessions(n)
	}
	s.log.Info("session created", zap.String("session", sess.ID()))
	return entry.info(sess.ID()), nil
}

func (e *sessionEntry) info(id string) SessionInfo {
	return SessionInfo{ID: id, Created: e.created, LastUsed: e.lastUsed}
}

func (s *Server) session(id string) (*dbcgate.Session, bool) {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	e, ok := s.sessions.entries[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now().UTC()
	return e.session, true
}

func (s *Server) deleteSession(id string) bool {
	s.sessions.mu.Lock()
	_, ok := s.sessions.entries[id]
	delete(s.sessions.entries, id)
	n := len(s.sessions.entries)
	s.sessions.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.SetSessions(n)
	}
	return ok
}

func (s *Server) listSessions() []SessionInfo {
	s.sessions.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions.entries))
	for id, e := range s.sessions.entries {
		out = append(out, e.info(id))
	}
	s.sessions.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handler wires HTTP routes to the server's handlers.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/messages", s.handleMessages)
		r.Get("/messages/{id}", s.handleMessage)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/decode", s.handleDecode)
		r.Post("/encode", s.handleEncode)
		r.Post("/replay", s.handleReplay)
		r.Get("/lint", s.handleLint)
		r.Get("/report", s.handleReport)
	})
	return r
}

// instrument logs every request and records its duration by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, status, d)
		}
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", d),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}
