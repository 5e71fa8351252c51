// Package mockapi is a local stand-in for the paperdesk backend: password
// login, token refresh, profile, registration, topic generation over SSE or
// WebSocket, and token usage accounting. It signs HS256 tokens with its own
// secret and keeps all state in memory.
package mockapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/erauner12/paperdesk/internal/api"
)

// Prefix is the versioned API prefix every route is mounted under.
const Prefix = "/api/v1"

// Config configures a Server.
type Config struct {
	// Secret signs issued tokens.
	Secret string
	// LoginTTL is the lifetime of tokens issued at login.
	LoginTTL time.Duration
	// RefreshTTL is the lifetime of tokens issued by the refresh endpoint.
	RefreshTTL time.Duration
	// SessionTTL bounds how long a login session can be refreshed.
	SessionTTL time.Duration
	// FrameDelay is slept between stream frames.
	FrameDelay time.Duration
	// Users are seeded at startup, keyed by username, with their password.
	Users map[string]string
}

// DefaultConfig returns the settings cmd/mockapi starts with.
func DefaultConfig() Config {
	return Config{
		Secret:     "dev-secret-change-in-production",
		LoginTTL:   30 * time.Minute,
		RefreshTTL: 30 * time.Minute,
		SessionTTL: 24 * time.Hour,
		FrameDelay: 200 * time.Millisecond,
		Users:      map[string]string{"demo": "demo123"},
	}
}

type user struct {
	api.UserInfo
	Password string
}

// Server is the mock backend.
type Server struct {
	secret     []byte
	loginTTL   time.Duration
	refreshTTL time.Duration
	frameDelay time.Duration
	now        func() time.Time

	sessions *SessionStore

	mu     sync.RWMutex
	users  map[string]*user
	nextID int

	usage *usageLedger

	refreshes atomic.Int32
}

// New creates a mock backend.
func New(cfg Config) *Server {
	s := &Server{
		secret:     []byte(cfg.Secret),
		loginTTL:   cfg.LoginTTL,
		refreshTTL: cfg.RefreshTTL,
		frameDelay: cfg.FrameDelay,
		now:        time.Now,
		sessions:   NewSessionStore(cfg.SessionTTL),
		users:      make(map[string]*user),
		nextID:     1,
		usage:      newUsageLedger(),
	}
	for name, password := range cfg.Users {
		s.addUser(name, name+"@example.com", password)
	}
	return s
}

// Refreshes reports how many refresh requests were served successfully.
func (s *Server) Refreshes() int {
	return int(s.refreshes.Load())
}

// RevokeUser ends every session of username, invalidating its tokens.
func (s *Server) RevokeUser(username string) int {
	return s.sessions.DeleteUserSessions(username)
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(CorrelationMiddleware)

	r.Route(Prefix, func(r chi.Router) {
		r.Post("/auth/login/json", s.Login)
		r.Post("/auth/refresh-token", s.RefreshToken)
		r.Post("/users", s.Register)

		// The push channel cannot send headers; it authenticates by query.
		r.Get("/topics/recommend/stream", s.StreamTopics)

		r.Group(func(r chi.Router) {
			r.Use(s.RequireUser)
			r.Get("/users/me", s.Me)
			r.Post("/topics/recommend", s.RecommendTopics)
			r.Post("/interests/analyze", s.AnalyzeInterests)
			r.Get("/tokens/usage", s.TokenUsage)
			r.Post("/tokens/export", s.ExportTokenUsage)
			r.Post("/tokens/reset", s.ResetTokenUsage)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *Server) addUser(username, email, password string) *user {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &user{
		UserInfo: api.UserInfo{
			ID:        s.nextID,
			Username:  username,
			Email:     email,
			IsActive:  true,
			CreatedAt: s.now().UTC().Format(time.RFC3339),
		},
		Password: password,
	}
	s.nextID++
	s.users[username] = u
	return u
}

func (s *Server) lookupUser(username string) (*user, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes the backend's error shape: {"detail": "..."}.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type validationIssue struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// writeValidation writes a 422 in the list form: {"detail": [{"msg": ...}]}.
func writeValidation(w http.ResponseWriter, issues ...validationIssue) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": issues})
}
