package mockapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/api"
)

// Login handles POST /auth/login/json
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}

	u, ok := s.lookupUser(req.Username)
	if !ok || u.Password != req.Password {
		logger.Info().Str("username", req.Username).Msg("login rejected")
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	session := s.sessions.CreateSession(u.Username)
	token, err := s.issueToken(u, session.ID, s.loginTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to issue token")
		writeDetail(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	logger.Info().
		Str("username", u.Username).
		Str("sessionId", session.ID).
		Msg("login succeeded")
	writeJSON(w, http.StatusOK, api.LoginResponse{AccessToken: token, TokenType: "bearer"})
}

// RefreshToken handles POST /auth/refresh-token
// Exchanges a still-valid token for a new one bound to the same session.
func (s *Server) RefreshToken(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeDetail(w, http.StatusBadRequest, "token required")
		return
	}

	claims, err := s.verifyToken(req.Token)
	if err != nil {
		logger.Info().Err(err).Msg("refresh rejected")
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	u, ok := s.lookupUser(claims.Subject)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "User not found")
		return
	}

	token, err := s.issueToken(u, claims.SessionID, s.refreshTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to issue token")
		writeDetail(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.refreshes.Add(1)
	logger.Info().Str("username", u.Username).Msg("token refreshed")
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

// Register handles POST /users
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}

	var issues []validationIssue
	if strings.TrimSpace(req.Username) == "" {
		issues = append(issues, validationIssue{Loc: []string{"body", "username"}, Msg: "username is required", Type: "value_error"})
	}
	if !strings.Contains(req.Email, "@") {
		issues = append(issues, validationIssue{Loc: []string{"body", "email"}, Msg: "value is not a valid email address", Type: "value_error"})
	}
	if len(req.Password) < 6 {
		issues = append(issues, validationIssue{Loc: []string{"body", "password"}, Msg: "password must be at least 6 characters", Type: "value_error"})
	}
	if len(issues) > 0 {
		writeValidation(w, issues...)
		return
	}

	if _, exists := s.lookupUser(req.Username); exists {
		writeDetail(w, http.StatusConflict, "Username already registered")
		return
	}

	u := s.addUser(req.Username, req.Email, req.Password)
	log.Ctx(r.Context()).Info().Int("userId", u.ID).Str("username", u.Username).Msg("user registered")
	writeJSON(w, http.StatusCreated, u.UserInfo)
}

// Me handles GET /users/me
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	u, ok := s.lookupUser(claims.Subject)
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, u.UserInfo)
}
