package api

import (
	"context"

	"github.com/erauner12/paperdesk/internal/client"
)

const (
	LoginPath    = "/auth/login/json"
	ProfilePath  = "/users/me"
	RegisterPath = "/users"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserInfo is the profile snapshot cached locally after login.
type UserInfo struct {
	ID          int     `json:"id"`
	Email       string  `json:"email"`
	Username    string  `json:"username"`
	IsActive    bool    `json:"is_active"`
	IsSuperuser bool    `json:"is_superuser"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   *string `json:"updated_at"`
}

// Login never carries a stored credential: a stale one must not turn a wrong
// password into a session expiry.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var out LoginResponse
	if err := s.c.Post(client.WithoutCredential(ctx), LoginPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) Profile(ctx context.Context) (*UserInfo, error) {
	var out UserInfo
	if err := s.c.Get(ctx, ProfilePath, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*UserInfo, error) {
	var out UserInfo
	if err := s.c.Post(client.WithoutCredential(ctx), RegisterPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
