// Package api declares the backend's business endpoints as typed request and
// response shapes over the request pipeline. There is no logic here beyond
// choosing the path.
package api

import (
	"context"
	"net/url"
)

// Caller is the subset of the request pipeline the endpoints need.
type Caller interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body, out any) error
}

// Service groups the business endpoints.
type Service struct {
	c Caller
}

// NewService creates a Service over the request pipeline.
func NewService(c Caller) *Service {
	return &Service{c: c}
}
