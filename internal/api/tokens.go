package api

import (
	"context"
	"net/url"
	"strconv"
)

// TokenUsageStatistics aggregates LLM token consumption.
type TokenUsageStatistics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
	Requests         int     `json:"requests"`
}

type TokenUsageRecord struct {
	Timestamp        string  `json:"timestamp"`
	Day              string  `json:"day"`
	Model            string  `json:"model"`
	Service          string  `json:"service"`
	Task             string  `json:"task"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

type TokenUsageSummary struct {
	TotalUsage    TokenUsageStatistics            `json:"total_usage"`
	ByModel       map[string]TokenUsageStatistics `json:"by_model"`
	ByService     map[string]TokenUsageStatistics `json:"by_service"`
	ByDay         map[string]TokenUsageStatistics `json:"by_day"`
	UptimeSeconds float64                         `json:"uptime_seconds"`
	UptimeHours   float64                         `json:"uptime_hours"`
}

type TokenUsageResponse struct {
	Summary       TokenUsageSummary  `json:"summary"`
	RecentRecords []TokenUsageRecord `json:"recent_records,omitempty"`
}

type TokenUsageExportResponse struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type TokenUsageResetResponse struct {
	Message         string            `json:"message"`
	PreviousSummary TokenUsageSummary `json:"previous_summary"`
}

func (s *Service) TokenUsage(ctx context.Context, includeRecent bool, recentLimit int) (*TokenUsageResponse, error) {
	q := url.Values{}
	if includeRecent {
		q.Set("include_recent", "true")
	}
	if recentLimit > 0 {
		q.Set("recent_limit", strconv.Itoa(recentLimit))
	}
	var out TokenUsageResponse
	if err := s.c.Get(ctx, "/tokens/usage", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) ExportTokenUsage(ctx context.Context, format string) (*TokenUsageExportResponse, error) {
	var out TokenUsageExportResponse
	if err := s.c.Post(ctx, "/tokens/export", map[string]string{"format": format}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) ResetTokenUsage(ctx context.Context) (*TokenUsageResetResponse, error) {
	var out TokenUsageResetResponse
	if err := s.c.Post(ctx, "/tokens/reset", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
