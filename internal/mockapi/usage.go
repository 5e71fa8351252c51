package mockapi

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/api"
)

// costPerToken is a flat synthetic price.
const costPerToken = 0.000002

// usageLedger records synthetic LLM usage for every generation served.
type usageLedger struct {
	mu      sync.Mutex
	started time.Time
	records []api.TokenUsageRecord
}

func newUsageLedger() *usageLedger {
	return &usageLedger{started: time.Now()}
}

func (l *usageLedger) record(task string, prompt, completion int) {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, api.TokenUsageRecord{
		Timestamp:        now.Format(time.RFC3339),
		Day:              now.Format("2006-01-02"),
		Model:            "mock-llm",
		Service:          "topics",
		Task:             task,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		EstimatedCost:    float64(prompt+completion) * costPerToken,
	})
}

func addUsage(m map[string]api.TokenUsageStatistics, key string, rec api.TokenUsageRecord) {
	st := m[key]
	st.PromptTokens += rec.PromptTokens
	st.CompletionTokens += rec.CompletionTokens
	st.TotalTokens += rec.TotalTokens
	st.EstimatedCost += rec.EstimatedCost
	st.Requests++
	m[key] = st
}

func (l *usageLedger) summaryLocked() api.TokenUsageSummary {
	sum := api.TokenUsageSummary{
		ByModel:   map[string]api.TokenUsageStatistics{},
		ByService: map[string]api.TokenUsageStatistics{},
		ByDay:     map[string]api.TokenUsageStatistics{},
	}
	for _, rec := range l.records {
		sum.TotalUsage.PromptTokens += rec.PromptTokens
		sum.TotalUsage.CompletionTokens += rec.CompletionTokens
		sum.TotalUsage.TotalTokens += rec.TotalTokens
		sum.TotalUsage.EstimatedCost += rec.EstimatedCost
		sum.TotalUsage.Requests++
		addUsage(sum.ByModel, rec.Model, rec)
		addUsage(sum.ByService, rec.Service, rec)
		addUsage(sum.ByDay, rec.Day, rec)
	}
	uptime := time.Since(l.started)
	sum.UptimeSeconds = uptime.Seconds()
	sum.UptimeHours = uptime.Hours()
	return sum
}

// TokenUsage handles GET /tokens/usage?include_recent=<bool>&recent_limit=<int>
func (s *Server) TokenUsage(w http.ResponseWriter, r *http.Request) {
	includeRecent := r.URL.Query().Get("include_recent") == "true"
	limit, err := strconv.Atoi(r.URL.Query().Get("recent_limit"))
	if err != nil || limit <= 0 {
		limit = 10
	}

	s.usage.mu.Lock()
	resp := api.TokenUsageResponse{Summary: s.usage.summaryLocked()}
	if includeRecent {
		recs := s.usage.records
		if len(recs) > limit {
			recs = recs[len(recs)-limit:]
		}
		resp.RecentRecords = append([]api.TokenUsageRecord(nil), recs...)
	}
	s.usage.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// ExportTokenUsage handles POST /tokens/export {"format": "json"|"csv"}
func (s *Server) ExportTokenUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format string `json:"format"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Format == "" {
		req.Format = "json"
	}

	s.usage.mu.Lock()
	recs := append([]api.TokenUsageRecord(nil), s.usage.records...)
	s.usage.mu.Unlock()

	var data string
	switch req.Format {
	case "json":
		payload, err := json.Marshal(recs)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, "export failed")
			return
		}
		data = string(payload)
	case "csv":
		var b strings.Builder
		cw := csv.NewWriter(&b)
		_ = cw.Write([]string{"timestamp", "model", "service", "task", "prompt_tokens", "completion_tokens", "total_tokens"})
		for _, rec := range recs {
			_ = cw.Write([]string{
				rec.Timestamp, rec.Model, rec.Service, rec.Task,
				strconv.Itoa(rec.PromptTokens), strconv.Itoa(rec.CompletionTokens), strconv.Itoa(rec.TotalTokens),
			})
		}
		cw.Flush()
		data = b.String()
	default:
		writeDetail(w, http.StatusBadRequest, "unsupported export format: "+req.Format)
		return
	}

	writeJSON(w, http.StatusOK, api.TokenUsageExportResponse{Data: data, Format: req.Format})
}

// ResetTokenUsage handles POST /tokens/reset
func (s *Server) ResetTokenUsage(w http.ResponseWriter, r *http.Request) {
	s.usage.mu.Lock()
	previous := s.usage.summaryLocked()
	s.usage.records = nil
	s.usage.started = time.Now()
	s.usage.mu.Unlock()

	log.Ctx(r.Context()).Info().Int("requests", previous.TotalUsage.Requests).Msg("token usage reset")
	writeJSON(w, http.StatusOK, api.TokenUsageResetResponse{
		Message:         "token usage statistics reset",
		PreviousSummary: previous,
	})
}
