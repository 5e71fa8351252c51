package mockapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/api"
)

const (
	defaultTopicCount = 3
	maxTopicCount     = 10
)

// frame is one stream event as the backend emits it.
type frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func topicRequestFromQuery(r *http.Request) (api.TopicRequest, []validationIssue) {
	q := r.URL.Query()
	req := api.TopicRequest{
		UserInterests: strings.TrimSpace(q.Get("user_interests")),
		AcademicField: strings.TrimSpace(q.Get("academic_field")),
		AcademicLevel: q.Get("academic_level"),
		TopicCount:    defaultTopicCount,
	}
	if n, err := strconv.Atoi(q.Get("topic_count")); err == nil {
		req.TopicCount = n
	}
	return req, validateTopicRequest(req)
}

func validateTopicRequest(req api.TopicRequest) []validationIssue {
	var issues []validationIssue
	if req.UserInterests == "" {
		issues = append(issues, validationIssue{Loc: []string{"query", "user_interests"}, Msg: "user_interests is required", Type: "missing"})
	}
	if req.AcademicField == "" {
		issues = append(issues, validationIssue{Loc: []string{"query", "academic_field"}, Msg: "academic_field is required", Type: "missing"})
	}
	if req.TopicCount < 1 || req.TopicCount > maxTopicCount {
		issues = append(issues, validationIssue{Loc: []string{"query", "topic_count"}, Msg: fmt.Sprintf("topic_count must be between 1 and %d", maxTopicCount), Type: "value_error"})
	}
	return issues
}

// analyzeInterests derives a deterministic analysis from the free-text interests.
func analyzeInterests(req api.TopicRequest) api.InterestAnalysis {
	concepts := strings.FieldsFunc(req.UserInterests, func(r rune) bool {
		return r == ',' || r == ';'
	})
	for i := range concepts {
		concepts[i] = strings.TrimSpace(concepts[i])
	}
	if len(concepts) == 0 {
		concepts = []string{req.UserInterests}
	}

	analysis := api.InterestAnalysis{
		KeyConcepts:   concepts,
		RelatedFields: []string{req.AcademicField},
	}
	for _, c := range concepts {
		analysis.ResearchDirections = append(analysis.ResearchDirections, c+" in "+req.AcademicField)
		analysis.ResearchTrends = append(analysis.ResearchTrends, "applied "+c)
		analysis.SuggestedKeywords = append(analysis.SuggestedKeywords, strings.ToLower(c))
	}
	return analysis
}

func generateTopics(req api.TopicRequest, analysis api.InterestAnalysis) []api.Topic {
	topics := make([]api.Topic, 0, req.TopicCount)
	for i := 0; i < req.TopicCount; i++ {
		concept := analysis.KeyConcepts[i%len(analysis.KeyConcepts)]
		topics = append(topics, api.Topic{
			Title:            fmt.Sprintf("%s for %s: direction %d", concept, req.AcademicField, i+1),
			ResearchQuestion: fmt.Sprintf("How can %s advance current practice in %s?", concept, req.AcademicField),
			Feasibility:      "medium",
			Innovation:       "combines " + concept + " with established methods",
			Methodology:      "literature review, prototype, empirical evaluation",
			Resources:        "public datasets, open-source tooling",
			ExpectedOutcomes: "a validated approach and an evaluation report",
			Keywords:         analysis.SuggestedKeywords,
		})
	}
	return topics
}

// topicFrames is the event sequence of one generation run. With fail set the
// run ends in an error event instead of completion; with malformed set an
// undecodable frame is slipped in after the first status.
func topicFrames(req api.TopicRequest, fail, malformed bool) [][]byte {
	analysis := analyzeInterests(req)

	frames := []frame{{Type: "status", Message: "analyzing research interests"}}
	frames = append(frames, frame{Type: "interest_analysis", Data: analysis})

	if fail {
		frames = append(frames, frame{Type: "error", Message: "generation failed: model overloaded"})
	} else {
		frames = append(frames, frame{Type: "status", Message: "generating topics"})
		for _, t := range generateTopics(req, analysis) {
			frames = append(frames, frame{Type: "topic", Data: t})
		}
		frames = append(frames, frame{Type: "complete", Message: fmt.Sprintf("generated %d topics", req.TopicCount)})
	}

	out := make([][]byte, 0, len(frames)+1)
	for i, f := range frames {
		payload, _ := json.Marshal(f)
		out = append(out, payload)
		if i == 0 && malformed {
			out = append(out, []byte(`{"type": "topic", "data": {`))
		}
	}
	return out
}

// StreamTopics handles GET /topics/recommend/stream?token=<jwt>&user_interests=...
// Serves Server-Sent Events, or WebSocket text messages when the request asks
// for an upgrade. Both carry the same JSON frames.
func (s *Server) StreamTopics(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	claims, err := s.verifyToken(r.URL.Query().Get("token"))
	if err != nil {
		logger.Info().Err(err).Msg("stream rejected")
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	req, issues := topicRequestFromQuery(r)
	if len(issues) > 0 {
		writeValidation(w, issues...)
		return
	}

	q := r.URL.Query()
	frames := topicFrames(req, q.Get("simulate_error") == "true", q.Get("inject_malformed") == "true")

	sessionLogger := logger.With().Str("username", claims.Subject).Int("frames", len(frames)).Logger()

	if q.Get("simulate_error") != "true" {
		s.usage.record("topic_stream", 40*len(req.UserInterests), 250*req.TopicCount)
	}

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.streamWebSocket(w, r, frames, &sessionLogger)
	} else {
		s.streamSSE(w, r, frames, &sessionLogger)
	}
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, frames [][]byte, logger *zerolog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Info().Msg("sse stream started")
	for _, f := range frames {
		if !s.pause(r.Context()) {
			logger.Info().Msg("client went away")
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", f); err != nil {
			logger.Warn().Err(err).Msg("sse write failed")
			return
		}
		flusher.Flush()
	}
	logger.Info().Msg("sse stream finished")
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request, frames [][]byte, logger *zerolog.Logger) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// Reads from the client only matter for noticing its close.
	ctx := conn.CloseRead(r.Context())

	logger.Info().Msg("websocket stream started")
	for _, f := range frames {
		if !s.pause(ctx) {
			logger.Info().Msg("client went away")
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, f)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("websocket write failed")
			return
		}
	}
	logger.Info().Msg("websocket stream finished")
}

// pause sleeps FrameDelay, reporting false if ctx ends first.
func (s *Server) pause(ctx context.Context) bool {
	if s.frameDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.frameDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RecommendTopics handles POST /topics/recommend
func (s *Server) RecommendTopics(w http.ResponseWriter, r *http.Request) {
	var req api.TopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TopicCount == 0 {
		req.TopicCount = defaultTopicCount
	}
	if issues := validateTopicRequest(req); len(issues) > 0 {
		writeValidation(w, issues...)
		return
	}

	topics := generateTopics(req, analyzeInterests(req))
	s.usage.record("topic_recommend", 40*len(req.UserInterests), 250*req.TopicCount)
	writeJSON(w, http.StatusOK, topics)
}

// AnalyzeInterests handles POST /interests/analyze
func (s *Server) AnalyzeInterests(w http.ResponseWriter, r *http.Request) {
	var req api.TopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.TopicCount = defaultTopicCount
	if issues := validateTopicRequest(req); len(issues) > 0 {
		writeValidation(w, issues...)
		return
	}

	s.usage.record("interest_analysis", 40*len(req.UserInterests), 120)
	writeJSON(w, http.StatusOK, analyzeInterests(req))
}
