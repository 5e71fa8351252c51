package api

import (
	"context"
	"net/url"
	"strconv"
)

// TopicRequest asks for thesis topic recommendations.
type TopicRequest struct {
	UserInterests string `json:"user_interests"`
	AcademicField string `json:"academic_field"`
	AcademicLevel string `json:"academic_level,omitempty"`
	TopicCount    int    `json:"topic_count,omitempty"`
}

// Query encodes the request as query parameters, for the streaming endpoint.
func (r TopicRequest) Query() url.Values {
	q := url.Values{}
	q.Set("user_interests", r.UserInterests)
	q.Set("academic_field", r.AcademicField)
	if r.AcademicLevel != "" {
		q.Set("academic_level", r.AcademicLevel)
	}
	if r.TopicCount > 0 {
		q.Set("topic_count", strconv.Itoa(r.TopicCount))
	}
	return q
}

// Topic is one recommended thesis topic.
type Topic struct {
	Title            string   `json:"title"`
	ResearchQuestion string   `json:"research_question"`
	Feasibility      string   `json:"feasibility"`
	Innovation       string   `json:"innovation"`
	Methodology      string   `json:"methodology"`
	Resources        string   `json:"resources"`
	ExpectedOutcomes string   `json:"expected_outcomes"`
	Keywords         []string `json:"keywords"`
}

// InterestAnalysis is the interim analysis of the user's research interests.
type InterestAnalysis struct {
	KeyConcepts        []string `json:"key_concepts"`
	ResearchDirections []string `json:"research_directions"`
	RelatedFields      []string `json:"related_fields"`
	ResearchTrends     []string `json:"research_trends"`
	SuggestedKeywords  []string `json:"suggested_keywords"`
}

type TopicFeasibilityRequest struct {
	Topic         string `json:"topic"`
	AcademicField string `json:"academic_field"`
	AcademicLevel string `json:"academic_level,omitempty"`
}

type TopicFeasibilityResponse struct {
	Difficulty     string  `json:"difficulty"`
	Resources      string  `json:"resources"`
	TimeEstimate   string  `json:"time_estimate"`
	ResearchGaps   string  `json:"research_gaps"`
	Challenges     string  `json:"challenges"`
	Suggestions    string  `json:"suggestions"`
	OverallScore   float64 `json:"overall_score"`
	Recommendation string  `json:"recommendation"`
}

type TopicRefinementRequest struct {
	Topic         string `json:"topic"`
	Feedback      string `json:"feedback"`
	AcademicField string `json:"academic_field"`
	AcademicLevel string `json:"academic_level,omitempty"`
}

type TopicRefinementResponse struct {
	RefinedTitle     string   `json:"refined_title"`
	ResearchQuestion string   `json:"research_question"`
	Scope            string   `json:"scope"`
	Methodology      string   `json:"methodology"`
	Keywords         []string `json:"keywords"`
	Improvements     string   `json:"improvements"`
}

func (s *Service) RecommendTopics(ctx context.Context, req TopicRequest) ([]Topic, error) {
	var out []Topic
	if err := s.c.Post(ctx, "/topics/recommend", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) AnalyzeTopicFeasibility(ctx context.Context, req TopicFeasibilityRequest) (*TopicFeasibilityResponse, error) {
	var out TopicFeasibilityResponse
	if err := s.c.Post(ctx, "/topics/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) RefineTopic(ctx context.Context, req TopicRefinementRequest) (*TopicRefinementResponse, error) {
	var out TopicRefinementResponse
	if err := s.c.Post(ctx, "/topics/refine", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeInterests runs the interest analysis on its own, outside a stream.
func (s *Service) AnalyzeInterests(ctx context.Context, req TopicRequest) (*InterestAnalysis, error) {
	var out InterestAnalysis
	if err := s.c.Post(ctx, "/interests/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
