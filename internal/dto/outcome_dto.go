package dto

import (
	"time"

	"github.com/noah-isme/dissertation-eval-api/internal/models"
)

// EvaluationListQuery filters stored outcomes.
type EvaluationListQuery struct {
	Name  string `query:"name" validate:"omitempty,max=512"`
	Limit int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// CriterionScoreResponse is one stored criterion result.
type CriterionScoreResponse struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
}

// EvaluationSummaryResponse is a stored outcome without criterion details.
type EvaluationSummaryResponse struct {
	ID         uint      `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Name       string    `json:"name"`
	Degree     string    `json:"degree"`
	Topic      string    `json:"topic"`
	TotalScore float64   `json:"total_score"`
	MaxScore   float64   `json:"max_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// EvaluationDetailResponse is a stored outcome with its criterion scores.
type EvaluationDetailResponse struct {
	EvaluationSummaryResponse
	ExpertFeedback string                   `json:"expert_feedback,omitempty"`
	Scores         []CriterionScoreResponse `json:"scores"`
}

// AdmissionStatusResponse reports slot usage.
type AdmissionStatusResponse struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// NewEvaluationSummaryResponse converts a model into a DTO.
func NewEvaluationSummaryResponse(record models.EvaluationRecord) EvaluationSummaryResponse {
	return EvaluationSummaryResponse{
		ID:         record.ID,
		SessionID:  record.SessionID,
		Name:       record.AuthorName,
		Degree:     record.Degree,
		Topic:      record.Topic,
		TotalScore: record.TotalScore,
		MaxScore:   record.MaxScore,
		CreatedAt:  record.CreatedAt,
	}
}

// NewEvaluationSummaryResponseSlice converts a slice of models into DTOs.
func NewEvaluationSummaryResponseSlice(records []models.EvaluationRecord) []EvaluationSummaryResponse {
	out := make([]EvaluationSummaryResponse, 0, len(records))
	for _, record := range records {
		out = append(out, NewEvaluationSummaryResponse(record))
	}
	return out
}

// NewEvaluationDetailResponse converts a model with its scores into a DTO.
func NewEvaluationDetailResponse(record models.EvaluationRecord) EvaluationDetailResponse {
	scores := make([]CriterionScoreResponse, 0, len(record.Scores))
	for _, score := range record.Scores {
		scores = append(scores, CriterionScoreResponse{
			Criterion: score.Criterion,
			Score:     score.Score,
			Feedback:  score.Feedback,
		})
	}

	return EvaluationDetailResponse{
		EvaluationSummaryResponse: NewEvaluationSummaryResponse(record),
		ExpertFeedback:            record.ExpertFeedback,
		Scores:                    scores,
	}
}
