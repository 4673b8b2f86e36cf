package service

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/models"
	"github.com/noah-isme/dissertation-eval-api/internal/repository"
	"github.com/noah-isme/dissertation-eval-api/pkg/ai"
)

// ErrEvaluationNotFound indicates the requested outcome does not exist.
var ErrEvaluationNotFound = errors.New("evaluation not found")

// OutcomeService stores completed outcomes and serves them back.
type OutcomeService interface {
	OutcomeRecorder
	List(ctx context.Context, query dto.EvaluationListQuery) ([]dto.EvaluationSummaryResponse, error)
	Get(ctx context.Context, id uint) (dto.EvaluationDetailResponse, error)
}

type outcomeService struct {
	repo      repository.EvaluationRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewOutcomeService constructs the outcome service.
func NewOutcomeService(repo repository.EvaluationRepository, validate *validator.Validate, logger zerolog.Logger) OutcomeService {
	return &outcomeService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "outcome_service").Logger(),
	}
}

func (s *outcomeService) Record(ctx context.Context, outcome EvaluationOutcome) error {
	record := models.EvaluationRecord{
		SessionID:      outcome.SessionID,
		AuthorName:     outcome.Name,
		Degree:         outcome.Degree,
		Topic:          outcome.Topic,
		TotalScore:     outcome.TotalScore,
		MaxScore:       ai.MaxCriterionScore * float64(len(outcome.Criteria)),
		ExpertFeedback: outcome.ExpertFeedback,
		Metadata: datatypes.JSONMap{
			"criteria": len(outcome.Criteria),
		},
		Scores: make([]models.CriterionScore, 0, len(outcome.Criteria)),
	}

	for position, criterion := range outcome.Criteria {
		record.Scores = append(record.Scores, models.CriterionScore{
			Position:  position,
			Criterion: criterion.Criterion,
			Score:     criterion.Result.Score,
			Feedback:  criterion.Result.Feedback,
		})
	}

	if err := s.repo.Create(ctx, &record); err != nil {
		return err
	}

	s.logger.Info().Uint("evaluation_id", record.ID).Str("session_id", outcome.SessionID).Msg("evaluation outcome stored")
	return nil
}

func (s *outcomeService) List(ctx context.Context, query dto.EvaluationListQuery) ([]dto.EvaluationSummaryResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	records, err := s.repo.List(ctx, repository.EvaluationFilter{AuthorName: query.Name, Limit: query.Limit})
	if err != nil {
		return nil, err
	}
	return dto.NewEvaluationSummaryResponseSlice(records), nil
}

func (s *outcomeService) Get(ctx context.Context, id uint) (dto.EvaluationDetailResponse, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationDetailResponse{}, ErrEvaluationNotFound
		}
		return dto.EvaluationDetailResponse{}, err
	}
	return dto.NewEvaluationDetailResponse(record), nil
}
