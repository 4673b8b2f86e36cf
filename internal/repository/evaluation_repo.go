package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/dissertation-eval-api/internal/models"
)

// EvaluationFilter narrows outcome listings.
type EvaluationFilter struct {
	AuthorName string
	Limit      int
}

// EvaluationRepository persists completed evaluation outcomes.
type EvaluationRepository interface {
	Create(ctx context.Context, record *models.EvaluationRecord) error
	GetByID(ctx context.Context, id uint) (models.EvaluationRecord, error)
	List(ctx context.Context, filter EvaluationFilter) ([]models.EvaluationRecord, error)
}

type evaluationRepository struct {
	db *gorm.DB
}

// NewEvaluationRepository constructs an outcome repository backed by GORM.
func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &evaluationRepository{db: db}
}

func (r *evaluationRepository) Create(ctx context.Context, record *models.EvaluationRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *evaluationRepository) GetByID(ctx context.Context, id uint) (models.EvaluationRecord, error) {
	var record models.EvaluationRecord
	err := r.db.WithContext(ctx).
		Preload("Scores", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&record, id).Error
	if err != nil {
		return models.EvaluationRecord{}, err
	}
	return record, nil
}

func (r *evaluationRepository) List(ctx context.Context, filter EvaluationFilter) ([]models.EvaluationRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := r.db.WithContext(ctx).Model(&models.EvaluationRecord{})
	if filter.AuthorName != "" {
		query = query.Where("LOWER(author_name) LIKE LOWER(?)", "%"+filter.AuthorName+"%")
	}

	var records []models.EvaluationRecord
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
