package models

import (
	"time"

	"gorm.io/datatypes"
)

// EvaluationRecord stores the outcome of one completed evaluation session.
type EvaluationRecord struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	SessionID      string            `gorm:"size:64;index" json:"session_id"`
	AuthorName     string            `gorm:"size:512;index" json:"author_name"`
	Degree         string            `gorm:"size:512" json:"degree"`
	Topic          string            `gorm:"size:2048" json:"topic"`
	TotalScore     float64           `gorm:"not null" json:"total_score"`
	MaxScore       float64           `gorm:"not null" json:"max_score"`
	ExpertFeedback string            `gorm:"type:text" json:"expert_feedback"`
	Metadata       datatypes.JSONMap `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
	Scores         []CriterionScore  `gorm:"foreignKey:EvaluationID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"scores"`
}

// CriterionScore stores the score and analysis of one rubric criterion.
type CriterionScore struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	EvaluationID uint    `gorm:"index;not null" json:"evaluation_id"`
	Position     int     `gorm:"not null" json:"position"`
	Criterion    string  `gorm:"size:256;not null" json:"criterion"`
	Score        float64 `gorm:"not null" json:"score"`
	Feedback     string  `gorm:"type:text" json:"feedback"`
}
