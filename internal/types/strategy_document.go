package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StrategyDocument is the persisted canonical strategy. Rows exist only for
// jobs that reached completed; failed jobs keep their partial result on the
// job row itself.
type StrategyDocument struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	Document  datatypes.JSON `gorm:"type:jsonb;column:document;not null" json:"document"`
	Model     string         `gorm:"column:model" json:"model"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (StrategyDocument) TableName() string { return "strategy_document" }
