package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const StageCount = 8

// GenerationJob is the durable progress record for one strategy generation
// run. It is mutated only by the worker that claimed it; pollers read it.
type GenerationJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"` // pending|running|completed|failed
	Stage       int            `gorm:"column:stage;not null;default:0" json:"stage"`
	Progress    int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Message     string         `gorm:"column:message" json:"message"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error       string         `gorm:"column:error" json:"error"`
	Input       datatypes.JSON `gorm:"type:jsonb;column:input" json:"input"`
	Result      datatypes.JSON `gorm:"type:jsonb;column:result" json:"result,omitempty"`
	Diagnostics datatypes.JSON `gorm:"type:jsonb;column:diagnostics" json:"-"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationJob) TableName() string { return "generation_job" }

// Terminal reports whether the job reached a state that must never change.
func (j *GenerationJob) Terminal() bool {
	return j != nil && (j.Status == JobStatusCompleted || j.Status == JobStatusFailed)
}
