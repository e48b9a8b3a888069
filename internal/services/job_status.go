package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/contentpilot/strategy-backend/internal/clients/redis"
	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/repos"
	"github.com/contentpilot/strategy-backend/internal/types"
)

// JobSnapshot is the poll response for one job: everything a client needs to
// render progress, including the partial document built so far.
type JobSnapshot struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	CurrentStage int             `json:"current_stage"`
	ProgressPct  int             `json:"progress_pct"`
	Message      string          `json:"message"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SnapshotFromJob projects a job row into its poll shape.
func SnapshotFromJob(job *types.GenerationJob) JobSnapshot {
	snap := JobSnapshot{
		JobID:        job.ID.String(),
		Status:       job.Status,
		CurrentStage: job.Stage,
		ProgressPct:  job.Progress,
		Message:      job.Message,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if len(job.Result) > 0 {
		snap.Result = json.RawMessage(job.Result)
	}
	return snap
}

// JobStatusService answers poll requests, reading the snapshot cache when one
// is configured and falling back to the database. The cache has a single
// writer, the worker that owns the job; the poll path never writes it, so a
// poller's stale read can never overwrite a fresher worker mirror.
type JobStatusService struct {
	log     *logger.Logger
	jobRepo repos.GenerationJobRepo
	docRepo repos.StrategyDocumentRepo
	cache   redisclient.SnapshotCache // optional
}

func NewJobStatusService(
	log *logger.Logger,
	jobRepo repos.GenerationJobRepo,
	docRepo repos.StrategyDocumentRepo,
	cache redisclient.SnapshotCache,
) *JobStatusService {
	return &JobStatusService{
		log:     log.With("service", "job_status"),
		jobRepo: jobRepo,
		docRepo: docRepo,
		cache:   cache,
	}
}

// Get returns the current snapshot for a job. Unknown ids surface as
// repos.ErrNotFound.
func (s *JobStatusService) Get(ctx context.Context, id uuid.UUID) (JobSnapshot, error) {
	if s.cache != nil {
		var snap JobSnapshot
		hit, err := s.cache.Get(ctx, id.String(), &snap)
		if err != nil {
			s.log.Warn("snapshot cache read failed", "job_id", id.String(), "error", err)
		} else if hit {
			return snap, nil
		}
	}

	job, err := s.jobRepo.GetByID(ctx, nil, id)
	if err != nil {
		return JobSnapshot{}, err
	}
	return SnapshotFromJob(job), nil
}

// GetDocument returns the persisted strategy document for a completed job.
func (s *JobStatusService) GetDocument(ctx context.Context, jobID uuid.UUID) (*types.StrategyDocument, error) {
	return s.docRepo.GetByJobID(ctx, nil, jobID)
}
