package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/types"
)

func mustTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.GenerationJob{}, &types.StrategyDocument{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func TestGenerationJobCreateAndGet(t *testing.T) {
	repo := NewGenerationJobRepo(mustTestDB(t), mustTestLogger(t))
	ctx := context.Background()

	job := &types.GenerationJob{
		ID:      uuid.New(),
		Status:  types.JobStatusPending,
		Message: "Queued",
		Input:   datatypes.JSON(`{"business_name":"Juniper Coffee"}`),
	}
	if _, err := repo.Create(ctx, nil, []*types.GenerationJob{job}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.JobStatusPending || got.Message != "Queued" {
		t.Fatalf("unexpected job: %+v", got)
	}

	if _, err := repo.GetByID(ctx, nil, uuid.New()); err != ErrNotFound {
		t.Fatalf("unknown id: want ErrNotFound, got %v", err)
	}
}

func TestGenerationJobUpdateIfRunningLeavesTerminalJobsAlone(t *testing.T) {
	repo := NewGenerationJobRepo(mustTestDB(t), mustTestLogger(t))
	ctx := context.Background()

	running := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusRunning}
	failed := &types.GenerationJob{
		ID:     uuid.New(),
		Status: types.JobStatusFailed,
		Error:  "generation worker stopped responding",
	}
	if _, err := repo.Create(ctx, nil, []*types.GenerationJob{running, failed}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := repo.UpdateIfRunning(ctx, nil, running.ID, map[string]interface{}{
		"stage":    2,
		"progress": 25,
	})
	if err != nil || !ok {
		t.Fatalf("running job: want applied, got ok=%v err=%v", ok, err)
	}

	ok, err = repo.UpdateIfRunning(ctx, nil, failed.ID, map[string]interface{}{
		"status":   types.JobStatusCompleted,
		"progress": 100,
	})
	if err != nil {
		t.Fatalf("UpdateIfRunning on failed job: %v", err)
	}
	if ok {
		t.Fatalf("terminal job must not accept updates")
	}

	got, err := repo.GetByID(ctx, nil, failed.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.JobStatusFailed || got.Error == "" {
		t.Fatalf("terminal state was overwritten: %+v", got)
	}
}

func TestGenerationJobUpdateFields(t *testing.T) {
	repo := NewGenerationJobRepo(mustTestDB(t), mustTestLogger(t))
	ctx := context.Background()

	job := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusRunning}
	if _, err := repo.Create(ctx, nil, []*types.GenerationJob{job}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := repo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"stage":    3,
		"progress": 37,
		"message":  "Generated strategic insights",
	})
	if err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	got, err := repo.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Stage != 3 || got.Progress != 37 {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestFailStaleRunningLeavesTerminalJobsAlone(t *testing.T) {
	repo := NewGenerationJobRepo(mustTestDB(t), mustTestLogger(t))
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()

	stale := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusRunning, HeartbeatAt: &old}
	alive := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusRunning, HeartbeatAt: &fresh}
	done := &types.GenerationJob{ID: uuid.New(), Status: types.JobStatusCompleted, HeartbeatAt: &old}
	if _, err := repo.Create(ctx, nil, []*types.GenerationJob{stale, alive, done}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := repo.FailStaleRunning(ctx, nil, 2*time.Minute)
	if err != nil {
		t.Fatalf("FailStaleRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 stale job failed, got %d", n)
	}

	gotStale, _ := repo.GetByID(ctx, nil, stale.ID)
	if gotStale.Status != types.JobStatusFailed {
		t.Fatalf("stale job: want failed, got %s", gotStale.Status)
	}
	gotAlive, _ := repo.GetByID(ctx, nil, alive.ID)
	if gotAlive.Status != types.JobStatusRunning {
		t.Fatalf("alive job: want running, got %s", gotAlive.Status)
	}
	gotDone, _ := repo.GetByID(ctx, nil, done.ID)
	if gotDone.Status != types.JobStatusCompleted {
		t.Fatalf("completed job must stay completed, got %s", gotDone.Status)
	}
}
