package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/repos"
	"github.com/contentpilot/strategy-backend/internal/strategy"
	"github.com/contentpilot/strategy-backend/internal/types"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

// ---- fakes ----

type progressEvent struct {
	Stage    int
	Progress int
	Status   string
}

type fakeJobRepo struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*types.GenerationJob
	events     []progressEvent
	heartbeats int
	onGetByID  func()
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*types.GenerationJob{}}
}

func (r *fakeJobRepo) Create(ctx context.Context, tx *gorm.DB, jobs []*types.GenerationJob) ([]*types.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		cp := *j
		r.jobs[j.ID] = &cp
	}
	return jobs, nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationJob, error) {
	if r.onGetByID != nil {
		r.onGetByID()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, repos.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *fakeJobRepo) ClaimNextPending(ctx context.Context, tx *gorm.DB) (*types.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Status == types.JobStatusPending {
			j.Status = types.JobStatusRunning
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeJobRepo) apply(j *types.GenerationJob, updates map[string]interface{}) {
	if v, ok := updates["status"].(string); ok {
		j.Status = v
	}
	if v, ok := updates["stage"].(int); ok {
		j.Stage = v
	}
	if v, ok := updates["progress"].(int); ok {
		j.Progress = v
	}
	if v, ok := updates["message"].(string); ok {
		j.Message = v
	}
	if v, ok := updates["error"].(string); ok {
		j.Error = v
	}
	if v, ok := updates["result"].(datatypes.JSON); ok {
		j.Result = v
	}
	r.events = append(r.events, progressEvent{Stage: j.Stage, Progress: j.Progress, Status: j.Status})
}

func (r *fakeJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return repos.ErrNotFound
	}
	r.apply(j, updates)
	return nil
}

func (r *fakeJobRepo) UpdateIfRunning(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != types.JobStatusRunning {
		return false, nil
	}
	r.apply(j, updates)
	return true, nil
}

func (r *fakeJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *fakeJobRepo) FailStaleRunning(ctx context.Context, tx *gorm.DB, staleAfter time.Duration) (int64, error) {
	return 0, nil
}

type fakeDocRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*types.StrategyDocument
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{docs: map[uuid.UUID]*types.StrategyDocument{}}
}

func (r *fakeDocRepo) Create(ctx context.Context, tx *gorm.DB, docs []*types.StrategyDocument) ([]*types.StrategyDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		r.docs[d.JobID] = d
	}
	return docs, nil
}

func (r *fakeDocRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.StrategyDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[jobID]
	if !ok {
		return nil, repos.ErrNotFound
	}
	return d, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAI struct {
	mu      sync.Mutex
	clock   *fakeClock
	perCall time.Duration
	failFor map[string]error // schemaName -> permanent error
	calls   []string
	onCall  func(schemaName string) // runs inside GenerateJSON, before the reply
	onText  func()                  // runs inside GenerateText, before the reply
}

func stageIDForSchema(schemaName string) (int, bool) {
	for _, st := range strategy.Stages {
		if strategy.SchemaName(st) == schemaName {
			return st.ID, true
		}
	}
	return 0, false
}

func (f *fakeAI) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, schemaName)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(schemaName)
	}
	if f.clock != nil && f.perCall > 0 {
		f.clock.Advance(f.perCall)
	}
	if err, ok := f.failFor[schemaName]; ok {
		return nil, err
	}
	id, ok := stageIDForSchema(schemaName)
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", schemaName)
	}
	return strategy.DefaultsFor(id), nil
}

func (f *fakeAI) GenerateText(ctx context.Context, system, user string) (string, error) {
	if f.onText != nil {
		f.onText()
	}
	if f.clock != nil && f.perCall > 0 {
		f.clock.Advance(f.perCall)
	}
	return "An executive summary of the strategy.", nil
}

func (f *fakeAI) Model() string { return "fake-model" }

// ---- service wiring ----

func newTestService(t *testing.T, jr *fakeJobRepo, dr *fakeDocRepo, ai *fakeAI, clock *fakeClock) *StrategyGenerationService {
	t.Helper()
	return &StrategyGenerationService{
		log:           mustTestLogger(t),
		jobRepo:       jr,
		docRepo:       dr,
		ai:            ai,
		tickInterval:  time.Second,
		sweepInterval: 30 * time.Second,
		staleAfter:    2 * time.Minute,
		maxConcurrent: 1,
		jobTimeout:    10 * time.Minute,
		stageAttempts: 3,
		stageBackoff:  time.Millisecond,
		nowFn:         clock.Now,
		sleepFn:       func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func validPayload() map[string]any {
	return map[string]any{
		"business_name":   "Juniper Coffee",
		"industry":        "Specialty coffee",
		"target_audience": "Urban commuters",
		"goals":           []any{"Grow local awareness", "Launch a subscription"},
	}
}

func enqueueAndRun(t *testing.T, s *StrategyGenerationService, jr *fakeJobRepo) *types.GenerationJob {
	t.Helper()
	job, err := s.Enqueue(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := jr.ClaimNextPending(context.Background(), nil)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextPending: job=%v err=%v", claimed, err)
	}
	s.processJob(context.Background(), claimed)
	got, err := jr.GetByID(context.Background(), nil, job.ID)
	if err != nil {
		t.Fatalf("GetByID after run: %v", err)
	}
	return got
}

// ---- tests ----

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := newTestService(t, newFakeJobRepo(), newFakeDocRepo(), &fakeAI{}, clock)

	_, err := s.Enqueue(context.Background(), map[string]any{
		"business_name": "  ",
		"industry":      "Coffee",
		"goals":         []any{},
	})
	var vErr *InputValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want InputValidationError, got %v", err)
	}
	want := map[string]bool{"business_name": true, "target_audience": true, "goals": true}
	for _, f := range vErr.Fields {
		if !want[f] {
			t.Fatalf("unexpected field %q in %v", f, vErr.Fields)
		}
		delete(want, f)
	}
	if len(want) != 0 {
		t.Fatalf("missing fields in validation error: %v (got %v)", want, vErr.Fields)
	}
}

func TestProcessJobHappyPath(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	jr := newFakeJobRepo()
	dr := newFakeDocRepo()
	ai := &fakeAI{clock: clock, perCall: time.Second}
	s := newTestService(t, jr, dr, ai, clock)

	job := enqueueAndRun(t, s, jr)

	if job.Status != types.JobStatusCompleted {
		t.Fatalf("status: want completed, got %s (error=%q)", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Fatalf("progress: want 100, got %d", job.Progress)
	}

	wantProgress := []int{12, 25, 37, 50, 62, 75, 87, 100}
	var gotProgress []int
	for _, ev := range jr.events {
		gotProgress = append(gotProgress, ev.Progress)
	}
	if len(gotProgress) != len(wantProgress) {
		t.Fatalf("progress transitions: want %v, got %v", wantProgress, gotProgress)
	}
	for i := range wantProgress {
		if gotProgress[i] != wantProgress[i] {
			t.Fatalf("progress transitions: want %v, got %v", wantProgress, gotProgress)
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(job.Result, &doc); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(doc) != 6 {
		t.Fatalf("final document: want 6 sections, got %d", len(doc))
	}
	comp := doc["competitive_analysis"].(map[string]any)
	competitors := comp["competitors"].([]any)
	if len(competitors) < 3 || len(competitors) > 5 {
		t.Fatalf("competitors: %d items outside bounds", len(competitors))
	}
	for i, c := range competitors {
		item := c.(map[string]any)
		if name, _ := item["name"].(string); name == "" {
			t.Fatalf("competitors[%d]: empty name", i)
		}
	}
	meta := doc["metadata"].(map[string]any)
	if meta["summary"] != "An executive summary of the strategy." {
		t.Fatalf("summary: got %v", meta["summary"])
	}

	if _, err := dr.GetByJobID(context.Background(), nil, job.ID); err != nil {
		t.Fatalf("strategy document must be persisted: %v", err)
	}

	// One liveness marker per provider call: seven stage attempts plus the
	// summary call.
	if jr.heartbeats != len(ai.calls)+1 {
		t.Fatalf("heartbeats: want %d, got %d", len(ai.calls)+1, jr.heartbeats)
	}
}

func TestProcessJobStageFailureDegradesSection(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	jr := newFakeJobRepo()
	dr := newFakeDocRepo()
	ai := &fakeAI{
		clock:   clock,
		perCall: time.Second,
		failFor: map[string]error{"strategy_performance_predictions": errors.New("model refused")},
	}
	s := newTestService(t, jr, dr, ai, clock)

	job := enqueueAndRun(t, s, jr)

	if job.Status != types.JobStatusCompleted {
		t.Fatalf("a failing stage must not fail the job: status=%s error=%q", job.Status, job.Error)
	}

	var doc map[string]any
	if err := json.Unmarshal(job.Result, &doc); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	preds, ok := doc["performance_predictions"].(map[string]any)
	if !ok {
		t.Fatalf("performance_predictions section missing from degraded document")
	}
	if preds["expected_reach"] == "" {
		t.Fatalf("degraded section must carry defaults")
	}

	meta := doc["metadata"].(map[string]any)
	degraded := meta["degraded_sections"].([]any)
	found := false
	for _, d := range degraded {
		if d == "performance_predictions" {
			found = true
		}
	}
	if !found {
		t.Fatalf("degraded_sections must name performance_predictions, got %v", degraded)
	}
}

func TestProcessJobSkipsRetryForPermanentErrors(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	jr := newFakeJobRepo()
	dr := newFakeDocRepo()
	ai := &fakeAI{
		clock:   clock,
		perCall: time.Second,
		failFor: map[string]error{"strategy_consolidate": errors.New("permanent schema error")},
	}
	s := newTestService(t, jr, dr, ai, clock)

	enqueueAndRun(t, s, jr)

	// Non-retryable errors must not burn the remaining attempts.
	count := 0
	for _, c := range ai.calls {
		if c == "strategy_consolidate" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("non-retryable stage error: want 1 attempt, got %d", count)
	}
}

func TestProcessJobEnforcesOverallTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	jr := newFakeJobRepo()
	dr := newFakeDocRepo()
	// 150s per provider call against a 10 minute budget: the deadline passes
	// after the fifth stage completes.
	ai := &fakeAI{clock: clock, perCall: 150 * time.Second}
	s := newTestService(t, jr, dr, ai, clock)

	job := enqueueAndRun(t, s, jr)

	if job.Status != types.JobStatusFailed {
		t.Fatalf("status: want failed, got %s", job.Status)
	}
	if job.Error == "" {
		t.Fatalf("timed out job must carry an error message")
	}

	var doc map[string]any
	if err := json.Unmarshal(job.Result, &doc); err != nil {
		t.Fatalf("decode partial result: %v", err)
	}
	if _, ok := doc["performance_predictions"]; !ok {
		t.Fatalf("partial result must keep completed sections, got %v", doc)
	}
	if _, ok := doc["implementation_roadmap"]; ok {
		t.Fatalf("partial result must not include sections past the deadline")
	}

	if _, err := dr.GetByJobID(context.Background(), nil, job.ID); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("no strategy document may be persisted for a failed job")
	}
}

func TestProcessJobAbandonsRunAfterSweeperFailsJob(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	jr := newFakeJobRepo()
	dr := newFakeDocRepo()
	ai := &fakeAI{}
	s := newTestService(t, jr, dr, ai, clock)

	job, err := s.Enqueue(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := jr.ClaimNextPending(context.Background(), nil)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextPending: job=%v err=%v", claimed, err)
	}

	// The sweeper fires while stage four's provider call is in flight.
	swept := strategy.SchemaName(strategy.Stages[3])
	ai.onCall = func(schemaName string) {
		if schemaName != swept {
			return
		}
		jr.mu.Lock()
		row := jr.jobs[job.ID]
		row.Status = types.JobStatusFailed
		row.Error = "generation worker stopped responding"
		row.Message = "Generation was interrupted"
		jr.mu.Unlock()
	}

	s.processJob(context.Background(), claimed)

	got, err := jr.GetByID(context.Background(), nil, job.ID)
	if err != nil {
		t.Fatalf("GetByID after run: %v", err)
	}
	if got.Status != types.JobStatusFailed {
		t.Fatalf("status: want failed, got %s", got.Status)
	}
	if got.Error != "generation worker stopped responding" {
		t.Fatalf("the sweeper's failure state must win, got error %q", got.Error)
	}
	if len(ai.calls) != 4 {
		t.Fatalf("run must stop after the interrupted stage: want 4 provider calls, got %d", len(ai.calls))
	}
	if _, err := dr.GetByJobID(context.Background(), nil, job.ID); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("no strategy document may be persisted for a failed job")
	}
}

func TestDiagnosticsTruncationKeepsRuneBoundaries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := newTestService(t, newFakeJobRepo(), newFakeDocRepo(), &fakeAI{}, clock)

	// Multi-byte content long enough to force the stored raw output past the
	// truncation limit at an arbitrary byte offset.
	big := strings.Repeat("戦略", 2000)
	results := map[int]*strategy.StageResult{
		strategy.StageConsolidate: {
			StageID: strategy.StageConsolidate,
			Raw:     map[string]any{"notes": big},
		},
	}

	var diag map[string]map[string]any
	if err := json.Unmarshal(s.diagnostics(results), &diag); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	entry, ok := diag[strategy.Stages[0].Name]
	if !ok {
		t.Fatalf("diagnostics missing stage entry: %v", diag)
	}
	raw, _ := entry["raw"].(string)
	if raw == "" {
		t.Fatalf("diagnostics entry has no raw output")
	}
	if len(raw) > rawOutputDiagnosticLimit {
		t.Fatalf("raw output not truncated: %d bytes", len(raw))
	}
	// A cut inside a rune surfaces as U+FFFD after the JSON round trip.
	if strings.ContainsRune(raw, utf8.RuneError) {
		t.Fatalf("truncation split a rune")
	}
}

func TestFinishJobDiscardsDocumentWhenJobAlreadyFailed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	jr := newFakeJobRepo()
	dr := newFakeDocRepo()
	ai := &fakeAI{}
	s := newTestService(t, jr, dr, ai, clock)

	job, err := s.Enqueue(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := jr.ClaimNextPending(context.Background(), nil)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextPending: job=%v err=%v", claimed, err)
	}

	// The sweeper fires during the final summary call, after every section
	// stage has already committed its progress.
	ai.onText = func() {
		jr.mu.Lock()
		row := jr.jobs[job.ID]
		row.Status = types.JobStatusFailed
		row.Error = "generation worker stopped responding"
		row.Message = "Generation was interrupted"
		jr.mu.Unlock()
	}

	s.processJob(context.Background(), claimed)

	got, err := jr.GetByID(context.Background(), nil, job.ID)
	if err != nil {
		t.Fatalf("GetByID after run: %v", err)
	}
	if got.Status != types.JobStatusFailed {
		t.Fatalf("a job failed mid-run must stay failed, got %s", got.Status)
	}
	if got.Progress == 100 {
		t.Fatalf("completion progress must not be written over a failed job")
	}
	if _, err := dr.GetByJobID(context.Background(), nil, job.ID); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("compiled document must be discarded when the job is no longer running")
	}
}
