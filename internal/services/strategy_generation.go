package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/contentpilot/strategy-backend/internal/clients/openai"
	redisclient "github.com/contentpilot/strategy-backend/internal/clients/redis"
	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/observability"
	"github.com/contentpilot/strategy-backend/internal/repos"
	"github.com/contentpilot/strategy-backend/internal/strategy"
	"github.com/contentpilot/strategy-backend/internal/types"
	"github.com/contentpilot/strategy-backend/internal/utils"
)

// InputValidationError reports which payload fields failed validation.
type InputValidationError struct {
	Fields []string
}

func (e *InputValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Fields, ", ")
}

const rawOutputDiagnosticLimit = 4000

// errJobNotRunning means another writer (the stale sweeper) already moved the
// job to a terminal state; the run must stop without touching the row again.
var errJobNotRunning = errors.New("job no longer running")

// StrategyGenerationService owns the generation pipeline: it enqueues jobs
// and runs the worker loop that claims them and drives the eight stages.
type StrategyGenerationService struct {
	log     *logger.Logger
	jobRepo repos.GenerationJobRepo
	docRepo repos.StrategyDocumentRepo
	ai      openai.Client
	cache   redisclient.SnapshotCache // optional

	tickInterval  time.Duration
	sweepInterval time.Duration
	staleAfter    time.Duration
	maxConcurrent int64
	jobTimeout    time.Duration
	stageAttempts int
	stageBackoff  time.Duration

	// Overridden in tests for deterministic time and instant backoff.
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewStrategyGenerationService(
	log *logger.Logger,
	jobRepo repos.GenerationJobRepo,
	docRepo repos.StrategyDocumentRepo,
	ai openai.Client,
	cache redisclient.SnapshotCache,
) *StrategyGenerationService {
	svcLog := log.With("service", "strategy_generation")
	return &StrategyGenerationService{
		log:           svcLog,
		jobRepo:       jobRepo,
		docRepo:       docRepo,
		ai:            ai,
		cache:         cache,
		tickInterval:  time.Second,
		sweepInterval: 30 * time.Second,
		// Must exceed the longest single provider call (OPENAI_TIMEOUT_SECONDS,
		// default 120s): the heartbeat is refreshed per attempt, not mid-call.
		staleAfter:    time.Duration(utils.GetEnvAsInt("JOB_STALE_SECONDS", 300, svcLog)) * time.Second,
		maxConcurrent: int64(utils.GetEnvAsInt("MAX_CONCURRENT_JOBS", 4, svcLog)),
		jobTimeout:    time.Duration(utils.GetEnvAsInt("JOB_TIMEOUT_SECONDS", 600, svcLog)) * time.Second,
		stageAttempts: utils.GetEnvAsInt("STAGE_MAX_ATTEMPTS", 3, svcLog),
		stageBackoff:  2 * time.Second,
		nowFn:         time.Now,
		sleepFn:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue validates the payload and creates a pending job for the worker.
func (s *StrategyGenerationService) Enqueue(ctx context.Context, input map[string]any) (*types.GenerationJob, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	job := &types.GenerationJob{
		ID:       uuid.New(),
		Status:   types.JobStatusPending,
		Stage:    0,
		Progress: 0,
		Message:  "Queued",
		Input:    datatypes.JSON(raw),
	}
	if _, err := s.jobRepo.Create(ctx, nil, []*types.GenerationJob{job}); err != nil {
		return nil, err
	}
	s.log.Info("job enqueued", "job_id", job.ID.String())
	return job, nil
}

func validateInput(input map[string]any) error {
	var bad []string
	for _, key := range []string{"business_name", "industry", "target_audience"} {
		s, _ := input[key].(string)
		if strings.TrimSpace(s) == "" {
			bad = append(bad, key)
		}
	}
	goals, ok := input["goals"].([]any)
	if !ok || len(goals) == 0 {
		bad = append(bad, "goals")
	} else {
		empty := true
		for _, g := range goals {
			if s, ok := g.(string); ok && strings.TrimSpace(s) != "" {
				empty = false
				break
			}
		}
		if empty {
			bad = append(bad, "goals")
		}
	}
	if len(bad) > 0 {
		return &InputValidationError{Fields: bad}
	}
	return nil
}

// StartWorker launches the claim loop and the stale-job sweeper. Both stop
// when ctx is cancelled.
func (s *StrategyGenerationService) StartWorker(ctx context.Context) {
	sem := semaphore.NewWeighted(s.maxConcurrent)

	go func() {
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.claimAndRun(ctx, sem)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.jobRepo.FailStaleRunning(ctx, nil, s.staleAfter)
				if err != nil {
					s.log.Warn("stale sweep failed", "error", err)
				} else if n > 0 {
					s.log.Warn("failed stale running jobs", "count", n)
				}
			}
		}
	}()
}

func (s *StrategyGenerationService) claimAndRun(ctx context.Context, sem *semaphore.Weighted) {
	for {
		if !sem.TryAcquire(1) {
			return
		}
		job, err := s.jobRepo.ClaimNextPending(ctx, nil)
		if err != nil {
			sem.Release(1)
			s.log.Warn("claim failed", "error", err)
			return
		}
		if job == nil {
			sem.Release(1)
			return
		}
		job.Status = types.JobStatusRunning
		go func(job *types.GenerationJob) {
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("job panicked", "job_id", job.ID.String(), "panic", fmt.Sprint(r))
					s.failJob(ctx, job.ID, nil, nil, "internal error during generation")
				}
			}()
			s.processJob(ctx, job)
		}(job)
	}
}

// processJob drives all eight stages for one claimed job.
func (s *StrategyGenerationService) processJob(ctx context.Context, job *types.GenerationJob) {
	ctx, span := observability.Tracer().Start(ctx, "strategy.generate")
	span.SetAttributes(attribute.String("job.id", job.ID.String()))
	defer span.End()

	log := s.log.With("job_id", job.ID.String())
	log.Info("job started")

	var input map[string]any
	if err := json.Unmarshal(job.Input, &input); err != nil {
		s.failJob(ctx, job.ID, nil, nil, "stored input payload is unreadable")
		return
	}

	sc := strategy.NewStageContext(input)
	results := map[int]*strategy.StageResult{}
	deadline := s.nowFn().Add(s.jobTimeout)

	for _, st := range strategy.Stages {
		if s.nowFn().After(deadline) {
			log.Warn("job exceeded time budget", "stage", st.Name)
			s.failJob(ctx, job.ID, sc, results, "generation exceeded the overall time budget")
			return
		}
		if ctx.Err() != nil {
			s.failJob(ctx, job.ID, sc, results, "generation was interrupted")
			return
		}

		if st.ID == strategy.StageCompile {
			s.finishJob(ctx, log, job, sc, results)
			return
		}

		res := s.runStage(ctx, log, job.ID, st, sc)
		results[st.ID] = res
		sc.Apply(st.ID, res.Normalized)

		if err := s.recordProgress(ctx, job, st, sc); err != nil {
			if errors.Is(err, errJobNotRunning) {
				log.Warn("job was failed by the sweeper, abandoning run", "stage", st.Name)
				return
			}
			log.Warn("progress update failed", "stage", st.Name, "error", err)
		}
	}
}

// runStage makes up to stageAttempts provider calls, shedding prompt context
// on the last one, and falls back to stage defaults when all attempts fail.
func (s *StrategyGenerationService) runStage(ctx context.Context, log *logger.Logger, jobID uuid.UUID, st strategy.Stage, sc *strategy.StageContext) *strategy.StageResult {
	var raw map[string]any
	var lastErr error

	for attempt := 1; attempt <= s.stageAttempts; attempt++ {
		// Keep the row alive for the sweeper while provider calls run long.
		if err := s.jobRepo.Heartbeat(ctx, nil, jobID); err != nil {
			log.Warn("heartbeat failed", "stage", st.Name, "error", err)
		}
		reduced := attempt == s.stageAttempts
		system, user := strategy.BuildPrompt(st, sc, reduced)

		out, err := s.ai.GenerateJSON(ctx, system, user, strategy.SchemaName(st), strategy.ProviderSchema(st.ID))
		if err == nil {
			raw = out
			break
		}
		lastErr = err
		log.Warn("stage attempt failed", "stage", st.Name, "attempt", attempt, "error", err)
		if !openai.IsRetryable(err) || attempt == s.stageAttempts {
			break
		}
		backoff := s.stageBackoff * time.Duration(1<<(attempt-1))
		if err := s.sleepFn(ctx, backoff); err != nil {
			break
		}
	}

	if raw == nil {
		log.Warn("stage exhausted attempts, using defaults", "stage", st.Name, "error", lastErr)
		return &strategy.StageResult{
			StageID:    st.ID,
			Normalized: strategy.DefaultsFor(st.ID),
			Degraded:   true,
			Warnings:   []string{fmt.Sprintf("%s generation failed; using defaults", st.Name)},
		}
	}

	normalized, warnings, degraded := strategy.Normalize(st.ID, raw)
	return &strategy.StageResult{
		StageID:    st.ID,
		Raw:        raw,
		Normalized: normalized,
		Degraded:   degraded,
		Warnings:   warnings,
	}
}

// finishJob runs the compile stage: one summary call, deterministic assembly,
// validation gate, then the terminal transition and document persistence.
func (s *StrategyGenerationService) finishJob(ctx context.Context, log *logger.Logger, job *types.GenerationJob, sc *strategy.StageContext, results map[int]*strategy.StageResult) {
	st := strategy.Stages[len(strategy.Stages)-1]

	summary := s.generateSummary(ctx, log, job.ID, st, sc)
	doc := strategy.Compile(sc, results, s.ai.Model(), summary, s.nowFn())

	rawDoc, err := json.Marshal(doc)
	if err != nil {
		s.failJob(ctx, job.ID, sc, results, "compiled document could not be encoded")
		return
	}

	if err := strategy.ValidateCanonical(doc); err != nil {
		log.Error("compiled document failed validation", "error", err)
		now := s.nowFn()
		s.update(ctx, job, map[string]interface{}{
			"status":       types.JobStatusFailed,
			"error":        "generated strategy failed final validation",
			"message":      "Generation failed",
			"result":       datatypes.JSON(rawDoc),
			"diagnostics":  s.diagnostics(results),
			"finished_at":  &now,
			"heartbeat_at": &now,
		})
		return
	}

	// The terminal transition comes first so a job the sweeper already failed
	// can never be flipped back, and no document is ever persisted for it.
	now := s.nowFn()
	if !s.update(ctx, job, map[string]interface{}{
		"status":       types.JobStatusCompleted,
		"stage":        st.ID,
		"progress":     strategy.ProgressFor(st.ID),
		"message":      st.Message,
		"result":       datatypes.JSON(rawDoc),
		"diagnostics":  s.diagnostics(results),
		"finished_at":  &now,
		"heartbeat_at": &now,
	}) {
		log.Warn("job was failed by the sweeper, discarding compiled document")
		return
	}

	if _, err := s.docRepo.Create(ctx, nil, []*types.StrategyDocument{{
		ID:       uuid.New(),
		JobID:    job.ID,
		Document: datatypes.JSON(rawDoc),
		Model:    s.ai.Model(),
	}}); err != nil {
		// The full document is already on the job row; the dedicated read of
		// the document table is degraded until backfilled.
		log.Error("document persistence failed", "error", err)
	}
	log.Info("job completed")
}

func (s *StrategyGenerationService) generateSummary(ctx context.Context, log *logger.Logger, jobID uuid.UUID, st strategy.Stage, sc *strategy.StageContext) string {
	fallback, _ := strategy.DefaultsFor(strategy.StageCompile)["summary"].(string)

	for attempt := 1; attempt <= s.stageAttempts; attempt++ {
		// The summary call can run as long as any stage call; keep the
		// liveness marker fresh so the sweeper does not mistake it for a hang.
		if err := s.jobRepo.Heartbeat(ctx, nil, jobID); err != nil {
			log.Warn("heartbeat failed", "error", err)
		}
		system, user := strategy.BuildPrompt(st, sc, attempt == s.stageAttempts)
		text, err := s.ai.GenerateText(ctx, system, user)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			log.Warn("summary attempt failed", "attempt", attempt, "error", err)
			if !openai.IsRetryable(err) {
				break
			}
		}
		if attempt < s.stageAttempts {
			if sErr := s.sleepFn(ctx, s.stageBackoff*time.Duration(1<<(attempt-1))); sErr != nil {
				break
			}
		}
	}
	return fallback
}

// recordProgress writes the post-stage transition: stage, derived progress,
// message, the partial document, and a heartbeat. It also mirrors the
// snapshot into the cache for pollers.
func (s *StrategyGenerationService) recordProgress(ctx context.Context, job *types.GenerationJob, st strategy.Stage, sc *strategy.StageContext) error {
	partial, err := json.Marshal(strategy.PartialDocument(sc))
	if err != nil {
		return err
	}
	now := s.nowFn()
	updates := map[string]interface{}{
		"stage":        st.ID,
		"progress":     strategy.ProgressFor(st.ID),
		"message":      st.Message,
		"result":       datatypes.JSON(partial),
		"heartbeat_at": &now,
	}
	ok, err := s.jobRepo.UpdateIfRunning(ctx, nil, job.ID, updates)
	if err != nil {
		return err
	}
	if !ok {
		return errJobNotRunning
	}

	job.Stage = st.ID
	job.Progress = strategy.ProgressFor(st.ID)
	job.Message = st.Message
	job.Result = datatypes.JSON(partial)
	job.UpdatedAt = now
	s.mirrorSnapshot(ctx, job)
	return nil
}

func (s *StrategyGenerationService) failJob(ctx context.Context, id uuid.UUID, sc *strategy.StageContext, results map[int]*strategy.StageResult, msg string) {
	now := s.nowFn()
	updates := map[string]interface{}{
		"status":        types.JobStatusFailed,
		"error":         msg,
		"message":       "Generation failed",
		"finished_at":   &now,
		"last_error_at": &now,
	}
	if sc != nil {
		if partial, err := json.Marshal(strategy.PartialDocument(sc)); err == nil {
			updates["result"] = datatypes.JSON(partial)
		}
	}
	if results != nil {
		updates["diagnostics"] = s.diagnostics(results)
	}
	ok, err := s.jobRepo.UpdateIfRunning(ctx, nil, id, updates)
	if err != nil {
		s.log.Error("failed-state update failed", "job_id", id.String(), "error", err)
		return
	}
	if !ok {
		// Already terminal; the state that won stays.
		s.log.Warn("job already terminal, keeping existing failure", "job_id", id.String())
	}
	if s.cache != nil {
		// Drop any stale running snapshot; pollers fall back to the row.
		if err := s.cache.Delete(ctx, id.String()); err != nil {
			s.log.Warn("snapshot cache delete failed", "job_id", id.String(), "error", err)
		}
	}
}

// update applies a guarded transition from running and keeps the in-memory
// row and the cached snapshot in step. Reports whether the row changed.
func (s *StrategyGenerationService) update(ctx context.Context, job *types.GenerationJob, updates map[string]interface{}) bool {
	ok, err := s.jobRepo.UpdateIfRunning(ctx, nil, job.ID, updates)
	if err != nil {
		s.log.Error("job update failed", "job_id", job.ID.String(), "error", err)
		return false
	}
	if !ok {
		return false
	}
	if status, ok := updates["status"].(string); ok {
		job.Status = status
	}
	if stage, ok := updates["stage"].(int); ok {
		job.Stage = stage
	}
	if progress, ok := updates["progress"].(int); ok {
		job.Progress = progress
	}
	if msg, ok := updates["message"].(string); ok {
		job.Message = msg
	}
	if errMsg, ok := updates["error"].(string); ok {
		job.Error = errMsg
	}
	if res, ok := updates["result"].(datatypes.JSON); ok {
		job.Result = res
	}
	job.UpdatedAt = s.nowFn()
	s.mirrorSnapshot(ctx, job)
	return true
}

func (s *StrategyGenerationService) mirrorSnapshot(ctx context.Context, job *types.GenerationJob) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, job.ID.String(), SnapshotFromJob(job)); err != nil {
		s.log.Warn("snapshot cache write failed", "job_id", job.ID.String(), "error", err)
	}
}

// diagnostics captures truncated raw provider outputs per stage for
// debugging. Never served to clients.
func (s *StrategyGenerationService) diagnostics(results map[int]*strategy.StageResult) datatypes.JSON {
	diag := map[string]any{}
	for _, st := range strategy.Stages {
		res, ok := results[st.ID]
		if !ok || res.Raw == nil {
			continue
		}
		raw, err := json.Marshal(res.Raw)
		if err != nil {
			continue
		}
		text := string(raw)
		if len(text) > rawOutputDiagnosticLimit {
			cut := rawOutputDiagnosticLimit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}
		diag[st.Name] = map[string]any{
			"raw":      text,
			"degraded": res.Degraded,
			"warnings": res.Warnings,
		}
	}
	b, err := json.Marshal(diag)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
