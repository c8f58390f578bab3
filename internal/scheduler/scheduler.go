// Package scheduler owns job lifecycle: validation, persistence, and bounded
// concurrent fan-out of targets onto the execution engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/MarkusPolo/consoled/internal/db"
	"github.com/MarkusPolo/consoled/internal/engine"
	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/template"
)

// ValidationError rejects a job before anything is persisted or any port is
// touched. Missing lists the absent required variables per port.
type ValidationError struct {
	Message string
	Missing map[string][]string
}

func (e *ValidationError) Error() string { return e.Message }

// Resolver maps a client-facing port name to a device path and baud rate.
type Resolver func(ctx context.Context, port string) (path string, baud int, err error)

// Request is a validated job submission. Exactly one of TemplateID or MacroID
// must be set.
type Request struct {
	TemplateID *int64
	MacroID    *int64
	Targets    []TargetRequest
}

type TargetRequest struct {
	Port      string
	Variables map[string]string
}

// Options tune the scheduler.
type Options struct {
	MaxConcurrency int64
	Engine         engine.Options
}

type Scheduler struct {
	store   *db.Store
	eng     *engine.Engine
	resolve Resolver
	opts    Options
	log     *zap.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	live    map[string]*targetState // target_id -> in-flight snapshot
	aborts  map[string]context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// targetState mirrors a running target so GetJob stays fresh without waiting
// for the next store write.
type targetState struct {
	status model.JobStatus
	log    []string
	checks []model.VerificationCheck
}

func New(store *db.Store, eng *engine.Engine, resolve Resolver, opts Options, log *zap.Logger) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   store,
		eng:     eng,
		resolve: resolve,
		opts:    opts,
		log:     log,
		sem:     semaphore.NewWeighted(opts.MaxConcurrency),
		live:    map[string]*targetState{},
		aborts:  map[string]context.CancelFunc{},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// CreateJob validates the request against the template's variable schema for
// every target, persists the queued job, and starts executing it. Validation
// failure leaves no trace in the store.
func (s *Scheduler) CreateJob(ctx context.Context, req Request) (model.Job, error) {
	if (req.TemplateID == nil) == (req.MacroID == nil) {
		return model.Job{}, &ValidationError{Message: "exactly one of template_id or macro_id is required"}
	}
	if len(req.Targets) == 0 {
		return model.Job{}, &ValidationError{Message: "at least one target is required"}
	}

	steps, body, schema, err := s.resolveSource(ctx, req)
	if err != nil {
		return model.Job{}, err
	}

	missing := map[string][]string{}
	for _, t := range req.Targets {
		vars := withDefaults(t.Variables, schema)
		if m := template.MissingRequired(schema, vars); len(m) > 0 {
			missing[t.Port] = m
		}
	}
	if len(missing) > 0 {
		return model.Job{}, &ValidationError{
			Message: "missing required variables",
			Missing: missing,
		}
	}

	now := time.Now()
	job := model.Job{
		ID:         uuid.NewString(),
		TemplateID: req.TemplateID,
		MacroID:    req.MacroID,
		Status:     model.StatusQueued,
		CreatedAt:  now,
	}
	for _, t := range req.Targets {
		job.Targets = append(job.Targets, model.JobTarget{
			ID:                  uuid.NewString(),
			JobID:               job.ID,
			Port:                t.Port,
			Variables:           withDefaults(t.Variables, schema),
			Status:              model.StatusQueued,
			VerificationResults: []model.VerificationCheck{},
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("persist job: %w", err)
	}

	jobCtx, abort := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.aborts[job.ID] = abort
	for i := range job.Targets {
		s.live[job.Targets[i].ID] = &targetState{status: model.StatusQueued}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(jobCtx, job, steps, body)
	return job, nil
}

// resolveSource loads the template or macro and returns the canonical steps,
// legacy body, and variable schema to run against.
func (s *Scheduler) resolveSource(ctx context.Context, req Request) ([]model.Step, string, model.ConfigSchema, error) {
	if req.TemplateID != nil {
		tpl, err := s.store.GetTemplate(ctx, *req.TemplateID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", model.ConfigSchema{}, &ValidationError{Message: fmt.Sprintf("template %d not found", *req.TemplateID)}
		}
		if err != nil {
			return nil, "", model.ConfigSchema{}, err
		}
		return tpl.Steps, tpl.Body, tpl.ConfigSchema, nil
	}
	mac, err := s.store.GetMacro(ctx, *req.MacroID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, "", model.ConfigSchema{}, &ValidationError{Message: fmt.Sprintf("macro %d not found", *req.MacroID)}
	}
	if err != nil {
		return nil, "", model.ConfigSchema{}, err
	}
	steps, err := model.NormalizeMacroSteps(mac.Steps)
	if err != nil {
		return nil, "", model.ConfigSchema{}, &ValidationError{Message: err.Error()}
	}
	return steps, "", mac.ConfigSchema, nil
}

func (s *Scheduler) runJob(ctx context.Context, job model.Job, steps []model.Step, body string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.aborts, job.ID)
		s.mu.Unlock()
	}()

	if err := s.store.UpdateJobStatus(context.Background(), job.ID, model.StatusRunning); err != nil {
		s.log.Error("mark job running", zap.String("job", job.ID), zap.Error(err))
	}

	var wg sync.WaitGroup
	results := make([]model.JobTarget, len(job.Targets))
	for i := range job.Targets {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Abort while queued: remaining targets fail as cancelled.
			for j := i; j < len(job.Targets); j++ {
				results[j] = s.cancelTarget(job.Targets[j])
			}
			break
		}
		wg.Add(1)
		go func(i int, tgt model.JobTarget) {
			defer wg.Done()
			defer s.sem.Release(1)
			results[i] = s.runTarget(ctx, tgt, steps, body)
		}(i, job.Targets[i])
	}
	wg.Wait()

	final := model.AggregateStatus(results)
	if err := s.store.UpdateJobStatus(context.Background(), job.ID, final); err != nil {
		s.log.Error("mark job final", zap.String("job", job.ID), zap.Error(err))
	}
	s.mu.Lock()
	for i := range job.Targets {
		delete(s.live, job.Targets[i].ID)
	}
	s.mu.Unlock()
	s.log.Info("job finished",
		zap.String("job", job.ID),
		zap.String("status", string(final)),
		zap.Int("targets", len(results)))
}

func (s *Scheduler) runTarget(ctx context.Context, tgt model.JobTarget, steps []model.Step, body string) model.JobTarget {
	s.setLive(tgt.ID, func(st *targetState) { st.status = model.StatusRunning })
	tgt.Status = model.StatusRunning
	tgt.UpdatedAt = time.Now()
	if err := s.store.UpdateTarget(context.Background(), tgt); err != nil {
		s.log.Error("mark target running", zap.String("target", tgt.ID), zap.Error(err))
	}

	path, baud, err := s.resolve(ctx, tgt.Port)
	if err != nil {
		tgt.Status = model.StatusFailed
		tgt.FailureCategory = model.FailureConnectionError
		tgt.Remediation = model.FailureConnectionError.Remediation()
		tgt.Log = fmt.Sprintf("resolve port %s: %v", tgt.Port, err)
		return s.finishTarget(tgt)
	}

	res := s.eng.Run(ctx, engine.Spec{
		Port:      path,
		Baud:      baud,
		Steps:     steps,
		Body:      body,
		Variables: tgt.Variables,
	}, &liveSink{sched: s, targetID: tgt.ID})

	tgt.Status = res.Status
	tgt.Log = res.Log
	tgt.VerificationResults = res.Checks
	tgt.FailureCategory = res.FailureCategory
	tgt.Remediation = res.Remediation
	return s.finishTarget(tgt)
}

func (s *Scheduler) cancelTarget(tgt model.JobTarget) model.JobTarget {
	tgt.Status = model.StatusFailed
	tgt.FailureCategory = model.FailureCancelled
	tgt.Remediation = model.FailureCancelled.Remediation()
	tgt.Log = "aborted before execution started"
	return s.finishTarget(tgt)
}

func (s *Scheduler) finishTarget(tgt model.JobTarget) model.JobTarget {
	tgt.UpdatedAt = time.Now()
	s.setLive(tgt.ID, func(st *targetState) { st.status = tgt.Status })
	if err := s.store.UpdateTarget(context.Background(), tgt); err != nil {
		s.log.Error("persist target result", zap.String("target", tgt.ID), zap.Error(err))
	}
	return tgt
}

// GetJob returns the stored job overlaid with in-flight progress, so a target
// mid-execution already shows its live status, log lines, and checks.
func (s *Scheduler) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	s.overlay(&job)
	return job, nil
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]model.Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		s.overlay(&jobs[i])
	}
	return jobs, nil
}

func (s *Scheduler) overlay(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := false
	for i := range job.Targets {
		st, ok := s.live[job.Targets[i].ID]
		if !ok {
			continue
		}
		job.Targets[i].Status = st.status
		if len(st.log) > 0 {
			job.Targets[i].Log = strings.Join(st.log, "\n")
		}
		if len(st.checks) > 0 {
			job.Targets[i].VerificationResults = append([]model.VerificationCheck(nil), st.checks...)
		}
		dirty = true
	}
	if dirty {
		job.Status = model.AggregateStatus(job.Targets)
	}
}

// Abort cancels a running job. Targets already executing observe the
// cancellation through their context; queued targets never start.
func (s *Scheduler) Abort(jobID string) error {
	s.mu.Lock()
	abort, ok := s.aborts[jobID]
	s.mu.Unlock()
	if !ok {
		return db.ErrNotFound
	}
	abort()
	return nil
}

// Shutdown aborts all running jobs and waits for their goroutines to drain.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) setLive(targetID string, fn func(*targetState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.live[targetID]
	if !ok {
		return
	}
	fn(st)
}

// liveSink feeds engine progress into the scheduler's in-memory snapshots.
type liveSink struct {
	sched    *Scheduler
	targetID string
}

func (ls *liveSink) Phase(engine.Phase) {}

func (ls *liveSink) Log(line string) {
	ls.sched.setLive(ls.targetID, func(st *targetState) {
		st.log = append(st.log, line)
	})
}

func (ls *liveSink) Check(c model.VerificationCheck) {
	ls.sched.setLive(ls.targetID, func(st *targetState) {
		st.checks = append(st.checks, c)
	})
}

// withDefaults fills schema property defaults for variables the caller omitted.
func withDefaults(vars map[string]string, schema model.ConfigSchema) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	for name, prop := range schema.Properties {
		if _, ok := out[name]; !ok && prop.Default != "" {
			out[name] = prop.Default
		}
	}
	return out
}
