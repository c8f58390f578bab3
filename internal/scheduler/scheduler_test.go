package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarkusPolo/consoled/internal/db"
	"github.com/MarkusPolo/consoled/internal/engine"
	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/scheduler"
	"github.com/MarkusPolo/consoled/internal/serial"
	"github.com/MarkusPolo/consoled/internal/testutil"
)

func newScheduler(t *testing.T, respond func(string) string) (*scheduler.Scheduler, *db.Store, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	opener := testutil.NewFakeOpener(respond)
	mgr := serial.NewManager(opener, 16)
	t.Cleanup(mgr.CloseAll)
	eng := engine.New(mgr, engine.Options{
		SettleDelay:    10 * time.Millisecond,
		CaptureIdle:    150 * time.Millisecond,
		CaptureTimeout: 3 * time.Second,
	}, nil)
	resolve := func(_ context.Context, port string) (string, int, error) {
		if strings.HasPrefix(port, "bad") {
			return "", 0, fmt.Errorf("unknown port %s", port)
		}
		return "/dev/ttyFAKE-" + port, 9600, nil
	}
	sched := scheduler.New(store, eng, resolve, scheduler.Options{MaxConcurrency: 2}, nil)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(shutdownCtx)
	})
	return sched, store, ctx
}

func waitJob(t *testing.T, sched *scheduler.Scheduler, ctx context.Context, jobID string) model.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := sched.GetJob(ctx, jobID)
		require.NoError(t, err)
		if job.Status == model.StatusCompleted || job.Status == model.StatusFailed {
			return job
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status")
	return model.Job{}
}

func TestCreateJobValidatesBeforePersisting(t *testing.T) {
	sched, store, ctx := newScheduler(t, nil)
	tpl := testutil.SeedTemplate(t, store, ctx, "baseline")

	_, err := sched.CreateJob(ctx, scheduler.Request{
		TemplateID: &tpl.ID,
		Targets: []scheduler.TargetRequest{
			{Port: "1", Variables: map[string]string{"hostname": "sw1"}},
			{Port: "2"}, // missing hostname
		},
	})
	var verr *scheduler.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, []string{"hostname"}, verr.Missing["2"])
	require.NotContains(t, verr.Missing, "1")

	// nothing was persisted
	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestCreateJobRequiresExactlyOneSource(t *testing.T) {
	sched, store, ctx := newScheduler(t, nil)
	tpl := testutil.SeedTemplate(t, store, ctx, "baseline")

	_, err := sched.CreateJob(ctx, scheduler.Request{
		Targets: []scheduler.TargetRequest{{Port: "1"}},
	})
	var verr *scheduler.ValidationError
	require.True(t, errors.As(err, &verr))

	macroID := int64(99)
	_, err = sched.CreateJob(ctx, scheduler.Request{
		TemplateID: &tpl.ID,
		MacroID:    &macroID,
		Targets:    []scheduler.TargetRequest{{Port: "1"}},
	})
	require.True(t, errors.As(err, &verr))
}

func TestCreateJobUnknownTemplate(t *testing.T) {
	sched, _, ctx := newScheduler(t, nil)
	missing := int64(404)
	_, err := sched.CreateJob(ctx, scheduler.Request{
		TemplateID: &missing,
		Targets:    []scheduler.TargetRequest{{Port: "1"}},
	})
	var verr *scheduler.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Contains(t, verr.Message, "template 404 not found")
}

func TestJobRunsAcrossTargets(t *testing.T) {
	sched, store, ctx := newScheduler(t, func(line string) string {
		if strings.HasPrefix(line, "hostname ") {
			return "(config)#"
		}
		return "#"
	})
	tpl := testutil.SeedTemplate(t, store, ctx, "baseline")

	job, err := sched.CreateJob(ctx, scheduler.Request{
		TemplateID: &tpl.ID,
		Targets: []scheduler.TargetRequest{
			{Port: "1", Variables: map[string]string{"hostname": "sw1"}},
			{Port: "2", Variables: map[string]string{"hostname": "sw2"}},
			{Port: "3", Variables: map[string]string{"hostname": "sw3"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, job.Status)

	final := waitJob(t, sched, ctx, job.ID)
	require.Equal(t, model.StatusCompleted, final.Status)
	for _, tgt := range final.Targets {
		require.Equal(t, model.StatusCompleted, tgt.Status, "port %s", tgt.Port)
		require.Contains(t, tgt.Log, "All steps completed successfully.")
	}
}

func TestJobTargetFailureIsIsolated(t *testing.T) {
	sched, store, ctx := newScheduler(t, func(line string) string { return "#" })
	tpl := testutil.SeedTemplate(t, store, ctx, "baseline")

	job, err := sched.CreateJob(ctx, scheduler.Request{
		TemplateID: &tpl.ID,
		Targets: []scheduler.TargetRequest{
			{Port: "1", Variables: map[string]string{"hostname": "sw1"}},
			{Port: "bad9", Variables: map[string]string{"hostname": "sw9"}},
		},
	})
	require.NoError(t, err)

	final := waitJob(t, sched, ctx, job.ID)
	require.Equal(t, model.StatusFailed, final.Status)

	byPort := map[string]model.JobTarget{}
	for _, tgt := range final.Targets {
		byPort[tgt.Port] = tgt
	}
	require.Equal(t, model.StatusCompleted, byPort["1"].Status)
	require.Equal(t, model.StatusFailed, byPort["bad9"].Status)
	require.Equal(t, model.FailureConnectionError, byPort["bad9"].FailureCategory)
	require.NotEmpty(t, byPort["bad9"].Remediation)
}

func TestSchedulerAppliesSchemaDefaults(t *testing.T) {
	sched, store, ctx := newScheduler(t, func(line string) string { return "#" })

	id, err := store.CreateTemplate(ctx, model.Template{
		Name:  "with-default",
		Steps: []model.Step{{Type: model.StepCommand, Content: "ntp server {{ ntp }}"}},
		ConfigSchema: model.ConfigSchema{
			Properties: map[string]model.SchemaProperty{
				"ntp": {Type: "string", Default: "10.0.0.1"},
			},
			Required: []string{"ntp"},
		},
	})
	require.NoError(t, err)

	job, err := sched.CreateJob(ctx, scheduler.Request{
		TemplateID: &id,
		Targets:    []scheduler.TargetRequest{{Port: "1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", job.Targets[0].Variables["ntp"])

	final := waitJob(t, sched, ctx, job.ID)
	require.Equal(t, model.StatusCompleted, final.Status)
}

func TestAbortRunningJob(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	opener := testutil.NewFakeOpener(nil)
	mgr := serial.NewManager(opener, 16)
	t.Cleanup(mgr.CloseAll)
	// a long settle keeps each step in flight so the abort lands mid-run
	eng := engine.New(mgr, engine.Options{
		SettleDelay:    30 * time.Second,
		CaptureIdle:    150 * time.Millisecond,
		CaptureTimeout: 3 * time.Second,
	}, nil)
	resolve := func(_ context.Context, port string) (string, int, error) {
		return "/dev/ttyFAKE-" + port, 9600, nil
	}
	sched := scheduler.New(store, eng, resolve, scheduler.Options{MaxConcurrency: 2}, nil)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(shutdownCtx)
	})

	id, err := store.CreateTemplate(ctx, model.Template{
		Name:  "slow",
		Steps: []model.Step{{Type: model.StepCommand, Content: "show tech-support"}},
	})
	require.NoError(t, err)

	job, err := sched.CreateJob(ctx, scheduler.Request{
		TemplateID: &id,
		Targets:    []scheduler.TargetRequest{{Port: "1"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := sched.GetJob(ctx, job.ID)
		return err == nil && got.Status == model.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sched.Abort(job.ID))
	final := waitJob(t, sched, ctx, job.ID)
	require.Equal(t, model.StatusFailed, final.Status)
	require.Equal(t, model.FailureCancelled, final.Targets[0].FailureCategory)

	require.ErrorIs(t, sched.Abort(job.ID), db.ErrNotFound)
}
