// Package engine drives a device through a template's steps over a live
// serial session, one execution per job target.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/security"
	"github.com/MarkusPolo/consoled/internal/serial"
	"github.com/MarkusPolo/consoled/internal/template"
	"github.com/MarkusPolo/consoled/internal/verify"
)

// Phase is the engine's per-target state machine position.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseExecuting  Phase = "executing"
	PhaseVerifying  Phase = "verifying"
	PhaseDone       Phase = "done"
)

// Sink receives incremental execution progress. Implementations must not
// block; the scheduler persists updates so in-flight targets stay queryable.
type Sink interface {
	Phase(p Phase)
	Log(line string)
	Check(c model.VerificationCheck)
}

// NopSink discards progress.
type NopSink struct{}

func (NopSink) Phase(Phase)                   {}
func (NopSink) Log(string)                    {}
func (NopSink) Check(model.VerificationCheck) {}

// Options tune execution timing.
type Options struct {
	SettleDelay    time.Duration
	CaptureIdle    time.Duration
	CaptureTimeout time.Duration
	CommandTimeout time.Duration
	MaxTranscript  int
	StopOnVerify   bool
}

// Result is the terminal outcome of one target execution.
type Result struct {
	Status          model.JobStatus
	Log             string
	Checks          []model.VerificationCheck
	FailureCategory model.FailureCategory
	Remediation     string
}

// Spec is the work for one target: canonical steps, or a legacy body to be
// replayed line by line inside config mode when no steps exist.
type Spec struct {
	Port      string
	Baud      int
	Steps     []model.Step
	Body      string
	Variables map[string]string
}

type Engine struct {
	mgr  *serial.Manager
	opts Options
	log  *zap.Logger
}

func New(mgr *serial.Manager, opts Options, log *zap.Logger) *Engine {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 300 * time.Millisecond
	}
	if opts.CaptureIdle <= 0 {
		opts.CaptureIdle = 500 * time.Millisecond
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 10 * time.Second
	}
	if opts.MaxTranscript <= 0 {
		opts.MaxTranscript = 512 * 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{mgr: mgr, opts: opts, log: log}
}

// Run executes the spec against its port. It never returns an error: every
// failure mode is folded into the Result so the scheduler can record it.
func (e *Engine) Run(ctx context.Context, spec Spec, sink Sink) Result {
	if sink == nil {
		sink = NopSink{}
	}
	x := &execution{
		engine: e,
		spec:   spec,
		sink:   sink,
		script: newTranscript(e.opts.MaxTranscript),
	}
	return x.run(ctx)
}

type execution struct {
	engine  *Engine
	spec    Spec
	sink    Sink
	sess    *serial.Session
	script  *transcript
	checks  []model.VerificationCheck
	lines   []string
	secrets []string
}

func (x *execution) run(ctx context.Context) Result {
	e := x.engine
	x.sink.Phase(PhaseConnecting)
	x.logf("Connecting to %s...", x.spec.Port)

	sess, err := e.mgr.Open(x.spec.Port, x.spec.Baud)
	if err != nil {
		switch {
		case errors.Is(err, serial.ErrPortBusy):
			return x.fail(model.FailurePortBusy, err)
		default:
			return x.fail(model.FailureConnectionError, err)
		}
	}
	x.sess = sess
	defer e.mgr.Release(sess)

	// Keep the raw device transcript for post-hoc inspection.
	sub, cancel := sess.Subscribe()
	defer cancel()
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		for chunk := range sub {
			x.script.append(chunk)
		}
	}()

	steps := x.spec.Steps
	if len(steps) == 0 && x.spec.Body != "" {
		rendered, rerr := template.Render(x.spec.Body, x.spec.Variables)
		if rerr != nil {
			return x.fail(model.FailureMissingVariable, rerr)
		}
		steps = bodySteps(rendered)
		x.logf("Executing legacy body template (%d lines)...", len(steps))
	} else {
		x.logf("Executing %d steps...", len(steps))
	}

	x.sink.Phase(PhaseExecuting)
	for i, raw := range steps {
		if ctx.Err() != nil {
			return x.fail(model.FailureCancelled, ctx.Err())
		}
		step, rerr := template.RenderStep(raw, x.spec.Variables)
		if rerr != nil {
			return x.fail(model.FailureMissingVariable, rerr)
		}
		x.logf("Step %d: %s", i+1, step.Type)
		if err := x.runBoundedStep(ctx, step); err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return x.fail(model.FailureCommandTimeout, err)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return x.fail(model.FailureCancelled, err)
			case errors.Is(err, errStopOnVerify):
				return x.fail(model.FailureVerificationFailed, err)
			default:
				return x.fail(model.FailureDeviceError, err)
			}
		}
	}

	x.logf("All steps completed successfully.")
	x.sink.Phase(PhaseDone)
	cancel()
	<-scriptDone
	return Result{
		Status: model.StatusCompleted,
		Log:    x.renderLog(),
		Checks: x.checks,
	}
}

var errStopOnVerify = errors.New("verification failed")

// runBoundedStep caps one step at the command timeout so a wedged device
// fails the target instead of stalling the whole job.
func (x *execution) runBoundedStep(ctx context.Context, step model.Step) error {
	if x.engine.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.engine.opts.CommandTimeout)
		defer cancel()
	}
	return x.runStep(ctx, step)
}

func (x *execution) runStep(ctx context.Context, step model.Step) error {
	switch step.Type {
	case model.StepAuthenticate:
		x.secrets = append(x.secrets, step.Password)
		if err := x.sendLine(step.Username); err != nil {
			return err
		}
		if err := x.settle(ctx); err != nil {
			return err
		}
		if err := x.sendLine(step.Password); err != nil {
			return err
		}
		return x.settle(ctx)

	case model.StepPrivMode, model.StepConfigMode, model.StepExitConfig, model.StepCommand:
		content := step.Content
		if content == "" {
			content = defaultContent(step.Type)
		}
		if err := x.sendLine(content); err != nil {
			return err
		}
		x.logf("Sent: %s", content)
		if step.WaitPrompt {
			x.waitQuiet(ctx)
			return ctx.Err()
		}
		return x.settle(ctx)

	case model.StepVerify:
		x.sink.Phase(PhaseVerifying)
		defer x.sink.Phase(PhaseExecuting)
		output, err := x.capture(ctx, step.Command)
		if err != nil {
			return err
		}
		res := verify.Evaluate(step.CheckType, step.Pattern, output)
		check := model.VerificationCheck{
			CheckName:  step.Name,
			Status:     res.Status,
			Evidence:   res.Evidence,
			FullOutput: res.FullOutput,
			Message:    res.Message,
		}
		x.checks = append(x.checks, check)
		x.sink.Check(check)
		if res.Status == model.CheckPass {
			x.logf("Verification PASSED: %s", step.Name)
		} else {
			x.logf("Verification FAILED: %s", step.Name)
			if x.engine.opts.StopOnVerify {
				return errStopOnVerify
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}
}

// capture sends the command and collects output until the device goes quiet,
// bounded by the capture timeout.
func (x *execution) capture(ctx context.Context, command string) (string, error) {
	sub, cancel := x.sess.Subscribe()
	defer cancel()
	if err := x.sendLine(command); err != nil {
		return "", err
	}

	opts := x.engine.opts
	var buf []byte
	hard := time.NewTimer(opts.CaptureTimeout)
	defer hard.Stop()
	idle := time.NewTimer(opts.CaptureIdle)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-sub:
			if !ok {
				return string(buf), serial.ErrSessionClosed
			}
			buf = append(buf, chunk...)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.CaptureIdle)
		case <-idle.C:
			if len(buf) > 0 {
				return string(buf), nil
			}
			idle.Reset(opts.CaptureIdle)
		case <-hard.C:
			return string(buf), nil
		case <-ctx.Done():
			return string(buf), ctx.Err()
		}
	}
}

// waitQuiet blocks until no output arrives for one idle window, or the
// capture timeout elapses.
func (x *execution) waitQuiet(ctx context.Context) {
	sub, cancel := x.sess.Subscribe()
	defer cancel()
	opts := x.engine.opts
	hard := time.NewTimer(opts.CaptureTimeout)
	defer hard.Stop()
	idle := time.NewTimer(opts.CaptureIdle)
	defer idle.Stop()
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.CaptureIdle)
		case <-idle.C:
			return
		case <-hard.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (x *execution) sendLine(line string) error {
	return x.sess.Write([]byte(line + "\r\n"))
}

func (x *execution) settle(ctx context.Context) error {
	select {
	case <-time.After(x.engine.opts.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *execution) fail(category model.FailureCategory, err error) Result {
	x.logf("Error: %v", err)
	x.sink.Phase(PhaseDone)
	x.engine.log.Warn("target execution failed",
		zap.String("port", x.spec.Port),
		zap.String("category", string(category)),
		zap.Error(err))
	return Result{
		Status:          model.StatusFailed,
		Log:             x.renderLog(),
		Checks:          x.checks,
		FailureCategory: category,
		Remediation:     category.Remediation(),
	}
}

func (x *execution) logf(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	x.lines = append(x.lines, line)
	x.sink.Log(line)
}

// renderLog joins progress lines with the raw transcript and strips
// credentials before anything is persisted.
func (x *execution) renderLog() string {
	out := strings.Join(x.lines, "\n")
	if tr := x.script.String(); tr != "" {
		out += "\n--- transcript ---\n" + tr
	}
	out = security.RedactValues(out, x.secrets...)
	return security.RedactPayload(out)
}

func defaultContent(t model.StepType) string {
	switch t {
	case model.StepPrivMode:
		return "en"
	case model.StepConfigMode:
		return "conf t"
	case model.StepExitConfig:
		return "end"
	default:
		return ""
	}
}

// bodySteps wraps a rendered legacy body in config mode and replays it line
// by line, mirroring the original body-based template path.
func bodySteps(rendered string) []model.Step {
	steps := []model.Step{
		{Type: model.StepPrivMode},
		{Type: model.StepConfigMode},
	}
	for _, line := range strings.Split(rendered, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		steps = append(steps, model.Step{Type: model.StepCommand, Content: line})
	}
	steps = append(steps, model.Step{Type: model.StepExitConfig})
	return steps
}
