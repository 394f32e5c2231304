package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SourceFetcher produces a checkout of the triggering revision.
type SourceFetcher interface {
	Fetch(ctx context.Context, trigger Trigger) (*SourceArtifact, error)
}

// BuildStage turns a source checkout into a deployable artifact. A
// failing implementation should return a *StageError carrying the
// phase it stopped in.
type BuildStage interface {
	Build(ctx context.Context, src *SourceArtifact) (*Artifact, error)
}

// DeployStage rolls the artifact out to the running service.
type DeployStage interface {
	Deploy(ctx context.Context, art *Artifact) error
}

// Timeouts bounds each stage. A zero value means no bound for that stage.
type Timeouts struct {
	Source time.Duration
	Build  time.Duration
	Deploy time.Duration
}

// Orchestrator serializes pipeline executions. At most one execution
// runs at a time; triggers arriving while one is active queue in FIFO
// order and run to completion one by one. A failed execution is never
// retried automatically.
type Orchestrator struct {
	source   SourceFetcher
	build    BuildStage
	deploy   DeployStage
	timeouts Timeouts
	metrics  *Metrics
	logger   *slog.Logger

	mu           sync.Mutex
	executions   map[string]*Execution
	queue        []string
	active       string
	cancelActive context.CancelFunc
	done         map[string]chan struct{}
	running      bool
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(source SourceFetcher, build BuildStage, deploy DeployStage, timeouts Timeouts, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		source:     source,
		build:      build,
		deploy:     deploy,
		timeouts:   timeouts,
		metrics:    metrics,
		logger:     logger,
		executions: make(map[string]*Execution),
		done:       make(map[string]chan struct{}),
	}
}

// Trigger enqueues a new execution and returns its ID. The execution
// starts immediately when nothing is active, otherwise it waits its
// turn behind earlier triggers.
func (o *Orchestrator) Trigger(trigger Trigger) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := uuid.NewString()
	o.executions[id] = &Execution{
		ID:        id,
		Trigger:   trigger,
		Stage:     StageSource,
		StartedAt: time.Now(),
	}
	o.done[id] = make(chan struct{})
	o.queue = append(o.queue, id)
	o.metrics.setQueueDepth(len(o.queue))

	o.logger.Info("execution queued", "id", id, "branch", trigger.Branch, "revision", trigger.Revision, "queued", len(o.queue))

	if !o.running {
		o.running = true
		go o.runLoop()
	}
	return id
}

// Status returns a snapshot of an execution.
func (o *Orchestrator) Status(id string) (Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[id]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// Wait blocks until the execution finishes and returns its final record.
func (o *Orchestrator) Wait(id string) (Execution, error) {
	o.mu.Lock()
	ch, ok := o.done[id]
	o.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("pipeline: unknown execution %q", id)
	}
	<-ch
	exec, _ := o.Status(id)
	return exec, nil
}

// Cancel stops an execution. A queued execution is removed from the
// queue. The active execution can be interrupted while fetching or
// building; once the rollout has started it runs to its own conclusion
// so the service is never left between revisions. A cancelled execution
// finishes in StageFailed with ErrCancelled as its cause.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	exec, ok := o.executions[id]
	if !ok {
		return fmt.Errorf("pipeline: unknown execution %q", id)
	}

	for i, queued := range o.queue {
		if queued == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.metrics.setQueueDepth(len(o.queue))
			o.finishLocked(exec, StageFailed, &StageError{Stage: exec.Stage, Err: ErrCancelled})
			return nil
		}
	}

	if o.active == id {
		if exec.Stage != StageSource && exec.Stage != StageBuild {
			return fmt.Errorf("pipeline: execution %q is in stage %s and can no longer be cancelled", id, exec.Stage)
		}
		o.cancelActive()
		return nil
	}

	return fmt.Errorf("pipeline: execution %q already finished", id)
}

func (o *Orchestrator) runLoop() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		id := o.queue[0]
		o.queue = o.queue[1:]
		o.metrics.setQueueDepth(len(o.queue))
		exec := o.executions[id]
		ctx, cancel := context.WithCancel(context.Background())
		o.active = id
		o.cancelActive = cancel
		o.mu.Unlock()

		o.run(ctx, exec)
		cancel()

		o.mu.Lock()
		o.active = ""
		o.cancelActive = nil
		o.mu.Unlock()
	}
}

func (o *Orchestrator) run(ctx context.Context, exec *Execution) {
	src, err := o.runSource(ctx, exec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = &StageError{Stage: StageSource, Err: ErrCancelled}
		}
		o.fail(exec, StageSource, err)
		return
	}

	o.setStage(exec, StageBuild)
	art, err := o.runBuild(ctx, exec, src)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = &StageError{Stage: StageBuild, Err: ErrCancelled}
		}
		o.fail(exec, StageBuild, err)
		return
	}

	o.setStage(exec, StageDeploy)
	// The rollout deliberately does not inherit the cancellable
	// context: an interrupted deploy could strand the service, so it
	// only answers to its own timeout.
	if err := o.runDeploy(exec, art); err != nil {
		o.fail(exec, StageDeploy, err)
		return
	}

	o.finish(exec, StageSucceeded, nil)
}

func (o *Orchestrator) runSource(ctx context.Context, exec *Execution) (*SourceArtifact, error) {
	ctx, cancel := withTimeout(ctx, o.timeouts.Source)
	defer cancel()
	start := time.Now()
	defer o.metrics.observeStage(StageSource, start)
	return o.source.Fetch(ctx, exec.Trigger)
}

func (o *Orchestrator) runBuild(ctx context.Context, exec *Execution, src *SourceArtifact) (*Artifact, error) {
	ctx, cancel := withTimeout(ctx, o.timeouts.Build)
	defer cancel()
	start := time.Now()
	defer o.metrics.observeStage(StageBuild, start)
	return o.build.Build(ctx, src)
}

func (o *Orchestrator) runDeploy(exec *Execution, art *Artifact) error {
	ctx, cancel := withTimeout(context.Background(), o.timeouts.Deploy)
	defer cancel()
	start := time.Now()
	defer o.metrics.observeStage(StageDeploy, start)
	return o.deploy.Deploy(ctx, art)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (o *Orchestrator) setStage(exec *Execution, stage Stage) {
	o.mu.Lock()
	exec.Stage = stage
	o.mu.Unlock()
	o.logger.Info("stage started", "id", exec.ID, "stage", stage)
}

func (o *Orchestrator) fail(exec *Execution, stage Stage, err error) {
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		stageErr = &StageError{Stage: stage, Err: err}
	}
	o.mu.Lock()
	exec.Phase = stageErr.Phase
	o.mu.Unlock()
	o.finish(exec, StageFailed, stageErr)
	o.logger.Error("execution failed", "id", exec.ID, "stage", stageErr.Stage, "phase", stageErr.Phase, "error", stageErr.Err)
}

func (o *Orchestrator) finish(exec *Execution, final Stage, err error) {
	o.mu.Lock()
	o.finishLocked(exec, final, err)
	o.mu.Unlock()
}

func (o *Orchestrator) finishLocked(exec *Execution, final Stage, err error) {
	exec.Stage = final
	exec.Err = err
	exec.CompletedAt = time.Now()
	o.metrics.countExecution(final)
	if ch, ok := o.done[exec.ID]; ok {
		close(ch)
	}
	if final == StageSucceeded {
		o.logger.Info("execution succeeded", "id", exec.ID, "revision", exec.Trigger.Revision, "duration", exec.CompletedAt.Sub(exec.StartedAt))
	}
}
