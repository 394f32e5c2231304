// Package pipeline runs the storefront delivery pipeline: fetch source,
// build and publish the image, roll out the new revision. Executions are
// serialized; concurrent triggers queue and run in arrival order.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Stage is the coarse pipeline state.
type Stage string

const (
	StageSource    Stage = "source"
	StageBuild     Stage = "build"
	StageDeploy    Stage = "deploy"
	StageSucceeded Stage = "succeeded"
	StageFailed    Stage = "failed"
)

// ErrCancelled is the cause recorded on an execution that was cancelled
// rather than ran to completion. A cancelled execution finishes in
// StageFailed; check the cause with errors.Is(exec.Err, ErrCancelled).
var ErrCancelled = errors.New("execution cancelled")

// Build phases, in execution order. A phase failure aborts the stage;
// later phases never run.
const (
	PhaseInstallDeps  = "install-dependencies"
	PhaseRegistryAuth = "registry-auth"
	PhaseBuildImage   = "build-image"
	PhaseTagImage     = "tag-image"
	PhasePushImage    = "push-image"
)

// Trigger is the event that starts an execution: a revision landing on
// the watched branch, or an operator-initiated run.
type Trigger struct {
	Branch   string
	Revision string
	Manual   bool
}

// Execution is the record of a single pipeline run. Stage and Phase are
// updated as the run progresses; Err is set when the run fails.
type Execution struct {
	ID          string
	Trigger     Trigger
	Stage       Stage
	Phase       string
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Failed reports whether the execution finished unsuccessfully.
func (e *Execution) Failed() bool {
	return e.Stage == StageFailed
}

// StageError wraps a failure with the stage and, when known, the phase
// it occurred in, so a failed run reports where it stopped rather than
// just that it stopped.
type StageError struct {
	Stage Stage
	Phase string
	Err   error
}

func (e *StageError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("pipeline: stage %s phase %s: %v", e.Stage, e.Phase, e.Err)
	}
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
