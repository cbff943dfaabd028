package pipeline

import (
	"fmt"
	"time"

	"github.com/c360/captureflow/analyzer"
	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/queue"
	"github.com/c360/captureflow/stage"
)

// State of a pipeline run
type State string

// States in the order a successful run visits them
const (
	StateReceived         State = "RECEIVED"
	StateStaged           State = "STAGED"
	StateExtracting       State = "EXTRACTING"
	StateAwaitingArtifact State = "AWAITING_ARTIFACT"
	StateConverted        State = "CONVERTED"
	StateSubmitted        State = "SUBMITTED"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

var successor = map[State]State{
	StateReceived:         StateStaged,
	StateStaged:           StateExtracting,
	StateExtracting:       StateAwaitingArtifact,
	StateAwaitingArtifact: StateConverted,
	StateConverted:        StateSubmitted,
	StateSubmitted:        StateDone,
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// kind is the error kind of a failure while in s
func (s State) kind() errors.Kind {
	switch s {
	case StateReceived:
		return errors.KindDecode
	case StateStaged:
		return errors.KindStaging
	case StateExtracting:
		return errors.KindExtraction
	case StateAwaitingArtifact:
		return errors.KindArtifactTimeout
	case StateConverted:
		return errors.KindConversion
	default:
		return errors.KindSubmission
	}
}

// Run is the state of one delivery's trip through the pipeline. It is owned
// by the orchestrator goroutine processing it.
type Run struct {
	ID          string
	Message     queue.InboundMessage
	Deliveries  int
	State       State
	History     []State
	Staged      []stage.Artifact
	Err         *errors.PipelineError
	Response    string
	Secondary   analyzer.Result
	Disposition queue.Disposition
	StartedAt   time.Time
	FinishedAt  time.Time

	handles   []*stage.Handle
	secondary *analyzer.Handle
}

func newRun(id string, msg queue.InboundMessage, deliveries int) *Run {
	return &Run{
		ID:         id,
		Message:    msg,
		Deliveries: deliveries,
		State:      StateReceived,
		History:    []State{StateReceived},
		StartedAt:  time.Now(),
	}
}

// advance moves to the successor state
func (r *Run) advance(to State) error {
	if next, ok := successor[r.State]; !ok || next != to {
		return fmt.Errorf("invalid transition %s -> %s", r.State, to)
	}
	r.State = to
	r.History = append(r.History, to)
	return nil
}

// fail moves to FAILED from any non-terminal state. It is a no-op once terminal.
func (r *Run) fail(err *errors.PipelineError) {
	if r.State.Terminal() {
		return
	}
	r.Err = err
	r.State = StateFailed
	r.History = append(r.History, StateFailed)
}

func (r *Run) own(h *stage.Handle) {
	r.handles = append(r.handles, h)
	r.Staged = append(r.Staged, h.Artifact)
}

// ErrorKind returns the failure kind, or "" for a successful run
func (r *Run) ErrorKind() string {
	if r.Err == nil {
		return ""
	}
	return string(r.Err.Kind)
}

// Duration is the wall time of the run so far
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
