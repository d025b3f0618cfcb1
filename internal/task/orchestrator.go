// Package task runs cancellable, deadline-bound background operations and
// reports their progress and outcome to the connection layer.
package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the class of a background operation.
type Kind string

const (
	// KindChat is a single model completion for a chat turn.
	KindChat Kind = "chat"
	// KindScan is a full scan pipeline run.
	KindScan Kind = "scan"
)

// ErrBusy is returned when an operation of the same kind is already
// outstanding for the session.
var ErrBusy = errors.New("operation already in progress")

// Code is the terminal state of an operation.
type Code int

const (
	// CodeOK means the operation produced a result, possibly a degraded one.
	CodeOK Code = iota
	// CodeTimedOut means the deadline expired before completion.
	CodeTimedOut
	// CodeCancelled means the operation was cancelled before completion.
	CodeCancelled
	// CodeFailed means the operation returned an error.
	CodeFailed
)

// Result is the terminal outcome of an operation. It is delivered at most
// once per operation.
type Result struct {
	Code  Code
	Value any
	Err   error
}

// Runner executes the operation body. It must honor ctx cancellation at
// stage boundaries; returning a value with a nil error after cancellation
// delivers a best-effort partial result instead of a cancelled outcome.
type Runner func(ctx context.Context) (any, error)

// Operation is one in-flight or resolved background operation.
type Operation struct {
	ID   string
	Kind Kind

	cancel   context.CancelFunc
	done     chan struct{}
	progress chan string

	mu     sync.Mutex
	result Result
}

// Done is closed when the operation has resolved.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Progress delivers named-stage updates while the operation runs. The
// channel is closed before the operation resolves; nothing is emitted
// after cancellation.
func (op *Operation) Progress() <-chan string { return op.progress }

// Result returns the terminal outcome. Valid only after Done is closed.
func (op *Operation) Result() Result {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

// Cancel requests cooperative cancellation of the operation.
func (op *Operation) Cancel() { op.cancel() }

// Tracker owns the outstanding operations of one session. At most one
// operation per kind may be in flight at a time.
type Tracker struct {
	progressInterval time.Duration

	mu  sync.Mutex
	ops map[Kind]*Operation
}

// NewTracker creates a tracker emitting progress on the given cadence.
func NewTracker(progressInterval time.Duration) *Tracker {
	if progressInterval <= 0 {
		progressInterval = 2 * time.Second
	}
	return &Tracker{
		progressInterval: progressInterval,
		ops:              make(map[Kind]*Operation),
	}
}

// Start launches run as an independently scheduled operation bound by
// deadline. ctx is the owning connection's context: losing the connection
// cancels the operation. stages, when non-empty, are emitted as progress
// updates — the first immediately, the rest on the tracker cadence while
// the operation is still running.
func (t *Tracker) Start(ctx context.Context, kind Kind, deadline time.Time, stages []string, run Runner) (*Operation, error) {
	t.mu.Lock()
	if existing, ok := t.ops[kind]; ok {
		select {
		case <-existing.done:
			// Resolved but not yet reaped; the slot is free.
		default:
			t.mu.Unlock()
			return nil, ErrBusy
		}
	}

	opCtx, cancel := context.WithDeadline(ctx, deadline)
	op := &Operation{
		ID:       uuid.NewString(),
		Kind:     kind,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: make(chan string, len(stages)+1),
	}
	t.ops[kind] = op
	t.mu.Unlock()

	running := make(chan struct{})
	emitterDone := make(chan struct{})
	go func() {
		defer close(emitterDone)
		t.emitProgress(opCtx, op, stages, running)
	}()

	go func() {
		defer cancel()
		value, err := run(opCtx)
		close(running)
		// The emitter must stop before the progress channel closes.
		<-emitterDone

		op.mu.Lock()
		op.result = t.resolve(opCtx, value, err)
		op.mu.Unlock()

		close(op.progress)
		close(op.done)

		t.mu.Lock()
		if t.ops[kind] == op {
			delete(t.ops, kind)
		}
		t.mu.Unlock()
	}()

	return op, nil
}

// resolve classifies the runner's return into a terminal outcome. A value
// with a nil error wins even under an expired context: that is the degraded
// partial-result path.
func (t *Tracker) resolve(ctx context.Context, value any, err error) Result {
	if err == nil {
		return Result{Code: CodeOK, Value: value}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Code: CodeTimedOut, Err: err}
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return Result{Code: CodeCancelled, Err: err}
	default:
		return Result{Code: CodeFailed, Err: err}
	}
}

func (t *Tracker) emitProgress(ctx context.Context, op *Operation, stages []string, running <-chan struct{}) {
	for i, stage := range stages {
		if i > 0 {
			timer := time.NewTimer(t.progressInterval)
			select {
			case <-running:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case op.progress <- stage:
		default:
			// Buffer full; the consumer is not draining, drop the update.
		}
	}
}

// Get returns the outstanding operation of the given kind, if any.
func (t *Tracker) Get(kind Kind) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops[kind]
}

// CancelAll cancels every outstanding operation. Used on disconnect.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	ops := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}
