// Package jobqueue is a durable, single-threaded cooperative task queue:
// jobs are persisted before they run, picked by a background/delay rule,
// and retried according to a per-task-kind policy.
package jobqueue

import "context"

// Priority is declared per TaskKind. The scheduler's pick rule does not
// read it: jobs are taken in queue order, with a background job at the
// head yielding to any eligible non-background job behind it.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLower
	PriorityNormal
	PriorityHigher
	PriorityUrgent
)

// Task is one unit of work a TaskKind decodes from persisted bytes and
// the scheduler executes.
type Task interface {
	// Execute runs the task. A returned error triggers the kind's
	// RetryMode handling.
	Execute(ctx context.Context, deps Deps) error
	// Encode serializes the task back to bytes for persistence (called
	// once at enqueue time; the scheduler itself never needs to
	// re-encode a running task).
	Encode() []byte
}

// DelayedHook is implemented by tasks that want to know when a failure
// was swallowed under retry_mode=never, per §4.5 step 5.
type DelayedHook interface {
	OnDelayed(ctx context.Context)
}

// Deps are the external collaborators a Task's Execute may need. The
// scheduler does not interpret these; it only threads them through.
type Deps struct {
	// ConnectivityAvailable reports whether the transport is
	// authenticated or a peer-to-peer substitute is known available,
	// per §4.5 step 4. nil means "always available".
	ConnectivityAvailable func() bool
}

// RetryMode governs what happens to a job whose task returned an error.
type RetryMode struct {
	kind       retryKind
	delay      int64 // nanoseconds, for retryAfter
	maxAttempts *int // nil means unbounded
}

type retryKind int

const (
	retryNever retryKind = iota
	retryAlways
	retryAfter
)

// Never discards the job after one failed attempt, notifying the task's
// OnDelayed hook (if any) first.
func Never() RetryMode { return RetryMode{kind: retryNever} }

// Always keeps retrying the job immediately (returned to the head of the
// queue) with no backoff and no attempt cap.
func Always() RetryMode { return RetryMode{kind: retryAlways} }

// RetryAfter schedules the next attempt after delayNanos, incrementing
// attempt_count; if maxAttempts is non-nil and reached, the job is
// canceled instead of rescheduled.
func RetryAfter(delayNanos int64, maxAttempts *int) RetryMode {
	return RetryMode{kind: retryAfter, delay: delayNanos, maxAttempts: maxAttempts}
}

// TaskKind registers how one task_kind_tag decodes its payload and what
// scheduling policy it carries — the Go-idiomatic replacement for the
// teacher's implicit Message+MessageQueue pairing (grounded on
// queue_service.go/queue_processor.go's retry/backoff rules,
// generalized into a declared policy per kind instead of one global
// CalculateBackoff/ShouldRetry pair).
type TaskKind struct {
	Tag                  string
	RequiresConnectivity bool
	Mode                 RetryMode
	IsBackground         bool
	Priority             Priority
	Decode               func([]byte) (Task, error)
}

// Registry maps task_kind_tag to its TaskKind.
type Registry struct {
	kinds map[string]TaskKind
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{kinds: make(map[string]TaskKind)} }

// Register adds kind, keyed by kind.Tag. Registering the same tag twice
// overwrites the previous registration.
func (r *Registry) Register(kind TaskKind) { r.kinds[kind.Tag] = kind }

func (r *Registry) lookup(tag string) (TaskKind, bool) {
	k, ok := r.kinds[tag]
	return k, ok
}
