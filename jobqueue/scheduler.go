package jobqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"cyphertextkit/internal/clock"
	"cyphertextkit/store"
)

// errWaitingForDelays is returned internally by pickNextLocked when every
// persisted job is either delayed into the future or blocked on
// connectivity it doesn't have yet.
var errWaitingForDelays = fmt.Errorf("jobqueue: waiting_for_delays")

// Scheduler is the single-threaded cooperative executor described in
// §4.5: at most one task runs at a time per instance (one queue per
// local device), generalized from the teacher's
// QueueProcessor.processLoop/ProcessQueue mutex-guarded single-flight
// pattern into an explicit pick → execute → reschedule loop instead of a
// fixed polling ticker.
type Scheduler struct {
	backing  store.Store
	registry *Registry
	clock    clock.Clock
	deps     Deps

	mu     sync.Mutex
	jobs   []Job
	paused bool
	wake   chan struct{}
}

// NewScheduler constructs a Scheduler bound to backing storage, a task
// registry, a clock, and the Deps passed to every Task.Execute.
func NewScheduler(backing store.Store, registry *Registry, clk clock.Clock, deps Deps) *Scheduler {
	return &Scheduler{
		backing:  backing,
		registry: registry,
		clock:    clk,
		deps:     deps,
		wake:     make(chan struct{}, 1),
	}
}

// Load implements §4.5 step 2: on startup (and on explicit Resume) the
// queue loads all persisted jobs ordered by scheduled_at ascending.
func (s *Scheduler) Load(ctx context.Context) error {
	stored, err := s.backing.LoadJobs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make([]Job, 0, len(stored))
	for _, sj := range stored {
		s.jobs = append(s.jobs, fromStoredJob(sj))
	}
	return nil
}

func newJobID() string {
	return ulid.Make().String()
}

// Enqueue persists a new job before it becomes runnable, per §4.5 step 1.
// If messageID is non-empty and a job with the same messageID is already
// queued, Enqueue is a no-op (senders that retry reuse the same
// messageId, per §4.5's idempotency rule) and returns the existing job's
// id.
func (s *Scheduler) Enqueue(ctx context.Context, kind TaskKind, task Task, messageID string) (string, error) {
	s.mu.Lock()
	if messageID != "" {
		for _, j := range s.jobs {
			if j.MessageID == messageID {
				s.mu.Unlock()
				return j.JobID, nil
			}
		}
	}
	s.mu.Unlock()

	job := Job{
		JobID:        newJobID(),
		MessageID:    messageID,
		TaskKindTag:  kind.Tag,
		TaskPayload:  task.Encode(),
		ScheduledAt:  s.clock.Now().UnixNano(),
		IsBackground: kind.IsBackground,
	}
	if err := s.backing.SaveJob(ctx, toStoredJob(job)); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	s.kick()
	return job.JobID, nil
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pause gates the scheduler: RunUntilIdle stops picking new jobs once the
// current one finishes.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables scheduling and reloads the persisted job list, per
// §4.5 step 2's "on startup and on explicit resume".
func (s *Scheduler) Resume(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.kick()
	return nil
}

// AwaitDoneProcessing returns when the queue is empty or when no
// non-delayed job remains, per §4.5 step 6. It does not itself drive
// execution — call RunUntilIdle concurrently, in another goroutine.
func (s *Scheduler) AwaitDoneProcessing(ctx context.Context) error {
	for {
		s.mu.Lock()
		empty := !s.hasRunnableLocked()
		s.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

func (s *Scheduler) hasRunnableLocked() bool {
	if len(s.jobs) == 0 {
		return false
	}
	now := s.clock.Now().UnixNano()
	for _, j := range s.jobs {
		if s.eligibleLocked(j, now) {
			return true
		}
	}
	return false
}

// eligibleLocked reports whether j can run right now: not delayed into the
// future, and not gated on connectivity it doesn't have. Callers must hold
// s.mu. A job that requires connectivity while offline is treated exactly
// like one delayed into the future — per spec it is kept, untouched, for a
// later pass to pick up, never removed or retried as a failure.
func (s *Scheduler) eligibleLocked(j Job, now int64) bool {
	if j.delayedUntil(now) {
		return false
	}
	kind, ok := s.registry.lookup(j.TaskKindTag)
	if ok && kind.RequiresConnectivity && s.deps.ConnectivityAvailable != nil && !s.deps.ConnectivityAvailable() {
		return false
	}
	return true
}

// RunUntilIdle drains every currently-runnable job, executing them one at
// a time, and returns once none remain (or the queue is paused / ctx is
// canceled). It is the scheduler's only execution loop; it does not wait
// for delayed jobs to become due, so callers invoke it again later.
func (s *Scheduler) RunUntilIdle(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		if s.paused {
			s.mu.Unlock()
			return nil
		}
		job, idx, err := s.pickNextLocked()
		if err == errWaitingForDelays || len(s.jobs) == 0 {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}

		if err := s.executeOne(ctx, job, idx); err != nil {
			return err
		}
	}
}

// pickNextLocked implements §4.5 step 3's selection rule. Callers must
// hold s.mu.
func (s *Scheduler) pickNextLocked() (Job, int, error) {
	if len(s.jobs) == 0 {
		return Job{}, -1, fmt.Errorf("jobqueue: empty")
	}
	now := s.clock.Now().UnixNano()

	headIdx := -1
	for i, j := range s.jobs {
		if s.eligibleLocked(j, now) {
			headIdx = i
			break
		}
	}
	if headIdx == -1 {
		return Job{}, -1, errWaitingForDelays
	}

	head := s.jobs[headIdx]
	if !head.IsBackground {
		return head, headIdx, nil
	}

	// Head is background; prefer the first eligible non-background job.
	for i := headIdx + 1; i < len(s.jobs); i++ {
		j := s.jobs[i]
		if !s.eligibleLocked(j, now) {
			continue
		}
		if !j.IsBackground {
			return j, i, nil
		}
	}
	return head, headIdx, nil
}

// executeOne runs the job at idx (snapshotted as job) to completion,
// applying §4.5 steps 4-5, and removes it from s.jobs under lock before
// returning.
func (s *Scheduler) executeOne(ctx context.Context, job Job, idx int) error {
	kind, ok := s.registry.lookup(job.TaskKindTag)
	if !ok {
		return s.removeJob(ctx, job, idx)
	}

	// Connectivity gating happens in eligibleLocked before a job is ever
	// picked, so a job reaching here already has what RequiresConnectivity
	// demands.
	task, err := kind.Decode(job.TaskPayload)
	if err != nil {
		return s.removeJob(ctx, job, idx)
	}

	execErr := task.Execute(ctx, s.deps)
	if execErr == nil {
		return s.removeJob(ctx, job, idx)
	}
	return s.handleFailure(ctx, kind, task, job, idx, execErr)
}

func (s *Scheduler) handleFailure(ctx context.Context, kind TaskKind, task Task, job Job, idx int, execErr error) error {
	switch kind.Mode.kind {
	case retryNever:
		if hook, ok := task.(DelayedHook); ok {
			hook.OnDelayed(ctx)
		}
		return s.removeJob(ctx, job, idx)

	case retryAlways:
		return s.rescheduleJob(ctx, job, idx, nil, job.AttemptCount)

	case retryAfter:
		nextAttempt := job.AttemptCount + 1
		if kind.Mode.maxAttempts != nil && nextAttempt >= *kind.Mode.maxAttempts {
			return s.removeJob(ctx, job, idx)
		}
		delayedUntil := s.clock.Now().UnixNano() + kind.Mode.delay
		return s.rescheduleJob(ctx, job, idx, &delayedUntil, nextAttempt)

	default:
		return fmt.Errorf("jobqueue: unknown retry mode")
	}
}

func (s *Scheduler) removeJob(ctx context.Context, job Job, idx int) error {
	if err := s.backing.DeleteJob(ctx, job.JobID); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = removeAt(s.jobs, idx, job.JobID)
	s.mu.Unlock()
	s.kick()
	return nil
}

func (s *Scheduler) rescheduleJob(ctx context.Context, job Job, idx int, delayedUntil *int64, attempts int) error {
	job.AttemptCount = attempts
	job.DelayedUntil = delayedUntil
	if err := s.backing.SaveJob(ctx, toStoredJob(job)); err != nil {
		return err
	}
	s.mu.Lock()
	if idx >= 0 && idx < len(s.jobs) && s.jobs[idx].JobID == job.JobID {
		s.jobs[idx] = job
	}
	s.mu.Unlock()
	s.kick()
	return nil
}

// removeAt deletes the job at idx if it still matches jobID (guards
// against a concurrent re-entrant Enqueue having shifted indices).
func removeAt(jobs []Job, idx int, jobID string) []Job {
	if idx >= 0 && idx < len(jobs) && jobs[idx].JobID == jobID {
		return append(jobs[:idx], jobs[idx+1:]...)
	}
	for i, j := range jobs {
		if j.JobID == jobID {
			return append(jobs[:i], jobs[i+1:]...)
		}
	}
	return jobs
}

func toStoredJob(j Job) store.StoredJob {
	return store.StoredJob{
		JobID:        j.JobID,
		TaskKindTag:  j.TaskKindTag,
		Payload:      encodeJobEnvelope(j),
		ScheduledAt:  j.ScheduledAt,
		AttemptCount: j.AttemptCount,
		DelayedUntil: j.DelayedUntil,
		IsBackground: j.IsBackground,
	}
}

func fromStoredJob(sj store.StoredJob) Job {
	job := decodeJobEnvelope(sj.Payload)
	job.JobID = sj.JobID
	job.TaskKindTag = sj.TaskKindTag
	job.ScheduledAt = sj.ScheduledAt
	job.AttemptCount = sj.AttemptCount
	job.DelayedUntil = sj.DelayedUntil
	job.IsBackground = sj.IsBackground
	return job
}
