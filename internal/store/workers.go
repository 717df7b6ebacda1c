package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultStaleAfter = 5 * time.Minute
	defaultClaimLimit = 10
)

// poller runs fn on every tick until ctx is cancelled.
type poller struct {
	name     string
	interval time.Duration
	now      func() time.Time
}

func (p poller) run(ctx context.Context, fn func(context.Context, time.Time) int) {
	slog.Info(p.name+".Run: starting", "pollInterval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info(p.name + ".Run: stopping")
			return
		case <-ticker.C:
			fn(ctx, p.now())
		}
	}
}

// retryBackoff doubles base for every attempt already made.
func retryBackoff(base time.Duration, attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return base * time.Duration(1<<attempts)
}

// JobHandler executes one job payload. An error reschedules the job with backoff until
// its attempts run out.
type JobHandler func(ctx context.Context, payload string) error

// DefaultJobConcurrency bounds the jobs in flight. A call_retry job holds its slot while
// it waits for the call to end.
const DefaultJobConcurrency = 32

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithJobConcurrency sets how many jobs may run at once.
func WithJobConcurrency(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// JobRunner claims due jobs and runs each in its own goroutine, dispatched by kind.
// A slow job never delays another claimed job.
type JobRunner struct {
	poller
	repo        JobRepo
	mu          sync.RWMutex
	handlers    map[string]JobHandler
	concurrency int
	slots       *semaphore.Weighted
	inflight    sync.WaitGroup
}

// NewJobRunner creates a JobRunner polling every pollInterval (default 10s).
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		poller:      poller{name: "JobRunner", interval: pollInterval, now: time.Now},
		repo:        repo,
		handlers:    make(map[string]JobHandler),
		concurrency: DefaultJobConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.slots = semaphore.NewWeighted(int64(r.concurrency))
	return r
}

// RegisterHandler routes jobs of kind to handler.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// RecoverStaleJobs requeues jobs left running by a crashed process. Call it before Run.
func (r *JobRunner) RecoverStaleJobs() error {
	n, err := r.repo.RequeueStaleRunningJobs(r.now().Add(-defaultStaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled, then waits for the jobs still running. A tick does
// not wait for the jobs it started.
func (r *JobRunner) Run(ctx context.Context) {
	r.run(ctx, func(ctx context.Context, now time.Time) int {
		n, _ := r.start(ctx, now)
		return n
	})
	r.inflight.Wait()
}

// Poll starts the jobs due at now, waits for them, and returns how many were claimed.
func (r *JobRunner) Poll(ctx context.Context, now time.Time) int {
	n, done := r.start(ctx, now)
	done.Wait()
	return n
}

// start claims as many due jobs as there are free slots and runs each in a goroutine.
func (r *JobRunner) start(ctx context.Context, now time.Time) (int, *sync.WaitGroup) {
	done := &sync.WaitGroup{}
	free := 0
	for free < defaultClaimLimit && r.slots.TryAcquire(1) {
		free++
	}
	if free == 0 {
		slog.Debug("JobRunner.Poll: all job slots busy")
		return 0, done
	}
	jobs, err := r.repo.ClaimDueJobs(now, free)
	if err != nil {
		r.slots.Release(int64(free))
		slog.Error("JobRunner.Poll: claim failed", "error", err)
		return 0, done
	}
	if unused := free - len(jobs); unused > 0 {
		r.slots.Release(int64(unused))
	}
	for _, job := range jobs {
		done.Add(1)
		r.inflight.Add(1)
		go func(job Job) {
			defer r.inflight.Done()
			defer done.Done()
			defer r.slots.Release(1)
			r.execute(ctx, job)
		}(job)
	}
	return len(jobs), done
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("JobRunner.Poll: job panicked", "id", job.ID, "kind", job.Kind, "panic", rec)
			if err := r.repo.FailJob(job.ID, fmt.Sprintf("panic: %v", rec), r.now().Add(retryBackoff(30*time.Second, job.Attempt))); err != nil {
				slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
			}
		}
	}()

	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("JobRunner.Poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, r.now().Add(time.Minute)); err != nil {
			slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.Poll: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		if err := r.repo.FailJob(job.ID, err.Error(), r.now().Add(retryBackoff(30*time.Second, job.Attempt))); err != nil {
			slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.Poll: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.Poll: job completed", "id", job.ID, "kind", job.Kind)
}

// OutboxSendFunc delivers one message; an error schedules a retry with backoff.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender delivers queued caregiver notifications.
type OutboxSender struct {
	poller
	repo OutboxRepo
	send OutboxSendFunc
}

// NewOutboxSender creates an OutboxSender polling every pollInterval (default 5s).
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		poller: poller{name: "OutboxSender", interval: pollInterval, now: time.Now},
		repo:   repo,
		send:   send,
	}
}

// RecoverStaleMessages requeues messages left in sending by a crashed process.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(s.now().Add(-defaultStaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) { s.run(ctx, s.Poll) }

// Poll sends the messages due at now and returns how many were claimed.
func (s *OutboxSender) Poll(ctx context.Context, now time.Time) int {
	msgs, err := s.repo.ClaimDueOutboxMessages(now, defaultClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}
	for _, msg := range msgs {
		if err := s.send(ctx, msg); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "patientID", msg.PatientID, "attempts", msg.Attempts+1, "error", err)
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), now.Add(retryBackoff(10*time.Second, msg.Attempts))); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
		}
	}
	return len(msgs)
}
