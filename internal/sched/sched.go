// Package sched owns the job life cycle: Created -> Queued -> Running ->
// {Completed | Failed | Cancelled}, with Created -> Cancelled when a job is
// cancelled before admission.
//
// One goroutine runs the admission loop. It multiplexes four concerns:
//  1. Commands (enqueue, cancel) posted to a pending list. Posting never
//     blocks, so the persisted queue can be rebuilt before Run starts.
//  2. Worker completions, which free resources and finish jobs.
//  3. Coordinator wake signals, admitting queued jobs when a resource frees
//     instead of polling.
//  4. Context cancellation, which cancels running workers and drains them.
//
// Up to MaxConcurrentJobs workers run concurrently, one per admitted job.
// Queue mutation and coordinator acquisition happen only on the loop
// goroutine, so admission is race free by construction.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/s7tools/provd/internal/coord"
	"github.com/s7tools/provd/internal/log"
	"github.com/s7tools/provd/internal/model"
)

var ErrUnknownJob = errors.New("unknown job")

// Runner executes one admitted job. Implemented by pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, job model.Job) error
}

type Config struct {
	MaxConcurrentJobs int
}

type cmdOp int

const (
	cmdEnqueue cmdOp = iota
	cmdCancel
)

type command struct {
	op cmdOp
	id uuid.UUID
}

type workerDone struct {
	id  uuid.UUID
	err error
}

type entry struct {
	job    model.Job
	cancel context.CancelFunc // set while running
}

// Scheduler admits queued jobs whose resources are free and drives them
// through the Runner.
type Scheduler struct {
	cfg    Config
	coord  *coord.Coordinator
	runner Runner

	cmdMu   sync.Mutex
	pending []command
	kick    chan struct{} // coalesced wake-up for pending commands

	done chan workerDone

	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	subsMu  sync.Mutex
	subs    map[int]func(model.StateChange)
	nextSub int

	wg sync.WaitGroup
}

func New(cfg Config, coordinator *coord.Coordinator, runner Runner) *Scheduler {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	return &Scheduler{
		cfg:     cfg,
		coord:   coordinator,
		runner:  runner,
		kick:    make(chan struct{}, 1),
		done:    make(chan workerDone),
		entries: make(map[uuid.UUID]*entry),
		subs:    make(map[int]func(model.StateChange)),
	}
}

// Subscribe registers a callback invoked synchronously on every state
// change. Events of a single job arrive in transition order. The returned
// id detaches the subscriber via Unsubscribe.
func (s *Scheduler) Subscribe(fn func(model.StateChange)) int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSub++
	s.subs[s.nextSub] = fn
	return s.nextSub
}

func (s *Scheduler) Unsubscribe(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, id)
}

func (s *Scheduler) publish(change model.StateChange) {
	s.subsMu.Lock()
	subs := make([]func(model.StateChange), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
}

// post records a command for the admission loop and wakes it. It never
// blocks, commands posted before Run starts are picked up on the loop's
// first iteration.
func (s *Scheduler) post(cmd command) {
	s.cmdMu.Lock()
	s.pending = append(s.pending, cmd)
	s.cmdMu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takePending() []command {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	cmds := s.pending
	s.pending = nil
	return cmds
}

// Register adds a freshly created job in state Created. The job is not
// eligible for admission until Enqueue.
func (s *Scheduler) Register(job model.Job) error {
	if job.State != model.StateCreated {
		return fmt.Errorf("job %s in state %s, want created", job.ID, job.State)
	}
	s.mu.Lock()
	if _, ok := s.entries[job.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", job.ID)
	}
	s.entries[job.ID] = &entry{job: job}
	s.mu.Unlock()

	s.publish(model.StateChange{JobID: job.ID, State: model.StateCreated})
	return nil
}

// Enqueue hands a registered job to the admission loop.
func (s *Scheduler) Enqueue(id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", id, ErrUnknownJob)
	}
	if e.job.State != model.StateCreated {
		state := e.job.State
		s.mu.Unlock()
		return fmt.Errorf("enqueue %s: job is %s", id, state)
	}
	s.mu.Unlock()

	s.post(command{op: cmdEnqueue, id: id})
	return nil
}

// Cancel requests cooperative cancellation. Created and Queued jobs turn
// Cancelled without ever touching the coordinator, Running jobs abort at
// the next stage checkpoint and unwind first.
func (s *Scheduler) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownJob)
	}
	if e.job.State == model.StateCreated {
		// never enqueued, finish it right here
		e.job.State = model.StateCancelled
		s.mu.Unlock()
		s.publish(model.StateChange{JobID: id, State: model.StateCancelled, Message: "cancelled before enqueue"})
		return nil
	}
	if e.job.State.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.post(command{op: cmdCancel, id: id})
	return nil
}

// Jobs returns a snapshot of all known jobs.
func (s *Scheduler) Jobs() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]model.Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	return jobs
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id uuid.UUID) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.Job{}, false
	}
	return e.job, true
}

// Run is the admission loop. It returns after ctx is cancelled and all
// workers have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting scheduler", "max_concurrent", s.cfg.MaxConcurrentJobs)

	var queue []uuid.UUID // enqueue order
	inflight := 0

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx, queue, inflight)
			return nil

		case <-s.kick:
			for _, cmd := range s.takePending() {
				switch cmd.op {
				case cmdEnqueue:
					queue = s.enqueueJob(ctx, queue, cmd.id)
				case cmdCancel:
					queue = s.cancelJob(ctx, queue, cmd.id)
				}
			}

		case d := <-s.done:
			inflight--
			s.finish(ctx, d)

		case <-s.coord.Wake():
			// a resource was released, some queued job may fit now
		}

		queue, inflight = s.admit(ctx, queue, inflight)
	}
}

// enqueueJob moves a job to the queue. The job may have been cancelled
// between Enqueue and the loop picking the command up, only a job still
// in Created is admitted.
func (s *Scheduler) enqueueJob(ctx context.Context, queue []uuid.UUID, id uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	e, ok := s.entries[id]
	var state model.State
	if ok {
		state = e.job.State
	}
	s.mu.Unlock()

	if !ok || state != model.StateCreated {
		slog.DebugContext(ctx, "enqueue ignored", "job_id", id, "state", state)
		return queue
	}
	queue = append(queue, id)
	s.setState(id, model.StateQueued, "")
	return queue
}

// admit starts the oldest queued jobs whose resource keys are free, up to
// the concurrency limit. Jobs whose keys are busy stay queued in order.
func (s *Scheduler) admit(ctx context.Context, queue []uuid.UUID, inflight int) ([]uuid.UUID, int) {
	for inflight < s.cfg.MaxConcurrentJobs {
		admitted := -1
		for i, id := range queue {
			job, ok := s.Job(id)
			if !ok || job.State != model.StateQueued {
				continue
			}
			handle, err := s.coord.Acquire(ctx, id, job.ResourceKeys, 0)
			if errors.Is(err, model.ErrResourceBusy) {
				continue
			}
			if err != nil {
				slog.ErrorContext(ctx, "acquire failed", "job_id", id, "error", err)
				continue
			}
			s.startWorker(ctx, job, handle)
			inflight++
			admitted = i
			break
		}
		if admitted < 0 {
			break
		}
		queue = append(queue[:admitted], queue[admitted+1:]...)
	}
	return queue, inflight
}

func (s *Scheduler) startWorker(ctx context.Context, job model.Job, handle *coord.Handle) {
	slog.DebugContext(ctx, "resources acquired", "job_id", handle.JobID(), "keys", handle.Keys())
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	e := s.entries[job.ID]
	e.cancel = cancel
	s.mu.Unlock()

	s.setState(job.ID, model.StateRunning, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		wctx := log.ContextAttrs(jobCtx,
			slog.String("job_id", job.ID.String()),
			slog.String("job_name", job.Name),
		)
		err := s.runner.Run(wctx, job)
		s.coord.Release(handle)
		s.done <- workerDone{id: job.ID, err: err}
	}()
}

// finish maps the worker outcome onto the terminal state and publishes it.
func (s *Scheduler) finish(ctx context.Context, d workerDone) {
	switch {
	case d.err == nil:
		s.setState(d.id, model.StateCompleted, "")
	case errors.Is(d.err, context.Canceled):
		s.setState(d.id, model.StateCancelled, "cancelled")
	default:
		s.setState(d.id, model.StateFailed, d.err.Error())
		slog.ErrorContext(ctx, "job failed", "job_id", d.id, "error", d.err)
	}
}

func (s *Scheduler) cancelJob(ctx context.Context, queue []uuid.UUID, id uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return queue
	}
	state := e.job.State
	cancel := e.cancel
	s.mu.Unlock()

	switch state {
	case model.StateQueued:
		for i, qid := range queue {
			if qid == id {
				queue = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		s.setState(id, model.StateCancelled, "cancelled while queued")
	case model.StateRunning:
		if cancel != nil {
			cancel() // worker reports back through s.done
		}
	default:
		slog.DebugContext(ctx, "cancel ignored", "job_id", id, "state", state)
	}
	return queue
}

// shutdown cancels the running workers and drains their completions. Jobs
// still queued stay queued, they are reconstructed from the store on the
// next start.
func (s *Scheduler) shutdown(ctx context.Context, queue []uuid.UUID, inflight int) {
	slog.DebugContext(ctx, "scheduler shutting down", "queued", len(queue), "inflight", inflight)
	s.mu.Lock()
	for _, e := range s.entries {
		if e.cancel != nil && e.job.State == model.StateRunning {
			e.cancel()
		}
	}
	s.mu.Unlock()

	for inflight > 0 {
		d := <-s.done
		inflight--
		s.finish(ctx, d)
	}
	s.wg.Wait()
}

func (s *Scheduler) setState(id uuid.UUID, state model.State, message string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.job.State.Terminal() {
		// once terminal a job is history, no transition out
		s.mu.Unlock()
		return
	}
	e.job.State = state
	if state == model.StateFailed {
		e.job.LastError = message
	}
	if state.Terminal() {
		e.cancel = nil
	}
	s.mu.Unlock()

	s.publish(model.StateChange{JobID: id, State: state, Message: message})
}

// WaitTerminal blocks until the job reaches a terminal state or ctx ends.
// Used by one-shot CLI commands.
func (s *Scheduler) WaitTerminal(ctx context.Context, id uuid.UUID) (model.Job, error) {
	terminal := make(chan struct{}, 1)
	sub := s.Subscribe(func(change model.StateChange) {
		if change.JobID == id && change.State.Terminal() {
			select {
			case terminal <- struct{}{}:
			default:
			}
		}
	})
	defer s.Unsubscribe(sub)

	// the job may already be done
	if job, ok := s.Job(id); ok && job.State.Terminal() {
		return job, nil
	}

	select {
	case <-terminal:
		job, ok := s.Job(id)
		if !ok {
			return model.Job{}, ErrUnknownJob
		}
		return job, nil
	case <-ctx.Done():
		return model.Job{}, ctx.Err()
	}
}
