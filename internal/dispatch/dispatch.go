// Package dispatch is the Task Dispatcher: a fixed-size worker pool that
// serializes access to the Matching Engine so pool-store races are handled
// by the engine's own linearization point rather than by holding a
// process-wide lock (spec §4.6). Each worker gets its own WorkerContext (no
// package-level singletons), but every WorkerContext wraps the same
// *matcher.Service, so the Pool Store, Trip Store and bus clients are shared
// by all workers rather than owned per worker. The router pattern is adapted from
// dlfelps-sd-uber-go's MatchingService: a single channel receives tasks,
// per-task response channels carry results back to the caller.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/airport-cabpool/internal/matcher"
	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/observability"
)

// TaskKind names the operations the dispatcher accepts.
type TaskKind string

const (
	TaskMatchRide          TaskKind = "MATCH_RIDE"
	TaskRemoveUser         TaskKind = "REMOVE_USER"
	TaskRemoveUserFromTrip TaskKind = "REMOVE_USER_FROM_TRIP"
)

// ErrTerminated is returned for any task submitted after Stop has been
// called, surfaced to callers as matcher.KindWorkerPoolTerminated.
var ErrTerminated = errors.New("dispatch: worker pool terminated")

// task is one unit of work routed to a worker, with a private response
// channel for correlation (spec §4.6's task-id correlation via channels).
type task struct {
	kind   TaskKind
	input  models.RideRequestInput
	userID string
	tripID string
	result chan taskResult
}

type taskResult struct {
	match models.MatchResult
	err   error
}

// WorkerContext is a worker's handle onto the engine. Every worker gets its
// own WorkerContext; all of them point at the same *matcher.Service and its
// clients. There is no shared package-level state.
type WorkerContext struct {
	id      int
	Matcher *matcher.Service
}

// Pool is the fixed-size worker pool.
type Pool struct {
	tasks   chan task
	done    chan struct{}
	log     *slog.Logger
	workers []*WorkerContext
}

// New starts size workers, each wrapping svc, and blocks until every worker
// has signaled READY or readyTimeout elapses.
func New(ctx context.Context, size int, svc *matcher.Service, readyTimeout time.Duration, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = 2
	}
	p := &Pool{
		tasks: make(chan task, size*4),
		done:  make(chan struct{}),
		log:   log,
	}

	ready := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		wc := &WorkerContext{id: i, Matcher: svc}
		p.workers = append(p.workers, wc)
		go p.runWorker(ctx, wc, ready)
	}

	deadline := time.After(readyTimeout)
	for i := 0; i < size; i++ {
		select {
		case <-ready:
		case <-deadline:
			return nil, errors.New("dispatch: workers did not become ready in time")
		}
	}
	return p, nil
}

func (p *Pool) runWorker(ctx context.Context, wc *WorkerContext, ready chan<- struct{}) {
	ready <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(ctx, wc, t)
		}
	}
}

func (p *Pool) execute(ctx context.Context, wc *WorkerContext, t task) {
	observability.DispatcherWorkersBusy.Inc()
	defer observability.DispatcherWorkersBusy.Dec()

	var res taskResult
	switch t.kind {
	case TaskMatchRide:
		res.match, res.err = wc.Matcher.Match(ctx, t.input)
	case TaskRemoveUser:
		res.err = wc.Matcher.RemoveUser(ctx, t.userID)
	case TaskRemoveUserFromTrip:
		res.err = wc.Matcher.RemoveUserFromTrip(ctx, t.tripID, t.userID)
	}

	outcome := "ok"
	if res.err != nil {
		outcome = "error"
	}
	observability.DispatcherTasksTotal.WithLabelValues(string(t.kind), outcome).Inc()

	select {
	case t.result <- res:
	default:
		p.log.Warn("dispatch: caller abandoned task before result delivery", "kind", t.kind)
	}
}

// submit hands a task to whichever worker is next to read off the shared
// channel; Go's channel scheduling does the load balancing.
func (p *Pool) submit(ctx context.Context, t task) (models.MatchResult, error) {
	select {
	case <-p.done:
		return models.MatchResult{}, matcher.NewWorkerPoolTerminatedError(ErrTerminated)
	default:
	}

	select {
	case p.tasks <- t:
	case <-p.done:
		return models.MatchResult{}, matcher.NewWorkerPoolTerminatedError(ErrTerminated)
	case <-ctx.Done():
		return models.MatchResult{}, ctx.Err()
	}

	select {
	case res := <-t.result:
		return res.match, res.err
	case <-ctx.Done():
		return models.MatchResult{}, ctx.Err()
	}
}

// MatchRide submits a ride-matching task and blocks for its result.
func (p *Pool) MatchRide(ctx context.Context, input models.RideRequestInput) (models.MatchResult, error) {
	return p.submit(ctx, task{kind: TaskMatchRide, input: input, result: make(chan taskResult, 1)})
}

// RemoveUser submits a disconnect/cancel task for a lone waiting passenger.
func (p *Pool) RemoveUser(ctx context.Context, userID string) error {
	_, err := p.submit(ctx, task{kind: TaskRemoveUser, userID: userID, result: make(chan taskResult, 1)})
	return err
}

// RemoveUserFromTrip submits a disconnect/cancel task for a trip member.
func (p *Pool) RemoveUserFromTrip(ctx context.Context, tripID, userID string) error {
	_, err := p.submit(ctx, task{kind: TaskRemoveUserFromTrip, tripID: tripID, userID: userID, result: make(chan taskResult, 1)})
	return err
}

// Stop closes the pool, rejecting any task submitted afterward with
// ErrTerminated. In-flight tasks are allowed to finish.
func (p *Pool) Stop() {
	close(p.done)
}
