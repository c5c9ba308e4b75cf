// Package scheduler admits routed work under its concurrency classification.
//
// Parallel work starts immediately on its own goroutine. Serial work is
// queued per queue name (normally the method) and run one job at a time, in
// arrival order, for the whole lifetime of the job. A new Serial request
// supersedes older requests of the same method: queued ones fail with
// ContentModified and a running one is cancelled with that cause.
// Notifications are never superseded.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/registry"
)

// ErrClosed is returned by Admit after Close.
var ErrClosed = errors.New("scheduler closed")

// Job is one unit of routed work.
type Job struct {
	Method      string
	Queue       string
	Concurrency registry.Concurrency
	// Supersedable marks requests. Newer Serial requests of the same method
	// replace them.
	Supersedable bool

	// Run executes the job. It is called at most once.
	Run func()
	// Fail is called instead of Run when the job is superseded while queued.
	Fail func(err error)
	// Cancel stops a running job. The scheduler passes lsp.ErrContentModified
	// as the cause when the job is superseded.
	Cancel context.CancelCauseFunc
}

// Classify returns the classification cached on the descriptor at
// registration time.
func Classify(d *registry.Descriptor) registry.Concurrency {
	if d.Concurrency == registry.ConcurrencyDefault {
		return registry.Parallel
	}
	return d.Concurrency
}

// JobFor returns a Job populated from d.
func JobFor(d *registry.Descriptor, isRequest bool) Job {
	return Job{
		Method:       d.Method,
		Queue:        d.Queue(),
		Concurrency:  Classify(d),
		Supersedable: isRequest,
	}
}

// Scheduler runs admitted jobs.
type Scheduler struct {
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	queues map[string]*queue
	wg     sync.WaitGroup
}

type queue struct {
	pending  []*Job
	running  *Job
	draining bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns an idle scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{log: slog.Default(), queues: make(map[string]*queue)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit hands a job to the scheduler. It never waits for other jobs.
func (s *Scheduler) Admit(j Job) error {
	if j.Run == nil {
		return errors.New("scheduler: job without Run")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	if j.Concurrency != registry.Serial {
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			j.Run()
		}()
		return nil
	}

	name := j.Queue
	if name == "" {
		name = j.Method
	}
	q, ok := s.queues[name]
	if !ok {
		q = &queue{}
		s.queues[name] = q
	}

	var superseded []*Job
	if j.Supersedable {
		kept := q.pending[:0]
		for _, p := range q.pending {
			if p.Supersedable && p.Method == j.Method {
				superseded = append(superseded, p)
				continue
			}
			kept = append(kept, p)
		}
		clear(q.pending[len(kept):])
		q.pending = kept
		if r := q.running; r != nil && r.Supersedable && r.Method == j.Method && r.Cancel != nil {
			s.log.Debug("scheduler.job.supersede_running", slog.String("method", j.Method))
			r.Cancel(lsp.ErrContentModified)
		}
	}

	job := j
	q.pending = append(q.pending, &job)
	start := !q.draining
	if start {
		q.draining = true
		s.wg.Add(1)
	}
	if len(superseded) > 0 {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if len(superseded) > 0 {
		s.log.Debug("scheduler.job.supersede_queued", slog.String("method", j.Method), slog.Int("count", len(superseded)))
		go func() {
			defer s.wg.Done()
			for _, p := range superseded {
				if p.Fail != nil {
					p.Fail(lsp.ErrContentModified)
				}
			}
		}()
	}
	if start {
		go s.drain(name, q)
	}
	return nil
}

// drain runs the jobs of one Serial queue until it is empty.
func (s *Scheduler) drain(name string, q *queue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.pending) == 0 {
			q.running = nil
			q.draining = false
			if s.queues[name] == q {
				delete(s.queues, name)
			}
			s.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running = j
		s.mu.Unlock()

		j.Run()
	}
}

// Close stops admitting jobs and waits for admitted ones to finish or for ctx
// to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
