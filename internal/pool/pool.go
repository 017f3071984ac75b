// Copyright (c) 2018, Postgres Professional

// Bounded pool of workers running command tasks on many hosts at once
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/segmlog"
)

var ErrShutdown = errors.New("pool is shut down")

type InvalidConfigurationError struct {
	Workers int
}

func (e InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid number of workers: %d, must be at least 1", e.Workers)
}

// Task can run only once
type TaskNotPendingError struct {
	Task  string
	State command.State
}

func (e TaskNotPendingError) Error() string {
	return fmt.Sprintf("task %s is %v, only pending tasks can be submitted", e.Task, e.State)
}

// Pool never fails on behalf of a task: failed tasks are just collected and
// it is up to the caller to look at them, see CheckResults.
type Pool struct {
	hl  *segmlog.Logger
	ctx context.Context

	mu sync.Mutex
	// signalled on every queue/running/completed/closed change
	cond      *sync.Cond
	queue     []*command.Task
	running   int
	completed []*command.Task
	submitted map[*command.Task]struct{}
	closed    bool

	nworkers int
	wg       sync.WaitGroup
}

// New starts workers goroutines. ctx is passed down to the commands; pool
// itself never cancels anything.
func New(ctx context.Context, hl *segmlog.Logger, workers int) (*Pool, error) {
	if workers < 1 {
		return nil, InvalidConfigurationError{Workers: workers}
	}
	p := &Pool{hl: hl, ctx: ctx, nworkers: workers, submitted: make(map[*command.Task]struct{})}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerMain(i)
	}
	return p, nil
}

// With runs fn on a fresh pool and always shuts it down afterwards.
func With(ctx context.Context, hl *segmlog.Logger, workers int, fn func(p *Pool) error) error {
	p, err := New(ctx, hl, workers)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}

// WorkersFor gives one worker per host but not more than limit (if positive)
func WorkersFor(nhosts int, limit int) int {
	n := nhosts
	if limit > 0 && n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Pool) workerMain(id int) {
	defer p.wg.Done()
	wLog := p.hl.With("worker", id)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			// closed and nothing left
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		wLog.Debugf("running task %s on %s: %s", task.Name, task.Ctx.Target(), task.Cmd)
		res := task.Run(p.ctx)
		if !res.Succeeded() {
			wLog.Debugf("task %s on %s failed: %v", task.Name, task.Ctx.Target(), res)
		}

		p.mu.Lock()
		p.running--
		p.completed = append(p.completed, task)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Submit enqueues the task, never waiting for a free worker. A task which
// was already submitted or run is rejected with TaskNotPendingError.
func (p *Pool) Submit(task *command.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	if _, ok := p.submitted[task]; ok {
		return TaskNotPendingError{Task: task.Name, State: task.State()}
	}
	if st := task.State(); st != command.Pending {
		return TaskNotPendingError{Task: task.Name, State: st}
	}
	p.submitted[task] = struct{}{}
	p.queue = append(p.queue, task)
	p.cond.Broadcast()
	return nil
}

// AwaitAll blocks until everything submitted so far is done.
func (p *Pool) AwaitAll() {
	p.mu.Lock()
	for len(p.queue) != 0 || p.running != 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *Pool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0 && p.running == 0
}

// DrainCompleted removes and returns finished tasks in completion order.
func (p *Pool) DrainCompleted() []*command.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.completed
	p.completed = nil
	return res
}

// Completed returns finished, not yet drained tasks without removing them.
func (p *Pool) Completed() []*command.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]*command.Task, len(p.completed))
	copy(res, p.completed)
	return res
}

// CheckResults returns *command.ExecutionError of the first failed task among
// completed ones.
func (p *Pool) CheckResults() error {
	for _, task := range p.Completed() {
		if err := task.Check(); err != nil {
			return err
		}
	}
	return nil
}

// Errors combines failures of all completed tasks, for best-effort callers
// which want to report everything.
func (p *Pool) Errors() error {
	var err error
	for _, task := range p.Completed() {
		err = multierr.Append(err, task.Check())
	}
	return err
}

func (p *Pool) NumWorkers() int {
	return p.nworkers
}

// Shutdown makes pool reject new tasks. Already queued ones are still
// executed, running ones are never interrupted.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Join waits until all workers exit. Must follow Shutdown.
func (p *Pool) Join() {
	p.wg.Wait()
}

func (p *Pool) Close() {
	p.Shutdown()
	p.Join()
}
