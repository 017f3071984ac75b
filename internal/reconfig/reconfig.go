// Copyright (c) 2018, Postgres Professional

// Making the cluster notice changed segments and waiting until distributed
// transactions work again
package reconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"postgrespro.ru/segman/internal/segmlog"
)

const pollInterval = 1 * time.Second

type State int

const (
	Idle State = iota
	Probing
	Converging
	Converged
	TimedOut
	// a step reported an error that retrying won't fix
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case Converging:
		return "converging"
	case Converged:
		return "converged"
	case TimedOut:
		return "timed out"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type ProbeTimeoutError struct {
	Timeout time.Duration
	Last    error
}

func (e ProbeTimeoutError) Error() string {
	return fmt.Sprintf("fault detection probe did not succeed in %v, last error: %v", e.Timeout, e.Last)
}

func (e ProbeTimeoutError) Unwrap() error {
	return e.Last
}

type ConvergenceTimeoutError struct {
	Timeout time.Duration
	Last    error
}

func (e ConvergenceTimeoutError) Error() string {
	return fmt.Sprintf("cluster did not converge in %v, last error: %v", e.Timeout, e.Last)
}

func (e ConvergenceTimeoutError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks step error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}

// Step is one attempt of probe or health check. Errors are retried until
// timeout unless marked with Permanent.
type Step func(ctx context.Context) error

type Reconfigurer struct {
	hl      *segmlog.Logger
	Probe   Step
	Check   Step
	Timeout time.Duration
	Clock   clock.Clock

	mu    sync.Mutex
	state State
}

func New(hl *segmlog.Logger, probe Step, check Step, timeout time.Duration) *Reconfigurer {
	return &Reconfigurer{hl: hl, Probe: probe, Check: check, Timeout: timeout, Clock: clock.RealClock{}}
}

// State is Idle until Reconfigure is called. After it returns, state is one
// of Converged, TimedOut, Failed or Cancelled.
func (r *Reconfigurer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconfigurer) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.hl.Debugf("reconfiguration is %v", s)
}

// Reconfigure triggers fault detection, then polls the health check until it
// passes. Each phase gets its own Timeout budget, checked between attempts.
func (r *Reconfigurer) Reconfigure(ctx context.Context) error {
	r.setState(Probing)
	r.hl.Infof("triggering fault detection probe")
	if err := r.retry(ctx, "probe", r.Probe); err != nil {
		return r.fail(ctx, err, "fault detection probe failed", func(last error) error {
			return ProbeTimeoutError{Timeout: r.Timeout, Last: last}
		})
	}

	r.setState(Converging)
	r.hl.Infof("waiting for distributed transactions to work on all segments")
	if err := r.retry(ctx, "health check", r.Check); err != nil {
		return r.fail(ctx, err, "health check failed", func(last error) error {
			return ConvergenceTimeoutError{Timeout: r.Timeout, Last: last}
		})
	}
	r.setState(Converged)
	r.hl.Infof("cluster converged")
	return nil
}

func (r *Reconfigurer) fail(ctx context.Context, err error, what string, timedOut func(error) error) error {
	switch {
	case ctx.Err() != nil:
		r.setState(Cancelled)
		return err
	case IsPermanent(err):
		r.setState(Failed)
		return fmt.Errorf("%s: %w", what, err)
	}
	r.setState(TimedOut)
	return timedOut(err)
}

// retry returns last step error on timeout, permanent error at once or ctx
// error on cancellation
func (r *Reconfigurer) retry(ctx context.Context, what string, step Step) error {
	deadline := r.Clock.Now().Add(r.Timeout)
	for {
		err := step(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanent(err) || !r.Clock.Now().Before(deadline) {
			return err
		}
		r.hl.Debugf("%s failed, retrying: %v", what, err)
		if serr := r.sleep(ctx, pollInterval); serr != nil {
			return serr
		}
	}
}

func (r *Reconfigurer) sleep(ctx context.Context, d time.Duration) error {
	t := r.Clock.NewTimer(d)
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
