// Copyright (c) 2018, Postgres Professional

// Units of work executed either on this machine or on a remote host
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/alessio/shellescape"
)

// Outcome of one command run. Produced exactly once per Task.
type Result struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
}

func (r Result) Succeeded() bool {
	return r.ReturnCode == 0
}

func (r Result) String() string {
	return fmt.Sprintf("rc=%d, stdout='%s', stderr='%s'", r.ReturnCode,
		strings.TrimSpace(string(r.Stdout)), strings.TrimSpace(string(r.Stderr)))
}

// ExecutionContext is where a command runs. Only Local and Remote implement it.
type ExecutionContext interface {
	// hostname for remote, "localhost" for local
	Target() string
	run(ctx context.Context, cmd string) Result
}

type Local struct{}

func (Local) Target() string {
	return "localhost"
}

func (Local) run(ctx context.Context, cmd string) Result {
	return runShell(ctx, "/bin/sh", "-c", cmd)
}

// Transport executes a shell command on a named host.
type Transport interface {
	Run(ctx context.Context, host string, cmd string) Result
}

// TransportFunc adapts a plain function to Transport
type TransportFunc func(ctx context.Context, host string, cmd string) Result

func (f TransportFunc) Run(ctx context.Context, host string, cmd string) Result {
	return f(ctx, host, cmd)
}

// SSHTransport runs commands with the system ssh client; keys and known hosts
// are configured by the deployment.
type SSHTransport struct {
	// extra ssh arguments, e.g. -p 2222
	Options []string
}

func (t SSHTransport) Run(ctx context.Context, host string, cmd string) Result {
	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=no"}
	args = append(args, t.Options...)
	args = append(args, host, cmd)
	return runShell(ctx, "ssh", args...)
}

type Remote struct {
	host string
	// installation prefix on the remote host; empty means remote default PATH
	home      string
	transport Transport
}

type InvalidTargetError struct {
	Reason string
}

func (e InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid execution target: %s", e.Reason)
}

// NewRemote creates remote context; nil transport means ssh.
func NewRemote(host string, home string, tr Transport) (*Remote, error) {
	if strings.TrimSpace(host) == "" {
		return nil, InvalidTargetError{Reason: "empty hostname"}
	}
	if tr == nil {
		tr = SSHTransport{}
	}
	return &Remote{host: host, home: home, transport: tr}, nil
}

func (r *Remote) Target() string {
	return r.host
}

func (r *Remote) Home() string {
	return r.home
}

func (r *Remote) run(ctx context.Context, cmd string) Result {
	if r.home != "" {
		cmd = fmt.Sprintf("export PATH=%s:$PATH; %s", shellescape.Quote(r.home+"/bin"), cmd)
	}
	return r.transport.Run(ctx, r.host, cmd)
}

func runShell(ctx context.Context, name string, args ...string) Result {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, name, args...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			// -1 if killed by signal
			res.ReturnCode = exitErr.ExitCode()
		} else {
			// failed to start at all
			res.ReturnCode = -1
			res.Stderr = append(res.Stderr, []byte(err.Error())...)
		}
	}
	return res
}

type State int

const (
	Pending State = iota
	Running
	Done
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Task struct {
	Name string
	Cmd  string
	Ctx  ExecutionContext

	mu     sync.Mutex
	state  State
	result *Result
}

func NewTask(name string, cmd string, ectx ExecutionContext) *Task {
	return &Task{Name: name, Cmd: cmd, Ctx: ectx}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

type NotYetRunError struct {
	Task string
}

func (e NotYetRunError) Error() string {
	return fmt.Sprintf("task %s has not completed yet", e.Task)
}

func (t *Task) Result() (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Done {
		return Result{}, NotYetRunError{Task: t.Name}
	}
	return *t.result, nil
}

// Run executes the command. A task runs at most once, running it again is a
// programming error.
func (t *Task) Run(ctx context.Context) Result {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		panic(fmt.Sprintf("task %s is already %v", t.Name, t.state))
	}
	t.state = Running
	t.mu.Unlock()

	res := t.Ctx.run(ctx, t.Cmd)

	t.mu.Lock()
	t.result = &res
	t.state = Done
	t.mu.Unlock()
	return res
}

// ExecutionError returned for a failed task; carries output verbatim so the
// operator sees which host failed and why.
type ExecutionError struct {
	Task   string
	Host   string
	Cmd    string
	Result Result
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed on host %s: cmd '%s', rc=%d, stdout: %s, stderr: %s",
		e.Task, e.Host, e.Cmd, e.Result.ReturnCode, string(e.Result.Stdout), string(e.Result.Stderr))
}

// Check returns ExecutionError if the finished task failed, NotYetRunError if
// it is not finished and nil otherwise.
func (t *Task) Check() error {
	res, err := t.Result()
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return &ExecutionError{Task: t.Name, Host: t.Ctx.Target(), Cmd: t.Cmd, Result: res}
	}
	return nil
}
