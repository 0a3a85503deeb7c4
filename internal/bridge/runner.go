package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("bridge not started")
	ErrInProgress = errors.New("bridge already running")
)

// StderrFunc receives socat's stderr line by line. With verbose or hex
// dump enabled this is the traffic trace.
type StderrFunc func(ctx context.Context, line string)

// Command is the prototype of one subprocess launch.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Result describes one finished subprocess run.
type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Runner wraps one exec.Cmd. It ensures a single active instance, waits on
// the process in an internal goroutine and fans the result out to every
// ResultsChan listener.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start launches the command. It does not wait for completion, obtain a
// channel via ResultsChan before calling Start to observe the exit.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	ctx, r.cancelFunc = context.WithCancel(ctx)
	r.cmd = exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	if len(proto.Env) != 0 {
		r.cmd.Env = append([]string(nil), proto.Env...)
	}

	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = r.cmd.StderrPipe()
		if err != nil {
			r.cmd = nil
			return err
		}
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	r.cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := r.cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cmd = nil
		return err
	}

	if stderr != nil {
		go r.processStderr(ctx, stderr, stderrFunc)
	}
	go r.wait(r.cmd)
	return nil
}

// Kill terminates the running process, a no-op when nothing runs.
func (r *Runner) Kill() {
	r.mx.Lock()
	cancel := r.cancelFunc
	r.mx.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing bridge stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.cancelFunc = nil
	}
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	waits := r.waits
	r.waits = nil
	result := r.result
	r.mx.Unlock()

	for _, ch := range waits {
		ch <- result
		close(ch)
	}
}

// ResultsChan returns a channel delivering the result of the current run.
// The channel is closed after delivery.
func (r *Runner) ResultsChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	r.waits = append(r.waits, ch)
	r.mx.Unlock()
	return ch
}

// LastResult returns the most recent run result, or a result wrapping
// ErrNotStarted before the first run.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
