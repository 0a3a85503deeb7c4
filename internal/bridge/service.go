// Package bridge manages the socat subprocess that exposes a serial device
// as a TCP endpoint for the bootloader client.
//
// The Service launches socat with the address arguments derived from a
// BridgeProfile and supervises it: an unexpected exit while the owning job
// still runs triggers a bounded number of automatic restarts. Exhausting
// the restart budget does not kill the process monitor, the failure is
// reported when the job stops the bridge.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/s7tools/provd/internal/model"
)

var ErrRestartsExhausted = errors.New("bridge restart limit exhausted")

const defaultBinary = "socat"

// Service builds and supervises bridge subprocesses.
type Service struct {
	binary       string
	restartLimit int
}

func NewService(restartLimit int) *Service {
	return &Service{
		binary:       defaultBinary,
		restartLimit: restartLimit,
	}
}

// WithBinary overrides the socat binary path, used by tests and by hosts
// with socat outside PATH.
func (s *Service) WithBinary(path string) *Service {
	s.binary = path
	return s
}

// Args renders the socat invocation for a profile and device.
func (s *Service) Args(profile model.BridgeProfile, devicePath string) []string {
	var args []string
	if profile.Verbose {
		args = append(args, "-v")
	}
	if profile.HexDump {
		args = append(args, "-x")
	}
	if profile.BlockSize > 0 {
		args = append(args, "-b", strconv.Itoa(profile.BlockSize))
	}

	listen := fmt.Sprintf("TCP-LISTEN:%d", profile.TCPPort)
	if profile.TCPHost != "" {
		listen += ",bind=" + profile.TCPHost
	}
	if profile.ReuseAddress {
		listen += ",reuseaddr"
	}
	if profile.AllowFork {
		listen += ",fork"
	}

	device := devicePath
	if profile.RawMode {
		device += ",raw"
	}
	if profile.NoEcho {
		device += ",echo=0"
	}

	return append(args, listen, device)
}

// Start launches socat and begins supervising it. The returned Process
// must be stopped by the caller, usually from the pipeline teardown.
func (s *Service) Start(ctx context.Context, profile model.BridgeProfile, devicePath string) (*Process, error) {
	cmd := Command{
		Path: s.binary,
		Args: s.Args(profile, devicePath),
	}

	// the monitor outlives the Start call, detach it from the job stage
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p := &Process{
		cmd:     cmd,
		limit:   s.restartLimit,
		runner:  NewRunner(),
		cancel:  cancel,
		monDone: make(chan struct{}),
	}

	results := p.runner.ResultsChan()
	if err := p.runner.Start(mctx, cmd, logStderr); err != nil {
		cancel()
		close(p.monDone)
		return nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	slog.InfoContext(ctx, "bridge started", "binary", cmd.Path, "args", cmd.Args)

	go p.monitor(mctx, results)
	return p, nil
}

func logStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "bridge stderr", "line", line)
}

// Process is one supervised bridge subprocess.
type Process struct {
	cmd    Command
	limit  int
	runner *Runner
	cancel context.CancelFunc

	mx       sync.Mutex
	stopping bool
	failure  error

	monDone chan struct{}
}

// monitor restarts the subprocess when it exits while the job still runs,
// up to the restart limit.
func (p *Process) monitor(ctx context.Context, results <-chan Result) {
	defer close(p.monDone)
	restarts := 0
	for {
		res := <-results

		p.mx.Lock()
		stopping := p.stopping
		p.mx.Unlock()
		if stopping || ctx.Err() != nil {
			return
		}

		if restarts >= p.limit {
			p.mx.Lock()
			p.failure = fmt.Errorf("%w after %d restarts: %v", ErrRestartsExhausted, restarts, res.Err)
			p.mx.Unlock()
			slog.ErrorContext(ctx, "bridge gave up", "restarts", restarts, "error", res.Err)
			return
		}
		restarts++
		slog.WarnContext(ctx, "bridge exited unexpectedly, restarting",
			"restart", restarts, "limit", p.limit, "error", res.Err)

		results = p.runner.ResultsChan()
		if err := p.runner.Start(ctx, p.cmd, logStderr); err != nil {
			p.mx.Lock()
			p.failure = fmt.Errorf("restarting bridge: %w", err)
			p.mx.Unlock()
			return
		}
	}
}

// Stop terminates the subprocess and its monitor. It returns the recorded
// supervision failure, if any, so the pipeline can surface exhausted
// restarts during teardown.
func (p *Process) Stop() error {
	p.mx.Lock()
	p.stopping = true
	failure := p.failure
	p.mx.Unlock()

	p.runner.Kill()
	p.cancel()
	<-p.monDone

	if failure != nil {
		return failure
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.failure
}

// Err reports the recorded supervision failure without stopping.
func (p *Process) Err() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.failure
}
