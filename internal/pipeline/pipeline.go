// Package pipeline drives one provisioning job through the fixed six stage
// sequence: configure serial line, start the serial<->TCP bridge, power
// cycle the target, connect the bootloader client, transfer (flash or
// dump), and tear everything down in reverse order.
//
// Every stage that acquires something registers a cleanup action. The
// cleanup stack runs in LIFO order on every exit path, success, stage
// failure and cancellation alike. Cleanup failures are logged and never
// escape the pipeline.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/s7tools/provd/internal/model"
)

// Stage names used to tag errors.
const (
	StageSerial   = "serial"
	StageBridge   = "bridge"
	StagePower    = "power"
	StageConnect  = "connect"
	StageTransfer = "transfer"
	StageTeardown = "teardown"
)

// Serial applies a line configuration to a serial device.
type Serial interface {
	ApplyConfiguration(ctx context.Context, device string, profile model.SerialProfile) error
}

// Process is a running bridge subprocess.
type Process interface {
	Stop() error
}

// Bridge starts the serial<->TCP bridge subprocess.
type Bridge interface {
	Start(ctx context.Context, profile model.BridgeProfile, devicePath string) (Process, error)
}

// Power talks to the remotely switched power supply. Cycle is the full
// OFF, wait, ON, wait, confirm sequence; TurnOff remains for teardown.
type Power interface {
	Connect(ctx context.Context, profile model.PowerProfile) error
	Cycle(ctx context.Context, delay time.Duration) error
	TurnOff(ctx context.Context) (bool, error)
	Close() error
}

// Device is the bootloader protocol client reached through the bridge.
type Device interface {
	Connect(ctx context.Context, endpoint string) error
	WritePayload(ctx context.Context, payload []byte) error
	ReadRegion(ctx context.Context, start, length uint32) ([]byte, error)
	Close() error
}

// PayloadProvider resolves the payload image for a flash operation.
type PayloadProvider interface {
	Resolve(profile model.PayloadProfile) ([]byte, error)
}

// Config holds the pipeline knobs.
type Config struct {
	// PowerCycleDelay is waited after turning the target off and again
	// after turning it back on.
	PowerCycleDelay time.Duration
	// PowerOffOnTeardown switches the target off once the job is done.
	PowerOffOnTeardown bool
}

// Pipeline executes jobs against injected hardware collaborators. One
// Pipeline may run jobs for many workers, it keeps no per-job state.
type Pipeline struct {
	cfg      Config
	serial   Serial
	bridge   Bridge
	power    func() Power
	device   func() Device
	payloads PayloadProvider
}

// New builds a Pipeline. power and device are factories because each job
// needs its own connection.
func New(cfg Config, serial Serial, bridge Bridge, power func() Power, device func() Device, payloads PayloadProvider) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		serial:   serial,
		bridge:   bridge,
		power:    power,
		device:   device,
		payloads: payloads,
	}
}

// Run executes the full sequence for one job. The returned error is either
// ctx.Err() on cooperative cancellation (checked between stages, never mid
// stage) or a *model.StageError naming the failed stage. Cleanup has
// already run when Run returns.
func (p *Pipeline) Run(ctx context.Context, job model.Job) (err error) {
	var cu cleanupStack
	defer func() {
		// teardown runs even when the job context is already cancelled
		cu.run(context.WithoutCancel(ctx))
	}()

	profiles := job.Profiles

	// stage 1: serial line
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "configuring serial line", "device", profiles.Serial.Device, "baud", profiles.Serial.BaudRate)
	if err := p.serial.ApplyConfiguration(ctx, profiles.Serial.Device, profiles.Serial); err != nil {
		return &model.StageError{Stage: StageSerial, Err: err}
	}

	// stage 2: bridge subprocess
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "starting bridge", "endpoint", profiles.Bridge.Endpoint())
	proc, err := p.bridge.Start(ctx, profiles.Bridge, profiles.Serial.Device)
	if err != nil {
		return &model.StageError{Stage: StageBridge, Err: err}
	}
	cu.push("stop bridge", func(context.Context) error {
		return proc.Stop()
	})

	// stage 3: power cycle
	if err := ctx.Err(); err != nil {
		return err
	}
	power := p.power()
	if err := power.Connect(ctx, profiles.Power); err != nil {
		return &model.StageError{Stage: StagePower, Err: err}
	}
	cu.push("close power client", func(context.Context) error {
		return power.Close()
	})
	if p.cfg.PowerOffOnTeardown {
		cu.push("power off", func(cctx context.Context) error {
			_, err := power.TurnOff(cctx)
			return err
		})
	}
	slog.InfoContext(ctx, "power cycling target", "host", profiles.Power.Host, "port", profiles.Power.Port)
	if err := power.Cycle(ctx, p.cfg.PowerCycleDelay); err != nil {
		return &model.StageError{Stage: StagePower, Err: err}
	}

	// stage 4: bootloader client
	if err := ctx.Err(); err != nil {
		return err
	}
	device := p.device()
	slog.InfoContext(ctx, "connecting bootloader client", "endpoint", profiles.Bridge.Endpoint())
	if err := device.Connect(ctx, profiles.Bridge.Endpoint()); err != nil {
		return &model.StageError{Stage: StageConnect, Err: err}
	}
	cu.push("disconnect device", func(context.Context) error {
		return device.Close()
	})

	// stage 5: transfer
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.transfer(ctx, job, device); err != nil {
		return &model.StageError{Stage: StageTransfer, Err: err}
	}

	// stage 6 is the deferred teardown
	return nil
}

func (p *Pipeline) transfer(ctx context.Context, job model.Job, device Device) error {
	switch job.Operation {
	case model.OperationFlash:
		payload, err := p.payloads.Resolve(job.Profiles.Payload)
		if err != nil {
			return fmt.Errorf("resolving payload: %w", err)
		}
		slog.InfoContext(ctx, "flashing payload", "bytes", len(payload))
		return device.WritePayload(ctx, payload)

	case model.OperationDump:
		region := job.Profiles.Memory
		slog.InfoContext(ctx, "dumping memory",
			"start", fmt.Sprintf("%#x", region.StartAddress), "length", region.Length)
		data, err := device.ReadRegion(ctx, region.StartAddress, region.Length)
		if err != nil {
			return fmt.Errorf("reading region: %w", err)
		}
		if err := os.WriteFile(job.Profiles.OutputPath, data, 0o644); err != nil {
			return fmt.Errorf("writing dump: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("operation %q: %w", job.Operation, model.ErrConfig)
	}
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

type cleanupStack struct {
	items []cleanup
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanup{name: name, fn: fn})
}

// run executes the registered actions in reverse order. Errors are logged,
// never propagated.
func (s *cleanupStack) run(ctx context.Context) {
	for i := len(s.items) - 1; i >= 0; i-- {
		cu := s.items[i]
		if err := cu.fn(ctx); err != nil {
			slog.WarnContext(ctx, "cleanup failed", "action", cu.name, "error", err)
		}
	}
	s.items = nil
}
