package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s7tools/provd/internal/model"
	"github.com/s7tools/provd/internal/pipeline"
)

// recorder collects call names across all fake collaborators of one test.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeSerial struct {
	rec *recorder
	err error
}

func (f *fakeSerial) ApplyConfiguration(_ context.Context, _ string, _ model.SerialProfile) error {
	f.rec.add("serial.apply")
	return f.err
}

type fakeProcess struct {
	rec *recorder
}

func (f *fakeProcess) Stop() error {
	f.rec.add("bridge.stop")
	return nil
}

type fakeBridge struct {
	rec     *recorder
	err     error
	onStart func()
}

func (f *fakeBridge) Start(_ context.Context, _ model.BridgeProfile, _ string) (pipeline.Process, error) {
	f.rec.add("bridge.start")
	if f.onStart != nil {
		f.onStart()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fakeProcess{rec: f.rec}, nil
}

type fakePower struct {
	rec        *recorder
	connectErr error
	cycleErr   error
	offErr     error
}

func (f *fakePower) Connect(_ context.Context, _ model.PowerProfile) error {
	f.rec.add("power.connect")
	return f.connectErr
}

func (f *fakePower) Cycle(_ context.Context, _ time.Duration) error {
	f.rec.add("power.cycle")
	return f.cycleErr
}

func (f *fakePower) TurnOff(_ context.Context) (bool, error) {
	f.rec.add("power.off")
	return f.offErr == nil, f.offErr
}

func (f *fakePower) Close() error {
	f.rec.add("power.close")
	return nil
}

type fakeDevice struct {
	rec        *recorder
	connectErr error
	writeErr   error
	region     []byte
	readErr    error
}

func (f *fakeDevice) Connect(_ context.Context, _ string) error {
	f.rec.add("device.connect")
	return f.connectErr
}

func (f *fakeDevice) WritePayload(_ context.Context, _ []byte) error {
	f.rec.add("device.write")
	return f.writeErr
}

func (f *fakeDevice) ReadRegion(_ context.Context, _, _ uint32) ([]byte, error) {
	f.rec.add("device.read")
	return f.region, f.readErr
}

func (f *fakeDevice) Close() error {
	f.rec.add("device.close")
	return nil
}

type fakePayloads struct {
	rec     *recorder
	payload []byte
	err     error
}

func (f *fakePayloads) Resolve(_ model.PayloadProfile) ([]byte, error) {
	f.rec.add("payload.resolve")
	return f.payload, f.err
}

type harness struct {
	rec      *recorder
	serial   *fakeSerial
	bridge   *fakeBridge
	power    *fakePower
	device   *fakeDevice
	payloads *fakePayloads
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		rec:      rec,
		serial:   &fakeSerial{rec: rec},
		bridge:   &fakeBridge{rec: rec},
		power:    &fakePower{rec: rec},
		device:   &fakeDevice{rec: rec, region: []byte{0xde, 0xad}},
		payloads: &fakePayloads{rec: rec, payload: []byte{0x01}},
	}
}

func (h *harness) pipeline(cfg pipeline.Config) *pipeline.Pipeline {
	return pipeline.New(cfg,
		h.serial,
		h.bridge,
		func() pipeline.Power { return h.power },
		func() pipeline.Device { return h.device },
		h.payloads,
	)
}

func testJob(t *testing.T, operation string) model.Job {
	t.Helper()
	profiles := model.ProfileSet{
		Serial:     model.SerialProfile{Device: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, Parity: model.ParityNone, StopBits: 1},
		Bridge:     model.BridgeProfile{TCPHost: "127.0.0.1", TCPPort: 1238, BlockSize: 4},
		Power:      model.PowerProfile{Host: "127.0.0.1", Port: 502, UnitID: 1},
		Memory:     model.MemoryProfile{StartAddress: 0x8000, Length: 2},
		Payload:    model.PayloadProfile{SourcePath: "payload.bin"},
		OutputPath: filepath.Join(t.TempDir(), "out.bin"),
	}
	job, err := model.NewJob("test", operation, profiles)
	require.NoError(t, err)
	return job
}

func TestRunFlash(t *testing.T) {
	t.Parallel()
	h := newHarness()
	p := h.pipeline(pipeline.Config{})

	err := p.Run(t.Context(), testJob(t, model.OperationFlash))
	require.NoError(t, err)

	require.Equal(t, []string{
		"serial.apply",
		"bridge.start",
		"power.connect",
		"power.cycle",
		"device.connect",
		"payload.resolve",
		"device.write",
		// teardown, reverse acquisition order
		"device.close",
		"power.close",
		"bridge.stop",
	}, h.rec.log())
}

func TestRunDumpWritesOutput(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.device.region = []byte{0x01, 0x02}
	p := h.pipeline(pipeline.Config{})
	job := testJob(t, model.OperationDump)

	require.NoError(t, p.Run(t.Context(), job))

	data, err := os.ReadFile(job.Profiles.OutputPath)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, data)
}

func TestPowerOffOnTeardown(t *testing.T) {
	t.Parallel()
	h := newHarness()
	p := h.pipeline(pipeline.Config{PowerOffOnTeardown: true})

	require.NoError(t, p.Run(t.Context(), testJob(t, model.OperationFlash)))

	log := h.rec.log()
	require.Equal(t, []string{"device.close", "power.off", "power.close", "bridge.stop"}, log[len(log)-4:])
}

func TestPowerCycleFailureStopsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.power.cycleErr = errors.New("power state reads OFF after power cycle")
	p := h.pipeline(pipeline.Config{})

	err := p.Run(t.Context(), testJob(t, model.OperationFlash))
	var stageErr *model.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, pipeline.StagePower, stageErr.Stage)
	// never reached the bootloader, the bridge still unwinds
	log := h.rec.log()
	require.NotContains(t, log, "device.connect")
	require.Equal(t, "bridge.stop", log[len(log)-1])
}

func TestStageFailureRunsCleanup(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.device.connectErr = errors.New("connection refused")
	p := h.pipeline(pipeline.Config{})

	err := p.Run(t.Context(), testJob(t, model.OperationFlash))
	var stageErr *model.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, pipeline.StageConnect, stageErr.Stage)

	log := h.rec.log()
	// device never connected so it is not torn down, the rest unwinds LIFO
	require.NotContains(t, log, "device.close")
	require.Equal(t, []string{"power.close", "bridge.stop"}, log[len(log)-2:])
}

func TestCancellationBetweenStages(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx, cancel := context.WithCancel(t.Context())
	// cancel while the bridge stage is in flight, the pipeline must notice
	// at the next checkpoint and still unwind
	h.bridge.onStart = cancel
	p := h.pipeline(pipeline.Config{})

	err := p.Run(ctx, testJob(t, model.OperationFlash))
	require.ErrorIs(t, err, context.Canceled)

	log := h.rec.log()
	require.NotContains(t, log, "power.connect")
	require.Equal(t, "bridge.stop", log[len(log)-1])
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness()
	p := h.pipeline(pipeline.Config{})

	require.NoError(t, p.Run(t.Context(), testJob(t, model.OperationFlash)))

	var stops, closes int
	for _, call := range h.rec.log() {
		switch call {
		case "bridge.stop":
			stops++
		case "device.close":
			closes++
		}
	}
	require.Equal(t, 1, stops)
	require.Equal(t, 1, closes)
}
