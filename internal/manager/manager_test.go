package manager_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/s7tools/provd/internal/coord"
	"github.com/s7tools/provd/internal/manager"
	"github.com/s7tools/provd/internal/model"
	"github.com/s7tools/provd/internal/sched"
	"github.com/s7tools/provd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, job model.Job) error { return nil }

func testProfiles() model.ProfileSet {
	return model.ProfileSet{
		Serial:     model.SerialProfile{Device: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, Parity: model.ParityNone, StopBits: 1, RawMode: true},
		Bridge:     model.BridgeProfile{TCPHost: "127.0.0.1", TCPPort: 1238},
		Power:      model.PowerProfile{Host: "127.0.0.1", Port: 502, UnitID: 1},
		Memory:     model.MemoryProfile{StartAddress: 0x1000, Length: 256},
		Payload:    model.PayloadProfile{SourcePath: "/tmp/payload.bin"},
		OutputPath: "/tmp/out.bin",
	}
}

func writeTemplates(t *testing.T, dir string, templates ...manager.Template) string {
	t.Helper()
	path := filepath.Join(dir, "profiles.json")
	data, err := json.Marshal(struct {
		Profiles []manager.Template `json:"profiles"`
	}{Profiles: templates})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// harness wires a real scheduler and database under the manager, with the
// scheduler loop running until the test ends.
func harness(t *testing.T, templatesPath string) (*manager.Manager, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	db, err := store.InitDB(ctx, filepath.Join(t.TempDir(), "provd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	scheduler := sched.New(sched.Config{MaxConcurrentJobs: 2}, coord.New(), nopRunner{})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scheduler.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if templatesPath == "" {
		templatesPath = filepath.Join(t.TempDir(), "profiles.json")
	}
	mgr, err := manager.New(scheduler, db, templatesPath)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr, db
}

func TestCreateFromTemplate(t *testing.T) {
	t.Parallel()

	path := writeTemplates(t, t.TempDir(), manager.Template{
		Name:          "bench",
		IsDefault:     true,
		Configuration: testProfiles(),
	})
	mgr, db := harness(t, path)

	job, err := mgr.Create(context.Background(), "dump-7", model.OperationDump, "bench", manager.Overrides{
		Memory:     &model.MemoryProfile{StartAddress: 0x2000, Length: 128},
		OutputPath: "/tmp/out.bin",
	})
	require.NoError(t, err)
	require.Equal(t, model.StateCreated, job.State)
	require.Equal(t, uint32(0x2000), job.Profiles.Memory.StartAddress)
	require.Equal(t, "/tmp/out.bin", job.Profiles.OutputPath)

	// overrides never leak back into the template
	tmpl, err := mgr.Template("bench")
	require.NoError(t, err)
	require.Equal(t, uint32(0x1000), tmpl.Configuration.Memory.StartAddress)

	row, err := store.Get(context.Background(), db, job.ID.String())
	require.NoError(t, err)
	require.Equal(t, string(model.StateCreated), row.State)
}

func TestTemplateEditDoesNotReachJob(t *testing.T) {
	t.Parallel()

	path := writeTemplates(t, t.TempDir(), manager.Template{Name: "bench", Configuration: testProfiles()})
	mgr, _ := harness(t, path)

	job, err := mgr.Create(context.Background(), "dump-7", model.OperationDump, "bench", manager.Overrides{})
	require.NoError(t, err)

	edited, err := mgr.Template("bench")
	require.NoError(t, err)
	edited.Configuration.Serial.BaudRate = 115200
	require.NoError(t, mgr.PutTemplate(edited))

	got, ok := mgr.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, 9600, got.Profiles.Serial.BaudRate)
}

func TestCreateUnknownTemplate(t *testing.T) {
	t.Parallel()

	mgr, _ := harness(t, "")
	_, err := mgr.Create(context.Background(), "x", model.OperationDump, "nope", manager.Overrides{})
	require.ErrorIs(t, err, manager.ErrTemplateNotFound)
}

func TestTerminalStatePersisted(t *testing.T) {
	t.Parallel()

	mgr, db := harness(t, "")
	job, err := mgr.CreateFromProfiles(context.Background(), "dump-7", model.OperationDump, testProfiles())
	require.NoError(t, err)
	require.NoError(t, mgr.Enqueue(job.ID))

	got, err := mgr.WaitTerminal(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, got.State)

	require.Eventually(t, func() bool {
		row, err := store.Get(context.Background(), db, job.ID.String())
		return err == nil && row.State == string(model.StateCompleted)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "provd.db")
	db, err := store.InitDB(ctx, dbPath)
	require.NoError(t, err)

	queued, err := model.NewJob("queued", model.OperationDump, testProfiles())
	require.NoError(t, err)
	created, err := model.NewJob("created", model.OperationDump, testProfiles())
	require.NoError(t, err)
	finished, err := model.NewJob("finished", model.OperationDump, testProfiles())
	require.NoError(t, err)
	for _, job := range []model.Job{queued, created, finished} {
		require.NoError(t, store.Save(ctx, db, job))
	}
	require.NoError(t, store.SetState(ctx, db, queued.ID.String(), model.StateQueued, ""))
	require.NoError(t, store.SetState(ctx, db, finished.ID.String(), model.StateCompleted, ""))
	require.NoError(t, db.Close())

	db, err = store.InitDB(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	scheduler := sched.New(sched.Config{MaxConcurrentJobs: 1}, coord.New(), nopRunner{})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scheduler.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	mgr, err := manager.New(scheduler, db, filepath.Join(t.TempDir(), "profiles.json"))
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Restore(ctx))

	// the previously queued job runs to completion again
	got, err := mgr.WaitTerminal(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, got.State)

	// the created job waits for an explicit enqueue
	got, ok := mgr.Job(created.ID)
	require.True(t, ok)
	require.Equal(t, model.StateCreated, got.State)

	// terminal jobs are not re-registered
	_, ok = mgr.Job(finished.ID)
	require.False(t, ok)
}

func TestSaveTemplatesRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mgr, _ := harness(t, filepath.Join(dir, "profiles.json"))

	require.NoError(t, mgr.PutTemplate(manager.Template{Name: "bench", Configuration: testProfiles()}))
	require.NoError(t, mgr.SaveTemplates())

	data, err := os.ReadFile(filepath.Join(dir, "profiles.json"))
	require.NoError(t, err)
	var file struct {
		Profiles []manager.Template `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	require.Len(t, file.Profiles, 1)
	require.Equal(t, "bench", file.Profiles[0].Name)
	require.NotEmpty(t, file.Profiles[0].ID)
}
