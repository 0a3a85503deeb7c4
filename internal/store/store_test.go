package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s7tools/provd/internal/model"
)

func testProfiles() model.ProfileSet {
	return model.ProfileSet{
		Serial:     model.SerialProfile{Device: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, Parity: model.ParityNone, StopBits: 1, RawMode: true},
		Bridge:     model.BridgeProfile{TCPHost: "127.0.0.1", TCPPort: 1238, BlockSize: 4},
		Power:      model.PowerProfile{Host: "127.0.0.1", Port: 502, UnitID: 1},
		Memory:     model.MemoryProfile{StartAddress: 0x1000, Length: 256},
		Payload:    model.PayloadProfile{SourcePath: "/tmp/payload.bin"},
		OutputPath: "/tmp/out.bin",
	}
}

func testDB(t *testing.T) (context.Context, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := InitDB(ctx, filepath.Join(t.TempDir(), "provd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return ctx, db
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	ctx, db := testDB(t)
	job, err := model.NewJob("plc-7", model.OperationDump, testProfiles())
	require.NoError(t, err)
	require.NoError(t, Save(ctx, db, job))

	row, err := Get(ctx, db, job.ID.String())
	require.NoError(t, err)
	require.Equal(t, job.Name, row.Name)
	require.Equal(t, string(model.StateCreated), row.State)
	require.Equal(t, job.Profiles, row.Profiles)

	restored, err := row.Job()
	require.NoError(t, err)
	require.Equal(t, job.ID, restored.ID)
	require.Equal(t, job.ResourceKeys, restored.ResourceKeys)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	ctx, db := testDB(t)
	_, err := Get(ctx, db, "8a3e7c2e-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetState(t *testing.T) {
	t.Parallel()

	ctx, db := testDB(t)
	job, err := model.NewJob("plc-7", model.OperationFlash, testProfiles())
	require.NoError(t, err)
	require.NoError(t, Save(ctx, db, job))

	require.NoError(t, SetState(ctx, db, job.ID.String(), model.StateRunning, ""))
	require.NoError(t, SetState(ctx, db, job.ID.String(), model.StateFailed, "bridge exited"))

	row, err := Get(ctx, db, job.ID.String())
	require.NoError(t, err)
	require.Equal(t, string(model.StateFailed), row.State)
	require.NotNil(t, row.LastError)
	require.Equal(t, "bridge exited", *row.LastError)

	err = SetState(ctx, db, job.ID.String(), model.StateQueued, "")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestSetStateMissing(t *testing.T) {
	t.Parallel()

	ctx, db := testDB(t)
	err := SetState(ctx, db, "8a3e7c2e-0000-0000-0000-000000000000", model.StateRunning, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnfinished(t *testing.T) {
	t.Parallel()

	ctx, db := testDB(t)

	first, err := model.NewJob("first", model.OperationDump, testProfiles())
	require.NoError(t, err)
	second, err := model.NewJob("second", model.OperationDump, testProfiles())
	require.NoError(t, err)
	third, err := model.NewJob("third", model.OperationDump, testProfiles())
	require.NoError(t, err)

	for _, job := range []model.Job{first, second, third} {
		require.NoError(t, Save(ctx, db, job))
	}
	require.NoError(t, SetState(ctx, db, second.ID.String(), model.StateCompleted, ""))

	rows, err := Unfinished(ctx, db)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, first.ID.String(), rows[0].UUID)
	require.Equal(t, third.ID.String(), rows[1].UUID)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx, db := testDB(t)
	job, err := model.NewJob("plc-7", model.OperationDump, testProfiles())
	require.NoError(t, err)
	require.NoError(t, Save(ctx, db, job))

	require.NoError(t, Delete(ctx, db, job.ID.String()))
	require.ErrorIs(t, Delete(ctx, db, job.ID.String()), ErrNotFound)
}
