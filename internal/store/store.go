// Package store persists job definitions and their outcomes in a local
// sqlite database so the queue can be reconstructed after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/s7tools/provd/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("already terminal")
)

// JobRow is one persisted job.
type JobRow struct {
	ID        int
	UUID      string
	Name      string
	Operation string
	Profiles  model.ProfileSet
	CreatedAt time.Time
	State     string
	LastError *string
}

// Job rebuilds the in-memory job from the row.
func (r JobRow) Job() (model.Job, error) {
	id, err := uuid.Parse(r.UUID)
	if err != nil {
		return model.Job{}, fmt.Errorf("parsing job uuid %q: %w", r.UUID, err)
	}
	job := model.Job{
		ID:           id,
		Name:         r.Name,
		Operation:    r.Operation,
		Profiles:     r.Profiles,
		ResourceKeys: r.Profiles.ResourceKeys(),
		State:        model.State(r.State),
		CreatedAt:    r.CreatedAt,
	}
	if r.LastError != nil {
		job.LastError = *r.LastError
	}
	return job, nil
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			operation TEXT NOT NULL,
			profiles TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			state TEXT NOT NULL,
			last_error TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Save persists a freshly created job.
func Save(ctx context.Context, db *sql.DB, job model.Job) error {
	profiles, err := json.Marshal(job.Profiles)
	if err != nil {
		return fmt.Errorf("encoding profiles failed: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, job.ID.String())

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (uuid, name, operation, profiles, created_at, state) VALUES (?,?,?,?,?,?);`,
		job.ID.String(), job.Name, job.Operation, string(profiles), job.CreatedAt.UTC(), string(job.State),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// SetState records a state transition. Once a job reached a terminal
// state further updates return ErrAlreadyTerminal.
func SetState(ctx context.Context, db *sql.DB, jobUUID string, state model.State, lastError string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, jobUUID)

	var current string
	row := tx.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE uuid=?`, jobUUID,
	)
	err = row.Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	case model.State(current).Terminal():
		return ErrAlreadyTerminal
	}

	var lastErrCol *string
	if lastError != "" {
		lastErrCol = &lastError
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ? WHERE uuid = ?;`,
		string(state), lastErrCol, jobUUID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the job identified by jobUUID, ErrNotFound when it does not
// exist.
func Get(ctx context.Context, db *sql.DB, jobUUID string) (JobRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, uuid, name, operation, profiles, created_at, state, last_error FROM jobs WHERE uuid=?`, jobUUID,
	)
	jobRow, err := scanRow(row.Scan)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return JobRow{}, ErrNotFound
	case err != nil:
		return JobRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return jobRow, nil
}

// List returns all persisted jobs in creation order.
func List(ctx context.Context, db *sql.DB) ([]JobRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, uuid, name, operation, profiles, created_at, state, last_error FROM jobs ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var result []JobRow
	for rows.Next() {
		jobRow, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning job row failed: %w", err)
		}
		result = append(result, jobRow)
	}
	return result, rows.Err()
}

// Unfinished returns the jobs that were not terminal when the service
// last stopped, in creation order.
func Unfinished(ctx context.Context, db *sql.DB) ([]JobRow, error) {
	all, err := List(ctx, db)
	if err != nil {
		return nil, err
	}
	var result []JobRow
	for _, jobRow := range all {
		if !model.State(jobRow.State).Terminal() {
			result = append(result, jobRow)
		}
	}
	return result, nil
}

func Delete(ctx context.Context, db *sql.DB, jobUUID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, jobUUID)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE uuid=?`, jobUUID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx *sql.Tx, jobUUID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", jobUUID))
	}
}

func scanRow(scan func(dest ...any) error) (JobRow, error) {
	var (
		jobRow   JobRow
		profiles string
	)
	err := scan(
		&jobRow.ID,
		&jobRow.UUID,
		&jobRow.Name,
		&jobRow.Operation,
		&profiles,
		&jobRow.CreatedAt,
		&jobRow.State,
		&jobRow.LastError,
	)
	if err != nil {
		return JobRow{}, err
	}
	if err := json.Unmarshal([]byte(profiles), &jobRow.Profiles); err != nil {
		return JobRow{}, fmt.Errorf("decoding profiles failed: %w", err)
	}
	return jobRow, nil
}
