package model

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceBusy is transient: the scheduler keeps the job queued and
	// retries when a resource frees. Never surfaced as a job failure.
	ErrResourceBusy = errors.New("resource busy")

	// ErrConfig marks invalid or missing profile data. Fatal for the job,
	// no retry.
	ErrConfig = errors.New("configuration error")
)

// StageError tags a pipeline failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
