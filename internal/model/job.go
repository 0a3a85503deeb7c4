package model

import (
	"time"

	"github.com/google/uuid"
)

// State of a job in the scheduler life cycle.
type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job is one provisioning request. Everything except State and LastError is
// immutable after NewJob, and those two are written only by the scheduler
// worker owning the job.
type Job struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	Operation    string        `json:"operation"` // flash | dump
	Profiles     ProfileSet    `json:"profiles"`
	ResourceKeys []ResourceKey `json:"resourceKeys"`
	State        State         `json:"state"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastError    string        `json:"lastError,omitempty"`
}

// NewJob snapshots the profile set by value and derives the resource keys.
func NewJob(name, operation string, profiles ProfileSet) (Job, error) {
	if err := profiles.Validate(operation); err != nil {
		return Job{}, err
	}
	return Job{
		ID:           uuid.New(),
		Name:         name,
		Operation:    operation,
		Profiles:     profiles,
		ResourceKeys: profiles.ResourceKeys(),
		State:        StateCreated,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// StateChange is published once per job transition, in transition order for
// any single job. No ordering is guaranteed across different jobs.
type StateChange struct {
	JobID   uuid.UUID
	State   State
	Message string
}
