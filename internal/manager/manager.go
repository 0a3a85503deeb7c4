// Package manager ties the job scheduler to durable state. It owns the
// named profile templates, creates jobs from them, persists every state
// transition and rebuilds the queue after a restart.
package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s7tools/provd/internal/model"
	"github.com/s7tools/provd/internal/sched"
	"github.com/s7tools/provd/internal/store"
)

var ErrTemplateNotFound = errors.New("template not found")

// Template is a named, editable profile set. Jobs snapshot Configuration
// by value at creation, editing a template never changes existing jobs.
type Template struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	IsDefault     bool             `json:"isDefault"`
	IsReadOnly    bool             `json:"isReadOnly"`
	CreatedAt     time.Time        `json:"createdAt"`
	ModifiedAt    time.Time        `json:"modifiedAt"`
	Configuration model.ProfileSet `json:"configuration"`
}

// Manager is safe for concurrent use.
type Manager struct {
	scheduler *sched.Scheduler
	db        *sql.DB

	mu            sync.Mutex
	templatesPath string
	templates     map[string]Template

	subID int
}

// New builds a manager over an initialised database and scheduler and
// loads the template file. A missing template file is not an error, the
// set starts empty.
func New(scheduler *sched.Scheduler, db *sql.DB, templatesPath string) (*Manager, error) {
	m := &Manager{
		scheduler:     scheduler,
		db:            db,
		templatesPath: templatesPath,
		templates:     make(map[string]Template),
	}
	if err := m.loadTemplates(); err != nil {
		return nil, err
	}
	m.subID = scheduler.Subscribe(m.persistChange)
	return m, nil
}

// Close detaches the manager from the scheduler's event stream.
func (m *Manager) Close() {
	m.scheduler.Unsubscribe(m.subID)
}

func (m *Manager) loadTemplates() error {
	data, err := os.ReadFile(m.templatesPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading templates %s: %w", m.templatesPath, err)
	}

	var file struct {
		Profiles []Template `json:"profiles"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decoding templates %s: %w", m.templatesPath, err)
	}
	for _, tmpl := range file.Profiles {
		m.templates[tmpl.Name] = tmpl
	}
	return nil
}

// SaveTemplates writes the current template set back to disk.
func (m *Manager) SaveTemplates() error {
	m.mu.Lock()
	file := struct {
		Profiles []Template `json:"profiles"`
	}{Profiles: make([]Template, 0, len(m.templates))}
	for _, tmpl := range m.templates {
		file.Profiles = append(file.Profiles, tmpl)
	}
	m.mu.Unlock()
	sort.Slice(file.Profiles, func(i, j int) bool { return file.Profiles[i].Name < file.Profiles[j].Name })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding templates: %w", err)
	}
	if err := os.WriteFile(m.templatesPath, data, 0o644); err != nil {
		return fmt.Errorf("writing templates %s: %w", m.templatesPath, err)
	}
	return nil
}

// Template returns the named template by value.
func (m *Manager) Template(name string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmpl, ok := m.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return tmpl, nil
}

// DefaultTemplate returns the template flagged as default, or the only
// one when exactly one exists.
func (m *Manager) DefaultTemplate() (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var only Template
	for _, tmpl := range m.templates {
		if tmpl.IsDefault {
			return tmpl, nil
		}
		only = tmpl
	}
	if len(m.templates) == 1 {
		return only, nil
	}
	return Template{}, fmt.Errorf("%w: no default template", ErrTemplateNotFound)
}

// PutTemplate adds or replaces a template. Read-only templates cannot be
// replaced.
func (m *Manager) PutTemplate(tmpl Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.templates[tmpl.Name]; ok && existing.IsReadOnly {
		return fmt.Errorf("template %q is read only: %w", tmpl.Name, model.ErrConfig)
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}
	tmpl.ModifiedAt = time.Now().UTC()
	m.templates[tmpl.Name] = tmpl
	return nil
}

// Templates returns all templates sorted by name.
func (m *Manager) Templates() []Template {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Template, 0, len(m.templates))
	for _, tmpl := range m.templates {
		result = append(result, tmpl)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Overrides tweak a template's configuration for one job without editing
// the template itself.
type Overrides struct {
	Memory     *model.MemoryProfile
	Payload    *model.PayloadProfile
	OutputPath string
}

func (o Overrides) apply(profiles model.ProfileSet) model.ProfileSet {
	if o.Memory != nil {
		profiles.Memory = *o.Memory
	}
	if o.Payload != nil {
		profiles.Payload = *o.Payload
	}
	if o.OutputPath != "" {
		profiles.OutputPath = o.OutputPath
	}
	return profiles
}

// Create builds a job from the named template, persists it and registers
// it with the scheduler. The job starts in the created state and is not
// queued yet.
func (m *Manager) Create(ctx context.Context, name, operation, templateName string, overrides Overrides) (model.Job, error) {
	tmpl, err := m.Template(templateName)
	if err != nil {
		return model.Job{}, err
	}
	return m.CreateFromProfiles(ctx, name, operation, overrides.apply(tmpl.Configuration))
}

// CreateFromProfiles builds a job from an explicit profile set.
func (m *Manager) CreateFromProfiles(ctx context.Context, name, operation string, profiles model.ProfileSet) (model.Job, error) {
	job, err := model.NewJob(name, operation, profiles)
	if err != nil {
		return model.Job{}, err
	}
	if err := store.Save(ctx, m.db, job); err != nil {
		return model.Job{}, fmt.Errorf("persisting job %s: %w", job.ID, err)
	}
	if err := m.scheduler.Register(job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// Enqueue hands a created job to the scheduler's admission loop.
func (m *Manager) Enqueue(id uuid.UUID) error {
	return m.scheduler.Enqueue(id)
}

// Cancel requests cancellation of a job in any non-terminal state.
func (m *Manager) Cancel(id uuid.UUID) error {
	return m.scheduler.Cancel(id)
}

// Job returns the live view of a job known to the scheduler.
func (m *Manager) Job(id uuid.UUID) (model.Job, bool) {
	return m.scheduler.Job(id)
}

// Jobs returns the scheduler's live jobs.
func (m *Manager) Jobs() []model.Job {
	return m.scheduler.Jobs()
}

// History returns every persisted job, terminal ones included.
func (m *Manager) History(ctx context.Context) ([]store.JobRow, error) {
	return store.List(ctx, m.db)
}

// Subscribe registers a callback for job state changes.
func (m *Manager) Subscribe(fn func(model.StateChange)) int {
	return m.scheduler.Subscribe(fn)
}

// Unsubscribe removes a callback registered with Subscribe.
func (m *Manager) Unsubscribe(id int) {
	m.scheduler.Unsubscribe(id)
}

// WaitTerminal blocks until the job reaches a terminal state.
func (m *Manager) WaitTerminal(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return m.scheduler.WaitTerminal(ctx, id)
}

// Restore re-registers jobs that were not terminal when the service last
// stopped. Jobs that were already queued or running go straight back into
// the queue, created ones wait for an explicit enqueue.
func (m *Manager) Restore(ctx context.Context) error {
	rows, err := store.Unfinished(ctx, m.db)
	if err != nil {
		return fmt.Errorf("loading unfinished jobs: %w", err)
	}
	for _, row := range rows {
		job, err := row.Job()
		if err != nil {
			slog.WarnContext(ctx, "Skipping unreadable persisted job.", slog.String("uuid", row.UUID), slog.Any("error", err))
			continue
		}
		resume := job.State == model.StateQueued || job.State == model.StateRunning
		job.State = model.StateCreated
		if err := m.scheduler.Register(job); err != nil {
			return fmt.Errorf("restoring job %s: %w", job.ID, err)
		}
		if resume {
			if err := m.scheduler.Enqueue(job.ID); err != nil {
				return fmt.Errorf("re-queueing job %s: %w", job.ID, err)
			}
		}
	}
	return nil
}

// persistChange mirrors scheduler state transitions into the database.
// Registration publishes a created event for a row Save already wrote, so
// that one is skipped.
func (m *Manager) persistChange(change model.StateChange) {
	if change.State == model.StateCreated {
		return
	}
	ctx := context.Background()
	err := store.SetState(ctx, m.db, change.JobID.String(), change.State, change.Message)
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		slog.ErrorContext(ctx, "Persisting job state failed.",
			slog.String("uuid", change.JobID.String()),
			slog.String("state", string(change.State)),
			slog.Any("error", err),
		)
	}
}
