// Package service assembles the provisioning engine from configuration:
// database, resource coordinator, hardware pipeline, scheduler and job
// manager, plus the gocron timer in timer mode.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/s7tools/provd/internal/bridge"
	"github.com/s7tools/provd/internal/coord"
	"github.com/s7tools/provd/internal/device"
	"github.com/s7tools/provd/internal/manager"
	"github.com/s7tools/provd/internal/model"
	"github.com/s7tools/provd/internal/payload"
	"github.com/s7tools/provd/internal/pipeline"
	"github.com/s7tools/provd/internal/power"
	"github.com/s7tools/provd/internal/sched"
	"github.com/s7tools/provd/internal/serial"
	"github.com/s7tools/provd/internal/store"
)

// Service owns the engine's lifetime. Build with New, drive with Run,
// release with Close.
type Service struct {
	cfg       model.Config
	db        *sql.DB
	scheduler *sched.Scheduler
	manager   *manager.Manager
	timer     gocron.Scheduler // nil outside timer mode
}

func New(ctx context.Context, cfg model.Config) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}

	db, err := store.InitDB(ctx, cfg.Paths.History)
	if err != nil {
		return nil, fmt.Errorf("initializing job database %s: %w", cfg.Paths.History, err)
	}

	pipe := pipeline.New(
		pipeline.Config{
			PowerCycleDelay:    cfg.Scheduler.PowerCycleDelayDuration(),
			PowerOffOnTeardown: true,
		},
		serial.NewService(),
		bridgeStarter{svc: bridge.NewService(cfg.Scheduler.BridgeRestartLimit)},
		func() pipeline.Power { return power.NewClient() },
		func() pipeline.Device { return device.NewClient() },
		payload.NewProvider(),
	)
	scheduler := sched.New(
		sched.Config{MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs},
		coord.New(),
		pipe,
	)

	mgr, err := manager.New(scheduler, db, cfg.Paths.Profiles)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	svc := &Service{
		cfg:       cfg,
		db:        db,
		scheduler: scheduler,
		manager:   mgr,
	}

	if cfg.Service.Mode == model.ServiceModeTimer {
		timer, err := newTimer(ctx, cfg.Service.Schedule, func() { svc.enqueueScheduled(context.Background()) })
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		svc.timer = timer
	}
	return svc, nil
}

// Manager exposes job creation and queries to the CLI.
func (s *Service) Manager() *manager.Manager {
	return s.manager
}

// Run restores the persisted queue and serves until ctx is cancelled.
// Returns nil on graceful cancellation.
func (s *Service) Run(ctx context.Context) error {
	if err := s.manager.Restore(ctx); err != nil {
		// cancellation during the restore is still a graceful stop
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if s.timer != nil {
		s.timer.Start()
		defer s.timer.StopJobs()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Run(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the manager subscription and the database. Call after
// Run returned.
func (s *Service) Close() {
	if s.timer != nil {
		if err := s.timer.Shutdown(); err != nil {
			slog.Error("shutting down gocron has failed", "error", err)
		}
	}
	s.manager.Close()
	if err := s.db.Close(); err != nil {
		slog.Error("closing job database failed", "error", err)
	}
}

// enqueueScheduled creates and queues one job from the configured template.
// Timer ticks never fail the service, errors are logged and the next tick
// tries again.
func (s *Service) enqueueScheduled(ctx context.Context) {
	svcCfg := s.cfg.Service
	name := "scheduled-" + time.Now().Format("2006-01-02-15-04-05")

	var overrides manager.Overrides
	if svcCfg.Operation == model.OperationDump && svcCfg.OutputDir != "" {
		overrides.OutputPath = filepath.Join(svcCfg.OutputDir, name+".bin")
	}

	tmplName := svcCfg.Template
	var (
		job model.Job
		err error
	)
	if tmplName == "" {
		var tmpl manager.Template
		tmpl, err = s.manager.DefaultTemplate()
		if err == nil {
			job, err = s.manager.Create(ctx, name, svcCfg.Operation, tmpl.Name, overrides)
		}
	} else {
		job, err = s.manager.Create(ctx, name, svcCfg.Operation, tmplName, overrides)
	}
	if err != nil {
		slog.ErrorContext(ctx, "scheduled job can't be created: ignoring", "job_name", name, "error", err)
		return
	}

	if err := s.manager.Enqueue(job.ID); err != nil {
		slog.ErrorContext(ctx, "scheduled job can't be queued: ignoring", "job_name", name, "error", err)
	}
}

// bridgeStarter narrows bridge.Service to the pipeline's Bridge interface.
type bridgeStarter struct {
	svc *bridge.Service
}

func (b bridgeStarter) Start(ctx context.Context, profile model.BridgeProfile, devicePath string) (pipeline.Process, error) {
	proc, err := b.svc.Start(ctx, profile, devicePath)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func newTimer(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "job", job)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String(), "job", job)
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
