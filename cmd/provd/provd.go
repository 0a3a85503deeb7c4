package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/s7tools/provd/internal/log"
	"github.com/s7tools/provd/internal/manager"
	"github.com/s7tools/provd/internal/model"
	"github.com/s7tools/provd/internal/power"
	"github.com/s7tools/provd/internal/service"
	"github.com/s7tools/provd/internal/store"
)

var (
	flagTemplate string
	flagName     string
	flagPayload  string
	flagStart    uint32
	flagLength   uint32
	flagOutput   string
	flagPurge    bool
)

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("provd",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer svc.Close()

	return svc.Run(ctx)
}

func doFlash(cmd *cobra.Command, args []string) error {
	var overrides manager.Overrides
	if flagPayload != "" {
		overrides.Payload = &model.PayloadProfile{SourcePath: flagPayload}
	}
	return oneShot(cmd.Context(), model.OperationFlash, overrides)
}

func doDump(cmd *cobra.Command, args []string) error {
	var overrides manager.Overrides
	if flagStart != 0 || flagLength != 0 {
		overrides.Memory = &model.MemoryProfile{StartAddress: flagStart, Length: flagLength}
	}
	overrides.OutputPath = flagOutput
	return oneShot(cmd.Context(), model.OperationDump, overrides)
}

// oneShot runs the service just long enough to drive a single job to a
// terminal state.
func oneShot(ctx context.Context, operation string, overrides manager.Overrides) error {
	name := flagName
	if name == "" {
		name = operation + "-" + time.Now().Format("2006-01-02-15-04-05")
	}
	attrs := slog.Group("provd",
		slog.String("cmd", operation),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer svc.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()
	stopService := func() error {
		cancel()
		return <-done
	}

	mgr := svc.Manager()
	tmplName := flagTemplate
	if tmplName == "" {
		tmpl, err := mgr.DefaultTemplate()
		if err != nil {
			_ = stopService()
			return err
		}
		tmplName = tmpl.Name
	}

	job, err := mgr.Create(ctx, name, operation, tmplName, overrides)
	if err != nil {
		_ = stopService()
		return err
	}
	if err := mgr.Enqueue(job.ID); err != nil {
		_ = stopService()
		return err
	}

	final, err := mgr.WaitTerminal(ctx, job.ID)
	if err != nil {
		_ = stopService()
		return err
	}
	if err := stopService(); err != nil {
		slog.ErrorContext(ctx, "service stopped with error", "error", err)
	}

	fmt.Printf("job:   %s\n", final.ID)
	fmt.Printf("name:  %s\n", final.Name)
	fmt.Printf("state: %s\n", final.State)
	if final.State != model.StateCompleted {
		if final.LastError != "" {
			return fmt.Errorf("job %s: %s", final.State, final.LastError)
		}
		return fmt.Errorf("job %s", final.State)
	}
	if operation == model.OperationDump && final.Profiles.OutputPath != "" {
		fmt.Printf("output: %s\n", final.Profiles.OutputPath)
	}
	return nil
}

func doJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := store.InitDB(ctx, config.Paths.History)
	if err != nil {
		return fmt.Errorf("opening job database %s: %w", config.Paths.History, err)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := store.List(ctx, db)
	if err != nil {
		return err
	}

	if flagPurge {
		purged := 0
		for _, row := range rows {
			if !model.State(row.State).Terminal() {
				continue
			}
			if err := store.Delete(ctx, db, row.UUID); err != nil {
				return fmt.Errorf("purging job %s: %w", row.UUID, err)
			}
			purged++
		}
		fmt.Printf("purged %d finished jobs\n", purged)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tNAME\tOPERATION\tSTATE\tCREATED\tERROR")
	for _, row := range rows {
		lastError := ""
		if row.LastError != nil {
			lastError = *row.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.UUID, row.Name, row.Operation, row.State,
			row.CreatedAt.Format(time.RFC3339), lastError,
		)
	}
	return w.Flush()
}

func doPowercycle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer svc.Close()

	var tmpl manager.Template
	if flagTemplate != "" {
		tmpl, err = svc.Manager().Template(flagTemplate)
	} else {
		tmpl, err = svc.Manager().DefaultTemplate()
	}
	if err != nil {
		return err
	}

	delay := config.Scheduler.PowerCycleDelayDuration()
	profile := tmpl.Configuration.Power

	client := power.NewClient()
	if err := client.Connect(ctx, profile); err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	slog.InfoContext(ctx, "power cycling target", "host", profile.Host, "port", profile.Port)
	if err := client.Cycle(ctx, delay); err != nil {
		return err
	}
	fmt.Println("power cycle done, target is on")
	return nil
}
