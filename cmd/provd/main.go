package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/s7tools/provd/internal/log"
	"github.com/s7tools/provd/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/provd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "provd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is provd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initProvd

	flashCmd.Flags().StringVar(&flagTemplate, "template", "", "profile template to build the job from")
	flashCmd.Flags().StringVar(&flagName, "name", "", "job name, defaults to operation plus timestamp")
	flashCmd.Flags().StringVar(&flagPayload, "payload", "", "payload image path, overrides the template")
	dumpCmd.Flags().StringVar(&flagTemplate, "template", "", "profile template to build the job from")
	dumpCmd.Flags().StringVar(&flagName, "name", "", "job name, defaults to operation plus timestamp")
	dumpCmd.Flags().Uint32Var(&flagStart, "start", 0, "memory start address, overrides the template")
	dumpCmd.Flags().Uint32Var(&flagLength, "length", 0, "bytes to read, overrides the template")
	dumpCmd.Flags().StringVar(&flagOutput, "output", "", "file the dumped region is written to")
	powercycleCmd.Flags().StringVar(&flagTemplate, "template", "", "profile template naming the power supply")
	jobsCmd.Flags().BoolVar(&flagPurge, "purge", false, "delete finished jobs from the history instead of listing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(powercycleCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("provd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "provd",
	Short:        "PLC provisioning service scheduling flash and dump jobs",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the provisioning service until interrupted",
	RunE:  doRun,
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "flash writes a payload image to the target and waits for the result",
	RunE:  doFlash,
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "dump reads a memory region from the target and waits for the result",
	RunE:  doDump,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "jobs lists persisted jobs and their states",
	RunE:  doJobs,
}

var powercycleCmd = &cobra.Command{
	Use:   "powercycle",
	Short: "powercycle switches the target off and on again",
	RunE:  doPowercycle,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of provd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("provd: version info not available")
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("provd:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initProvd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("PROVDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "provd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "provd.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		var err error
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(logWriter(config.Service.Log), config.Service.Verbose))

	slog.Debug("provd run", "configPath", configPath)
	slog.Debug("provd run", "config", config)
	return nil
}

func logWriter(target string) *os.File {
	switch target {
	case model.LogStdout:
		return os.Stdout
	case model.LogDiscard:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			return devnull
		}
	}
	return os.Stderr
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
