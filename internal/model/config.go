package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers.
const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version"` // fixed 0 for now
	Service   Service   `json:"service"`
	Scheduler Scheduler `json:"scheduler"`
	Paths     Paths     `json:"paths"`
}

// Service mode and logging settings.
type Service struct {
	Mode      string         `json:"mode"` // "manual" | "timer"
	Verbose   bool           `json:"verbose"`
	Log       string         `json:"log"` // "stderr"|"stdout"|"discard"|path
	Schedule  *TimerSchedule `json:"schedule,omitempty"`
	Template  string         `json:"template,omitempty"` // profile template used in timer mode
	Operation string         `json:"operation"`          // "flash" | "dump"
	OutputDir string         `json:"outputDir,omitempty"`
}

// TimerSchedule triggers timer-mode jobs, either a 5-field cron expression
// or an ISO-8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Scheduler knobs for the job engine.
type Scheduler struct {
	MaxConcurrentJobs  int    `json:"maxConcurrentJobs"`
	AcquireTimeout     string `json:"acquireTimeout"`  // e.g. "30s", "1m30s"
	PowerCycleDelay    string `json:"powerCycleDelay"` // delay after OFF and after ON
	BridgeRestartLimit int    `json:"bridgeRestartLimit"`
}

// AcquireTimeoutDuration parses Scheduler.AcquireTimeout, zero on error.
func (s Scheduler) AcquireTimeoutDuration() time.Duration {
	d, err := ParseCueDuration(s.AcquireTimeout)
	if err != nil {
		return 0
	}
	return d
}

// PowerCycleDelayDuration parses Scheduler.PowerCycleDelay, zero on error.
func (s Scheduler) PowerCycleDelayDuration() time.Duration {
	d, err := ParseCueDuration(s.PowerCycleDelay)
	if err != nil {
		return 0
	}
	return d
}

// Paths to files provd owns.
type Paths struct {
	Profiles string `json:"profiles"` // named profile templates (JSON)
	History  string `json:"history"`  // job definition database (sqlite)
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig is what provd writes on first start when no config exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Mode:      ServiceModeManual,
			Log:       LogStderr,
			Operation: OperationDump,
		},
		Scheduler: Scheduler{
			MaxConcurrentJobs:  2,
			AcquireTimeout:     "30s",
			PowerCycleDelay:    "2s",
			BridgeRestartLimit: 3,
		},
		Paths: Paths{
			Profiles: "profiles.json",
			History:  "provd.db",
		},
	}
}
