// Package serial applies line settings to a serial device by invoking
// stty. The rendered command is validated against a deny list before
// execution, flag soup like "parenb parodd" must pass while anything that
// chains a destructive command must not.
package serial

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/s7tools/provd/internal/model"
)

const defaultBinary = "stty"

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+`),
	regexp.MustCompile(`(?i)del\s+`),
	regexp.MustCompile(`(?i)format\s+`),
	regexp.MustCompile(`(?i)mkfs\s+`),
	regexp.MustCompile(`(?i);\s*dd\s+`),
	regexp.MustCompile(`(?i)&&\s*dd\s+`),
	regexp.MustCompile(`(?i)\|\s*dd\s+`),
	regexp.MustCompile(`(?i)^\s*dd\s+`),
	regexp.MustCompile(`(?i)>\s*/dev/`),
	regexp.MustCompile(`(?i);\s*rm\s+`),
	regexp.MustCompile(`(?i)&&\s*rm\s+`),
	regexp.MustCompile(`(?i)\|\s*rm\s+`),
}

// ValidateCommand rejects commands matching the deny list.
func ValidateCommand(command string) error {
	for _, rx := range dangerousPatterns {
		if rx.MatchString(command) {
			return fmt.Errorf("command blocked by pattern %q: %w", rx.String(), model.ErrConfig)
		}
	}
	return nil
}

// Args renders the stty argument list for a profile.
func Args(device string, profile model.SerialProfile) []string {
	args := []string{
		"-F", device,
		strconv.Itoa(profile.BaudRate),
		"cs" + strconv.Itoa(profile.DataBits),
	}

	switch profile.Parity {
	case model.ParityEven:
		args = append(args, "parenb", "-parodd")
	case model.ParityOdd:
		args = append(args, "parenb", "parodd")
	default:
		args = append(args, "-parenb")
	}

	if profile.StopBits == 2 {
		args = append(args, "cstopb")
	} else {
		args = append(args, "-cstopb")
	}

	if profile.RawMode {
		args = append(args, "raw", "-echo")
	}
	return args
}

// Service configures serial lines via stty.
type Service struct {
	binary string
}

func NewService() *Service {
	return &Service{binary: defaultBinary}
}

// WithBinary overrides the stty binary path, used by tests.
func (s *Service) WithBinary(path string) *Service {
	s.binary = path
	return s
}

// ApplyConfiguration renders, validates and executes the stty command.
func (s *Service) ApplyConfiguration(ctx context.Context, device string, profile model.SerialProfile) error {
	args := Args(device, profile)
	rendered := s.binary + " " + strings.Join(args, " ")
	if err := ValidateCommand(rendered); err != nil {
		return err
	}

	slog.DebugContext(ctx, "applying serial configuration", "command", rendered)
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("stty on %s: %s: %w", device, msg, err)
		}
		return fmt.Errorf("stty on %s: %w", device, err)
	}
	return nil
}
