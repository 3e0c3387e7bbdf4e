// Package gates runs the command quality gates that must pass after a recipe
// is applied (for example "go build ./..." or "go vet ./...").
package gates

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/steveyegge/mend/internal/config"
)

// Result represents the outcome of a quality gate check
type Result struct {
	Gate     string        `json:"gate"`
	Passed   bool          `json:"passed"`
	Output   string        `json:"output,omitempty"`
	Error    error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// GateProvider is an interface for running quality gates
// This allows for pluggable gate implementations (e.g., for testing or custom gates)
type GateProvider interface {
	// RunAll executes all quality gates in sequence
	// Returns the results and whether all gates passed
	RunAll(ctx context.Context) ([]*Result, bool)
}

// Runner executes the configured command gates
type Runner struct {
	workingDir string
	commands   []config.CommandSpec
	timeout    time.Duration
	maxOutput  int
	logger     *slog.Logger
}

// Config holds quality gate runner configuration
type Config struct {
	WorkingDir string               // Directory where gate commands are executed
	Commands   []config.CommandSpec // Gates, run in order
	Timeout    time.Duration        // Default per-gate timeout (default 5m)
	MaxOutput  int                  // Output kept per gate (default 8 KiB)
	Logger     *slog.Logger
}

// NewRunner creates a new quality gate runner
func NewRunner(cfg *Config) (*Runner, error) {
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	for i, c := range cfg.Commands {
		if len(c.Command) == 0 {
			return nil, fmt.Errorf("gate %d (%s) has no command", i, c.Name)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 8192
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runner{
		workingDir: cfg.WorkingDir,
		commands:   cfg.Commands,
		timeout:    cfg.Timeout,
		maxOutput:  cfg.MaxOutput,
		logger:     cfg.Logger,
	}, nil
}

// RunAll executes all quality gates in sequence
// Returns the results and whether all gates passed
func (r *Runner) RunAll(ctx context.Context) ([]*Result, bool) {
	var results []*Result
	allPassed := true

	for _, spec := range r.commands {
		result := r.run(ctx, spec)
		results = append(results, result)

		if !result.Passed {
			allPassed = false
			// Continue running remaining gates even if one fails
			// This gives comprehensive feedback about all quality issues
			r.logger.Warn("quality gate failed", "gate", result.Gate, "error", result.Error)
		}
	}

	return results, allPassed
}

func (r *Runner) run(ctx context.Context, spec config.CommandSpec) *Result {
	name := spec.Name
	if name == "" {
		name = strings.Join(spec.Command, " ")
	}
	result := &Result{Gate: name}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = r.workingDir

	output, err := cmd.CombinedOutput()
	result.Duration = time.Since(start)
	result.Output = truncate(string(output), r.maxOutput)

	if ctx.Err() != nil {
		result.Error = fmt.Errorf("%s timed out after %s: %w", name, timeout, ctx.Err())
		return result
	}
	if err != nil {
		result.Error = fmt.Errorf("%s failed: %w", name, err)
		return result
	}

	result.Passed = true
	return result
}

// FailedGates returns the names of the gates that did not pass
func FailedGates(results []*Result) []string {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r.Gate)
		}
	}
	return failed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Keep the tail: compilers and test runners print the summary last
	return "... (truncated)\n" + s[len(s)-n:]
}
