// Package analyzer takes read-only metrics snapshots of a workspace by running
// issue-detection collaborators and normalizing their reports.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/types"
)

// Analyzer is an issue-detection collaborator
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, workspace string) (*Report, error)
}

// funcAnalyzer adapts a function to Analyzer
type funcAnalyzer struct {
	name string
	fn   func(ctx context.Context, workspace string) (*Report, error)
}

// NewFunc wraps fn as an Analyzer
func NewFunc(name string, fn func(ctx context.Context, workspace string) (*Report, error)) Analyzer {
	return &funcAnalyzer{name: name, fn: fn}
}

func (f *funcAnalyzer) Name() string { return f.name }

func (f *funcAnalyzer) Analyze(ctx context.Context, workspace string) (*Report, error) {
	return f.fn(ctx, workspace)
}

// CommandAnalyzer runs an external command that prints a JSON report on stdout.
// Linters commonly exit non-zero when they find issues, so the exit status is
// only an error when stdout does not hold a valid report.
type CommandAnalyzer struct {
	name    string
	argv    []string
	timeout time.Duration
}

// NewCommandAnalyzer creates an analyzer from a configured command
func NewCommandAnalyzer(spec config.CommandSpec) (*CommandAnalyzer, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("analyzer %q has no command", spec.Name)
	}
	name := spec.Name
	if name == "" {
		name = spec.Command[0]
	}
	return &CommandAnalyzer{name: name, argv: spec.Command, timeout: spec.Timeout}, nil
}

// Name returns the configured analyzer name
func (a *CommandAnalyzer) Name() string { return a.name }

// Analyze runs the command in workspace and parses its output
func (a *CommandAnalyzer) Analyze(ctx context.Context, workspace string) (*Report, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Dir = workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	report, parseErr := ParseReport(stdout.Bytes())
	if parseErr == nil {
		return report, nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", strings.Join(a.argv, " "), runErr, tail(stderr.String(), 512))
	}
	return nil, parseErr
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Config holds observer configuration
type Config struct {
	Analyzers []Analyzer
	Timeout   time.Duration // Bounds one whole observation (default 2m)
	Logger    *slog.Logger
}

// Observer produces Metrics snapshots. It never mutates the workspace and is
// safe for concurrent callers: simultaneous observations of the same
// workspace share one analyzer run.
type Observer struct {
	analyzers []Analyzer
	timeout   time.Duration
	logger    *slog.Logger
	group     singleflight.Group
	now       func() time.Time
}

// NewObserver creates a new observer
func NewObserver(cfg *Config) (*Observer, error) {
	if len(cfg.Analyzers) == 0 {
		return nil, fmt.Errorf("at least one analyzer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Observer{
		analyzers: cfg.Analyzers,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// FromConfig builds the command analyzers and enabled built-ins from the
// analyzer config section
func FromConfig(cfg config.AnalyzerConfig, logger *slog.Logger) (*Observer, error) {
	var analyzers []Analyzer
	for _, spec := range cfg.Commands {
		a, err := NewCommandAnalyzer(spec)
		if err != nil {
			return nil, err
		}
		analyzers = append(analyzers, a)
	}
	if cfg.FileSize.Enabled {
		a, err := NewFileSizeAnalyzer(cfg.FileSize)
		if err != nil {
			return nil, err
		}
		analyzers = append(analyzers, a)
	}
	if len(analyzers) == 0 {
		return nil, fmt.Errorf("no analyzers configured (set analyzer.commands or enable analyzer.file_size in the config)")
	}
	return NewObserver(&Config{Analyzers: analyzers, Timeout: cfg.Timeout, Logger: logger})
}

// Observe runs every analyzer against workspace and returns the combined
// census. Any analyzer failure fails the observation with *types.ObservationError.
// Concurrent callers for the same workspace share one in-flight observation.
func (o *Observer) Observe(ctx context.Context, workspace string) (types.Metrics, error) {
	// The shared run must not die with whichever caller happened to start it
	ch := o.group.DoChan(workspace, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return o.observe(runCtx, workspace)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.Metrics{}, res.Err
		}
		m, ok := res.Val.(types.Metrics)
		if !ok {
			return types.Metrics{}, &types.ObservationError{Analyzer: "observer", Err: fmt.Errorf("unexpected result type %T", res.Val)}
		}
		return clone(m), nil
	case <-ctx.Done():
		return types.Metrics{}, &types.ObservationError{Analyzer: "observer", Err: ctx.Err()}
	}
}

// ObserveFresh runs a new observation that starts after the call and never
// joins one already in flight. Observations that must reflect the current
// workspace, such as the baseline before a change and the re-check after
// it, use ObserveFresh; read-only polling uses Observe.
func (o *Observer) ObserveFresh(ctx context.Context, workspace string) (types.Metrics, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.observe(runCtx, workspace)
}

func (o *Observer) observe(ctx context.Context, workspace string) (types.Metrics, error) {
	start := o.now()
	reports := make([]*Report, len(o.analyzers))

	g, gCtx := errgroup.WithContext(ctx)
	for i, a := range o.analyzers {
		g.Go(func() error {
			r, err := a.Analyze(gCtx, workspace)
			if err == nil && r == nil {
				err = errors.New("analyzer returned no report")
			}
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
					err = fmt.Errorf("timed out after %s: %w", o.timeout, err)
				}
				return &types.ObservationError{Analyzer: a.Name(), Err: err}
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("observation failed", "workspace", workspace, "error", err)
		return types.Metrics{}, err
	}

	m := types.NewMetrics(start)
	for _, r := range reports {
		r.AddTo(&m)
	}
	o.logger.Debug("observation complete", "workspace", workspace,
		"total", m.Total(), "weighted", m.WeightedSum(), "duration", o.now().Sub(start))
	return m, nil
}

func clone(m types.Metrics) types.Metrics {
	out := types.NewMetrics(m.Timestamp)
	for c, n := range m.ByCategory {
		out.ByCategory[c] = n
	}
	for s, n := range m.BySeverity {
		out.BySeverity[s] = n
	}
	return out
}
