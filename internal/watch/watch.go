// Package watch runs fix cycles continuously, triggered by file changes in
// the workspace. Changes are debounced, and cycles are rate limited so a
// busy editor session or the engine's own writes cannot start a storm.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/cycle"
	"github.com/steveyegge/mend/internal/telemetry"
	"github.com/steveyegge/mend/internal/types"
)

// Cycler runs one fix cycle
type Cycler interface {
	RunCycle(ctx context.Context) (*cycle.Result, error)
}

// Config holds watcher configuration
type Config struct {
	Root        string // Workspace directory to watch
	Cycler      Cycler
	Debounce    time.Duration // Quiet period before a cycle starts
	MinInterval time.Duration // Steady-state spacing between cycles
	Burst       int
	Ignore      []string // doublestar patterns relative to Root
	Recorder    *telemetry.Recorder
	Logger      *slog.Logger

	// OnCycle is called after every cycle (optional)
	OnCycle func(res *cycle.Result, err error)
}

// Watcher triggers cycles on file changes
type Watcher struct {
	root     string
	cycler   Cycler
	debounce time.Duration
	limiter  *rate.Limiter
	ignore   []string
	recorder *telemetry.Recorder
	logger   *slog.Logger
	onCycle  func(res *cycle.Result, err error)
}

// New creates a new watcher
func New(cfg *Config) (*Watcher, error) {
	if cfg.Cycler == nil {
		return nil, fmt.Errorf("cycler is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root: %w", err)
	}
	if cfg.Debounce < 0 {
		return nil, fmt.Errorf("debounce must be >= 0, got %v", cfg.Debounce)
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	for _, p := range cfg.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		cycler:   cfg.Cycler,
		debounce: cfg.Debounce,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), cfg.Burst),
		ignore:   append([]string(nil), cfg.Ignore...),
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		onCycle:  cfg.OnCycle,
	}, nil
}

// FromConfig builds a watcher from the watch section of the engine config
func FromConfig(root string, cfg config.WatchConfig, cycler Cycler, recorder *telemetry.Recorder, logger *slog.Logger) (*Watcher, error) {
	return New(&Config{
		Root:        root,
		Cycler:      cycler,
		Debounce:    cfg.Debounce,
		MinInterval: cfg.MinInterval,
		Burst:       cfg.Burst,
		Ignore:      cfg.Ignore,
		Recorder:    recorder,
		Logger:      logger,
	})
}

// Run watches the workspace until ctx is done. It returns early only when a
// cycle fails fatally; the engine is halted at that point and further cycles
// would be refused anyway.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw.Add, w.root); err != nil {
		return err
	}
	w.logger.Info("watching workspace", "root", w.root, "debounce", w.debounce,
		"rate", w.limiter.Limit(), "burst", w.limiter.Burst())
	return w.loop(ctx, fsw.Events, fsw.Errors, fsw.Add)
}

// addRecursive registers dir and every non-ignored directory below it
func (w *Watcher) addRecursive(add func(string) error, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports whether path matches an ignore pattern
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, add func(string) error) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	pending := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(add, ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			pending++
			timer.Reset(w.debounce)

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-timer.C:
			if pending == 0 {
				continue
			}
			r := w.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				w.recorder.RecordWatchTrigger(false)
				w.logger.Debug("cycle throttled", "changes", pending, "retry_in", d)
				timer.Reset(d)
				continue
			}

			w.recorder.RecordWatchTrigger(true)
			w.logger.Info("changes settled, starting cycle", "changes", pending)
			pending = 0
			res, err := w.cycler.RunCycle(ctx)
			if w.onCycle != nil {
				w.onCycle(res, err)
			}
			if types.IsFatal(err) {
				return err
			}
			if err != nil {
				w.logger.Warn("cycle aborted", "error", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			drain(events)
		}
	}
}

// drain discards events already queued, most of which the cycle itself caused
func drain(events <-chan fsnotify.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
