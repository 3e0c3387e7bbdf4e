package analyzer

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/types"
)

// CategoryFileSize is the category of oversized-file issues
const CategoryFileSize = "file_size"

// FileSizeAnalyzer reports files whose line count is a statistical outlier
// among the measured files. Files at Threshold standard deviations above the
// mean are medium severity, at twice that high.
type FileSizeAnalyzer struct {
	threshold float64
	include   []string
	exclude   []string

	// fs overrides the workspace filesystem (tests)
	fs afero.Fs
}

// Distribution summarizes measured file sizes
type Distribution struct {
	Mean   float64
	Median float64
	StdDev float64
	Min    int
	Max    int
	Count  int
}

type fileSize struct {
	Path  string
	Lines int
}

// NewFileSizeAnalyzer creates the analyzer from its config section
func NewFileSizeAnalyzer(cfg config.FileSizeConfig) (*FileSizeAnalyzer, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2.5
	}
	if len(cfg.Include) == 0 {
		cfg.Include = []string{"**/*.go"}
	}
	for _, p := range append(append([]string(nil), cfg.Include...), cfg.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("file size analyzer: invalid pattern %q", p)
		}
	}
	return &FileSizeAnalyzer{
		threshold: cfg.Threshold,
		include:   cfg.Include,
		exclude:   cfg.Exclude,
	}, nil
}

// Name implements Analyzer
func (a *FileSizeAnalyzer) Name() string { return "file_size" }

// Analyze implements Analyzer
func (a *FileSizeAnalyzer) Analyze(ctx context.Context, workspace string) (*Report, error) {
	fsys := a.fs
	if fsys == nil {
		fsys = afero.NewBasePathFs(afero.NewOsFs(), workspace)
	}

	sizes, err := a.scan(ctx, fsys)
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}

	report := &Report{Issues: []Issue{}}
	dist := distribute(sizes)
	if dist.Count < 2 || dist.StdDev == 0 {
		return report, nil
	}

	limit := dist.Mean + a.threshold*dist.StdDev
	for _, s := range sizes {
		if float64(s.Lines) < limit {
			continue
		}
		sigma := (float64(s.Lines) - dist.Mean) / dist.StdDev
		severity := types.SeverityMedium
		if sigma >= 2*a.threshold {
			severity = types.SeverityHigh
		}
		report.Issues = append(report.Issues, Issue{
			Category: CategoryFileSize,
			Severity: string(severity),
			File:     s.Path,
			Message: fmt.Sprintf("%d lines, %.1f standard deviations above the mean of %.0f",
				s.Lines, sigma, dist.Mean),
		})
	}
	return report, nil
}

func (a *FileSizeAnalyzer) scan(ctx context.Context, fsys afero.Fs) ([]fileSize, error) {
	var sizes []fileSize
	err := afero.Walk(fsys, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		path = filepath.ToSlash(path)
		if matchAny(a.exclude, path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !matchAny(a.include, path) {
			return nil
		}

		lines, err := countLines(fsys, path)
		if err != nil {
			// Unreadable files are not measured
			return nil
		}
		sizes = append(sizes, fileSize{Path: path, Lines: lines})
		return nil
	})
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].Path < sizes[j].Path })
	return sizes, err
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func countLines(fsys afero.Fs, path string) (int, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	count := 0
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// distribute computes the size distribution (population standard deviation)
func distribute(sizes []fileSize) Distribution {
	if len(sizes) == 0 {
		return Distribution{}
	}
	sorted := make([]int, len(sizes))
	sum := 0
	for i, s := range sizes {
		sorted[i] = s.Lines
		sum += s.Lines
	}
	sort.Ints(sorted)
	mean := float64(sum) / float64(len(sorted))

	variance := 0.0
	for _, l := range sorted {
		d := float64(l) - mean
		variance += d * d
	}
	return Distribution{
		Mean:   mean,
		Median: float64(sorted[len(sorted)/2]),
		StdDev: math.Sqrt(variance / float64(len(sorted))),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Count:  len(sorted),
	}
}
