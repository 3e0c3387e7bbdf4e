package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MEND_GUARD_MAX_FILES
const EnvPrefix = "MEND"

// Config is the engine configuration, normally read from .mend/config.yaml
type Config struct {
	// Workspace is the directory the engine maintains.
	// Relative paths are resolved against the project root. Default: "."
	Workspace string `mapstructure:"workspace" yaml:"workspace"`

	// RecipesDir holds recipe YAML files. Default: ".mend/recipes"
	RecipesDir string `mapstructure:"recipes_dir" yaml:"recipes_dir"`

	Analyzer AnalyzerConfig `mapstructure:"analyzer" yaml:"analyzer"`
	Guard    GuardConfig    `mapstructure:"guard" yaml:"guard"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Undo     UndoConfig     `mapstructure:"undo" yaml:"undo"`
	Ledger   LedgerConfig   `mapstructure:"ledger" yaml:"ledger"`
	Gates    GatesConfig    `mapstructure:"gates" yaml:"gates"`
	Selector SelectorConfig `mapstructure:"selector" yaml:"selector"`
	Watch    WatchConfig    `mapstructure:"watch" yaml:"watch"`
}

// AnalyzerConfig configures the Observe collaborators
type AnalyzerConfig struct {
	// Timeout bounds a whole observation. Default: 2m
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`

	// Commands are external analyzers emitting a JSON report on stdout
	Commands []CommandSpec `mapstructure:"commands" yaml:"commands" validate:"dive"`

	// FileSize is the built-in oversized-file analyzer
	FileSize FileSizeConfig `mapstructure:"file_size" yaml:"file_size"`
}

// FileSizeConfig configures the built-in file size analyzer. A file is
// reported when its line count lies Threshold standard deviations or more
// above the mean of the measured files.
type FileSizeConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Threshold in standard deviations. Default: 2.5
	Threshold float64 `mapstructure:"threshold" yaml:"threshold" validate:"gt=0"`

	// Include and Exclude are doublestar patterns relative to the workspace
	Include []string `mapstructure:"include" yaml:"include"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude"`
}

// CommandSpec names an external command
type CommandSpec struct {
	Name    string        `mapstructure:"name" yaml:"name" validate:"required"`
	Command []string      `mapstructure:"command" yaml:"command" validate:"required,min=1"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" validate:"gte=0"`
}

// GuardConfig is the risk budget every change set must fit
type GuardConfig struct {
	MaxFiles       int      `mapstructure:"max_files" yaml:"max_files" validate:"min=1"`
	MaxLOCPerFile  int      `mapstructure:"max_loc_per_file" yaml:"max_loc_per_file" validate:"min=1"`
	ProtectedPaths []string `mapstructure:"protected_paths" yaml:"protected_paths"`
}

// ExecutorConfig configures Act
type ExecutorConfig struct {
	// ActionTimeout bounds each action. Default: 5m
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout" validate:"gt=0"`

	// MaxOutputBytes caps command output kept in error messages. Default: 8192
	MaxOutputBytes int `mapstructure:"max_output_bytes" yaml:"max_output_bytes" validate:"min=256"`
}

// UndoConfig configures snapshot retention
type UndoConfig struct {
	// Retain is how many snapshots are kept. Default: 20
	Retain int `mapstructure:"retain" yaml:"retain" validate:"min=1"`

	// MaxChain is the number of deltas before a file is stored in full again. Default: 16
	MaxChain int `mapstructure:"max_chain" yaml:"max_chain" validate:"min=1,max=1024"`
}

// LedgerConfig configures run ledger retention
type LedgerConfig struct {
	// Retain is how many ledger entries are kept. 0 keeps everything. Default: 1000
	Retain int `mapstructure:"retain" yaml:"retain" validate:"gte=0"`
}

// GatesConfig configures Verify
type GatesConfig struct {
	// Tolerance is the allowed per-category increase; "*" is the default. Default: {"*": 0}
	Tolerance map[string]int `mapstructure:"tolerance" yaml:"tolerance" validate:"dive,gte=0"`

	// Commands must exit 0 after Act for the change to be kept
	Commands []CommandSpec `mapstructure:"commands" yaml:"commands" validate:"dive"`
}

// SelectorConfig configures Decide
type SelectorConfig struct {
	// Estimator is "stored" (persisted trust) or "model" (logistic model file)
	Estimator string `mapstructure:"estimator" yaml:"estimator" validate:"oneof=stored model"`

	// ModelPath is the model file used when Estimator is "model"
	ModelPath string `mapstructure:"model_path" yaml:"model_path,omitempty" validate:"required_if=Estimator model"`

	// Blend is "tiebreak", "blend" or "override"
	Blend string `mapstructure:"blend" yaml:"blend" validate:"oneof=tiebreak blend override"`

	// Alpha weights the model score under the "blend" policy
	Alpha float64 `mapstructure:"alpha" yaml:"alpha" validate:"gte=0,lte=1"`
}

// WatchConfig configures the continuous mode
type WatchConfig struct {
	// Debounce waits for file events to settle before a cycle. Default: 2s
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"gte=0"`

	// MinInterval is the steady-state spacing between cycles. Default: 30s
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval" validate:"gt=0"`

	// Burst allows this many back-to-back cycles. Default: 1
	Burst int `mapstructure:"burst" yaml:"burst" validate:"min=1"`

	// Ignore lists glob patterns whose changes never trigger a cycle
	Ignore []string `mapstructure:"ignore" yaml:"ignore"`
}

// DefaultProtectedPaths are never touched by any recipe unless reconfigured
var DefaultProtectedPaths = []string{
	"security/**",
	"auth/**",
	"**/*.spec.*",
	"**/*.test.*",
	"public-api/**",
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Workspace:  ".",
		RecipesDir: filepath.Join(".mend", "recipes"),
		Analyzer: AnalyzerConfig{
			Timeout: 2 * time.Minute,
			FileSize: FileSizeConfig{
				Threshold: 2.5,
				Include:   []string{"**/*.go"},
				Exclude:   []string{"vendor/**", "testdata/**", "**/*_test.go", "**/*.pb.go", ".git/**", ".mend/**"},
			},
		},
		Guard: GuardConfig{
			MaxFiles:       10,
			MaxLOCPerFile:  40,
			ProtectedPaths: append([]string(nil), DefaultProtectedPaths...),
		},
		Executor: ExecutorConfig{
			ActionTimeout:  5 * time.Minute,
			MaxOutputBytes: 8192,
		},
		Undo: UndoConfig{
			Retain:   20,
			MaxChain: 16,
		},
		Ledger: LedgerConfig{
			Retain: 1000,
		},
		Gates: GatesConfig{
			Tolerance: map[string]int{"*": 0},
		},
		Selector: SelectorConfig{
			Estimator: "stored",
			Blend:     "tiebreak",
			Alpha:     0.5,
		},
		Watch: WatchConfig{
			Debounce:    2 * time.Second,
			MinInterval: 30 * time.Second,
			Burst:       1,
			Ignore:      []string{".git/**", ".mend/**"},
		},
	}
}

// Load reads configuration from path, layered over Default() and overridden
// by MEND_* environment variables. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seed viper with the defaults so every key is known to AutomaticEnv
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Resolve makes Workspace, RecipesDir and ModelPath absolute against projectRoot
func (c *Config) Resolve(projectRoot string) {
	c.Workspace = resolvePath(projectRoot, c.Workspace)
	c.RecipesDir = resolvePath(projectRoot, c.RecipesDir)
	if c.Selector.ModelPath != "" {
		c.Selector.ModelPath = resolvePath(projectRoot, c.Selector.ModelPath)
	}
}

func resolvePath(root, p string) string {
	if p == "" {
		p = "."
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

// ToleranceFor returns the allowed increase for a category
func (g GatesConfig) ToleranceFor(category string) int {
	if n, ok := g.Tolerance[category]; ok {
		return n
	}
	return g.Tolerance["*"]
}

// WriteDefault writes the default configuration to path, refusing to overwrite
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
