package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/cycle"
	"github.com/steveyegge/mend/internal/storage"
)

// Version is set at build time
var Version = "dev"

var (
	dbPath      string
	configPath  string
	verbose     bool
	projectRoot string
	cfg         *config.Config
	store       storage.Storage
	logger      *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mend",
	Short: "Self-healing code maintenance engine",
	Long: `mend observes a workspace through static analyzers, picks the most
trusted fix recipe whose trigger matches, applies it inside a risk budget,
keeps the change only if the analyzers confirm an improvement, and learns
from the outcome.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		// init creates the state it would otherwise open
		if cmd == initCmd || cmd.Name() == "help" {
			return nil
		}

		if dbPath == "" {
			found, err := storage.DiscoverDatabase()
			if err != nil {
				return err
			}
			dbPath = found
		}
		root, err := storage.GetProjectRoot(dbPath)
		if err != nil {
			return err
		}
		projectRoot = root

		if configPath == "" {
			configPath = filepath.Join(storage.StateDir(projectRoot), storage.ConfigName)
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.Resolve(projectRoot)

		store, err = storage.NewStorage(cmd.Context(), &storage.Config{Path: dbPath})
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		logger.Debug("opened workspace", "root", projectRoot, "db", dbPath, "config", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeStore()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: discover .mend/mend.db)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .mend/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.Version = Version
}

func closeStore() {
	if store != nil {
		_ = store.Close()
		store = nil
	}
}

// exit closes the database before leaving with code
func exit(code int) {
	closeStore()
	os.Exit(code)
}

func fail(format string, args ...interface{}) {
	exit(errorCode(format, args...))
}

// errorCode prints an error and returns the aborted exit code
func errorCode(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return cycle.ExitAborted
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}
