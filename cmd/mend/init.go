package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/storage"
)

// exampleRecipe is written by init so a new workspace has something to edit
const exampleRecipe = `# Recipes are tried when their trigger matches the analyzer census.
# Action kinds: run_command, rewrite_region, apply_patch.
# run_command must list every file it may write under files; writing any
# other file halts the engine.
id: trim-trailing-whitespace
description: Strip trailing whitespace from main.go
trigger:
  category: style
  min: 1
actions:
  - kind: rewrite_region
    path: main.go
    pattern: '(?m)[ \t]+$'
    replacement: ''
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize mend in the current directory",
	Long: `Initialize mend by creating a .mend/ directory.

This creates:
  - .mend/mend.db        (SQLite database: ledger, snapshots, trust, attestations)
  - .mend/config.yaml    (default configuration; add your analyzers here)
  - .mend/recipes/       (recipe YAML files, with one example)`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			fail("failed to get current directory: %v", err)
		}

		path, err := storage.InitProject(cwd)
		if err != nil {
			fail("%v", err)
		}

		db, err := storage.NewStorage(cmd.Context(), &storage.Config{Path: path})
		if err != nil {
			fail("failed to initialize database: %v", err)
		}
		_ = db.Close()

		stateDir := storage.StateDir(cwd)
		cfgFile := filepath.Join(stateDir, storage.ConfigName)
		if err := config.WriteDefault(cfgFile); err != nil {
			fail("%v", err)
		}

		// Parse before writing so a broken template never lands on disk
		if err := checkExampleRecipe(); err != nil {
			fail("example recipe: %v", err)
		}
		recipeFile := filepath.Join(stateDir, storage.RecipesDirName, "trim-trailing-whitespace.yaml")
		if _, err := os.Stat(recipeFile); os.IsNotExist(err) {
			if err := os.WriteFile(recipeFile, []byte(exampleRecipe), 0644); err != nil {
				fail("failed to write example recipe: %v", err)
			}
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Initialized mend\n\n", green("✓"))
		fmt.Printf("  Database: %s\n", cyan(path))
		fmt.Printf("  Config:   %s\n", cyan(cfgFile))
		fmt.Printf("  Recipes:  %s\n", cyan(filepath.Join(stateDir, storage.RecipesDirName)))
		fmt.Println()
		fmt.Printf("  %s\n", gray("Next: configure analyzer.commands in the config, then run 'mend status'"))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func checkExampleRecipe() error {
	parsed, err := recipe.Parse([]byte(exampleRecipe))
	if err != nil {
		return err
	}
	_, err = recipe.NewRepository(parsed)
	return err
}
