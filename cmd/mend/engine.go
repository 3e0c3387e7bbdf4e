package main

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/steveyegge/mend/internal/analyzer"
	"github.com/steveyegge/mend/internal/attest"
	"github.com/steveyegge/mend/internal/cycle"
	"github.com/steveyegge/mend/internal/executor"
	"github.com/steveyegge/mend/internal/gates"
	"github.com/steveyegge/mend/internal/guard"
	"github.com/steveyegge/mend/internal/recipe"
	"github.com/steveyegge/mend/internal/selector"
	"github.com/steveyegge/mend/internal/telemetry"
	"github.com/steveyegge/mend/internal/trust"
	"github.com/steveyegge/mend/internal/undo"
	"github.com/steveyegge/mend/internal/verify"
)

// engine is every component of the cycle, wired from the loaded config
type engine struct {
	fs           afero.Fs
	observer     *analyzer.Observer
	recipes      *recipe.Repository
	selector     *selector.Selector
	undo         *undo.Manager
	learner      *trust.Learner
	attestor     *attest.Attestor
	recorder     *telemetry.Recorder
	orchestrator *cycle.Orchestrator
}

// newUndo builds the undo manager alone; undo and status need nothing else
func newUndo() (*undo.Manager, afero.Fs, error) {
	fs := afero.NewBasePathFs(afero.NewOsFs(), cfg.Workspace)
	um, err := undo.NewManager(&undo.Config{
		Store:    store,
		FS:       fs,
		Logger:   logger,
		Retain:   cfg.Undo.Retain,
		MaxChain: cfg.Undo.MaxChain,
	})
	if err != nil {
		return nil, nil, err
	}
	return um, fs, nil
}

func newEngine() (*engine, error) {
	e := &engine{recorder: telemetry.New()}

	var err error
	e.undo, e.fs, err = newUndo()
	if err != nil {
		return nil, err
	}

	e.observer, err = analyzer.FromConfig(cfg.Analyzer, logger)
	if err != nil {
		return nil, err
	}

	e.recipes, err = recipe.LoadDir(cfg.RecipesDir)
	if err != nil {
		return nil, err
	}
	if e.recipes.Len() == 0 {
		logger.Warn("no recipes loaded", "dir", cfg.RecipesDir)
	}

	estimator, err := selector.EstimatorFromConfig(cfg.Selector)
	if err != nil {
		return nil, err
	}
	e.selector, err = selector.New(&selector.Config{
		Recipes:   e.recipes,
		Store:     store,
		Estimator: estimator,
		Policy:    selector.Policy(cfg.Selector.Blend),
		Alpha:     cfg.Selector.Alpha,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(&executor.Config{
		Workspace:     cfg.Workspace,
		Runner:        executor.NewLocalRunner(e.fs, cfg.Executor.MaxOutputBytes),
		Undo:          e.undo,
		ActionTimeout: cfg.Executor.ActionTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	vcfg := &verify.Config{
		Workspace: cfg.Workspace,
		Observer:  e.observer,
		Undo:      e.undo,
		Tolerance: cfg.Gates,
		Logger:    logger,
	}
	if len(cfg.Gates.Commands) > 0 {
		runner, err := gates.NewRunner(&gates.Config{
			WorkingDir: cfg.Workspace,
			Commands:   cfg.Gates.Commands,
			MaxOutput:  cfg.Executor.MaxOutputBytes,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		vcfg.Gates = runner
	}
	verifier, err := verify.New(vcfg)
	if err != nil {
		return nil, err
	}

	e.attestor, err = attest.New(&attest.Config{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	e.learner, err = trust.NewLearner(&trust.Config{Store: store, Logger: logger, Recorder: e.recorder})
	if err != nil {
		return nil, err
	}

	policy := guard.PolicyFromConfig(cfg.Guard)
	e.orchestrator, err = cycle.New(&cycle.Config{
		Workspace:    cfg.Workspace,
		ProjectRoot:  projectRoot,
		Version:      Version,
		Observer:     e.observer,
		Decider:      e.selector,
		Planner:      executor.NewPlanner(e.fs),
		Actor:        exec,
		Verifier:     verifier,
		Attester:     e.attestor,
		Learner:      e.learner,
		Undo:         e.undo,
		Ledger:       store,
		Policy:       policy,
		Recorder:     e.recorder,
		LedgerRetain: cfg.Ledger.Retain,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build cycle: %w", err)
	}
	return e, nil
}
