package app

import (
	"context"
	"fmt"

	"github.com/vk/aqlbuild/internal/ctxlog"
	"github.com/vk/aqlbuild/internal/datafile"
	"github.com/vk/aqlbuild/internal/engine"
	"github.com/vk/aqlbuild/internal/entitystore"
	"github.com/vk/aqlbuild/internal/events"
)

// Run executes the selected mode over the targets of the configuration.
// Errors before the first node runs wrap ErrConfiguration.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "mode", a.config.Mode)
	opts := a.config.Options

	nodes, err := a.project.Select(a.config.Targets)
	if err != nil {
		return configError(err)
	}

	mgr, err := engine.New(ctx, a.storePath(), engine.Options{
		Workers:     opts.Workers,
		StopOnFail:  !opts.KeepGoing,
		MaxRebuilds: opts.MaxRebuilds,
		Variables:   opts.Variables,
		Store: entitystore.Options{Options: datafile.Options{
			Force:        opts.ForceStore,
			LockTimeout:  opts.LockTimeout,
			LockInterval: opts.LockInterval,
		}},
	})
	if err != nil {
		return configError(err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			a.logger.Error("Failed to close build state.", "error", err)
		}
	}()

	level, err := events.ParseLevel(opts.LogLevel)
	if err != nil {
		return configError(err)
	}
	mgr.RegisterEventHandler(level, events.SlogHandler(a.logger))

	if err := mgr.Add(nodes...); err != nil {
		return configError(fmt.Errorf("failed to build dependency graph: %w", err))
	}
	a.logger.Debug("Dependency graph built.", "node_count", mgr.Len())

	if err := a.checkStore(mgr); err != nil {
		return err
	}

	switch a.config.Mode {
	case ModeStatus:
		err = a.status(ctx, mgr)
	case ModeClear:
		err = a.clear(ctx, mgr)
	default:
		err = a.build(ctx, mgr)
	}
	if err != nil {
		return err
	}

	if err := a.checkStore(mgr); err != nil {
		return err
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

func (a *App) build(ctx context.Context, mgr *engine.BuildManager) error {
	if mgr.Len() == 0 {
		a.logger.Warn("No nodes found in project, build not required.")
		return nil
	}
	report, err := mgr.Build(ctx)
	if report != nil {
		for _, f := range report.Failed {
			fmt.Fprintln(a.outW, f.String())
		}
		fmt.Fprintf(a.outW, "built %d, actual %d, failed %d, skipped %d\n",
			len(report.Built), len(report.Actual), len(report.Failed), len(report.Skipped))
	}
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

func (a *App) status(ctx context.Context, mgr *engine.BuildManager) error {
	report, err := mgr.Status(ctx)
	if err != nil {
		return fmt.Errorf("status failed: %w", err)
	}
	for _, name := range report.Outdated {
		fmt.Fprintf(a.outW, "outdated: %s\n", name)
	}
	for _, name := range report.Actual {
		fmt.Fprintf(a.outW, "actual: %s\n", name)
	}
	if report.UpToDate() {
		fmt.Fprintln(a.outW, "up to date")
	}
	return nil
}

func (a *App) clear(ctx context.Context, mgr *engine.BuildManager) error {
	n, err := mgr.Clear(ctx)
	fmt.Fprintf(a.outW, "cleared %d nodes\n", n)
	if err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	return nil
}

func (a *App) checkStore(mgr *engine.BuildManager) error {
	if !a.config.DebugStore {
		return nil
	}
	if err := mgr.Store().SelfCheck(); err != nil {
		return fmt.Errorf("build state self-check failed: %w", err)
	}
	a.logger.Debug("Build state self-check passed.", "entities", mgr.Store().Len())
	return nil
}
