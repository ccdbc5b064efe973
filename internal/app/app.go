package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vk/aqlbuild/internal/config"
	"github.com/vk/aqlbuild/internal/ctxlog"
	"github.com/vk/aqlbuild/internal/project"
)

// ErrConfiguration marks failures that happen before any node runs: bad
// options, project files that do not load, and graphs that cannot be
// built.
var ErrConfiguration = errors.New("configuration error")

func configError(err error) error {
	if err == nil || errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	config  *Config
	project *project.Project
}

// NewApp is the constructor for the main application. It builds an
// isolated logger writing to logW and loads the project. Reports are
// written to outW.
func NewApp(ctx context.Context, outW, logW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.Options.LogLevel, cfg.Options.LogFormat, logW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	p, err := project.Load(ctx, cfg.Options.Variables, cfg.ProjectPath)
	if err != nil {
		return nil, configError(fmt.Errorf("failed to load project: %w", err))
	}
	logger.Debug("Project loaded.", "files", len(p.Files), "nodes", len(p.Aliases()))

	return &App{
		outW:    outW,
		logger:  logger,
		config:  cfg,
		project: p,
	}, nil
}

// Project returns the loaded project. This is primarily for testing.
func (a *App) Project() *project.Project {
	return a.project
}

// storePath returns the configured state file, or the default one next to
// the project.
func (a *App) storePath() string {
	if a.config.Options.StorePath != "" {
		return a.config.Options.StorePath
	}
	dir := a.config.ProjectPath
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	return filepath.Join(dir, config.DefaultStoreName)
}
