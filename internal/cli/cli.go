package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/aqlbuild/internal/app"
	"github.com/vk/aqlbuild/internal/config"
)

// Exit codes of the binary.
const (
	ExitOK           = 0
	ExitBuildFailure = 1
	ExitConfig       = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func configError(format string, args ...any) *ExitError {
	return &ExitError{Code: ExitConfig, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by Parse or app.Run to a process exit
// code.
func ExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, app.ErrConfiguration):
		return ExitConfig
	default:
		return ExitBuildFailure
	}
}

// Parse processes command-line arguments. It returns a populated app
// Config, a boolean indicating if the program should exit cleanly, or an
// ExitError.
//
// Options are applied in order of precedence: defaults, the config file,
// flags given on the command line, then KEY=VALUE arguments.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("aql", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
aql - An incremental, parallel build tool.

Usage:
  aql [options] [KEY=VALUE ...] [TARGET ...]

Arguments:
  KEY=VALUE
    Overrides a config key (workers, keep_going, log_level, ...) or sets a
    project option read as option.KEY.
  TARGET
    Name of a node block to build. Every node is built when none is given.

Options:
`)
		flagSet.PrintDefaults()
	}

	defaults := config.Default()
	workersFlag := flagSet.Int("j", defaults.Workers, "Number of concurrent build jobs.")
	keepGoingFlag := flagSet.Bool("k", false, "Keep building independent nodes after a failure.")
	verboseFlag := flagSet.Bool("v", false, "Verbose output (debug log level).")
	quietFlag := flagSet.Bool("q", false, "Quiet output (error log level).")
	configFlag := flagSet.String("c", "", "Path to a config file (.hcl, .toml, .yaml).")
	projectFlag := flagSet.String("f", ".", "Path to the project file or directory.")
	storeFlag := flagSet.String("store", "", "Path to the build state file. Defaults to "+config.DefaultStoreName+" next to the project.")
	logFormatFlag := flagSet.String("log-format", defaults.LogFormat, "Log output format. Options: 'text' or 'json'.")
	statusFlag := flagSet.Bool("status", false, "Report outdated nodes without building.")
	clearFlag := flagSet.Bool("clear", false, "Remove the targets and build state of the selected nodes.")
	forceFlag := flagSet.Bool("force", false, "Recreate a build state file that does not parse.")
	debugStoreFlag := flagSet.Bool("debug-store", false, "Self-check the build state before and after the run.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, configError("%s", err.Error())
	}
	slog.Debug("Arguments parsed successfully.")

	if *verboseFlag && *quietFlag {
		return nil, false, configError("-v and -q are mutually exclusive")
	}
	if *statusFlag && *clearFlag {
		return nil, false, configError("--status and --clear are mutually exclusive")
	}

	opts := config.Default()
	if *configFlag != "" {
		if err := config.LoadFile(*configFlag, opts); err != nil {
			return nil, false, configError("%s", err.Error())
		}
		slog.Debug("Config file loaded.", "path", *configFlag)
	}

	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "j":
			opts.Workers = *workersFlag
		case "k":
			opts.KeepGoing = *keepGoingFlag
		case "v":
			if *verboseFlag {
				opts.LogLevel = "debug"
			}
		case "q":
			if *quietFlag {
				opts.LogLevel = "error"
			}
		case "store":
			opts.StorePath = *storeFlag
		case "log-format":
			opts.LogFormat = strings.ToLower(*logFormatFlag)
		case "force":
			opts.ForceStore = *forceFlag
		}
	})

	var overrides, targets []string
	for _, arg := range flagSet.Args() {
		if config.IsOverride(arg) {
			overrides = append(overrides, arg)
		} else {
			targets = append(targets, arg)
		}
	}
	if err := opts.ApplyOverrides(overrides); err != nil {
		return nil, false, configError("%s", err.Error())
	}
	slog.Debug("Positional arguments split.", "overrides", len(overrides), "targets", targets)

	mode := app.ModeBuild
	switch {
	case *statusFlag:
		mode = app.ModeStatus
	case *clearFlag:
		mode = app.ModeClear
	}

	cfg, err := app.NewConfig(app.Config{
		ProjectPath: *projectFlag,
		Targets:     targets,
		Mode:        mode,
		DebugStore:  *debugStoreFlag,
		Options:     opts,
	})
	if err != nil {
		return nil, false, configError("%s", err.Error())
	}

	slog.Debug("CLI parser finished successfully.", "mode", mode, "project", cfg.ProjectPath)
	return cfg, false, nil
}
