package app

import (
	"errors"

	"github.com/vk/aqlbuild/internal/config"
)

// Mode selects what Run does with the selected nodes.
type Mode int

const (
	ModeBuild Mode = iota
	ModeStatus
	ModeClear
)

func (m Mode) String() string {
	switch m {
	case ModeStatus:
		return "status"
	case ModeClear:
		return "clear"
	default:
		return "build"
	}
}

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ProjectPath string // .hcl file or directory
	Targets     []string
	Mode        Mode
	DebugStore  bool

	Options *config.Options
}

// NewConfig validates cfg and fills in default options.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ProjectPath == "" {
		return nil, errors.New("ProjectPath is a required configuration field and cannot be empty")
	}
	if cfg.Options == nil {
		cfg.Options = config.Default()
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
