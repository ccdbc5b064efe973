package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// DefaultStoreName is the state file created next to the project.
const DefaultStoreName = ".aql.db"

// Options holds every host setting of a build.
type Options struct {
	Workers      int
	KeepGoing    bool
	LogLevel     string
	LogFormat    string
	StorePath    string
	MaxRebuilds  int
	LockTimeout  time.Duration
	LockInterval time.Duration
	ForceStore   bool
	// Variables are the project options.
	Variables map[string]cty.Value
}

// Default returns the options used when nothing else is configured.
func Default() *Options {
	return &Options{
		Workers:      runtime.NumCPU(),
		KeepGoing:    false,
		LogLevel:     "info",
		LogFormat:    "text",
		MaxRebuilds:  2,
		LockTimeout:  30 * time.Minute,
		LockInterval: time.Second,
		Variables:    map[string]cty.Value{},
	}
}

// Validate rejects values no build can run with.
func (o *Options) Validate() error {
	if o.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", o.Workers)
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", o.LogLevel)
	}
	if o.LogFormat != "text" && o.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q: must be 'text' or 'json'", o.LogFormat)
	}
	if o.MaxRebuilds < 1 {
		return fmt.Errorf("max_rebuilds must be at least 1, got %d", o.MaxRebuilds)
	}
	if o.LockTimeout <= 0 || o.LockInterval <= 0 {
		return fmt.Errorf("lock timeout and interval must be positive")
	}
	return nil
}

// Set assigns one key. Typed keys are parsed from value; any other key is
// stored as a string project option.
func (o *Options) Set(key, value string) error {
	var err error
	switch key {
	case "workers":
		o.Workers, err = strconv.Atoi(value)
	case "keep_going":
		o.KeepGoing, err = strconv.ParseBool(value)
	case "log_level":
		o.LogLevel = strings.ToLower(value)
	case "log_format":
		o.LogFormat = strings.ToLower(value)
	case "store":
		o.StorePath = value
	case "max_rebuilds":
		o.MaxRebuilds, err = strconv.Atoi(value)
	case "lock_timeout":
		o.LockTimeout, err = time.ParseDuration(value)
	case "lock_interval":
		o.LockInterval, err = time.ParseDuration(value)
	case "force_store":
		o.ForceStore, err = strconv.ParseBool(value)
	default:
		if o.Variables == nil {
			o.Variables = map[string]cty.Value{}
		}
		o.Variables[key] = cty.StringVal(value)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// ApplyOverrides applies KEY=VALUE arguments in order.
func (o *Options) ApplyOverrides(overrides []string) error {
	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid override %q: expected KEY=VALUE", kv)
		}
		if err := o.Set(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return nil
}

// IsOverride reports whether a positional argument is a KEY=VALUE pair.
func IsOverride(arg string) bool {
	key, _, ok := strings.Cut(arg, "=")
	return ok && key != "" && !strings.ContainsAny(key, "/\\ ")
}
