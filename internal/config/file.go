package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	"gopkg.in/yaml.v3"
)

// fileConfig is the shape shared by every config file format. Pointer
// fields distinguish "absent" from a zero value.
type fileConfig struct {
	Workers      *int           `toml:"workers" yaml:"workers"`
	KeepGoing    *bool          `toml:"keep_going" yaml:"keep_going"`
	LogLevel     *string        `toml:"log_level" yaml:"log_level"`
	LogFormat    *string        `toml:"log_format" yaml:"log_format"`
	Store        *string        `toml:"store" yaml:"store"`
	MaxRebuilds  *int           `toml:"max_rebuilds" yaml:"max_rebuilds"`
	LockTimeout  *string        `toml:"lock_timeout" yaml:"lock_timeout"`
	LockInterval *string        `toml:"lock_interval" yaml:"lock_interval"`
	ForceStore   *bool          `toml:"force_store" yaml:"force_store"`
	Options      map[string]any `toml:"options" yaml:"options"`

	variables map[string]cty.Value
}

type hclConfig struct {
	Workers      *int      `hcl:"workers,optional"`
	KeepGoing    *bool     `hcl:"keep_going,optional"`
	LogLevel     *string   `hcl:"log_level,optional"`
	LogFormat    *string   `hcl:"log_format,optional"`
	Store        *string   `hcl:"store,optional"`
	MaxRebuilds  *int      `hcl:"max_rebuilds,optional"`
	LockTimeout  *string   `hcl:"lock_timeout,optional"`
	LockInterval *string   `hcl:"lock_interval,optional"`
	ForceStore   *bool     `hcl:"force_store,optional"`
	Options      cty.Value `hcl:"options,optional"`
}

// LoadFile reads a config file and applies it on top of o. The format is
// chosen by extension. A relative store path is resolved against the
// directory of the file.
func LoadFile(path string, o *Options) error {
	var fc fileConfig
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		err = decodeHCL(path, &fc)
	case ".toml":
		_, err = toml.DecodeFile(path, &fc)
	case ".yaml", ".yml":
		err = decodeYAML(path, &fc)
	default:
		return fmt.Errorf("unsupported config file %s: expected .hcl, .toml, .yaml or .yml", path)
	}
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if fc.Store != nil && *fc.Store != "" && !filepath.IsAbs(*fc.Store) {
		resolved := filepath.Join(filepath.Dir(path), *fc.Store)
		fc.Store = &resolved
	}
	return fc.apply(o)
}

func decodeHCL(path string, fc *fileConfig) error {
	file, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return diags
	}
	var hc hclConfig
	if diags := gohcl.DecodeBody(file.Body, nil, &hc); diags.HasErrors() {
		return diags
	}
	*fc = fileConfig{
		Workers:      hc.Workers,
		KeepGoing:    hc.KeepGoing,
		LogLevel:     hc.LogLevel,
		LogFormat:    hc.LogFormat,
		Store:        hc.Store,
		MaxRebuilds:  hc.MaxRebuilds,
		LockTimeout:  hc.LockTimeout,
		LockInterval: hc.LockInterval,
		ForceStore:   hc.ForceStore,
	}
	if hc.Options != cty.NilVal && !hc.Options.IsNull() {
		ty := hc.Options.Type()
		if !ty.IsObjectType() && !ty.IsMapType() {
			return fmt.Errorf("options must be an object, got %s", ty.FriendlyName())
		}
		fc.variables = hc.Options.AsValueMap()
	}
	return nil
}

func decodeYAML(path string, fc *fileConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (fc *fileConfig) apply(o *Options) error {
	if fc.Workers != nil {
		o.Workers = *fc.Workers
	}
	if fc.KeepGoing != nil {
		o.KeepGoing = *fc.KeepGoing
	}
	if fc.LogLevel != nil {
		o.LogLevel = strings.ToLower(*fc.LogLevel)
	}
	if fc.LogFormat != nil {
		o.LogFormat = strings.ToLower(*fc.LogFormat)
	}
	if fc.Store != nil {
		o.StorePath = *fc.Store
	}
	if fc.MaxRebuilds != nil {
		o.MaxRebuilds = *fc.MaxRebuilds
	}
	if fc.ForceStore != nil {
		o.ForceStore = *fc.ForceStore
	}
	for _, d := range []struct {
		name   string
		src    *string
		target *time.Duration
	}{
		{"lock_timeout", fc.LockTimeout, &o.LockTimeout},
		{"lock_interval", fc.LockInterval, &o.LockInterval},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", d.name, err)
		}
		*d.target = v
	}

	if o.Variables == nil {
		o.Variables = map[string]cty.Value{}
	}
	for k, v := range fc.variables {
		o.Variables[k] = v
	}
	keys := make([]string, 0, len(fc.Options))
	for k := range fc.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := ToCtyValue(fc.Options[k])
		if err != nil {
			return fmt.Errorf("option %s: %w", k, err)
		}
		o.Variables[k] = v
	}
	return nil
}

// ToCtyValue converts a decoded TOML or YAML value into its cty
// equivalent. Lists become tuples and tables become objects so mixed
// element types survive.
func ToCtyValue(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case uint64:
		return cty.NumberUIntVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case time.Time:
		return cty.StringVal(t.Format(time.RFC3339)), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(t))
		for i, e := range t {
			ev, err := ToCtyValue(e)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = ev
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, e := range t {
			ev, err := ToCtyValue(e)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = ev
		}
		return cty.ObjectVal(attrs), nil
	}
	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unable to infer cty.Type: %w", err)
	}
	return gocty.ToCtyValue(v, ty)
}
