// Package config defines the host options of a build and loads them from
// config files (.hcl, .toml, .yaml) and KEY=VALUE overrides.
//
// Known keys set typed fields; every other key becomes a project option
// available as option.<name> in project files and to builders through the
// build context.
package config
