// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the settings of an indexing run: the embedded
// defaults, an optional YAML file on top of them, and the list files
// that inputs and namespace filters can be read from.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

const (
	// MaxFileSize bounds config and list files.
	MaxFileSize = 1 << 20

	// IndexExtension is the extension of index files named after an input.
	IndexExtension = ".srctrldb"
)

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid configuration")

	// ErrNoInputs is returned by Validate when neither inputs nor list
	// files are configured.
	ErrNoInputs = errors.New("no input given; use --input or --list-file")

	// ErrTooLarge is returned for config or list files over MaxFileSize.
	ErrTooLarge = errors.New("file exceeds maximum size")
)

// =============================================================================
// Config
// =============================================================================

// Config is the full configuration of a run.
//
// Thread Safety: Not safe for concurrent mutation. Treat as read-only
// once validated.
type Config struct {
	// Inputs are metadata dumps to index.
	Inputs []string `yaml:"inputs" validate:"dive,required"`

	// ListFiles name files with one input path per line.
	ListFiles []string `yaml:"list_files" validate:"dive,required"`

	// OutputDir receives <first input>.srctrldb unless OutputFile is set.
	OutputDir string `yaml:"output_dir" validate:"required_without_all=OutputFile DryRun"`

	// OutputFile is the full path of the index. Takes precedence over
	// OutputDir.
	OutputFile string `yaml:"output_file"`

	// SearchPaths are probed for referenced assemblies.
	SearchPaths []string `yaml:"search_paths" validate:"dive,required"`

	// Exclude lists namespace patterns whose types are not indexed.
	Exclude []string `yaml:"exclude" validate:"dive,required"`

	// ExcludeFiles name files with one exclude pattern per line.
	ExcludeFiles []string `yaml:"exclude_files" validate:"dive,required"`

	// Follow lists foreign namespace patterns that are indexed like the
	// inputs.
	Follow []string `yaml:"follow" validate:"dive,required"`

	// FollowFiles name files with one follow pattern per line.
	FollowFiles []string `yaml:"follow_files" validate:"dive,required"`

	CollectAllInvocations bool `yaml:"collect_all_invocations"`
	AllowGlobalTypes      bool `yaml:"allow_global_types"`

	// DryRun indexes into memory and writes no index file.
	DryRun bool `yaml:"dry_run"`

	// ExportJSON is a path the index is exported to as JSON.
	ExportJSON string `yaml:"export_json"`

	// MetricsFile is a path the Prometheus metrics are written to.
	MetricsFile string `yaml:"metrics_file"`

	// TraceStdout prints OpenTelemetry spans to stdout.
	TraceStdout bool `yaml:"trace_stdout"`

	LogLevel string `yaml:"log_level" validate:"required,oneof=debug info warn error"`

	// Wait asks for Enter before exiting when attached to a terminal.
	Wait bool `yaml:"wait"`
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultConfigYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	return cfg, nil
}

// Parse applies YAML data on top of cfg. Keys absent from data keep the
// value they have in cfg.
func Parse(cfg *Config, data []byte) error {
	if len(data) > MaxFileSize {
		return fmt.Errorf("%w (%d > %d)", ErrTooLarge, len(data), MaxFileSize)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks cfg after defaults, file and flags have been merged.
//
// Outputs:
//
//	error - ErrNoInputs, or ErrInvalid wrapping a description of every
//	        failing field.
func (c *Config) Validate() error {
	if len(c.Inputs) == 0 && len(c.ListFiles) == 0 {
		return ErrNoInputs
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required_without_all":
			msgs = append(msgs, fmt.Sprintf("%s: required unless output_file or dry_run is set", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: %q is not one of [%s]", fe.Field(), fe.Value(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// OutputPath returns where the index for inputs is written.
//
// Description:
//
//	OutputFile wins when set. Otherwise the index is named after the
//	first input with its extension replaced by IndexExtension and placed
//	in OutputDir.
func (c *Config) OutputPath(firstInput string) string {
	if c.OutputFile != "" {
		return c.OutputFile
	}
	base := filepath.Base(firstInput)
	base = strings.TrimSuffix(base, filepath.Ext(base)) + IndexExtension
	return filepath.Join(c.OutputDir, base)
}
