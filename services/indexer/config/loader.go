// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
)

// ErrListNotFound is returned when a list file does not exist.
var ErrListNotFound = errors.New("list file does not exist")

// Loader reads config and list files from any location afs supports:
// local paths and file:// URLs, plus whatever schemes are registered.
//
// Thread Safety: Safe for concurrent use.
type Loader struct {
	fs     afs.Service
	logger *slog.Logger
}

// NewLoader creates a Loader. A nil logger uses slog.Default().
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{fs: afs.New(), logger: logger}
}

// toURL turns a local path into an absolute file URL and leaves URLs as
// they are.
func toURL(location string) string {
	if strings.Contains(location, "://") {
		return location
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return location
	}
	return "file://" + filepath.ToSlash(abs)
}

func (l *Loader) download(ctx context.Context, location string) ([]byte, bool, error) {
	url := toURL(location)
	ok, err := l.fs.Exists(ctx, url)
	if err != nil {
		return nil, false, fmt.Errorf("checking %s: %w", location, err)
	}
	if !ok {
		return nil, false, nil
	}
	data, err := l.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, true, fmt.Errorf("reading %s: %w", location, err)
	}
	if len(data) > MaxFileSize {
		return nil, true, fmt.Errorf("%s: %w (%d > %d)", location, ErrTooLarge, len(data), MaxFileSize)
	}
	return data, true, nil
}

// Load returns the defaults with the file at location applied on top.
//
// Description:
//
//	An empty location or a file that does not exist yields the defaults.
//
// Outputs:
//
//	*Config - The merged configuration. Not yet validated.
//	error - Non-nil if the file cannot be read or parsed.
func (l *Loader) Load(ctx context.Context, location string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if location == "" {
		return cfg, nil
	}
	data, found, err := l.download(ctx, location)
	if err != nil {
		return nil, err
	}
	if !found {
		l.logger.Debug("config file not found, using defaults", slog.String("location", location))
		return cfg, nil
	}
	if err := Parse(cfg, data); err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	l.logger.Debug("config file loaded", slog.String("location", location))
	return cfg, nil
}

// ReadList returns the entries of a list file: one per line, trimmed,
// skipping blank lines and lines starting with '#'.
func (l *Loader) ReadList(ctx context.Context, location string) ([]string, error) {
	data, found, err := l.download(ctx, location)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrListNotFound, location)
	}
	return parseList(data)
}

func parseList(data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning list: %w", err)
	}
	return out, nil
}

// Resolved holds the lists of a Config with every list file expanded.
type Resolved struct {
	Inputs  []string
	Exclude []string
	Follow  []string
}

// Resolve expands the list files of cfg.
//
// Outputs:
//
//	*Resolved - Literal entries first, then file entries in file order.
//	error - Wraps ErrListNotFound for a missing list file.
func (l *Loader) Resolve(ctx context.Context, cfg *Config) (*Resolved, error) {
	expand := func(literal, files []string) ([]string, error) {
		out := append([]string(nil), literal...)
		for _, f := range files {
			entries, err := l.ReadList(ctx, f)
			if err != nil {
				return nil, err
			}
			out = append(out, entries...)
		}
		return out, nil
	}

	inputs, err := expand(cfg.Inputs, cfg.ListFiles)
	if err != nil {
		return nil, err
	}
	exclude, err := expand(cfg.Exclude, cfg.ExcludeFiles)
	if err != nil {
		return nil, err
	}
	follow, err := expand(cfg.Follow, cfg.FollowFiles)
	if err != nil {
		return nil, err
	}
	return &Resolved{Inputs: inputs, Exclude: exclude, Follow: follow}, nil
}
