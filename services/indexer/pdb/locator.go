// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pdb

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/ilindex/services/indexer/metadata"
)

// sniffLength is the number of leading bytes needed to tell formats apart.
const sniffLength = 32

// LocatorOption configures a Locator.
type LocatorOption func(*Locator)

// WithReader replaces the reader used for a format.
func WithReader(format Format, r Reader) LocatorOption {
	return func(l *Locator) {
		l.readers[format] = r
	}
}

// Locator finds, reads and keeps the debug information of each binary.
//
// Thread Safety:
//
//	Not safe for concurrent use. Binaries are loaded before indexing and
//	the data is read-only afterwards.
type Locator struct {
	logger  *slog.Logger
	readers map[Format]Reader
	methods map[string]map[metadata.Token]*Method
	files   map[string]string
}

// NewLocator creates a Locator with readers for both formats.
func NewLocator(logger *slog.Logger, opts ...LocatorOption) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Locator{
		logger: logger,
		readers: map[Format]Reader{
			FormatPortable: PortableReader{},
			FormatWindows:  WindowsReader{},
		},
		methods: make(map[string]map[metadata.Token]*Method),
		files:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PathFor returns the debug file path expected beside a binary.
func PathFor(binaryPath string) string {
	return strings.TrimSuffix(binaryPath, filepath.Ext(binaryPath)) + ".pdb"
}

// Load reads the debug file of a binary.
//
// Description:
//
//	The debug file is the binary path with the extension ".pdb". A missing
//	file is not an error and is only logged at debug level. A file that
//	cannot be read is logged and the assembly keeps no debug data.
//
// Inputs:
//
//	assembly - Name the data is stored under.
//	binaryPath - Path of the binary.
//
// Outputs:
//
//	bool - True when debug data was loaded.
func (l *Locator) Load(assembly, binaryPath string) bool {
	path := PathFor(binaryPath)
	format, err := sniffFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		filesTotal.WithLabelValues(FormatUnknown.String(), "missing").Inc()
		l.logger.Debug("no debug file", slog.String("assembly", assembly), slog.String("path", path))
		return false
	}
	if err == nil && format == FormatUnknown {
		err = ErrUnknownFormat
	}
	var methods map[metadata.Token]*Method
	if err == nil {
		reader, ok := l.readers[format]
		if !ok {
			err = fmt.Errorf("no reader for %s debug files", format)
		} else {
			methods, err = reader.Read(path)
		}
	}
	if err != nil {
		filesTotal.WithLabelValues(format.String(), "failed").Inc()
		l.logger.Warn("cannot read debug file",
			slog.String("assembly", assembly),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return false
	}

	filesTotal.WithLabelValues(format.String(), "loaded").Inc()
	l.methods[assembly] = methods
	l.files[assembly] = path
	l.logger.Info("debug file loaded",
		slog.String("assembly", assembly),
		slog.String("path", path),
		slog.String("format", format.String()),
		slog.Int("methods", len(methods)),
	)
	return true
}

// sniffFile reads the head of path and identifies its format. The file is
// closed before returning.
func sniffFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()
	head := make([]byte, sniffLength)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, fmt.Errorf("reading %s: %w", path, err)
	}
	return Sniff(head[:n]), nil
}

// Method returns the debug information of a method.
func (l *Locator) Method(assembly string, tok metadata.Token) (*Method, bool) {
	m, ok := l.methods[assembly][tok]
	return m, ok
}

// Methods returns every method with debug information of an assembly.
func (l *Locator) Methods(assembly string) map[metadata.Token]*Method {
	return l.methods[assembly]
}

// File returns the debug file loaded for an assembly.
func (l *Locator) File(assembly string) (string, bool) {
	p, ok := l.files[assembly]
	return p, ok
}

// Assemblies returns the assemblies with debug data, sorted.
func (l *Locator) Assemblies() []string {
	out := make([]string, 0, len(l.methods))
	for a := range l.methods {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
