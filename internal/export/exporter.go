// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package export writes recorded angle history as delimited text.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrExportIO wraps every failure to produce the artifact.
var ErrExportIO = errors.New("export io error")

const (
	// Header is the first row of every artifact.
	Header = "Alg1(SourceA), Alg1(SourceB), TimePol, TimeInt"
	// DefaultFileName is the well-known artifact name inside the export dir.
	DefaultFileName = "Sensor_data.csv"

	separator = ", "
	missing   = "0"
)

// Series is one source's Alg1 history.
type Series struct {
	Values     []float32
	Timestamps []int64
}

// Input is what one export consumes: SourceA is the wearable, SourceB the
// builtin sensor.
type Input struct {
	SourceA Series
	SourceB Series
}

// Rows is the number of data rows Render writes.
func (in Input) Rows() int {
	n := 0
	for _, l := range []int{
		len(in.SourceA.Values), len(in.SourceB.Values),
		len(in.SourceA.Timestamps), len(in.SourceB.Timestamps),
	} {
		if l > n {
			n = l
		}
	}
	return n
}

func formatValue(vs []float32, i int) string {
	if i >= len(vs) {
		return missing
	}
	return strconv.FormatFloat(float64(vs[i]), 'f', 1, 32)
}

func formatTime(ts []int64, i int) string {
	if i >= len(ts) {
		return missing
	}
	return strconv.FormatFloat(float64(ts[i]), 'f', 1, 64)
}

// Render writes the header and one row per index. Rows pair the two
// sources by position, not by time.
func Render(w io.Writer, in Input) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Header + "\n"); err != nil {
		return err
	}
	fields := make([]string, 4)
	for i, n := 0, in.Rows(); i < n; i++ {
		fields[0] = formatValue(in.SourceA.Values, i)
		fields[1] = formatValue(in.SourceB.Values, i)
		fields[2] = formatTime(in.SourceA.Timestamps, i)
		fields[3] = formatTime(in.SourceB.Timestamps, i)
		if _, err := bw.WriteString(strings.Join(fields, separator) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// FileExporter overwrites a single file on every export. The new content
// is written to a temporary file in the same directory and renamed over
// the old one, so readers never see a partial artifact.
type FileExporter struct {
	path    string
	collect func() Input
	logger  *zap.Logger
}

// NewFileExporter exports collect() to dir/DefaultFileName.
func NewFileExporter(dir string, collect func() Input, logger *zap.Logger) *FileExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileExporter{
		path:    filepath.Join(dir, DefaultFileName),
		collect: collect,
		logger:  logger.Named("export"),
	}
}

func (e *FileExporter) Path() string { return e.path }

func (e *FileExporter) Export() error {
	in := e.collect()
	if err := WriteFile(e.path, in); err != nil {
		e.logger.Error("export failed", zap.String("path", e.path), zap.Error(err))
		return err
	}
	e.logger.Info("exported",
		zap.String("path", e.path),
		zap.Int("rows", in.Rows()))
	return nil
}

// WriteFile renders in to path, replacing any previous file.
func WriteFile(path string, in Input) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir %s: %v", ErrExportIO, dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrExportIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := Render(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrExportIO, tmpName, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod %s: %v", ErrExportIO, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrExportIO, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrExportIO, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", ErrExportIO, path, err)
	}
	return nil
}
