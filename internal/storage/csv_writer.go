package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"weathercache/internal/models"
)

// CSVWriter writes an aligned series as CSV, one row per timestamp.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	header []string
}

// NewCSVWriter creates (or truncates) the CSV file at path and writes the header
// row for the given variables. Intermediate directories are created automatically.
func NewCSVWriter(path string, variables []string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	header := append([]string{"timestamp"}, variables...)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}

	return &CSVWriter{file: f, writer: w, header: header}, nil
}

// WriteSeries writes every row of s. Missing values are left empty.
func (c *CSVWriter) WriteSeries(s *models.Series) error {
	vars := c.header[1:]
	row := make([]string, len(c.header))
	for i, ts := range s.Timestamps {
		row[0] = ts.UTC().Format(time.RFC3339)
		for j, v := range vars {
			row[j+1] = ""
			col, ok := s.Columns[v]
			if ok && !models.IsMissing(col[i]) {
				row[j+1] = strconv.FormatFloat(col[i], 'f', -1, 64)
			}
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}

// ExportSeries writes s to path in one call.
func ExportSeries(path string, s *models.Series) error {
	w, err := NewCSVWriter(path, s.Variables())
	if err != nil {
		return err
	}
	if err := w.WriteSeries(s); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
