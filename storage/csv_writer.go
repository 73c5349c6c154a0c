package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"cardmarket-tracker/models"
)

var csvHeader = []string{
	"product", "scraped_at", "seller", "price", "quantity", "location", "compliance_flag",
}

// CSVWriter appends every extracted listing to a CSV audit file.
// It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter opens (or creates) the CSV file at the given path and writes
// the header row when the file is new. Intermediate directories are created
// automatically.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
	}

	return &CSVWriter{file: f, writer: w}, nil
}

// WriteSnapshot appends all listings of a snapshot, compliant or not.
func (c *CSVWriter) WriteSnapshot(product *models.Product, s *models.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := s.ScrapedAt.UTC().Format(time.RFC3339)
	for _, l := range s.Listings {
		row := []string{
			product.Key,
			ts,
			l.Seller,
			l.Price.StringFixed(2),
			strconv.Itoa(l.Quantity),
			l.Location,
			l.ComplianceFlag(),
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
