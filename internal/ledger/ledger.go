// Package ledger persists the per-cycle mark-to-market samples for one session.
package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const header = "timestamp,day_m2m"

// Sample is one (timestamp, day_m2m) line of the session ledger.
type Sample struct {
	Timestamp string // HH:MM:SS wall clock
	DayM2M    float64
}

// Ledger appends mark-to-market samples to a dated CSV file, writing the
// header exactly once per file.
type Ledger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// FileName returns the dated ledger file name, DDMMYY_mtmgraph.csv.
func FileName(day time.Time) string {
	return day.Format("020106") + "_mtmgraph.csv"
}

// Open creates or reopens the ledger for the given day under dir.
func Open(dir string, day time.Time) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	path := filepath.Join(dir, FileName(day))

	needHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needHeader = false
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if needHeader {
		if _, err := fmt.Fprintln(file, header); err != nil {
			file.Close()
			return nil, fmt.Errorf("write ledger header: %w", err)
		}
	}
	return &Ledger{file: file, path: path}, nil
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Append writes one sample line.
func (l *Ledger) Append(ts time.Time, dayM2M float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("ledger closed")
	}
	_, err := fmt.Fprintf(l.file, "%s,%.2f\n", ts.Format("15:04:05"), dayM2M)
	return err
}

// Close releases the file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Read loads every sample from a ledger file in order, skipping the header.
func Read(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	samples := make([]Sample, 0, len(records))
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == "timestamp" {
			continue
		}
		if len(rec) != 2 {
			return nil, fmt.Errorf("ledger line %d: expected 2 fields, got %d", i+1, len(rec))
		}
		value, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", i+1, err)
		}
		samples = append(samples, Sample{Timestamp: rec[0], DayM2M: value})
	}
	return samples, nil
}
