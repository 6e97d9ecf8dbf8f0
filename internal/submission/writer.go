package submission

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
)

// Family names one of the three append-only log series
type Family string

const (
	FamilyContent   Family = "content"
	FamilySubmitted Family = "submitted"
	FamilyFailed    Family = "failed_content"
)

var families = []Family{FamilyContent, FamilySubmitted, FamilyFailed}

const dayLayout = "2006-01-02"

// FileName returns the log file name of family for the given day
func FileName(day time.Time, family Family) string {
	return day.In(time.Local).Format(dayLayout) + "_" + string(family)
}

type openLog struct {
	day  string
	file *os.File
}

// LogWriter appends lines to one file per family per local calendar day.
// Files are switched lazily: the first write after local midnight opens the
// new day's file. Not safe for concurrent use; the pipeline serializes it.
type LogWriter struct {
	dir   string
	clock clock.Clock
	open  map[Family]*openLog
}

// NewLogWriter creates dir if needed
func NewLogWriter(dir string, clk clock.Clock) (*LogWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create submit directory: %w", err)
	}
	return &LogWriter{
		dir:   dir,
		clock: clk,
		open:  make(map[Family]*openLog, len(families)),
	}, nil
}

// Append writes line plus a newline to today's file of family
func (w *LogWriter) Append(family Family, line []byte) error {
	f, err := w.current(family)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to append to %s log: %w", family, err)
	}
	return nil
}

func (w *LogWriter) current(family Family) (*os.File, error) {
	day := w.clock.Now().In(time.Local).Format(dayLayout)

	if cur, ok := w.open[family]; ok {
		if cur.day == day {
			return cur.file, nil
		}
		if err := cur.file.Close(); err != nil {
			slog.Warn("Failed to close rotated log", "family", family, "day", cur.day, "error", err)
		}
		delete(w.open, family)
		slog.Info("Rotated submission log", "family", family, "day", day)
	}

	path := filepath.Join(w.dir, day+"_"+string(family))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	w.open[family] = &openLog{day: day, file: f}
	return f, nil
}

// ReadLines returns every non-empty line of family for day. A missing file
// yields no lines.
func (w *LogWriter) ReadLines(family Family, day time.Time) ([][]byte, error) {
	path := filepath.Join(w.dir, FileName(day, family))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Close closes every open file
func (w *LogWriter) Close() error {
	var errs []error
	for family, cur := range w.open {
		if err := cur.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s log: %w", family, err))
		}
		delete(w.open, family)
	}
	return errors.Join(errs...)
}
