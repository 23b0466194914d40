// Package recorder writes decoded frames to CSV files for offline review.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
)

// Recorder records timestamped decoded frames to CSV files with automatic
// rotation. Columns follow the schema.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool
	log      *zap.Logger

	names  []string
	cells  int
	header []string

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Path       string `yaml:"path" mapstructure:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" mapstructure:"interval_ms" json:"intervalMs"`
	MaxRows    int    `yaml:"max_rows" mapstructure:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000 // ~2.7 hrs at 10 Hz

// New creates a Recorder for frames of schema s.
func New(cfg Config, s *schema.Schema, log *zap.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/driverio"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}

	names := s.Names()
	header := make([]string, 0, 1+len(names)+s.CellCount())
	header = append(header, "timestamp")
	header = append(header, names...)
	for i := 1; i <= s.CellCount(); i++ {
		header = append(header, fmt.Sprintf("cell_group%d_voltage", i))
	}

	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
		log:      log,
		names:    names,
		cells:    s.CellCount(),
		header:   header,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes one row if the minimum interval has elapsed since the last.
func (r *Recorder) Record(ts time.Time, d *frame.Decoded) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if !r.lastTs.IsZero() && ts.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = ts

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(ts); err != nil {
			r.log.Error("rotate failed", zap.Error(err))
			return
		}
	}

	if err := r.writer.Write(r.buildRow(ts, d)); err != nil {
		r.log.Error("write failed", zap.Error(err))
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("driverio_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(r.header); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info("opened", zap.String("path", path))
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Recorder) buildRow(ts time.Time, d *frame.Decoded) []string {
	row := make([]string, len(r.header))
	row[0] = ts.Format(time.RFC3339Nano)

	for i, name := range r.names {
		v, ok := d.Get(name)
		if !ok {
			continue
		}
		row[1+i] = formatValue(v)
	}
	base := 1 + len(r.names)
	for i := 0; i < r.cells && i < len(d.Cells); i++ {
		row[base+i] = strconv.FormatFloat(d.Cells[i], 'f', 4, 64)
	}
	return row
}

func formatValue(v frame.Value) string {
	switch v.Kind {
	case schema.Float32:
		return strconv.FormatFloat(v.Float, 'f', -1, 32)
	case schema.Bool, schema.BitFlags:
		return boolStr(v.Bool)
	case schema.StringFixed:
		return v.Str
	default:
		return strconv.FormatUint(v.Uint, 10)
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
