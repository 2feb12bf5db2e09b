package gateway

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store loads and caches bar history from CSV files. One file per
// symbol, named <SYMBOL>.csv, rows of
// timestamp,open,high,low,close,volume with RFC 3339 timestamps.
// Rows are sorted and de-duplicated on load.
type Store struct {
	logger  *zap.Logger
	dataDir string

	mu    sync.RWMutex
	cache map[string][]types.Bar
}

// NewStore creates a store over the data directory.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{
		logger:  logger.Named("store"),
		dataDir: dataDir,
		cache:   make(map[string][]types.Bar),
	}, nil
}

// Bars returns the full cached series for a symbol, loading it on
// first use.
func (s *Store) Bars(symbol string) ([]types.Bar, error) {
	symbol = strings.ToUpper(symbol)

	s.mu.RLock()
	cached, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	bars, err := s.loadCSV(symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[symbol] = bars
	s.mu.Unlock()
	return bars, nil
}

// Range returns bars within [start, end). Zero times leave that side
// unbounded.
func (s *Store) Range(symbol string, start, end time.Time) ([]types.Bar, error) {
	bars, err := s.Bars(symbol)
	if err != nil {
		return nil, err
	}

	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(bars), func(i int) bool {
			return !bars[i].Timestamp.Before(start)
		})
	}
	hi := len(bars)
	if !end.IsZero() {
		hi = sort.Search(len(bars), func(i int) bool {
			return !bars[i].Timestamp.Before(end)
		})
	}
	if lo > hi {
		lo = hi
	}
	return bars[lo:hi], nil
}

// Symbols lists the symbols with a data file present.
func (s *Store) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		symbols = append(symbols, strings.ToUpper(strings.TrimSuffix(e.Name(), ".csv")))
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (s *Store) loadCSV(symbol string) ([]types.Bar, error) {
	path := filepath.Join(s.dataDir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	bars := make([]types.Bar, 0, len(records))
	for i, rec := range records {
		if i == 0 && strings.EqualFold(rec[0], "timestamp") {
			continue // header row
		}
		bar, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	bars = dedupe(bars)

	s.logger.Info("loaded bar history",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)))
	return bars, nil
}

func parseRow(rec []string) (types.Bar, error) {
	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return types.Bar{}, fmt.Errorf("timestamp %q: %w", rec[0], err)
	}

	fields := [5]decimal.Decimal{}
	for i, raw := range rec[1:6] {
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return types.Bar{}, fmt.Errorf("field %d %q: %w", i+1, raw, err)
		}
		fields[i] = d
	}

	bar := types.Bar{
		Timestamp: ts.UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}
	if bar.High.LessThan(bar.Low) || !bar.Open.IsPositive() || !bar.Close.IsPositive() {
		return types.Bar{}, fmt.Errorf("inconsistent OHLC %v", rec)
	}
	return bar, nil
}

// dedupe drops rows sharing a timestamp, keeping the last occurrence.
func dedupe(bars []types.Bar) []types.Bar {
	out := bars[:0]
	for i, b := range bars {
		if i+1 < len(bars) && bars[i+1].Timestamp.Equal(b.Timestamp) {
			continue
		}
		out = append(out, b)
	}
	return out
}
