// Package numerator issues sequential document numbers backed by a
// sys_sequences counter table.
package numerator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Strategy selects how numbers are drawn from the counter.
type Strategy int

const (
	// StrategyStrict draws every number with UPDATE ... RETURNING.
	// Sequential without gaps; one round-trip per number.
	StrategyStrict Strategy = iota

	// StrategyCached reserves ranges of numbers in memory. Much faster,
	// may leave gaps after a restart. Fine for reservation numbers.
	StrategyCached
)

// Options tunes number generation.
type Options struct {
	Strategy Strategy

	// RangeSize is how many numbers a cached range reserves at once.
	RangeSize int64
}

const defaultRangeSize = 50

// Querier is the subset of pgxpool.Pool the numerator needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config shapes the formatted number.
type Config struct {
	// Prefix added to all numbers (e.g. "RSV").
	Prefix string

	// IncludeYear adds the period year to the number.
	IncludeYear bool

	// PadWidth is the minimum digit width (default 6).
	PadWidth int

	// ResetPeriod: "year", "month" or "never".
	ResetPeriod string
}

// DefaultConfig numbers as PREFIX-YEAR-XXXXXX with a yearly reset.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:      prefix,
		IncludeYear: true,
		PadWidth:    6,
		ResetPeriod: "year",
	}
}

type cachedRange struct {
	current int64
	max     int64
}

// Service draws numbers from sys_sequences.
type Service struct {
	querier Querier

	cacheMu sync.Mutex
	ranges  map[string]*cachedRange
}

// New creates a numerator over the given querier (usually the pool; the
// counter bump must survive a rolled-back business transaction).
func New(querier Querier) *Service {
	return &Service{
		querier: querier,
		ranges:  make(map[string]*cachedRange),
	}
}

// GetNextNumber draws and formats the next number for the period.
func (s *Service) GetNextNumber(ctx context.Context, cfg Config, opts *Options, period time.Time) (string, error) {
	if s == nil {
		return "", fmt.Errorf("numerator service is not initialized")
	}
	if opts == nil {
		opts = &Options{Strategy: StrategyStrict}
	}

	key := buildKey(cfg, period)

	var (
		num int64
		err error
	)
	switch opts.Strategy {
	case StrategyCached:
		num, err = s.nextCached(ctx, key, opts.RangeSize)
	default:
		num, err = s.nextStrict(ctx, key)
	}
	if err != nil {
		return "", err
	}

	return formatNumber(cfg, period, num), nil
}

func (s *Service) nextStrict(ctx context.Context, key string) (int64, error) {
	var num int64
	err := s.querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET current_val = sys_sequences.current_val + 1
		RETURNING current_val
	`, key).Scan(&num)
	if err != nil {
		return 0, fmt.Errorf("strict next for %s: %w", key, err)
	}
	return num, nil
}

func (s *Service) nextCached(ctx context.Context, key string, rangeSize int64) (int64, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	rng, ok := s.ranges[key]
	if !ok {
		rng = &cachedRange{}
		s.ranges[key] = rng
	}

	if rng.current >= rng.max {
		if rangeSize <= 0 {
			rangeSize = defaultRangeSize
		}

		// current_val holds the last number handed out; bumping it by the
		// range size reserves (newMax-rangeSize, newMax].
		var newMax int64
		err := s.querier.QueryRow(ctx, `
			INSERT INTO sys_sequences (key, current_val)
			VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET current_val = sys_sequences.current_val + $2
			RETURNING current_val
		`, key, rangeSize).Scan(&newMax)
		if err != nil {
			return 0, fmt.Errorf("reserve range for %s: %w", key, err)
		}

		rng.current = newMax - rangeSize
		rng.max = newMax
	}

	rng.current++
	return rng.current, nil
}

// SetNextNumber forces the counter value, for migrations and backfills.
func (s *Service) SetNextNumber(ctx context.Context, cfg Config, period time.Time, value int64) error {
	key := buildKey(cfg, period)

	var result int64
	err := s.querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET current_val = $2
		RETURNING current_val
	`, key, value).Scan(&result)

	s.cacheMu.Lock()
	delete(s.ranges, key)
	s.cacheMu.Unlock()

	return err
}

func buildKey(cfg Config, period time.Time) string {
	switch cfg.ResetPeriod {
	case "month":
		return fmt.Sprintf("%s_%s", cfg.Prefix, period.Format("2006_01"))
	case "year":
		return fmt.Sprintf("%s_%s", cfg.Prefix, period.Format("2006"))
	default:
		return cfg.Prefix
	}
}

func formatNumber(cfg Config, period time.Time, num int64) string {
	padWidth := cfg.PadWidth
	if padWidth == 0 {
		padWidth = 6
	}
	if cfg.IncludeYear {
		return fmt.Sprintf("%s-%s-%0*d", cfg.Prefix, period.Format("2006"), padWidth, num)
	}
	return fmt.Sprintf("%s-%0*d", cfg.Prefix, padWidth, num)
}

// ParseNumber extracts the numeric part of a formatted number, -1 on failure.
// The counter is always the segment after the last dash.
func ParseNumber(formatted string) int64 {
	i := strings.LastIndexByte(formatted, '-')
	if i < 0 || i == len(formatted)-1 {
		return -1
	}
	num, err := strconv.ParseInt(formatted[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return num
}
