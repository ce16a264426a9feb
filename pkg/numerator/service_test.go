package numerator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSequences emulates the sys_sequences upsert semantics.
type fakeSequences struct {
	mu       sync.Mutex
	counters map[string]int64
	queries  int
}

func newFakeSequences() *fakeSequences {
	return &fakeSequences{counters: make(map[string]int64)}
}

type fakeRow struct {
	val int64
}

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.val
	return nil
}

func (f *fakeSequences) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	key := args[0].(string)
	switch {
	case strings.Contains(sql, "current_val + $2"):
		f.counters[key] += args[1].(int64)
	case strings.Contains(sql, "SET current_val = $2"):
		f.counters[key] = args[1].(int64)
	default:
		f.counters[key]++
	}
	return fakeRow{val: f.counters[key]}
}

func period() time.Time {
	return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
}

func TestStrict_SequentialNumbers(t *testing.T) {
	svc := New(newFakeSequences())
	cfg := DefaultConfig("RSV")

	first, err := svc.GetNextNumber(context.Background(), cfg, nil, period())
	require.NoError(t, err)
	assert.Equal(t, "RSV-2026-000001", first)

	second, err := svc.GetNextNumber(context.Background(), cfg, nil, period())
	require.NoError(t, err)
	assert.Equal(t, "RSV-2026-000002", second)
}

func TestCached_ReservesRanges(t *testing.T) {
	seq := newFakeSequences()
	svc := New(seq)
	cfg := DefaultConfig("RSV")
	opts := &Options{Strategy: StrategyCached, RangeSize: 10}

	for i := 1; i <= 10; i++ {
		_, err := svc.GetNextNumber(context.Background(), cfg, opts, period())
		require.NoError(t, err)
	}
	// Ten numbers from one reserved range: a single round-trip.
	assert.Equal(t, 1, seq.queries)

	eleventh, err := svc.GetNextNumber(context.Background(), cfg, opts, period())
	require.NoError(t, err)
	assert.Equal(t, "RSV-2026-000011", eleventh)
	assert.Equal(t, 2, seq.queries)
}

func TestResetPeriod_SeparatesKeys(t *testing.T) {
	seq := newFakeSequences()
	svc := New(seq)
	cfg := DefaultConfig("RSV")

	_, err := svc.GetNextNumber(context.Background(), cfg, nil, period())
	require.NoError(t, err)

	nextYear, err := svc.GetNextNumber(context.Background(), cfg, nil, period().AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "RSV-2027-000001", nextYear)
}

func TestSetNextNumber_InvalidatesCache(t *testing.T) {
	seq := newFakeSequences()
	svc := New(seq)
	cfg := DefaultConfig("RSV")
	opts := &Options{Strategy: StrategyCached, RangeSize: 10}

	_, err := svc.GetNextNumber(context.Background(), cfg, opts, period())
	require.NoError(t, err)

	require.NoError(t, svc.SetNextNumber(context.Background(), cfg, period(), 500))

	next, err := svc.GetNextNumber(context.Background(), cfg, opts, period())
	require.NoError(t, err)
	assert.Equal(t, "RSV-2026-000501", next)
}

func TestParseNumber(t *testing.T) {
	assert.Equal(t, int64(42), ParseNumber("RSV-2026-000042"))
	assert.Equal(t, int64(7), ParseNumber("RSV-000007"))
	assert.Equal(t, int64(-1), ParseNumber("garbage"))
}
