package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCounter struct{ err error }

func (f failingCounter) Increment(context.Context, string) (int64, error) { return 0, f.err }

func newRedisAllocator(t *testing.T) (*Allocator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return NewAllocator(NewRedisCounter(client, 0), ist), mr
}

func TestFormatPadsAndWidens(t *testing.T) {
	assert.Equal(t, "INV-20260310-001", Format("20260310", 1))
	assert.Equal(t, "INV-20260310-042", Format("20260310", 42))
	assert.Equal(t, "INV-20260310-1000", Format("20260310", 1000))
}

func TestParseRoundTrip(t *testing.T) {
	day, n, err := Parse("INV-20260310-1000")
	require.NoError(t, err)
	assert.Equal(t, "20260310", day)
	assert.EqualValues(t, 1000, n)

	for _, bad := range []string{"", "INV-2026031-001", "ORD-20260310-001", "INV-20261340-001", "INV-20260310-01", "INV-20260310-abc"} {
		_, _, err := Parse(bad)
		assert.ErrorIs(t, err, ErrMalformedNumber, bad)
	}
}

func TestRedisAllocatorIncrementsAndResetsPerDay(t *testing.T) {
	alloc, mr := newRedisAllocator(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	first, err := alloc.Next(ctx, day1)
	require.NoError(t, err)
	second, err := alloc.Next(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, "INV-20260310-001", first)
	assert.Equal(t, "INV-20260310-002", second)

	next, err := alloc.Next(ctx, day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "INV-20260311-001", next)

	assert.True(t, mr.TTL("invoice:seq:20260310") > 0)
}

func TestDayKeyUsesBusinessTimezone(t *testing.T) {
	alloc, _ := newRedisAllocator(t)
	// 20:00 UTC is already 01:30 the next day in India.
	at := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "20260311", alloc.DayKey(at))
}

func TestRedisAllocatorConcurrentCallersGetDistinctNumbers(t *testing.T) {
	alloc, _ := newRedisAllocator(t)
	at := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	const callers = 50
	numbers := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := alloc.Next(context.Background(), at)
			assert.NoError(t, err)
			numbers[i] = n
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, callers)
	for _, number := range numbers {
		_, n, err := Parse(number)
		require.NoError(t, err)
		require.False(t, seen[n], "duplicate %s", number)
		seen[n] = true
	}
	values := make([]int, 0, callers)
	for n := range seen {
		values = append(values, int(n))
	}
	sort.Ints(values)
	assert.Equal(t, 1, values[0])
	assert.Equal(t, callers, values[len(values)-1])
}

func TestRedisAllocatorFailureWrapsAllocationError(t *testing.T) {
	alloc, mr := newRedisAllocator(t)
	mr.Close()

	_, err := alloc.Next(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrAllocation)
}

func TestAllocatorWrapsCounterError(t *testing.T) {
	cause := errors.New("connection refused")
	alloc := NewAllocator(failingCounter{err: cause}, nil)

	_, err := alloc.Next(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrAllocation)
	require.ErrorIs(t, err, cause)
}
