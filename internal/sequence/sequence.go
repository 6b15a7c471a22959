// Package sequence allocates human readable invoice numbers of the form
// INV-YYYYMMDD-NNN. Numbers come from an atomic per-day counter, so they are
// unique and strictly increasing within a day across every process sharing
// the backend. A number handed to an attempt that later fails is not reused.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	prefix     = "INV"
	dayLayout  = "20060102"
	minDigits  = 3
	redisKeyNS = "invoice:seq:"
)

// ErrAllocation wraps any failure of the underlying counter.
var ErrAllocation = errors.New("sequence: allocation failed")

// ErrMalformedNumber is returned by Parse for strings not produced by Format.
var ErrMalformedNumber = errors.New("sequence: malformed invoice number")

// Counter atomically increments the counter for dayKey and returns the new
// value. The first call for a day returns 1.
type Counter interface {
	Increment(ctx context.Context, dayKey string) (int64, error)
}

// Allocator turns counter values into invoice numbers.
type Allocator struct {
	counter  Counter
	location *time.Location
}

// NewAllocator builds an Allocator. Day boundaries are taken in loc.
func NewAllocator(counter Counter, loc *time.Location) *Allocator {
	if loc == nil {
		loc = time.UTC
	}
	return &Allocator{counter: counter, location: loc}
}

// DayKey returns the YYYYMMDD key for at in the allocator's time zone.
func (a *Allocator) DayKey(at time.Time) string {
	return at.In(a.location).Format(dayLayout)
}

// Next reserves the next number for the business day containing at.
func (a *Allocator) Next(ctx context.Context, at time.Time) (string, error) {
	day := a.DayKey(at)
	n, err := a.counter.Increment(ctx, day)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if n <= 0 {
		return "", fmt.Errorf("%w: counter returned %d", ErrAllocation, n)
	}
	return Format(day, n), nil
}

// Format renders an invoice number. The sequence widens past 999.
func Format(dayKey string, n int64) string {
	return fmt.Sprintf("%s-%s-%0*d", prefix, dayKey, minDigits, n)
}

// Parse splits an invoice number into its day key and sequence value.
func Parse(number string) (string, int64, error) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != prefix || len(parts[1]) != len(dayLayout) || len(parts[2]) < minDigits {
		return "", 0, ErrMalformedNumber
	}
	if _, err := time.Parse(dayLayout, parts[1]); err != nil {
		return "", 0, ErrMalformedNumber
	}
	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, ErrMalformedNumber
	}
	return parts[1], n, nil
}
