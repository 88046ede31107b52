// Package store is the key/value and set store behind events, alerts,
// incidents and the audit ledger.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is missing or expired.
var ErrNotFound = errors.New("key not found")

// Store is the durable storage contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// AddToIndex adds member to the set at key and refreshes the set's TTL.
func AddToIndex(ctx context.Context, s Store, key, member string, ttl time.Duration) error {
	if err := s.SAdd(ctx, key, member); err != nil {
		return err
	}
	if ttl > 0 {
		return s.Expire(ctx, key, ttl)
	}
	return nil
}

// DayKey formats t as the YYYY-MM-DD suffix used by day indexes.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// HourKey formats t as the YYYY-MM-DDTHH suffix used by hourly subject
// buckets.
func HourKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// HoursBetween returns the hour keys covering [start, end], inclusive. It is
// empty when end precedes start.
func HoursBetween(start, end time.Time) []string {
	start = start.UTC().Truncate(time.Hour)
	end = end.UTC()
	var hours []string
	for h := start; !h.After(end); h = h.Add(time.Hour) {
		hours = append(hours, HourKey(h))
	}
	return hours
}

// DaysBetween returns the day keys covering [start, end], inclusive.
func DaysBetween(start, end time.Time) []string {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC()
	var days []string
	for d := start; !d.After(end); d = d.Add(24 * time.Hour) {
		days = append(days, DayKey(d))
	}
	return days
}
