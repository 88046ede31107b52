package audit

import (
	"context"
	"errors"
	"slices"
	"time"

	secerrors "sectrail/internal/errors"
	"sectrail/internal/schema"
	"sectrail/internal/store"
)

// QueryOptions selects audit entries. Zero fields match everything.
type QueryOptions struct {
	Start      time.Time
	End        time.Time
	EventTypes []schema.EventType
	Severities []schema.Severity
	UserID     string
	Limit      int
}

// GetEntry loads an entry by correlation ID. Missing entries return
// store.ErrNotFound.
func (l *Ledger) GetEntry(ctx context.Context, correlationID string) (*AuditEntry, error) {
	var e AuditEntry
	if err := store.GetJSON(ctx, l.store, entryPrefix+correlationID, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EntriesBetween returns entries timestamped in [start, end] in sequence order.
func (l *Ledger) EntriesBetween(ctx context.Context, start, end time.Time) ([]*AuditEntry, error) {
	return l.Query(ctx, QueryOptions{Start: start, End: end})
}

// Query returns matching entries in sequence order. A user filter reads the
// per-user index; otherwise the per-day indexes covering the range are read.
func (l *Ledger) Query(ctx context.Context, opts QueryOptions) ([]*AuditEntry, error) {
	if opts.End.IsZero() {
		opts.End = l.now().UTC()
	}
	if opts.Start.IsZero() {
		opts.Start = opts.End.Add(-l.cfg.EntryTTL)
	}

	var ids []string
	if opts.UserID != "" {
		members, err := l.store.SMembers(ctx, "audit:user:"+opts.UserID)
		if err != nil {
			return nil, secerrors.Storage("query_audit", err)
		}
		ids = members
	} else {
		for _, day := range store.DaysBetween(opts.Start, opts.End) {
			members, err := l.store.SMembers(ctx, "audit:day:"+day)
			if err != nil {
				return nil, secerrors.Storage("query_audit", err)
			}
			ids = append(ids, members...)
		}
	}

	var out []*AuditEntry
	for _, id := range ids {
		e, err := l.GetEntry(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, secerrors.Storage("query_audit", err)
		}
		if matches(e, opts) {
			out = append(out, e)
		}
	}

	sortBySequence(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func matches(e *AuditEntry, opts QueryOptions) bool {
	if e.Timestamp.Before(opts.Start) || e.Timestamp.After(opts.End) {
		return false
	}
	if len(opts.EventTypes) > 0 && !slices.Contains(opts.EventTypes, e.EventType) {
		return false
	}
	if len(opts.Severities) > 0 && !slices.Contains(opts.Severities, e.Severity) {
		return false
	}
	if opts.UserID != "" && e.UserID != opts.UserID {
		return false
	}
	return true
}
