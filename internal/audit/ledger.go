package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sectrail/internal/encryption"
	secerrors "sectrail/internal/errors"
	"sectrail/internal/logging"
	"sectrail/internal/metrics"
	"sectrail/internal/schema"
	"sectrail/internal/store"
)

const (
	chainStateKey = "audit:chain_state"
	entryPrefix   = "audit:entry:"
	seqPrefix     = "audit:seq:"
)

// ErrLedgerClosed is returned by CreateAuditEntry after Close.
var ErrLedgerClosed = errors.New("audit ledger is closed")

// Config configures the ledger.
type Config struct {
	// Dir holds segment files. Empty disables the file sink.
	Dir string `yaml:"dir"`

	MaxSegmentSize int64 `yaml:"max_segment_size"`
	MaxSegments    int   `yaml:"max_segments"`

	EntryTTL time.Duration `yaml:"entry_ttl"`

	FlushInterval  time.Duration `yaml:"flush_interval"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	VerifyWindow   time.Duration `yaml:"verify_window"`

	// OnTamperDetected is called by the verify worker when a periodic
	// verification fails.
	OnTamperDetected func(report *VerificationReport) `yaml:"-"`
}

// DefaultConfig returns ledger defaults.
func DefaultConfig() Config {
	return Config{
		Dir:            "/var/lib/sectrail/audit",
		MaxSegmentSize: 50 * 1024 * 1024,
		MaxSegments:    30,
		EntryTTL:       30 * 24 * time.Hour,
		FlushInterval:  time.Second,
		VerifyInterval: time.Hour,
		VerifyWindow:   24 * time.Hour,
	}
}

// Options carries the ledger's collaborators. All fields are optional.
type Options struct {
	Encryption *encryption.Engine
	Archiver   Archiver
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Ledger is the hash-chained audit trail.
type Ledger struct {
	// mu serializes chain state read, entry build, durable append and advance.
	mu    sync.Mutex
	state *ChainState

	store    store.Store
	cfg      Config
	enc      *encryption.Engine
	segments *segmentWriter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	closed  atomic.Bool
	written atomic.Uint64
	failed  atomic.Uint64
	tamper  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLedger creates a ledger. Chain state is loaded on first append.
func NewLedger(s store.Store, cfg Config, opts Options) (*Ledger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * 24 * time.Hour
	}
	if cfg.VerifyWindow <= 0 {
		cfg.VerifyWindow = 24 * time.Hour
	}

	l := &Ledger{
		store:   s,
		cfg:     cfg,
		enc:     opts.Encryption,
		logger:  logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}

	if cfg.Dir != "" {
		sw, err := newSegmentWriter(cfg.Dir, cfg.MaxSegmentSize, cfg.MaxSegments, opts.Archiver, logger)
		if err != nil {
			return nil, err
		}
		l.segments = sw
	}

	logger.Info("audit ledger initialized",
		"dir", cfg.Dir,
		"encryption", opts.Encryption != nil,
		"archive", opts.Archiver != nil)
	return l, nil
}

// CreateAuditEntry appends an entry to the chain. The chain advances only
// after the entry is durably stored and written to the active segment;
// otherwise the error wraps ErrLedgerWriteFailed.
func (l *Ledger) CreateAuditEntry(ctx context.Context, in EntryInput) (*AuditEntry, error) {
	if l.closed.Load() {
		return nil, ErrLedgerClosed
	}
	if !in.EventType.IsValid() {
		return nil, secerrors.Validation("create_audit_entry", secerrors.ErrInvalidEventType)
	}
	if !in.Severity.IsValid() {
		return nil, secerrors.Validation("create_audit_entry", secerrors.ErrInvalidSeverity)
	}

	var headers map[string]string
	if in.Request != nil {
		headers = logging.RedactHeaders(in.Request.Headers)
	}
	reqInfo := requestInfo(in.Request, headers)

	details, err := normalizeDetails(in.Details)
	if err != nil {
		return nil, secerrors.Validation("create_audit_entry", fmt.Errorf("details are not JSON encodable: %w", err))
	}
	sensitive := logging.HasSensitiveFields(details)
	if sensitive && l.enc == nil {
		details = logging.RedactMap(details)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureStateLocked(ctx); err != nil {
		l.metrics.AuditWriteFailed()
		l.failed.Add(1)
		return nil, writeFailed(err)
	}

	entry := &AuditEntry{
		Sequence:      l.state.Sequence + 1,
		PreviousHash:  l.state.LastHash,
		CorrelationID: uuid.New().String(),
		EventType:     in.EventType,
		Severity:      in.Severity,
		UserID:        in.UserID,
		Timestamp:     l.now().UTC(),
	}
	entry.IntegrityHash = ComputeIntegrityHash(entry, details, reqInfo)

	if sensitive && l.enc != nil {
		plain, err := json.Marshal(sealedPayload{Details: details, RequestInfo: reqInfo})
		if err != nil {
			return nil, writeFailed(fmt.Errorf("marshal sealed payload: %w", err))
		}
		sealed, err := l.enc.Seal(plain)
		if err != nil {
			l.metrics.AuditWriteFailed()
			l.failed.Add(1)
			return nil, writeFailed(err)
		}
		entry.Encrypted = true
		entry.EncryptedData = sealed
	} else {
		entry.Details = details
		entry.RequestInfo = reqInfo
	}

	if err := l.appendLocked(ctx, entry); err != nil {
		l.metrics.AuditWriteFailed()
		l.failed.Add(1)
		l.logger.Error("audit append failed",
			"sequence", entry.Sequence,
			"event_type", entry.EventType,
			"error", err)
		return nil, writeFailed(err)
	}

	l.state.Sequence = entry.Sequence
	l.state.LastHash = entry.IntegrityHash
	l.state.UpdatedAt = entry.Timestamp
	if err := store.SetJSON(ctx, l.store, chainStateKey, l.state, 0); err != nil {
		// The entry is durable; a restart scans forward from the stale
		// state via audit:seq keys.
		l.logger.Warn("failed to persist audit chain state", "sequence", entry.Sequence, "error", err)
	}

	l.indexLocked(ctx, entry)
	l.written.Add(1)
	l.metrics.AuditAppended(entry.Sequence)
	return entry, nil
}

func writeFailed(err error) error {
	return secerrors.Storage("create_audit_entry", fmt.Errorf("%w: %w", secerrors.ErrLedgerWriteFailed, err))
}

// ensureStateLocked loads the chain head on first use, then scans forward
// over entries appended after the last persisted state.
func (l *Ledger) ensureStateLocked(ctx context.Context) error {
	if l.state != nil {
		return nil
	}

	var state ChainState
	err := store.GetJSON(ctx, l.store, chainStateKey, &state)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fresh, err := newChainState()
		if err != nil {
			return fmt.Errorf("generate genesis: %w", err)
		}
		if err := store.SetJSON(ctx, l.store, chainStateKey, fresh, 0); err != nil {
			return fmt.Errorf("persist chain state: %w", err)
		}
		l.state = fresh
		l.logger.Info("initialized new audit chain")
		return nil
	case err != nil:
		return fmt.Errorf("load chain state: %w", err)
	}

	for {
		next, err := l.entryBySequence(ctx, state.Sequence+1)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return fmt.Errorf("scan chain state: %w", err)
		}
		state.Sequence = next.Sequence
		state.LastHash = next.IntegrityHash
	}

	l.state = &state
	l.logger.Info("resumed audit chain", "sequence", state.Sequence)
	return nil
}

// appendLocked writes the entry record, its sequence pointer, and the
// segment line. Store writes are rolled back if a later step fails.
func (l *Ledger) appendLocked(ctx context.Context, entry *AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ek := entryPrefix + entry.CorrelationID
	sk := seqPrefix + strconv.FormatUint(entry.Sequence, 10)

	if err := l.store.Set(ctx, ek, data, l.cfg.EntryTTL); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	if err := l.store.Set(ctx, sk, []byte(entry.CorrelationID), l.cfg.EntryTTL); err != nil {
		l.rollback(ctx, ek)
		return fmt.Errorf("store sequence: %w", err)
	}

	if l.segments != nil {
		if err := l.segments.append(entry.Sequence, append(data, '\n')); err != nil {
			l.rollback(ctx, ek, sk)
			return err
		}
	}
	return nil
}

func (l *Ledger) rollback(ctx context.Context, keys ...string) {
	if err := l.store.Delete(ctx, keys...); err != nil {
		l.logger.Error("failed to roll back audit entry", "keys", keys, "error", err)
	}
}

func (l *Ledger) indexLocked(ctx context.Context, e *AuditEntry) {
	keys := []string{
		"audit:day:" + store.DayKey(e.Timestamp),
		"audit:type:" + string(e.EventType),
	}
	if e.UserID != "" {
		keys = append(keys, "audit:user:"+e.UserID)
	}
	for _, key := range keys {
		if err := store.AddToIndex(ctx, l.store, key, e.CorrelationID, l.cfg.EntryTTL); err != nil {
			l.metrics.IndexWriteFailed("audit")
			l.logger.Warn("failed to write audit index", "key", key, "error", err)
		}
	}
}

// State returns a copy of the in-memory chain head, or nil before the first
// append.
func (l *Ledger) State() *ChainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == nil {
		return nil
	}
	s := *l.state
	return &s
}

// Start launches the flush and verify workers. They stop on Close.
func (l *Ledger) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	if l.segments != nil && l.cfg.FlushInterval > 0 {
		l.wg.Add(1)
		go l.flushWorker(ctx)
	}
	if l.cfg.VerifyInterval > 0 {
		l.wg.Add(1)
		go l.verifyWorker(ctx)
	}
}

func (l *Ledger) flushWorker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.logger.Warn("failed to sync audit segment", "error", err)
			}
		}
	}
}

func (l *Ledger) verifyWorker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.VerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runVerification(ctx)
		}
	}
}

// runVerification checks the trailing verify window and records any
// failure as an AUDIT_INTEGRITY_FAILURE entry.
func (l *Ledger) runVerification(ctx context.Context) *VerificationReport {
	end := l.now().UTC()
	report, err := l.VerifyAuditTrailIntegrity(ctx, end.Add(-l.cfg.VerifyWindow), end)
	if err != nil {
		l.logger.Error("audit verification could not run", "error", err)
		return nil
	}

	var badSegments []string
	if statuses, err := l.VerifySegments(ctx); err == nil {
		for _, s := range statuses {
			if !s.Valid {
				badSegments = append(badSegments, s.Name)
			}
		}
	}

	if report.Verified && len(badSegments) == 0 {
		l.logger.Debug("audit verification passed", "entries", report.TotalEntries)
		return report
	}

	l.tamper.Add(1)
	l.metrics.AuditVerifyFailed(len(report.FailedEntries) + len(badSegments))
	l.logger.Error("audit trail tampering detected",
		"failed_entries", len(report.FailedEntries),
		"hash_chain_valid", report.HashChainValid,
		"bad_segments", badSegments)

	details := map[string]any{
		"failedEntries":  len(report.FailedEntries),
		"hashChainValid": report.HashChainValid,
		"windowStart":    report.Start,
		"windowEnd":      report.End,
	}
	if len(report.FailedEntries) > 0 {
		details["firstFailure"] = report.FailedEntries[0].Reason
		details["firstFailedSequence"] = report.FailedEntries[0].Sequence
	}
	if len(badSegments) > 0 {
		details["badSegments"] = badSegments
	}
	if _, err := l.CreateAuditEntry(ctx, EntryInput{
		EventType: schema.EventAuditIntegrityFailure,
		Severity:  schema.SeverityCritical,
		Details:   details,
	}); err != nil {
		l.logger.Error("failed to record integrity failure", "error", err)
	}

	if l.cfg.OnTamperDetected != nil {
		l.cfg.OnTamperDetected(report)
	}
	return report
}

// Flush syncs the active segment to disk.
func (l *Ledger) Flush() error {
	if l.segments == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments.sync()
}

// Stats reports ledger counters.
type Stats struct {
	Written          uint64 `json:"written"`
	Failed           uint64 `json:"failed"`
	TamperDetections uint64 `json:"tamperDetections"`
	Sequence         uint64 `json:"sequence"`
}

// Stats returns ledger counters.
func (l *Ledger) Stats() Stats {
	s := Stats{
		Written:          l.written.Load(),
		Failed:           l.failed.Load(),
		TamperDetections: l.tamper.Load(),
	}
	if st := l.State(); st != nil {
		s.Sequence = st.Sequence
	}
	return s
}

// Close stops the workers and closes the active segment.
func (l *Ledger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.segments != nil {
		err = l.segments.close()
	}
	l.logger.Info("audit ledger closed",
		"written", l.written.Load(),
		"failed", l.failed.Load())
	return err
}
