package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a MemoryStore after Close.
var ErrClosed = errors.New("store closed")

// FaultFunc lets tests inject failures. It receives the operation name
// ("get", "set", "delete", "sadd", "smembers", "sismember", "expire") and key;
// a non-nil return aborts the operation with that error.
type FaultFunc func(op, key string) error

// MemoryStore is an in-process Store with TTL support, used in development
// mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]struct{}
	expiry map[string]time.Time
	closed bool
	fault  FaultFunc
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		sets:   make(map[string]map[string]struct{}),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetFault installs f; nil clears it.
func (m *MemoryStore) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// SetClock overrides the time source used for expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) check(op, key string) error {
	if m.closed {
		return ErrClosed
	}
	if m.fault != nil {
		return m.fault(op, key)
	}
	return nil
}

// expiredLocked reports whether key has passed its TTL. Caller holds mu.
func (m *MemoryStore) expiredLocked(key string) bool {
	exp, ok := m.expiry[key]
	return ok && !m.now().Before(exp)
}

// Get retrieves a value.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("get", key); err != nil {
		return nil, err
	}
	val, ok := m.data[key]
	if !ok || m.expiredLocked(key) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set stores a value with TTL.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("set", key); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// Delete removes keys.
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if err := m.check("delete", key); err != nil {
			return err
		}
		delete(m.data, key)
		delete(m.sets, key)
		delete(m.expiry, key)
	}
	return nil
}

// SAdd adds members to a set.
func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("sadd", key); err != nil {
		return err
	}
	if m.expiredLocked(key) {
		delete(m.sets, key)
		delete(m.expiry, key)
	}
	set := m.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SMembers returns all members of a set.
func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("smembers", key); err != nil {
		return nil, err
	}
	if m.expiredLocked(key) {
		return []string{}, nil
	}
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// SIsMember reports set membership.
func (m *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("sismember", key); err != nil {
		return false, err
	}
	if m.expiredLocked(key) {
		return false, nil
	}
	_, ok := m.sets[key][member]
	return ok, nil
}

// Expire sets a TTL on a key.
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("expire", key); err != nil {
		return err
	}
	_, isValue := m.data[key]
	_, isSet := m.sets[key]
	if !isValue && !isSet {
		return nil
	}
	m.expiry[key] = m.now().Add(ttl)
	return nil
}

// Ping reports whether the store is open.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of live value keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.data {
		if !m.expiredLocked(k) {
			n++
		}
	}
	return n
}

// Close marks the store as closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
