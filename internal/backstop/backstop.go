// Package backstop is the local key/value store that keeps the offline
// queue and sync bookkeeping across restarts. Writes are best effort:
// callers log a failed Set and carry on with the in-memory state.
package backstop

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Keys used by the sync layer.
const (
	KeyQueue      = "eckaddr.queue"
	KeyDeadLetter = "eckaddr.dead_letter"
	KeyAudit      = "eckaddr.audit"
	KeyCounters   = "eckaddr.counters"
	KeyLabels     = "eckaddr.labels"
)

// ErrQuotaExceeded is returned by a Memory store whose quota is full.
var ErrQuotaExceeded = errors.New("backstop quota exceeded")

// Store is a string key/value store.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// GetJSON decodes the value at key into v. found is false when the key is
// absent, leaving v untouched.
func GetJSON(s Store, key string, v any) (found bool, err error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(key, string(data))
}

// Memory keeps values in a map. With a positive quota, a Set that would
// grow the total stored bytes past it fails with ErrQuotaExceeded.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	quota  int
	used   int
}

// NewMemory returns an empty store. quota <= 0 means unlimited.
func NewMemory(quota int) *Memory {
	return &Memory{values: make(map[string]string), quota: quota}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.used - len(m.values[key]) + len(value)
	if m.quota > 0 && next > m.quota {
		return fmt.Errorf("set %s (%d bytes): %w", key, len(value), ErrQuotaExceeded)
	}
	m.values[key] = value
	m.used = next
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= len(m.values[key])
	delete(m.values, key)
	return nil
}

// SetQuota changes the quota; existing values are kept even if over it.
func (m *Memory) SetQuota(quota int) {
	m.mu.Lock()
	m.quota = quota
	m.mu.Unlock()
}

// Keys lists the stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
