// Package state holds the in-memory latest-known-state cache: one
// TelemetryRecord per device, replaced on every new message. Devices are
// created implicitly by their first record and live for the process
// lifetime; no history is kept.
package state

import (
	"sort"
	"sync"

	"devicebridge/mqtt-web-bridge/internal/model"
)

// Store maps device identifiers to their most recent telemetry record.
// It is safe for concurrent use and never blocks beyond its own map
// operations.
type Store struct {
	mu      sync.RWMutex
	records map[string]model.TelemetryRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]model.TelemetryRecord)}
}

// Upsert replaces the record for deviceID unconditionally (last-write-wins).
func (s *Store) Upsert(deviceID string, rec model.TelemetryRecord) {
	s.mu.Lock()
	s.records[deviceID] = rec
	s.mu.Unlock()
}

// Get returns a copy of the latest record for deviceID, if any.
func (s *Store) Get(deviceID string) (model.TelemetryRecord, bool) {
	s.mu.RLock()
	rec, ok := s.records[deviceID]
	s.mu.RUnlock()
	return rec, ok
}

// DeviceIDs returns all known device identifiers in lexicographic order.
func (s *Store) DeviceIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len reports the number of known devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
