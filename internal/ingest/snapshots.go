package ingest

import (
	"context"
	"sync"

	"transitpush/internal/transit"
)

// MemSnapshots keeps the last accepted snapshot per agency in memory. It is
// the SnapshotStore used when persistence is disabled, so restarts re-report
// every active alert once but steady-state polling still diffs correctly.
type MemSnapshots struct {
	mu       sync.Mutex
	agencies map[string]*transit.Agency
}

func NewMemSnapshots() *MemSnapshots {
	return &MemSnapshots{agencies: map[string]*transit.Agency{}}
}

func (m *MemSnapshots) Agency(_ context.Context, id string) (*transit.Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agencies[id], nil
}

func (m *MemSnapshots) SaveAgency(_ context.Context, a *transit.Agency) error {
	if a == nil {
		return nil
	}
	m.mu.Lock()
	m.agencies[a.ID] = a
	m.mu.Unlock()
	return nil
}
