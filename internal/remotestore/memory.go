package remotestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

// MemoryRemote is an in-memory remote archive used in tests and demos. It
// carries small scripting hooks to simulate archive failures.
type MemoryRemote struct {
	mu      sync.Mutex
	records map[string]*storage.RemoteRecord

	putErr       error
	queryErr     error
	failNextPuts int
	putCount     int
}

// NewMemoryRemote creates an empty in-memory archive.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{records: make(map[string]*storage.RemoteRecord)}
}

// Get fetches one archived record by id.
func (m *MemoryRemote) Get(ctx context.Context, id string) (*storage.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

// Put stores a record keyed by id. Repeating a Put for the same id
// overwrites, so retries are safe.
func (m *MemoryRemote) Put(ctx context.Context, record *storage.RemoteRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.failNextPuts > 0 {
		m.failNextPuts--
		return storage.ErrNotFound
	}
	copied := *record
	m.records[record.ID] = &copied
	m.putCount++
	return nil
}

// Query returns up to limit records with timestamps strictly after since,
// in ascending timestamp order.
func (m *MemoryRemote) Query(ctx context.Context, since time.Time, limit int) ([]*storage.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	var out []*storage.RemoteRecord
	for _, record := range m.records {
		if record.Timestamp.After(since) {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Seed inserts records directly, bypassing the failure hooks.
func (m *MemoryRemote) Seed(records ...*storage.RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		copied := *record
		m.records[record.ID] = &copied
	}
}

// SetPutError makes every Put fail with err until cleared with nil.
func (m *MemoryRemote) SetPutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// SetQueryError makes every Query fail with err until cleared with nil.
func (m *MemoryRemote) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// Len returns the number of archived records.
func (m *MemoryRemote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// PutCount returns how many Puts have succeeded.
func (m *MemoryRemote) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCount
}

// Has reports whether a record with the id is archived.
func (m *MemoryRemote) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// Verify that MemoryRemote implements the RemoteStore interface at compile time
var _ storage.RemoteStore = (*MemoryRemote)(nil)
