// Package store provides DocumentStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/debt-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory DocumentStore and ReminderLog. Every successful
// Put/Delete is published to open Changes() streams.
type Memory struct {
	mu        sync.RWMutex
	debtors   map[ledger.DebtorID]ledger.DebtorRecord
	reminders map[ledger.DebtorID][]ledger.ReminderEntry
	revision  int64
	feed      *ledger.Feed

	// FailWrites makes Put and Delete fail with this error (for tests).
	FailWrites error
}

func NewMemory() *Memory {
	return &Memory{
		debtors:   make(map[ledger.DebtorID]ledger.DebtorRecord),
		reminders: make(map[ledger.DebtorID][]ledger.ReminderEntry),
		feed:      ledger.NewFeed(256),
	}
}

var (
	_ ledger.DocumentStore = (*Memory)(nil)
	_ ledger.ReminderLog   = (*Memory)(nil)
)

func (m *Memory) Get(_ context.Context, id ledger.DebtorID) (ledger.DebtorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.debtors[id]
	if !ok {
		return ledger.DebtorRecord{}, ledger.ErrDebtorNotFound
	}
	return rec.Clone(), nil
}

// List returns all debtors ordered by id.
func (m *Memory) List(_ context.Context) ([]ledger.DebtorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.DebtorRecord, 0, len(m.debtors))
	for _, rec := range m.debtors {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Put replaces the document and stamps the next revision.
func (m *Memory) Put(_ context.Context, rec ledger.DebtorRecord) (ledger.DebtorRecord, error) {
	m.mu.Lock()
	if m.FailWrites != nil {
		m.mu.Unlock()
		return ledger.DebtorRecord{}, m.FailWrites
	}
	m.revision++
	stored := rec.Clone()
	stored.Revision = m.revision
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	m.debtors[rec.ID] = stored
	m.mu.Unlock()

	// Publish outside the data lock so slow subscribers never block readers.
	m.feed.Publish(ledger.Snapshot{Record: stored.Clone()})
	return stored.Clone(), nil
}

// Delete removes the debtor, its transactions and its reminder log.
func (m *Memory) Delete(_ context.Context, id ledger.DebtorID) error {
	m.mu.Lock()
	if m.FailWrites != nil {
		m.mu.Unlock()
		return m.FailWrites
	}
	if _, ok := m.debtors[id]; !ok {
		m.mu.Unlock()
		return ledger.ErrDebtorNotFound
	}
	delete(m.debtors, id)
	delete(m.reminders, id)
	m.revision++
	rev := m.revision
	m.mu.Unlock()

	m.feed.Publish(ledger.Snapshot{Record: ledger.DebtorRecord{ID: id, Revision: rev}, Deleted: true})
	return nil
}

func (m *Memory) Changes(ctx context.Context) (<-chan ledger.Snapshot, error) {
	return m.feed.Subscribe(ctx), nil
}

// =============================================================================
// REMINDER LOG
// =============================================================================

func (m *Memory) AppendReminder(_ context.Context, entry ledger.ReminderEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.debtors[entry.DebtorID]; !ok {
		return ledger.ErrDebtorNotFound
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.reminders[entry.DebtorID] = append(m.reminders[entry.DebtorID], entry)
	return nil
}

func (m *Memory) Reminders(_ context.Context, id ledger.DebtorID) ([]ledger.ReminderEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.debtors[id]; !ok {
		return nil, ledger.ErrDebtorNotFound
	}
	result := make([]ledger.ReminderEntry, len(m.reminders[id]))
	copy(result, m.reminders[id])
	return result, nil
}
