package mirror

import (
	"context"
	"sync"

	"github.com/warp/debt-ledger/ledger"
)

// BaselineStore persists the last accepted breach flag per debtor, so a
// restarted mirror can classify its first observation against a known prior
// instead of UnknownPrior.
type BaselineStore interface {
	// Load returns the stored flag; known is false when nothing is stored.
	Load(ctx context.Context, id ledger.DebtorID) (overLimit bool, known bool, err error)
	Save(ctx context.Context, id ledger.DebtorID, overLimit bool) error
	Clear(ctx context.Context, id ledger.DebtorID) error
}

// MemoryBaseline keeps flags in process memory. It survives mirror rebuilds
// but not restarts.
type MemoryBaseline struct {
	mu    sync.RWMutex
	flags map[ledger.DebtorID]bool
}

func NewMemoryBaseline() *MemoryBaseline {
	return &MemoryBaseline{flags: make(map[ledger.DebtorID]bool)}
}

func (b *MemoryBaseline) Load(_ context.Context, id ledger.DebtorID) (bool, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	over, ok := b.flags[id]
	return over, ok, nil
}

func (b *MemoryBaseline) Save(_ context.Context, id ledger.DebtorID, overLimit bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags[id] = overLimit
	return nil
}

func (b *MemoryBaseline) Clear(_ context.Context, id ledger.DebtorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flags, id)
	return nil
}
