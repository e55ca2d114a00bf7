package mirror

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/warp/debt-ledger/ledger"
)

// =============================================================================
// SHARD POOL - One queue per worker, debtors pinned to a shard
// =============================================================================

// shardPool routes each snapshot to the worker that owns its debtor, so one
// debtor's snapshots are applied in stream order while different debtors
// proceed in parallel.
type shardPool struct {
	mirror   *Mirror
	queues   []chan ledger.Snapshot
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newShardPool(m *Mirror, workers, queueSize int) *shardPool {
	if workers < 1 {
		workers = 1
	}
	p := &shardPool{mirror: m, queues: make([]chan ledger.Snapshot, workers)}
	for i := range p.queues {
		p.queues[i] = make(chan ledger.Snapshot, queueSize)
	}
	return p
}

// Start launches one worker per shard. Workers drain their queue until Stop.
func (p *shardPool) Start(ctx context.Context) {
	for _, q := range p.queues {
		p.wg.Add(1)
		go func(q chan ledger.Snapshot) {
			defer p.wg.Done()
			for snap := range q {
				p.mirror.Apply(ctx, snap)
			}
		}(q)
	}
}

// Stop closes every queue and waits for the workers to finish.
func (p *shardPool) Stop() {
	p.stopOnce.Do(func() {
		for _, q := range p.queues {
			close(q)
		}
		p.wg.Wait()
	})
}

// Enqueue blocks while the shard queue is full. It returns false if ctx
// ends first; a dropped snapshot would never be re-sent.
func (p *shardPool) Enqueue(ctx context.Context, snap ledger.Snapshot) bool {
	q := p.queues[p.shard(snap.Record.ID)]
	select {
	case q <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *shardPool) shard(id ledger.DebtorID) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(p.queues)))
}
