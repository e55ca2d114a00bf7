/*
scheduler.go - Periodic mirror resync

PURPOSE:
  Change notifications can be lost (a subscriber down longer than message
  retention, a publish that failed after the write succeeded). The resync
  scheduler periodically re-lists the store and feeds every record through
  the mirror, so a missed snapshot is eventually recovered.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Listed records go through Mirror.Apply, so unchanged debtors are dropped
    by the revision guard and never re-trigger a transition
  - A mirrored debtor missing from the listing is removed only if its
    accepted revision is older than the newest listed revision; a debtor
    created after the listing started always has a higher revision

CONFIGURATION:
  - Interval: How often to resync ([mirror] resync_interval, default 5m)
  - Enabled:  Interval > 0

USAGE:
  scheduler := NewResyncScheduler(store, mirror, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerResync endpoint (manual resync)
  - mirror/mirror.go: Apply and the stale guard
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/mirror"
)

// Lister is the part of the store the scheduler reads.
type Lister interface {
	List(ctx context.Context) ([]ledger.DebtorRecord, error)
}

// ResyncScheduler re-applies the full store to the mirror on a timer.
type ResyncScheduler struct {
	Store    Lister
	Mirror   *mirror.Mirror
	Interval time.Duration

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewResyncScheduler creates a scheduler with a five minute interval.
func NewResyncScheduler(store Lister, m *mirror.Mirror, log logrus.FieldLogger) *ResyncScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ResyncScheduler{
		Store:    store,
		Mirror:   m,
		Interval: 5 * time.Minute,
		log:      log.WithField("component", "resync"),
	}
}

// Start begins the scheduler. A non-positive Interval disables it.
func (rs *ResyncScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Interval <= 0 {
		rs.log.Info("resync disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.log.WithField("interval", rs.Interval).Info("resync scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ResyncScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info("resync scheduler stopped")
	}
}

func (rs *ResyncScheduler) run() {
	defer rs.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-rs.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-rs.ticker.C:
			if _, err := rs.RunOnce(ctx); err != nil && ctx.Err() == nil {
				rs.log.WithError(err).Error("resync failed")
			}
		case <-rs.stop:
			return
		}
	}
}

// ResyncResult summarizes one pass.
type ResyncResult struct {
	Listed  int
	Applied int
	Removed int
}

// RunOnce performs a single resync pass. Passes never overlap.
func (rs *ResyncScheduler) RunOnce(ctx context.Context) (ResyncResult, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	records, err := rs.Store.List(ctx)
	if err != nil {
		return ResyncResult{}, err
	}

	result := ResyncResult{Listed: len(records)}
	listed := make(map[ledger.DebtorID]bool, len(records))
	var newest int64
	for _, rec := range records {
		listed[rec.ID] = true
		if rec.Revision > newest {
			newest = rec.Revision
		}
		if rs.Mirror.Apply(ctx, ledger.Snapshot{Record: rec}) {
			result.Applied++
		}
	}

	for _, dv := range rs.Mirror.Current().List() {
		if listed[dv.ID] || dv.Revision == 0 || dv.Revision >= newest {
			continue
		}
		tomb := ledger.Snapshot{Record: ledger.DebtorRecord{ID: dv.ID, Revision: dv.Revision + 1}, Deleted: true}
		if rs.Mirror.Apply(ctx, tomb) {
			result.Removed++
		}
	}

	entry := rs.log.WithFields(logrus.Fields{
		"listed":  result.Listed,
		"applied": result.Applied,
		"removed": result.Removed,
	})
	if result.Applied > 0 || result.Removed > 0 {
		entry.Warn("resync recovered missed snapshots")
	} else {
		entry.Debug("resync found mirror up to date")
	}
	return result, nil
}
