/*
Package mirror is the sync adapter between the document store and readers.

PURPOSE:
  Maintains an eventually-consistent, in-memory mirror of every debtor
  aggregate, rebuilt from full-record snapshots that the store delivers
  asynchronously, possibly late, twice, or out of order.

FLOW:
  store.Changes() ──► shard by debtor id ──► worker ──► Apply()
                                                          │
            ┌─────────────────────────────────────────────┤
            ▼                       ▼                     ▼
     Debtor.Rebuild()        publish new View       TransitionHandler
     (re-fold + classify)    (copy-on-write)        (reminder dispatch)

CRITICAL INVARIANTS:
  1. SINGLE OWNER PER DEBTOR: one debtor's snapshots are always routed to the
     same worker and applied under that debtor's lock.
  2. LATER SNAPSHOT IS AUTHORITATIVE: a snapshot replaces the transaction set;
     it is never merged with earlier partial state.
  3. STALE GUARD: a snapshot whose revision is not newer than the accepted one
     is dropped before it can re-trigger a transition.
  4. IMMUTABLE VIEW: readers get a *View that is never mutated after publish.

OPTIMISTIC WRITES:
  ApplyOptimistic overlays a locally written transaction on the view's
  ProjectedBalance. The overlay is discarded as soon as a snapshot containing
  that transaction id is accepted. It never drives classification.

SEE ALSO:
  - ledger/debtor.go: The aggregate being mirrored
  - baseline.go: Persisted breach flags
  - reminder/dispatcher.go: The TransitionHandler used in production
*/
package mirror

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/metrics"
)

// Source is the part of the document store the mirror reads from.
type Source interface {
	List(ctx context.Context) ([]ledger.DebtorRecord, error)
	Changes(ctx context.Context) (<-chan ledger.Snapshot, error)
}

// Event is handed to the TransitionHandler for every accepted snapshot.
type Event struct {
	DebtorID   ledger.DebtorID
	Profile    ledger.Profile
	Balance    decimal.Decimal
	OverLimit  bool
	Transition ledger.Transition
	Revision   int64

	// Transactions is the accepted set in ledger order.
	Transactions []ledger.Transaction
	At           time.Time
}

// TransitionHandler reacts to classified snapshots. HandleTransition is
// called while the debtor is locked and must not block.
type TransitionHandler interface {
	HandleTransition(ctx context.Context, ev Event)
	// Forget drops per-debtor state after the debtor is deleted.
	Forget(id ledger.DebtorID)
}

// Config tunes the mirror. Zero values fall back to defaults.
type Config struct {
	Workers      int
	QueueSize    int
	HistoryLimit int
	Rounding     ledger.Rounding
	// TombstoneLimit caps how many deleted debtors are remembered; the
	// oldest deletions are forgotten first.
	TombstoneLimit int

	Baseline BaselineStore     // default: NewMemoryBaseline()
	Handler  TransitionHandler // default: none
	Now      func() time.Time
}

const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 256
	DefaultHistoryLimit = 100

	DefaultTombstoneLimit = 10000
)

// Mirror owns the set of all debtor aggregates.
type Mirror struct {
	source Source
	cfg    Config
	log    logrus.FieldLogger

	mu         sync.Mutex
	entries    map[ledger.DebtorID]*entry
	tombstones map[ledger.DebtorID]int64

	viewMu sync.Mutex
	view   atomic.Pointer[View]

	watchMu  sync.Mutex
	watchers map[int]chan *View
	nextID   int

	ready     chan struct{}
	readyOnce sync.Once
}

type entry struct {
	mu       sync.Mutex
	debtor   *ledger.Debtor
	revision int64
	pending  map[ledger.TransactionID]ledger.Transaction
	history  []TransitionRecord
	deleted  bool
}

// New creates a mirror over source. Run starts it.
func New(source Source, cfg Config, log logrus.FieldLogger) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.TombstoneLimit <= 0 {
		cfg.TombstoneLimit = DefaultTombstoneLimit
	}
	if !cfg.Rounding.IsValid() {
		cfg.Rounding = ledger.RoundPerStep
	}
	if cfg.Baseline == nil {
		cfg.Baseline = NewMemoryBaseline()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	m := &Mirror{
		source:     source,
		cfg:        cfg,
		log:        log.WithField("component", "mirror"),
		entries:    make(map[ledger.DebtorID]*entry),
		tombstones: make(map[ledger.DebtorID]int64),
		watchers:   make(map[int]chan *View),
		ready:      make(chan struct{}),
	}
	m.view.Store(emptyView())
	return m
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Run subscribes to the change stream, loads the initial state and applies
// snapshots until ctx is done or the stream closes.
func (m *Mirror) Run(ctx context.Context) error {
	// Subscribe before listing so nothing written in between is missed;
	// anything seen twice is dropped by the revision guard.
	changes, err := m.source.Changes(ctx)
	if err != nil {
		return err
	}
	records, err := m.source.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		m.Apply(ctx, ledger.Snapshot{Record: rec})
	}
	m.log.WithField("debtors", len(records)).Info("initial load complete")
	m.readyOnce.Do(func() { close(m.ready) })

	pool := newShardPool(m, m.cfg.Workers, m.cfg.QueueSize)
	pool.Start(ctx)
	defer pool.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-changes:
			if !ok {
				m.log.Info("change stream closed")
				return nil
			}
			if !pool.Enqueue(ctx, snap) {
				return nil
			}
		}
	}
}

// Ready is closed once the initial load has been applied.
func (m *Mirror) Ready() <-chan struct{} {
	return m.ready
}

// =============================================================================
// APPLY
// =============================================================================

// Apply reconciles one snapshot. It reports whether the snapshot was accepted.
func (m *Mirror) Apply(ctx context.Context, s ledger.Snapshot) bool {
	id := s.Record.ID
	rev := s.Record.Revision
	log := m.log.WithFields(logrus.Fields{"debtor_id": id, "revision": rev})

	if s.Deleted {
		return m.applyDelete(ctx, id, rev, log)
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		if tomb, dead := m.tombstones[id]; dead && rev != 0 && rev <= tomb {
			m.mu.Unlock()
			m.stale(log, "snapshot predates deletion")
			return false
		}
		// Recreated: the entry's revision guard takes over from the tombstone.
		delete(m.tombstones, id)
		e = &entry{pending: make(map[ledger.TransactionID]ledger.Transaction)}
		m.entries[id] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		m.stale(log, "debtor deleted while snapshot was queued")
		return false
	}
	if rev != 0 && rev <= e.revision {
		m.stale(log, "revision not newer than accepted")
		return false
	}

	if e.debtor == nil {
		e.debtor = m.newDebtor(ctx, id, s.Record.Profile(), log)
	}
	balance, transition := e.debtor.Rebuild(s.Record.Profile(), s.Record.Transactions)
	over, _ := e.debtor.OverLimit()
	if rev != 0 {
		e.revision = rev
	}
	for txID := range e.pending {
		if e.debtor.Has(txID) {
			delete(e.pending, txID)
		}
	}

	now := m.cfg.Now()
	e.history = append(e.history, TransitionRecord{
		Transition: transition,
		Balance:    balance,
		Limit:      e.debtor.Profile().CreditLimit,
		Revision:   rev,
		At:         now,
	})
	if extra := len(e.history) - m.cfg.HistoryLimit; extra > 0 {
		e.history = append([]TransitionRecord(nil), e.history[extra:]...)
	}

	if transition.Changed() || transition == ledger.UnknownPrior {
		if err := m.cfg.Baseline.Save(ctx, id, over); err != nil {
			log.WithError(err).Warn("failed to persist breach baseline")
		}
	}

	metrics.SnapshotsApplied.Inc()
	metrics.Transitions.WithLabelValues(string(transition)).Inc()
	log.WithFields(logrus.Fields{
		"balance":    balance.StringFixed(ledger.MoneyPlaces),
		"transition": transition,
	}).Debug("snapshot applied")

	m.publish(id, m.buildView(e, s.Record.UpdatedAt))

	if m.cfg.Handler != nil {
		m.cfg.Handler.HandleTransition(ctx, Event{
			DebtorID:     id,
			Profile:      e.debtor.Profile(),
			Balance:      balance,
			OverLimit:    over,
			Transition:   transition,
			Revision:     rev,
			Transactions: e.debtor.Transactions(),
			At:           now,
		})
	}
	return true
}

func (m *Mirror) applyDelete(ctx context.Context, id ledger.DebtorID, rev int64, log logrus.FieldLogger) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	for {
		if !ok {
			m.recordTombstone(id, rev)
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		// m.mu is not held while waiting for the entry: Apply keeps e.mu
		// across baseline writes and the transition handler.
		e.mu.Lock()
		if rev != 0 && rev <= e.revision {
			e.mu.Unlock()
			m.stale(log, "tombstone older than accepted snapshot")
			return false
		}
		e.deleted = true
		e.mu.Unlock()

		m.mu.Lock()
		if m.entries[id] == e {
			delete(m.entries, id)
		}
		// A snapshot may have recreated the debtor in between; check again.
		e, ok = m.entries[id]
	}

	if err := m.cfg.Baseline.Clear(ctx, id); err != nil {
		log.WithError(err).Warn("failed to clear breach baseline")
	}
	if m.cfg.Handler != nil {
		m.cfg.Handler.Forget(id)
	}
	metrics.SnapshotsApplied.Inc()
	log.Info("debtor removed from mirror")
	m.publish(id, nil)
	return true
}

// recordTombstone remembers a deletion at rev, evicting the oldest tombstone
// once the limit is exceeded. Caller holds m.mu.
func (m *Mirror) recordTombstone(id ledger.DebtorID, rev int64) {
	if rev <= m.tombstones[id] {
		return
	}
	m.tombstones[id] = rev
	for len(m.tombstones) > m.cfg.TombstoneLimit {
		var (
			oldest    ledger.DebtorID
			oldestRev int64 = math.MaxInt64
		)
		for tid, trev := range m.tombstones {
			if trev < oldestRev {
				oldest, oldestRev = tid, trev
			}
		}
		delete(m.tombstones, oldest)
	}
}

func (m *Mirror) newDebtor(ctx context.Context, id ledger.DebtorID, profile ledger.Profile, log logrus.FieldLogger) *ledger.Debtor {
	opts := []ledger.DebtorOption{
		ledger.WithRounding(m.cfg.Rounding),
		ledger.WithLogger(m.log),
	}
	over, known, err := m.cfg.Baseline.Load(ctx, id)
	if err != nil {
		log.WithError(err).Warn("failed to load breach baseline, treating prior as unknown")
	} else if known {
		opts = append(opts, ledger.WithPriorFlag(over))
	}
	return ledger.NewDebtor(id, profile, opts...)
}

func (m *Mirror) stale(log logrus.FieldLogger, reason string) {
	metrics.SnapshotsStale.Inc()
	log.WithField("reason", reason).Debug("stale snapshot dropped")
}

// =============================================================================
// OPTIMISTIC OVERLAY
// =============================================================================

// ApplyOptimistic records a locally written transaction before its snapshot
// arrives. It only affects ProjectedBalance and Pending in the view.
func (m *Mirror) ApplyOptimistic(id ledger.DebtorID, tx ledger.Transaction) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ledger.ErrDebtorNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted || e.debtor == nil {
		return ledger.ErrDebtorNotFound
	}
	if e.debtor.Has(tx.ID) {
		return nil
	}
	if _, dup := e.pending[tx.ID]; dup {
		return nil
	}
	e.pending[tx.ID] = tx

	current, _ := m.view.Load().Get(id)
	m.publish(id, m.buildView(e, current.UpdatedAt))
	return nil
}

// =============================================================================
// READ SIDE
// =============================================================================

// Current returns the latest published view. Never nil.
func (m *Mirror) Current() *View {
	return m.view.Load()
}

// Subscribe returns a channel that receives the latest View after every
// change. Slow readers skip intermediate views; they always see the newest.
// The channel is closed when ctx is done.
func (m *Mirror) Subscribe(ctx context.Context) <-chan *View {
	ch := make(chan *View, 1)
	ch <- m.view.Load()

	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		m.watchMu.Lock()
		delete(m.watchers, id)
		close(ch)
		m.watchMu.Unlock()
	}()
	return ch
}

func (m *Mirror) buildView(e *entry, updatedAt time.Time) *DebtorView {
	d := e.debtor
	result := d.Fold()
	profile := d.Profile()

	projected := result.Balance
	if len(e.pending) > 0 {
		all := d.Transactions()
		for _, tx := range e.pending {
			all = append(all, tx)
		}
		projected = ledger.Fold(all, d.Rounding()).Balance
	}

	metrics.DataQualityWarnings.Add(float64(len(result.Warnings)))

	return &DebtorView{
		ID:               d.ID(),
		Name:             profile.Name,
		PhoneNumber:      profile.PhoneNumber,
		CreditLimit:      profile.CreditLimit,
		Balance:          result.Balance,
		OverLimit:        ledger.IsOverLimit(result.Balance, profile.CreditLimit),
		Steps:            result.Steps,
		Warnings:         len(result.Warnings),
		ProjectedBalance: projected,
		Pending:          len(e.pending),
		Transitions:      append([]TransitionRecord(nil), e.history...),
		Revision:         e.revision,
		UpdatedAt:        updatedAt,
	}
}

func (m *Mirror) publish(id ledger.DebtorID, dv *DebtorView) {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	next := m.view.Load().with(id, dv)
	m.view.Store(next)

	metrics.DebtorsOverLimit.Set(float64(next.OverLimitCount()))

	// Notified under viewMu so watchers never receive views out of order.
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- next:
		default:
			// Replace the unread view with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}
