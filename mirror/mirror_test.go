package mirror_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/ledger/store"
	"github.com/warp/debt-ledger/mirror"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	events    []mirror.Event
	forgotten []ledger.DebtorID
}

func (r *recorder) HandleTransition(_ context.Context, ev mirror.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Forget(id ledger.DebtorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, id)
}

func (r *recorder) transitions() []ledger.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Transition, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Transition
	}
	return out
}

func newMirror(t *testing.T, source mirror.Source, baseline mirror.BaselineStore) (*mirror.Mirror, *recorder) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	m := mirror.New(source, mirror.Config{
		Workers:  2,
		Baseline: baseline,
		Handler:  rec,
		Now:      func() time.Time { return t0 },
	}, logger)
	return m, rec
}

// snapshot builds a snapshot whose balance is the sum of credits.
func snapshot(rev int64, limit string, credits ...float64) ledger.Snapshot {
	rec := ledger.DebtorRecord{
		ID:          "debtor-1",
		Name:        "Ana",
		PhoneNumber: "+16502530000",
		CreditLimit: decimal.RequireFromString(limit),
		Revision:    rev,
	}
	for i, amount := range credits {
		rec.Transactions = append(rec.Transactions, ledger.Transaction{
			ID:        ledger.TransactionID(string(rune('a' + i))),
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Kind:      ledger.KindNewCredit,
			Amount:    amount,
		})
	}
	return ledger.Snapshot{Record: rec}
}

// =============================================================================
// APPLY
// =============================================================================

func TestMirror_TransitionSequence(t *testing.T) {
	// GIVEN: Snapshots for [clear, clear, breach, breach, breach, clear, breach]
	m, rec := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()
	snaps := []ledger.Snapshot{
		snapshot(1, "100", 50),
		snapshot(2, "100", 50, 10),
		snapshot(3, "100", 50, 10, 60),
		snapshot(4, "100", 50, 10, 60, 1),
		snapshot(5, "200", 50, 10, 60, 1, 90),
		snapshot(6, "500", 50, 10, 60, 1, 90),
		snapshot(7, "200", 50, 10, 60, 1, 90),
	}

	// WHEN: Applied in order
	for _, s := range snaps {
		require.True(t, m.Apply(ctx, s))
	}

	// THEN: Exactly two breach entries, at positions 3 and 7
	assert.Equal(t, []ledger.Transition{
		ledger.UnknownPrior,
		ledger.RemainedClear,
		ledger.EnteredBreach,
		ledger.RemainedBreached,
		ledger.RemainedBreached,
		ledger.Cleared,
		ledger.EnteredBreach,
	}, rec.transitions())

	view, ok := m.Current().Get("debtor-1")
	require.True(t, ok)
	assert.True(t, view.OverLimit)
	assert.Equal(t, "211", view.Balance.String())
	assert.Len(t, view.Transitions, 7)
	assert.Equal(t, int64(7), view.Revision)
}

func TestMirror_StaleAndDuplicateSnapshotsDropped(t *testing.T) {
	// GIVEN: Revision 3 (breached) has been accepted
	m, rec := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()
	require.True(t, m.Apply(ctx, snapshot(1, "100", 50)))
	require.True(t, m.Apply(ctx, snapshot(3, "100", 50, 80)))

	// WHEN: The same revision is redelivered, and an older one arrives late
	assert.False(t, m.Apply(ctx, snapshot(3, "100", 50, 80)))
	assert.False(t, m.Apply(ctx, snapshot(2, "100", 50, 10)))

	// THEN: No extra transitions; the view still reflects revision 3
	assert.Equal(t, []ledger.Transition{ledger.UnknownPrior, ledger.EnteredBreach}, rec.transitions())
	view, _ := m.Current().Get("debtor-1")
	assert.Equal(t, "130", view.Balance.String())
}

func TestMirror_OutOfOrderConverges(t *testing.T) {
	older := snapshot(4, "100", 50)
	newer := snapshot(5, "100", 50, 80)

	inOrder, _ := newMirror(t, store.NewMemory(), nil)
	inOrder.Apply(context.Background(), older)
	inOrder.Apply(context.Background(), newer)

	reversed, _ := newMirror(t, store.NewMemory(), nil)
	reversed.Apply(context.Background(), newer)
	reversed.Apply(context.Background(), older)

	a, _ := inOrder.Current().Get("debtor-1")
	b, _ := reversed.Current().Get("debtor-1")
	assert.True(t, a.Balance.Equal(b.Balance))
	assert.Equal(t, a.OverLimit, b.OverLimit)
	assert.Equal(t, a.Revision, b.Revision)
}

func TestMirror_LaterSnapshotIsAuthoritative(t *testing.T) {
	m, rec := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()
	m.Apply(ctx, snapshot(1, "100", 50, 80))

	// A later snapshot is missing transaction "b"
	m.Apply(ctx, snapshot(2, "100", 50))

	view, _ := m.Current().Get("debtor-1")
	assert.Equal(t, "50", view.Balance.String())
	assert.Len(t, view.Steps, 1)
	assert.Equal(t, ledger.Cleared, rec.transitions()[1])
}

func TestMirror_UnversionedSnapshotsAlwaysApply(t *testing.T) {
	m, rec := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()

	assert.True(t, m.Apply(ctx, snapshot(0, "100", 50)))
	assert.True(t, m.Apply(ctx, snapshot(0, "100", 50)))
	assert.Equal(t, []ledger.Transition{ledger.UnknownPrior, ledger.RemainedClear}, rec.transitions())
}

// =============================================================================
// BASELINE
// =============================================================================

func TestMirror_PersistedBaselineAvoidsUnknownPrior(t *testing.T) {
	// GIVEN: A baseline saying the debtor was already breached before restart
	baseline := mirror.NewMemoryBaseline()
	require.NoError(t, baseline.Save(context.Background(), "debtor-1", true))
	m, rec := newMirror(t, store.NewMemory(), baseline)

	// WHEN: The first snapshot after restart is still over the limit
	m.Apply(context.Background(), snapshot(9, "100", 150))

	// THEN: RemainedBreached, not UnknownPrior
	assert.Equal(t, []ledger.Transition{ledger.RemainedBreached}, rec.transitions())
}

func TestMirror_BaselineTracksFlag(t *testing.T) {
	baseline := mirror.NewMemoryBaseline()
	m, _ := newMirror(t, store.NewMemory(), baseline)
	ctx := context.Background()

	m.Apply(ctx, snapshot(1, "100", 150))
	over, known, err := baseline.Load(ctx, "debtor-1")
	require.NoError(t, err)
	assert.True(t, known)
	assert.True(t, over)

	m.Apply(ctx, snapshot(2, "200", 150))
	over, _, _ = baseline.Load(ctx, "debtor-1")
	assert.False(t, over)
}

// =============================================================================
// DELETION
// =============================================================================

func TestMirror_DeleteRemovesDebtor(t *testing.T) {
	baseline := mirror.NewMemoryBaseline()
	m, rec := newMirror(t, store.NewMemory(), baseline)
	ctx := context.Background()
	m.Apply(ctx, snapshot(1, "100", 150))

	// WHEN: A tombstone arrives
	require.True(t, m.Apply(ctx, ledger.Snapshot{Record: ledger.DebtorRecord{ID: "debtor-1", Revision: 2}, Deleted: true}))

	// THEN: Gone from the view, handler told to forget, baseline cleared
	_, ok := m.Current().Get("debtor-1")
	assert.False(t, ok)
	assert.Equal(t, []ledger.DebtorID{"debtor-1"}, rec.forgotten)
	_, known, _ := baseline.Load(ctx, "debtor-1")
	assert.False(t, known)

	// AND: A late snapshot from before the deletion does not resurrect it
	assert.False(t, m.Apply(ctx, snapshot(1, "100", 150)))
	_, ok = m.Current().Get("debtor-1")
	assert.False(t, ok)

	// AND: A re-created debtor with a newer revision is accepted
	assert.True(t, m.Apply(ctx, snapshot(3, "100", 10)))
}

func TestMirror_StaleTombstoneIgnored(t *testing.T) {
	m, _ := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()
	m.Apply(ctx, snapshot(5, "100", 10))

	assert.False(t, m.Apply(ctx, ledger.Snapshot{Record: ledger.DebtorRecord{ID: "debtor-1", Revision: 4}, Deleted: true}))
	_, ok := m.Current().Get("debtor-1")
	assert.True(t, ok)
}

// =============================================================================
// OPTIMISTIC OVERLAY
// =============================================================================

func TestMirror_OptimisticWriteDiscardedOnMatchingSnapshot(t *testing.T) {
	m, rec := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()
	m.Apply(ctx, snapshot(1, "100", 50))

	// WHEN: A local write is applied optimistically
	local := ledger.Transaction{ID: "b", Timestamp: t0.Add(time.Hour), Kind: ledger.KindNewCredit, Amount: 80}
	require.NoError(t, m.ApplyOptimistic("debtor-1", local))

	// THEN: Projected balance moves, confirmed balance and transitions do not
	view, _ := m.Current().Get("debtor-1")
	assert.Equal(t, "130", view.ProjectedBalance.String())
	assert.Equal(t, "50", view.Balance.String())
	assert.Equal(t, 1, view.Pending)
	assert.Len(t, rec.transitions(), 1)

	// AND: The matching snapshot clears the overlay
	m.Apply(ctx, snapshot(2, "100", 50, 80))
	view, _ = m.Current().Get("debtor-1")
	assert.Equal(t, 0, view.Pending)
	assert.True(t, view.ProjectedBalance.Equal(view.Balance))

	assert.ErrorIs(t, m.ApplyOptimistic("ghost", local), ledger.ErrDebtorNotFound)
}

func TestMirror_ViewIsImmutable(t *testing.T) {
	m, _ := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()
	m.Apply(ctx, snapshot(1, "100", 50))
	before := m.Current()

	m.Apply(ctx, snapshot(2, "100", 50, 80))

	old, _ := before.Get("debtor-1")
	assert.Equal(t, "50", old.Balance.String())
	assert.Less(t, before.Version, m.Current().Version)
}

// =============================================================================
// RUN
// =============================================================================

func TestMirror_RunFollowsStore(t *testing.T) {
	// GIVEN: A store with one debtor already present
	mem := store.NewMemory()
	logger, _ := test.NewNullLogger()
	w := ledger.NewWriter(mem, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := w.CreateDebtor(ctx, ledger.CreateDebtorInput{ID: "early", Name: "Early", CreditLimit: decimal.NewFromInt(100)})
	require.NoError(t, err)

	m, rec := newMirror(t, mem, nil)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	<-m.Ready()

	views := m.Subscribe(ctx)

	// WHEN: Writes happen after startup
	_, err = w.CreateDebtor(ctx, ledger.CreateDebtorInput{ID: "late", Name: "Late", CreditLimit: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, _, err = w.AddTransaction(ctx, "late", ledger.Transaction{ID: "t1", Kind: ledger.KindNewCredit, Amount: 150})
	require.NoError(t, err)

	// THEN: The mirror converges
	assert.Eventually(t, func() bool {
		v, ok := m.Current().Get("late")
		return ok && v.OverLimit
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, m.Current().Len())
	assert.Contains(t, rec.transitions(), ledger.EnteredBreach)

	select {
	case v := <-views:
		assert.NotNil(t, v)
	case <-time.After(time.Second):
		t.Fatal("no view delivered to subscriber")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// =============================================================================
// DELETION AND CONCURRENCY
// =============================================================================

func tombstone(id ledger.DebtorID, rev int64) ledger.Snapshot {
	return ledger.Snapshot{Record: ledger.DebtorRecord{ID: id, Revision: rev}, Deleted: true}
}

func withID(s ledger.Snapshot, id ledger.DebtorID) ledger.Snapshot {
	s.Record.ID = id
	return s
}

func TestMirror_TombstonesAreBounded(t *testing.T) {
	// GIVEN: A mirror that remembers two deletions
	logger, _ := test.NewNullLogger()
	m := mirror.New(store.NewMemory(), mirror.Config{TombstoneLimit: 2}, logger)
	ctx := context.Background()

	// WHEN: Three debtors it never saw are deleted
	require.True(t, m.Apply(ctx, tombstone("d1", 10)))
	require.True(t, m.Apply(ctx, tombstone("d2", 20)))
	require.True(t, m.Apply(ctx, tombstone("d3", 30)))

	// THEN: The two newest deletions still reject late snapshots
	assert.False(t, m.Apply(ctx, withID(snapshot(15, "100", 10), "d2")))
	assert.False(t, m.Apply(ctx, withID(snapshot(25, "100", 10), "d3")))

	// AND: The oldest was forgotten, so its late snapshot is accepted
	assert.True(t, m.Apply(ctx, withID(snapshot(5, "100", 10), "d1")))
	_, ok := m.Current().Get("d1")
	assert.True(t, ok)
}

func TestMirror_RecreatedDebtorDropsTombstone(t *testing.T) {
	// GIVEN: d1 deleted at 10, then recreated at 11
	logger, _ := test.NewNullLogger()
	m := mirror.New(store.NewMemory(), mirror.Config{TombstoneLimit: 1}, logger)
	ctx := context.Background()
	require.True(t, m.Apply(ctx, tombstone("d1", 10)))
	require.True(t, m.Apply(ctx, withID(snapshot(11, "100", 10), "d1")))

	// WHEN: Another debtor is deleted with the limit at one
	require.True(t, m.Apply(ctx, tombstone("d2", 5)))

	// THEN: The d2 tombstone was kept; d1 no longer occupied the slot
	assert.False(t, m.Apply(ctx, withID(snapshot(4, "100", 10), "d2")))
	view, ok := m.Current().Get("d1")
	require.True(t, ok)
	assert.Equal(t, int64(11), view.Revision)
}

// blockingBaseline stalls Save for one debtor until released.
type blockingBaseline struct {
	*mirror.MemoryBaseline
	block   ledger.DebtorID
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBaseline) Save(ctx context.Context, id ledger.DebtorID, overLimit bool) error {
	if id == b.block {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.MemoryBaseline.Save(ctx, id, overLimit)
}

func TestMirror_DeleteDoesNotStallOtherDebtors(t *testing.T) {
	// GIVEN: debtor-1's snapshot is stuck persisting its baseline
	baseline := &blockingBaseline{
		MemoryBaseline: mirror.NewMemoryBaseline(),
		block:          "debtor-1",
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	m, _ := newMirror(t, store.NewMemory(), baseline)
	ctx := context.Background()

	go m.Apply(ctx, snapshot(1, "100", 50))
	<-baseline.entered

	// WHEN: A tombstone for debtor-1 queues up behind it
	deleted := make(chan bool, 1)
	go func() { deleted <- m.Apply(ctx, tombstone("debtor-1", 2)) }()
	time.Sleep(20 * time.Millisecond)

	// THEN: Snapshots for other debtors still go through
	other := make(chan bool, 1)
	go func() { other <- m.Apply(ctx, withID(snapshot(1, "100", 10), "debtor-2")) }()
	select {
	case ok := <-other:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("debtor-2 snapshot blocked by debtor-1 deletion")
	}

	// AND: The deletion completes once debtor-1 is released
	close(baseline.release)
	select {
	case ok := <-deleted:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("deletion never completed")
	}
	_, ok := m.Current().Get("debtor-1")
	assert.False(t, ok)
	_, ok = m.Current().Get("debtor-2")
	assert.True(t, ok)
}

func TestMirror_ConcurrentApplyForOneDebtor(t *testing.T) {
	// GIVEN: debtor-1 accepted clear at revision 1
	m, rec := newMirror(t, store.NewMemory(), nil)
	ctx := context.Background()
	require.True(t, m.Apply(ctx, snapshot(1, "100", 50)))

	const newest = 16
	const local = 8

	// WHEN: Revisions 2..16 (all over the limit), optimistic writes and
	// readers race on the same debtor
	var wg sync.WaitGroup
	for rev := 2; rev <= newest; rev++ {
		credits := make([]float64, rev)
		for i := range credits {
			credits[i] = 60
		}
		wg.Add(1)
		go func(s ledger.Snapshot) {
			defer wg.Done()
			m.Apply(ctx, s)
		}(snapshot(int64(rev), "100", credits...))
	}
	for i := 0; i < local; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := ledger.Transaction{
				ID:        ledger.TransactionID(fmt.Sprintf("local-%d", i)),
				Timestamp: t0.Add(48 * time.Hour),
				Kind:      ledger.KindNewCredit,
				Amount:    1,
			}
			assert.NoError(t, m.ApplyOptimistic("debtor-1", tx))
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, v := range m.Current().List() {
				_ = v.Balance.String()
			}
		}()
	}
	wg.Wait()

	// THEN: The breach was entered exactly once
	entered := 0
	for _, tr := range rec.transitions() {
		if tr == ledger.EnteredBreach {
			entered++
		}
	}
	assert.Equal(t, 1, entered)

	// AND: The view reflects the newest revision plus every local write
	view, ok := m.Current().Get("debtor-1")
	require.True(t, ok)
	assert.Equal(t, int64(newest), view.Revision)
	assert.Equal(t, "960", view.Balance.String())
	assert.True(t, view.OverLimit)
	assert.Equal(t, local, view.Pending)
	assert.Equal(t, "968", view.ProjectedBalance.String())
}
