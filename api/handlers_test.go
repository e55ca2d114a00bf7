/*
handlers_test.go - HTTP tests for the debt ledger API

Tests for:
- Debtor create/read/update/delete through the mirror
- Transaction writes, idempotency, validation
- Error status mapping
- Reminder state and notification feed
- Manual resync
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/ledger/store"
	"github.com/warp/debt-ledger/mirror"
	"github.com/warp/debt-ledger/reminder"
)

// =============================================================================
// TEST ENVIRONMENT
// =============================================================================

type testEnv struct {
	srv        *httptest.Server
	mem        *store.Memory
	mirror     *mirror.Mirror
	dispatcher *reminder.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, nil)
}

// newTestEnvWith lets a test replace the mirror's source and the reminder
// generator; nil uses the memory store itself and the local template.
func newTestEnvWith(t *testing.T, source func(*store.Memory) mirror.Source, gen reminder.Generator) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log, _ := test.NewNullLogger()

	mem := store.NewMemory()
	var src mirror.Source = mem
	if source != nil {
		src = source(mem)
	}

	if gen == nil {
		gen = reminder.TemplateGenerator{}
	}
	feed := reminder.NewFeed(10)
	d := reminder.NewDispatcher(gen, feed, mem, reminder.Config{}, log)
	m := mirror.New(src, mirror.Config{Handler: d}, log)
	go m.Run(ctx)
	<-m.Ready()

	h := NewHandler(ledger.NewWriter(mem, log), m, log)
	h.Dispatcher = d
	h.Reminders = mem
	h.Feed = feed
	h.Scheduler = NewResyncScheduler(mem, m, log)

	srv := httptest.NewServer(NewRouter(h, nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mem: mem, mirror: m, dispatcher: d}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

// waitForDebtor polls the API until cond holds for the debtor detail.
func (e *testEnv) waitForDebtor(t *testing.T, id string, cond func(DebtorDetailDTO) bool) DebtorDetailDTO {
	t.Helper()
	var last DebtorDetailDTO
	require.Eventually(t, func() bool {
		status, raw := e.do(t, http.MethodGet, "/api/debtors/"+id, nil)
		if status != http.StatusOK {
			return false
		}
		last = decodeInto[DebtorDetailDTO](t, raw)
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func (e *testEnv) createDebtor(t *testing.T, id, phone, limit string) {
	t.Helper()
	status, raw := e.do(t, http.MethodPost, "/api/debtors", CreateDebtorRequest{
		ID: id, Name: "Ana", PhoneNumber: phone, CreditLimit: limit,
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
}

func (e *testEnv) addTx(t *testing.T, id string, req AddTransactionRequest) (int, AddTransactionResponse) {
	t.Helper()
	status, raw := e.do(t, http.MethodPost, "/api/debtors/"+id+"/transactions", req)
	if status >= 300 {
		return status, AddTransactionResponse{}
	}
	return status, decodeInto[AddTransactionResponse](t, raw)
}

func mustDecimal(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

func at(hours int) *time.Time {
	ts := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(hours) * time.Hour)
	return &ts
}

// =============================================================================
// DEBTORS
// =============================================================================

func TestCreateAndGetDebtor(t *testing.T) {
	env := newTestEnv(t)

	// GIVEN: A new debtor
	status, raw := env.do(t, http.MethodPost, "/api/debtors", CreateDebtorRequest{
		ID: "d1", Name: "Ana", PhoneNumber: "(650) 253-0000", CreditLimit: "300",
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	created := decodeInto[DebtorRecordDTO](t, raw)
	assert.Equal(t, "+16502530000", created.PhoneNumber)
	assert.Equal(t, "300.00", created.CreditLimit)

	// THEN: The mirror serves it
	detail := env.waitForDebtor(t, "d1", func(DebtorDetailDTO) bool { return true })
	assert.Equal(t, "0.00", detail.Balance)
	assert.False(t, detail.OverLimit)
	assert.Empty(t, detail.Transactions)

	status, raw = env.do(t, http.MethodGet, "/api/debtors", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeInto[[]DebtorSummaryDTO](t, raw), 1)
}

func TestRunningBalanceAndBreach(t *testing.T) {
	env := newTestEnv(t)
	env.createDebtor(t, "d1", "", "300")
	env.waitForDebtor(t, "d1", func(DebtorDetailDTO) bool { return true })

	// WHEN: 500 credit, 200 payment
	status, _ := env.addTx(t, "d1", AddTransactionRequest{ID: "t1", Timestamp: at(0), Kind: "new_credit", Amount: "500"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.addTx(t, "d1", AddTransactionRequest{ID: "t2", Timestamp: at(1), Kind: "payment", Amount: "200"})
	require.Equal(t, http.StatusCreated, status)

	// THEN: Balance 300 is not over a 300 limit
	detail := env.waitForDebtor(t, "d1", func(d DebtorDetailDTO) bool { return d.Revision >= 3 && d.PendingWrites == 0 })
	assert.Equal(t, "300.00", detail.Balance)
	assert.False(t, detail.OverLimit)
	require.Len(t, detail.Transactions, 2)
	assert.Equal(t, "500.00", detail.Transactions[0].BalanceAfter)
	assert.Equal(t, "300.00", detail.Transactions[1].BalanceAfter)

	// WHEN: Another 50 of credit
	env.addTx(t, "d1", AddTransactionRequest{ID: "t3", Timestamp: at(2), Kind: "adjustment_increase", Amount: "50"})

	// THEN: Over the limit, and filtered lists include it
	detail = env.waitForDebtor(t, "d1", func(d DebtorDetailDTO) bool { return d.OverLimit })
	assert.Equal(t, "350.00", detail.Balance)

	_, raw := env.do(t, http.MethodGet, "/api/debtors?over_limit=true", nil)
	assert.Len(t, decodeInto[[]DebtorSummaryDTO](t, raw), 1)
}

func TestAddTransaction_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createDebtor(t, "d1", "", "300")
	env.waitForDebtor(t, "d1", func(DebtorDetailDTO) bool { return true })

	req := AddTransactionRequest{ID: "t1", Timestamp: at(0), Kind: "new_credit", Amount: "120.25"}
	status, first := env.addTx(t, "d1", req)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, first.Created)
	assert.Equal(t, "120.25", first.Transaction.Amount)

	status, second := env.addTx(t, "d1", req)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, second.Created)

	detail := env.waitForDebtor(t, "d1", func(d DebtorDetailDTO) bool { return len(d.Transactions) == 1 })
	assert.Equal(t, "120.25", detail.Balance)
}

func TestUpdateProfile_LimitReclassifies(t *testing.T) {
	env := newTestEnv(t)
	env.createDebtor(t, "d1", "", "100")
	env.waitForDebtor(t, "d1", func(DebtorDetailDTO) bool { return true })
	env.addTx(t, "d1", AddTransactionRequest{ID: "t1", Timestamp: at(0), Kind: "new_credit", Amount: "150"})
	env.waitForDebtor(t, "d1", func(d DebtorDetailDTO) bool { return d.OverLimit })

	limit := "200"
	status, raw := env.do(t, http.MethodPut, "/api/debtors/d1/profile", UpdateProfileRequest{CreditLimit: &limit})
	require.Equal(t, http.StatusOK, status, string(raw))

	detail := env.waitForDebtor(t, "d1", func(d DebtorDetailDTO) bool { return !d.OverLimit })
	assert.Equal(t, "200.00", detail.CreditLimit)
	require.NotEmpty(t, detail.Transitions)
	assert.Equal(t, string(ledger.Cleared), detail.Transitions[len(detail.Transitions)-1].Transition)
}

func TestDeleteDebtor(t *testing.T) {
	env := newTestEnv(t)
	env.createDebtor(t, "d1", "", "100")
	env.waitForDebtor(t, "d1", func(DebtorDetailDTO) bool { return true })

	status, _ := env.do(t, http.MethodDelete, "/api/debtors/d1", nil)
	require.Equal(t, http.StatusNoContent, status)

	require.Eventually(t, func() bool {
		status, _ := env.do(t, http.MethodGet, "/api/debtors/d1", nil)
		return status == http.StatusNotFound
	}, 2*time.Second, 5*time.Millisecond)

	status, _ = env.do(t, http.MethodDelete, "/api/debtors/d1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createDebtor(t, "d1", "", "100")

	tests := []struct {
		name string
		path string
		body any
	}{
		{"missing name", "/api/debtors", CreateDebtorRequest{CreditLimit: "10"}},
		{"non-numeric limit", "/api/debtors", CreateDebtorRequest{Name: "Ana", CreditLimit: "lots"}},
		{"negative limit", "/api/debtors", CreateDebtorRequest{Name: "Ana", CreditLimit: "-1"}},
		{"bad phone", "/api/debtors", CreateDebtorRequest{Name: "Ana", CreditLimit: "10", PhoneNumber: "12"}},
		{"legacy kind", "/api/debtors/d1/transactions", AddTransactionRequest{Kind: "initial_balance", Amount: "10"}},
		{"unknown kind", "/api/debtors/d1/transactions", AddTransactionRequest{Kind: "gift", Amount: "10"}},
		{"negative amount", "/api/debtors/d1/transactions", AddTransactionRequest{Kind: "payment", Amount: "-10"}},
		{"malformed body", "/api/debtors/d1/transactions", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, status, string(raw))
			assert.NotEmpty(t, decodeInto[ErrorResponse](t, raw).Error)
		})
	}
}

func TestValidationErrors_UseJSONFieldNames(t *testing.T) {
	env := newTestEnv(t)

	_, raw := env.do(t, http.MethodPost, "/api/debtors", CreateDebtorRequest{Name: "Ana"})
	assert.Contains(t, decodeInto[ErrorResponse](t, raw).Details, "credit_limit: required")
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodGet, "/api/debtors/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.addTx(t, "ghost", AddTransactionRequest{Kind: "payment", Amount: "1"})
	assert.Equal(t, http.StatusNotFound, status)

	name := "Bo"
	status, _ = env.do(t, http.MethodPut, "/api/debtors/ghost/profile", UpdateProfileRequest{Name: &name})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/debtors/ghost/reminder", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStoreFailureIs503(t *testing.T) {
	env := newTestEnv(t)
	env.createDebtor(t, "d1", "", "100")

	env.mem.FailWrites = errors.New("connection reset")
	defer func() { env.mem.FailWrites = nil }()

	status, raw := env.addTx(t, "d1", AddTransactionRequest{Kind: "payment", Amount: "1"})
	assert.Equal(t, http.StatusServiceUnavailable, status, raw)
}

// =============================================================================
// REMINDERS
// =============================================================================

func TestBreachDispatchesOneReminder(t *testing.T) {
	env := newTestEnv(t)
	env.createDebtor(t, "d1", "+16502530000", "100")
	env.waitForDebtor(t, "d1", func(DebtorDetailDTO) bool { return true })

	// WHEN: The debtor crosses the limit and stays over
	env.addTx(t, "d1", AddTransactionRequest{ID: "t1", Timestamp: at(0), Kind: "new_credit", Amount: "150"})
	env.waitForDebtor(t, "d1", func(d DebtorDetailDTO) bool { return d.OverLimit })
	env.addTx(t, "d1", AddTransactionRequest{ID: "t2", Timestamp: at(1), Kind: "new_credit", Amount: "10"})
	env.waitForDebtor(t, "d1", func(d DebtorDetailDTO) bool { return len(d.Transactions) == 2 })
	env.dispatcher.Wait()

	// THEN: One delivered reminder
	var status ReminderStatusDTO
	require.Eventually(t, func() bool {
		code, raw := env.do(t, http.MethodGet, "/api/debtors/d1/reminder", nil)
		if code != http.StatusOK {
			return false
		}
		status = decodeInto[ReminderStatusDTO](t, raw)
		return len(status.Log) > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, string(reminder.StateDelivered), status.State)
	require.Len(t, status.Log, 1)
	assert.Equal(t, reminder.OutcomeDelivered, status.Log[0].Outcome)
	assert.Contains(t, status.Log[0].Message, "Ana")

	_, raw := env.do(t, http.MethodGet, "/api/notifications?limit=5", nil)
	notes := decodeInto[[]NotificationDTO](t, raw)
	require.Len(t, notes, 1)
	assert.Equal(t, "sms:+16502530000", notes[0].ActionTarget)

	code, _ := env.do(t, http.MethodGet, "/api/notifications?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// =============================================================================
// ADMIN / OPS
// =============================================================================

// silentSource lists the store but never delivers changes, as if every
// notification had been lost.
type silentSource struct {
	*store.Memory
}

func (silentSource) Changes(ctx context.Context) (<-chan ledger.Snapshot, error) {
	return make(chan ledger.Snapshot), nil
}

func TestResyncRecoversLostSnapshots(t *testing.T) {
	env := newTestEnvWith(t, func(mem *store.Memory) mirror.Source { return silentSource{mem} }, nil)
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	w := ledger.NewWriter(env.mem, log)

	// GIVEN: Writes the mirror never heard about
	_, err := w.CreateDebtor(ctx, ledger.CreateDebtorInput{ID: "d1", Name: "Ana", CreditLimit: mustDecimal("100")})
	require.NoError(t, err)
	_, err = w.CreateDebtor(ctx, ledger.CreateDebtorInput{ID: "d2", Name: "Bo", CreditLimit: mustDecimal("100")})
	require.NoError(t, err)
	status, _ := env.do(t, http.MethodGet, "/api/debtors/d1", nil)
	require.Equal(t, http.StatusNotFound, status)

	// WHEN: A resync runs
	status, raw := env.do(t, http.MethodPost, "/api/admin/resync", nil)
	require.Equal(t, http.StatusOK, status)
	result := decodeInto[ResyncResultDTO](t, raw)
	assert.Equal(t, 2, result.Applied)

	// THEN: The debtors are visible; a second pass changes nothing
	status, _ = env.do(t, http.MethodGet, "/api/debtors/d1", nil)
	assert.Equal(t, http.StatusOK, status)

	_, raw = env.do(t, http.MethodPost, "/api/admin/resync", nil)
	assert.Equal(t, 0, decodeInto[ResyncResultDTO](t, raw).Applied)

	// AND: A lost deletion is recovered too
	require.NoError(t, w.DeleteDebtor(ctx, "d1"))
	_, err = w.UpdateProfile(ctx, "d2", ledger.ProfileUpdate{Name: strPtr("Bob")})
	require.NoError(t, err)
	_, raw = env.do(t, http.MethodPost, "/api/admin/resync", nil)
	result = decodeInto[ResyncResultDTO](t, raw)
	assert.Equal(t, 1, result.Removed)
	status, _ = env.do(t, http.MethodGet, "/api/debtors/d1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// delayedGenerator answers after delay unless its context ends first.
type delayedGenerator struct {
	delay time.Duration
}

func (g delayedGenerator) Generate(ctx context.Context, req reminder.GeneratorRequest) (string, error) {
	select {
	case <-time.After(g.delay):
		return "Hello " + req.DebtorName, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestManualResyncBreachIsDelivered(t *testing.T) {
	env := newTestEnvWith(t,
		func(mem *store.Memory) mirror.Source { return silentSource{mem} },
		delayedGenerator{delay: 50 * time.Millisecond})
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	w := ledger.NewWriter(env.mem, log)

	// GIVEN: A debtor over the limit the mirror never heard about
	_, err := w.CreateDebtor(ctx, ledger.CreateDebtorInput{
		ID: "d1", Name: "Ana", PhoneNumber: "+16502530000", CreditLimit: mustDecimal("100"),
	})
	require.NoError(t, err)
	_, _, err = w.AddTransaction(ctx, "d1", ledger.Transaction{Kind: ledger.KindNewCredit, Amount: 500})
	require.NoError(t, err)

	// WHEN: An operator triggers a resync; the request ends before the generator answers
	status, raw := env.do(t, http.MethodPost, "/api/admin/resync", nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	assert.Equal(t, 1, decodeInto[ResyncResultDTO](t, raw).Applied)
	env.dispatcher.Wait()

	// THEN: The reminder is delivered, not failed
	_, raw = env.do(t, http.MethodGet, "/api/debtors/d1/reminder", nil)
	reminderStatus := decodeInto[ReminderStatusDTO](t, raw)
	assert.Equal(t, string(reminder.StateDelivered), reminderStatus.State)
	require.Len(t, reminderStatus.Log, 1)
	assert.Equal(t, reminder.OutcomeDelivered, reminderStatus.Log[0].Outcome)

	_, raw = env.do(t, http.MethodGet, "/api/notifications", nil)
	notes := decodeInto[[]NotificationDTO](t, raw)
	require.Len(t, notes, 1)
	assert.Equal(t, string(reminder.SeverityInfo), notes[0].Severity)
	assert.Equal(t, "Hello Ana", notes[0].Body)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	status, raw := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), `"status":"ok"`)

	env.createDebtor(t, "d1", "", "100")
	env.waitForDebtor(t, "d1", func(DebtorDetailDTO) bool { return true })

	status, raw = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "debtledger_snapshots_applied_total")
}
