/*
Package reminder dispatches at most one reminder per breach transition.

STATE MACHINE (per debtor):

	         EnteredBreach / UnknownPrior (over limit, contact)
	  Idle ───────────────────────────────────────────────► Dispatching
	   ▲                                                      │     │
	   │ Cleared                                   success    │     │ failure / timeout
	   │                                                      ▼     ▼
	   └──────────────────────────────────────────── Delivered     Failed

  - Only Idle can start a dispatch, so RemainedBreached and redelivered
    EnteredBreach events never dispatch twice.
  - Cleared resets to Idle: a debtor that clears and re-breaches gets exactly
    one more dispatch.
  - Dispatch is never retried automatically.

NO CONTACT CHANNEL:
  EnteredBreach for a debtor without a phone number skips text generation
  and surfaces an internal alert only.

TIMEOUTS:
  A dispatch outlives the context that triggered it (an HTTP request, a
  resync pass); the generator runs under its own explicit timeout. Expiry is a Failed dispatch,
  reported as a degraded notification: the breach is still surfaced, only the
  generated text is missing.

DELETION:
  Forget() drops a debtor's state. An in-flight dispatch for it still
  completes, but writes nothing to the reminder log.
*/
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/metrics"
	"github.com/warp/debt-ledger/mirror"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrGenerator marks a failed or timed-out text generation.
var ErrGenerator = errors.New("reminder generator failed")

// GeneratorError wraps a generator failure for one debtor.
type GeneratorError struct {
	DebtorID ledger.DebtorID
	Err      error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generate reminder for %s: %v", e.DebtorID, e.Err)
}

func (e *GeneratorError) Unwrap() []error { return []error{ErrGenerator, e.Err} }

// =============================================================================
// STATE
// =============================================================================

type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateDelivered   State = "delivered"
	StateFailed      State = "failed"
)

// Outcomes recorded in the reminder log and metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeAlertOnly = "alert_only"
)

type debtorState struct {
	state State
	// episode identifies the current breach; it changes on Cleared and Forget
	// so a late completion cannot overwrite a newer state.
	episode uint64
}

// Config tunes the dispatcher.
type Config struct {
	Timeout      time.Duration
	RecentWindow int
	// RequireBaseline disables dispatch on UnknownPrior.
	RequireBaseline bool
}

const (
	DefaultTimeout      = 5 * time.Second
	DefaultRecentWindow = 5
)

// Dispatcher implements mirror.TransitionHandler.
type Dispatcher struct {
	generator Generator
	notifier  Notifier
	log       ledger.ReminderLog // optional
	cfg       Config
	logger    logrus.FieldLogger
	now       func() time.Time

	mu      sync.Mutex
	states  map[ledger.DebtorID]*debtorState
	episode uint64
	wg      sync.WaitGroup
}

var _ mirror.TransitionHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. reminderLog may be nil.
func NewDispatcher(gen Generator, notifier Notifier, reminderLog ledger.ReminderLog, cfg Config, logger logrus.FieldLogger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		generator: gen,
		notifier:  notifier,
		log:       reminderLog,
		cfg:       cfg,
		logger:    logger.WithField("component", "reminder"),
		now:       func() time.Time { return time.Now().UTC() },
		states:    make(map[ledger.DebtorID]*debtorState),
	}
}

// =============================================================================
// TRANSITION HANDLING
// =============================================================================

// HandleTransition drives the state machine. It never blocks: text
// generation runs in its own goroutine.
func (d *Dispatcher) HandleTransition(ctx context.Context, ev mirror.Event) {
	log := d.logger.WithFields(logrus.Fields{
		"debtor_id":  ev.DebtorID,
		"transition": ev.Transition,
		"revision":   ev.Revision,
	})

	d.mu.Lock()
	st := d.stateFor(ev.DebtorID)

	switch ev.Transition {
	case ledger.Cleared:
		d.episode++
		st.state = StateIdle
		st.episode = d.episode
		d.mu.Unlock()
		log.Debug("breach cleared, dispatcher reset")
		return

	case ledger.EnteredBreach:
		// always eligible

	case ledger.UnknownPrior:
		if !ev.OverLimit || !ev.Profile.HasContact() || d.cfg.RequireBaseline {
			d.mu.Unlock()
			log.WithField("over_limit", ev.OverLimit).Debug("first observation, no dispatch")
			return
		}

	default:
		d.mu.Unlock()
		return
	}

	if st.state != StateIdle {
		state := st.state
		d.mu.Unlock()
		log.WithField("state", state).Debug("breach already handled, not dispatching again")
		return
	}
	st.state = StateDispatching
	episode := st.episode
	d.wg.Add(1)
	d.mu.Unlock()

	log.Info("dispatching reminder")
	// The caller's context may end with its request or resync pass; the
	// dispatch is bounded by cfg.Timeout instead.
	dispatchCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		d.dispatch(dispatchCtx, ev, episode, log)
	}()
}

// Forget drops the debtor's state; an in-flight dispatch will not write.
func (d *Dispatcher) Forget(id ledger.DebtorID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, id)
}

// State returns the debtor's current dispatch state.
func (d *Dispatcher) State(id ledger.DebtorID) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[id]; ok {
		return st.state
	}
	return StateIdle
}

// Wait blocks until every in-flight dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) stateFor(id ledger.DebtorID) *debtorState {
	st, ok := d.states[id]
	if !ok {
		d.episode++
		st = &debtorState{state: StateIdle, episode: d.episode}
		d.states[id] = st
	}
	return st
}

// =============================================================================
// DISPATCH
// =============================================================================

func (d *Dispatcher) dispatch(ctx context.Context, ev mirror.Event, episode uint64, log logrus.FieldLogger) {
	if !ev.Profile.HasContact() {
		d.notifier.Notify(ctx, Notification{
			DebtorID: ev.DebtorID,
			Title:    "Credit limit exceeded: " + ev.Profile.Name,
			Body: fmt.Sprintf("%s is at %s against a limit of %s. No contact number on file.",
				ev.Profile.Name,
				ev.Balance.StringFixed(ledger.MoneyPlaces),
				ev.Profile.CreditLimit.StringFixed(ledger.MoneyPlaces)),
			Severity: SeverityWarning,
			At:       d.now(),
		})
		d.finish(ctx, ev, episode, StateDelivered, OutcomeAlertOnly, "", nil, log)
		return
	}

	req := NewGeneratorRequest(ev.Profile, ev.Balance, ev.Transactions, d.cfg.RecentWindow)
	message, err := d.generate(ctx, req)
	if err != nil {
		genErr := &GeneratorError{DebtorID: ev.DebtorID, Err: err}
		d.notifier.Notify(ctx, Notification{
			DebtorID: ev.DebtorID,
			Title:    "Credit limit exceeded: " + ev.Profile.Name,
			Body: fmt.Sprintf("%s is at %s against a limit of %s. The reminder text could not be generated.",
				ev.Profile.Name,
				ev.Balance.StringFixed(ledger.MoneyPlaces),
				ev.Profile.CreditLimit.StringFixed(ledger.MoneyPlaces)),
			Severity: SeverityError,
			At:       d.now(),
		})
		d.finish(ctx, ev, episode, StateFailed, OutcomeFailed, "", genErr, log)
		return
	}

	d.notifier.Notify(ctx, Notification{
		DebtorID: ev.DebtorID,
		Title:    "Reminder ready for " + ev.Profile.Name,
		Body:     message,
		Severity: SeverityInfo,
		Action:   &Action{Label: "Send reminder", Target: "sms:" + ev.Profile.PhoneNumber},
		At:       d.now(),
	})
	d.finish(ctx, ev, episode, StateDelivered, OutcomeDelivered, message, nil, log)
}

// generate calls the generator under the configured timeout. A generator
// that ignores its context is abandoned when the timeout fires.
func (d *Dispatcher) generate(ctx context.Context, req GeneratorRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	type result struct {
		message string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := d.generator.Generate(ctx, req)
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.message, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("generator timed out after %s: %w", d.cfg.Timeout, ctx.Err())
	}
}

func (d *Dispatcher) finish(ctx context.Context, ev mirror.Event, episode uint64, state State, outcome, message string, dispatchErr error, log logrus.FieldLogger) {
	metrics.Dispatches.WithLabelValues(outcome).Inc()
	if dispatchErr != nil {
		log = log.WithError(dispatchErr)
	}
	log.WithField("outcome", outcome).Info("reminder dispatch finished")

	d.mu.Lock()
	st, alive := d.states[ev.DebtorID]
	if alive && st.episode == episode {
		st.state = state
	}
	d.mu.Unlock()

	if !alive {
		log.Debug("debtor deleted during dispatch, skipping reminder log")
		return
	}
	if d.log == nil {
		return
	}

	entry := ledger.ReminderEntry{
		DebtorID:   ev.DebtorID,
		Transition: ev.Transition,
		Outcome:    outcome,
		Message:    message,
		CreatedAt:  d.now(),
	}
	if dispatchErr != nil {
		entry.Error = dispatchErr.Error()
	}
	// The dispatch context may already be done on shutdown; the log write
	// gets its own short deadline.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()
	if err := d.log.AppendReminder(writeCtx, entry); err != nil {
		if ledger.IsNotFound(err) {
			log.Debug("debtor deleted during dispatch, reminder log write skipped")
			return
		}
		log.WithError(err).Warn("failed to append reminder log")
	}
}
