package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/ledger"
)

// =============================================================================
// NOTIFICATIONS - Lossy, not an inbox
// =============================================================================

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action is an optional follow-up the surface can offer, e.g. sending the
// reminder text to the debtor's phone.
type Action struct {
	Label  string
	Target string
}

// Notification is what the notification surface receives.
type Notification struct {
	DebtorID ledger.DebtorID
	Title    string
	Body     string
	Severity Severity
	Action   *Action
	At       time.Time
}

// Notifier delivers notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) {
	entry := l.Log.WithFields(logrus.Fields{
		"debtor_id": n.DebtorID,
		"title":     n.Title,
		"severity":  n.Severity,
	})
	switch n.Severity {
	case SeverityError:
		entry.Error(n.Body)
	case SeverityWarning:
		entry.Warn(n.Body)
	default:
		entry.Info(n.Body)
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}

// Feed keeps the most recent notifications in a fixed-size ring.
type Feed struct {
	mu    sync.Mutex
	items []Notification
	next  int
	full  bool
}

// NewFeed creates a ring holding up to size notifications.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 100
	}
	return &Feed{items: make([]Notification, size)}
}

func (f *Feed) Notify(_ context.Context, n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[f.next] = n
	f.next = (f.next + 1) % len(f.items)
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns up to limit notifications, newest first. limit <= 0 means all.
func (f *Feed) Recent(limit int) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := f.next
	if f.full {
		count = len(f.items)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]Notification, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (f.next - 1 - i + len(f.items)) % len(f.items)
		out = append(out, f.items[idx])
	}
	return out
}
