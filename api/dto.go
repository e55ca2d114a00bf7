/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger
  and mirror types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Every amount and balance is a string with exactly two decimals ("350.00"),
  never a JSON number, so clients cannot reintroduce float rounding.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks.
  Domain rules (negative limits, legacy kinds, phone format) stay in
  ledger.Writer and come back as 400s.

SEE ALSO:
  - handlers.go: Uses these types
  - mirror/view.go: DebtorView
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/mirror"
	"github.com/warp/debt-ledger/reminder"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateDebtorRequest is the request to create a debtor.
type CreateDebtorRequest struct {
	ID          string `json:"id" validate:"omitempty,max=64"`
	Name        string `json:"name" validate:"required,max=200"`
	PhoneNumber string `json:"phone_number" validate:"omitempty,max=32"`
	CreditLimit string `json:"credit_limit" validate:"required,numeric"`
}

// UpdateProfileRequest changes any subset of the profile. An empty
// phone_number removes the contact channel.
type UpdateProfileRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=200"`
	PhoneNumber *string `json:"phone_number" validate:"omitempty,max=32"`
	CreditLimit *string `json:"credit_limit" validate:"omitempty,numeric"`
}

// AddTransactionRequest records one ledger entry. ID and timestamp are
// generated when omitted; resending the same id is a no-op.
type AddTransactionRequest struct {
	ID        string     `json:"id" validate:"omitempty,max=64"`
	Timestamp *time.Time `json:"timestamp"`
	Kind      string     `json:"kind" validate:"required,oneof=new_credit payment adjustment_increase adjustment_decrease full_settlement"`
	Amount    string     `json:"amount" validate:"required,numeric"`
	Note      string     `json:"note" validate:"max=500"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// DebtorSummaryDTO is one row of the debtor list.
type DebtorSummaryDTO struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	PhoneNumber      string `json:"phone_number,omitempty"`
	CreditLimit      string `json:"credit_limit"`
	Balance          string `json:"balance"`
	ProjectedBalance string `json:"projected_balance"`
	OverLimit        bool   `json:"over_limit"`
	PendingWrites    int    `json:"pending_writes"`
	Warnings         int    `json:"data_quality_warnings"`
	Revision         int64  `json:"revision"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

// DebtorDetailDTO adds the running-balance trace and transition history.
type DebtorDetailDTO struct {
	DebtorSummaryDTO
	Transactions []TransactionDTO `json:"transactions"`
	Transitions  []TransitionDTO  `json:"transitions"`
}

// DebtorRecordDTO is a debtor as just written to the store, before the
// mirror has caught up.
type DebtorRecordDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	CreditLimit string `json:"credit_limit"`
	Revision    int64  `json:"revision"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// TransactionDTO is one ledger entry. BalanceAfter is set in the trace.
type TransactionDTO struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	Note         string `json:"note,omitempty"`
	BalanceAfter string `json:"balance_after,omitempty"`
}

// AddTransactionResponse reports the stored transaction and the balance the
// debtor is expected to reach once the snapshot arrives.
type AddTransactionResponse struct {
	Transaction      TransactionDTO `json:"transaction"`
	Created          bool           `json:"created"`
	ProjectedBalance string         `json:"projected_balance,omitempty"`
}

// TransitionDTO is one classified snapshot.
type TransitionDTO struct {
	Transition string `json:"transition"`
	Balance    string `json:"balance"`
	Limit      string `json:"credit_limit"`
	Revision   int64  `json:"revision"`
	At         string `json:"at"`
}

// ReminderStatusDTO is the dispatch state of a debtor plus its reminder log.
type ReminderStatusDTO struct {
	DebtorID string             `json:"debtor_id"`
	State    string             `json:"state"`
	Log      []ReminderEntryDTO `json:"log"`
}

type ReminderEntryDTO struct {
	Transition string `json:"transition"`
	Outcome    string `json:"outcome"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// NotificationDTO is one entry of the notification feed.
type NotificationDTO struct {
	DebtorID     string `json:"debtor_id"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Severity     string `json:"severity"`
	ActionLabel  string `json:"action_label,omitempty"`
	ActionTarget string `json:"action_target,omitempty"`
	At           string `json:"at"`
}

// ResyncResultDTO reports one resync pass.
type ResyncResultDTO struct {
	Listed  int `json:"listed"`
	Applied int `json:"applied"`
	Removed int `json:"removed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyPlaces)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toSummaryDTO(v mirror.DebtorView) DebtorSummaryDTO {
	return DebtorSummaryDTO{
		ID:               string(v.ID),
		Name:             v.Name,
		PhoneNumber:      v.PhoneNumber,
		CreditLimit:      money(v.CreditLimit),
		Balance:          money(v.Balance),
		ProjectedBalance: money(v.ProjectedBalance),
		OverLimit:        v.OverLimit,
		PendingWrites:    v.Pending,
		Warnings:         v.Warnings,
		Revision:         v.Revision,
		UpdatedAt:        formatTime(v.UpdatedAt),
	}
}

func toDetailDTO(v mirror.DebtorView) DebtorDetailDTO {
	dto := DebtorDetailDTO{
		DebtorSummaryDTO: toSummaryDTO(v),
		Transactions:     make([]TransactionDTO, 0, len(v.Steps)),
		Transitions:      make([]TransitionDTO, 0, len(v.Transitions)),
	}
	for _, step := range v.Steps {
		tx := toTransactionDTO(step.Transaction)
		tx.BalanceAfter = money(step.Balance)
		dto.Transactions = append(dto.Transactions, tx)
	}
	for _, tr := range v.Transitions {
		dto.Transitions = append(dto.Transitions, TransitionDTO{
			Transition: string(tr.Transition),
			Balance:    money(tr.Balance),
			Limit:      money(tr.Limit),
			Revision:   tr.Revision,
			At:         formatTime(tr.At),
		})
	}
	return dto
}

// toTransactionDTO must only be given transactions with a finite amount.
func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:        string(tx.ID),
		Timestamp: formatTime(tx.Timestamp),
		Kind:      string(tx.Kind),
		Amount:    money(decimal.NewFromFloat(tx.Amount)),
		Note:      tx.Note,
	}
}

func toRecordDTO(rec ledger.DebtorRecord) DebtorRecordDTO {
	return DebtorRecordDTO{
		ID:          string(rec.ID),
		Name:        rec.Name,
		PhoneNumber: rec.PhoneNumber,
		CreditLimit: money(rec.CreditLimit),
		Revision:    rec.Revision,
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
}

func toReminderEntryDTOs(entries []ledger.ReminderEntry) []ReminderEntryDTO {
	out := make([]ReminderEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, ReminderEntryDTO{
			Transition: string(e.Transition),
			Outcome:    e.Outcome,
			Message:    e.Message,
			Error:      e.Error,
			CreatedAt:  formatTime(e.CreatedAt),
		})
	}
	return out
}

func toNotificationDTO(n reminder.Notification) NotificationDTO {
	dto := NotificationDTO{
		DebtorID: string(n.DebtorID),
		Title:    n.Title,
		Body:     n.Body,
		Severity: string(n.Severity),
		At:       formatTime(n.At),
	}
	if n.Action != nil {
		dto.ActionLabel = n.Action.Label
		dto.ActionTarget = n.Action.Target
	}
	return dto
}
