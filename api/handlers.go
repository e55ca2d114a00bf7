/*
handlers.go - HTTP API handlers for the debt ledger

PURPOSE:
  Exposes the mirror (reads) and the writer (mutations) via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  ledger and reminder packages.

ENDPOINTS:
  Debtors:
    GET    /api/debtors                     List debtors (?over_limit=true)
    POST   /api/debtors                     Create debtor
    GET    /api/debtors/{id}                Debtor detail with running balance
    DELETE /api/debtors/{id}                Delete debtor and its ledger
    PUT    /api/debtors/{id}/profile        Update name, phone, credit limit

  Transactions:
    POST   /api/debtors/{id}/transactions   Record a ledger entry

  Reminders:
    GET    /api/debtors/{id}/reminder       Dispatch state + reminder log
    GET    /api/notifications               Recent notifications (?limit=N)

  Admin:
    POST   /api/admin/resync                Re-apply the whole store to the mirror

ARCHITECTURE:
  Reads are served from the mirror's immutable View: eventually consistent,
  never blocked by writers. Mutations go through ledger.Writer to the store;
  the mirror catches up when the snapshot arrives. A written transaction is
  overlaid on the mirror right away so projected_balance reflects it.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Debtor not found
  - 503: Store write failed or debtor locked (retry manually)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Periodic resync
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/mirror"
	"github.com/warp/debt-ledger/reminder"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Writer     *ledger.Writer
	Mirror     *mirror.Mirror
	Dispatcher *reminder.Dispatcher // optional
	Reminders  ledger.ReminderLog   // optional
	Feed       *reminder.Feed       // optional
	Scheduler  *ResyncScheduler     // optional

	log      logrus.FieldLogger
	validate *validator.Validate
}

// NewHandler creates a handler. Optional dependencies are set on the struct.
func NewHandler(writer *ledger.Writer, m *mirror.Mirror, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Writer:   writer,
		Mirror:   m,
		log:      log.WithField("component", "api"),
		validate: v,
	}
}

// =============================================================================
// DEBTOR HANDLERS
// =============================================================================

// ListDebtors returns every mirrored debtor.
func (h *Handler) ListDebtors(w http.ResponseWriter, r *http.Request) {
	onlyOver := r.URL.Query().Get("over_limit") == "true"

	views := h.Mirror.Current().List()
	dtos := make([]DebtorSummaryDTO, 0, len(views))
	for _, v := range views {
		if onlyOver && !v.OverLimit {
			continue
		}
		dtos = append(dtos, toSummaryDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDebtor returns one debtor with its running-balance trace.
func (h *Handler) GetDebtor(w http.ResponseWriter, r *http.Request) {
	id := ledger.DebtorID(chi.URLParam(r, "id"))

	v, ok := h.Mirror.Current().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Debtor not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toDetailDTO(v))
}

// CreateDebtor persists a new debtor.
func (h *Handler) CreateDebtor(w http.ResponseWriter, r *http.Request) {
	var req CreateDebtorRequest
	if !h.decode(w, r, &req) {
		return
	}
	limit, err := decimal.NewFromString(req.CreditLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credit_limit", err)
		return
	}

	rec, err := h.Writer.CreateDebtor(r.Context(), ledger.CreateDebtorInput{
		ID:          ledger.DebtorID(req.ID),
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		CreditLimit: limit,
	})
	if err != nil {
		h.respondError(w, "Failed to create debtor", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

// UpdateProfile changes name, phone number or credit limit.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := ledger.DebtorID(chi.URLParam(r, "id"))

	var req UpdateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	update := ledger.ProfileUpdate{Name: req.Name, PhoneNumber: req.PhoneNumber}
	if req.CreditLimit != nil {
		limit, err := decimal.NewFromString(*req.CreditLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid credit_limit", err)
			return
		}
		update.CreditLimit = &limit
	}

	rec, err := h.Writer.UpdateProfile(r.Context(), id, update)
	if err != nil {
		h.respondError(w, "Failed to update debtor", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// DeleteDebtor removes the debtor and all of its transactions.
func (h *Handler) DeleteDebtor(w http.ResponseWriter, r *http.Request) {
	id := ledger.DebtorID(chi.URLParam(r, "id"))

	if err := h.Writer.DeleteDebtor(r.Context(), id); err != nil {
		h.respondError(w, "Failed to delete debtor", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// AddTransaction records one ledger entry.
// Returns 201 when written, 200 when the id already existed.
func (h *Handler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.DebtorID(chi.URLParam(r, "id"))

	var req AddTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := strconv.ParseFloat(req.Amount, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	tx := ledger.Transaction{
		ID:     ledger.TransactionID(req.ID),
		Kind:   ledger.Kind(req.Kind),
		Amount: amount,
		Note:   req.Note,
	}
	if req.Timestamp != nil {
		tx.Timestamp = req.Timestamp.UTC()
	}

	stored, written, err := h.Writer.AddTransaction(r.Context(), id, tx)
	if err != nil {
		h.respondError(w, "Failed to add transaction", err)
		return
	}

	status := http.StatusOK
	if written {
		status = http.StatusCreated
		if err := h.Mirror.ApplyOptimistic(id, stored); err != nil {
			// The mirror has not seen the debtor yet; the snapshot will carry it.
			h.log.WithFields(logrus.Fields{
				"debtor_id":      id,
				"transaction_id": stored.ID,
			}).WithError(err).Debug("optimistic overlay skipped")
		}
	}

	resp := AddTransactionResponse{
		Transaction: toTransactionDTO(stored),
		Created:     written,
	}
	if v, ok := h.Mirror.Current().Get(id); ok {
		resp.ProjectedBalance = money(v.ProjectedBalance)
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// REMINDER HANDLERS
// =============================================================================

// GetReminder returns the dispatch state and reminder log of a debtor.
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	id := ledger.DebtorID(chi.URLParam(r, "id"))

	if _, ok := h.Mirror.Current().Get(id); !ok {
		writeError(w, http.StatusNotFound, "Debtor not found", nil)
		return
	}

	resp := ReminderStatusDTO{
		DebtorID: string(id),
		State:    string(reminder.StateIdle),
		Log:      []ReminderEntryDTO{},
	}
	if h.Dispatcher != nil {
		resp.State = string(h.Dispatcher.State(id))
	}
	if h.Reminders != nil {
		entries, err := h.Reminders.Reminders(r.Context(), id)
		if err != nil {
			h.respondError(w, "Failed to load reminder log", err)
			return
		}
		resp.Log = toReminderEntryDTOs(entries)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListNotifications returns the most recent notifications, newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	dtos := []NotificationDTO{}
	if h.Feed != nil {
		for _, n := range h.Feed.Recent(limit) {
			dtos = append(dtos, toNotificationDTO(n))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerResync runs one resync pass now.
func (h *Handler) TriggerResync(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Resync not configured", nil)
		return
	}
	result, err := h.Scheduler.RunOnce(r.Context())
	if err != nil {
		h.respondError(w, "Resync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ResyncResultDTO{
		Listed:  result.Listed,
		Applied: result.Applied,
		Removed: result.Removed,
	})
}

// Healthz reports whether the mirror has finished its initial load.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.Mirror.Ready():
		view := h.Mirror.Current()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"debtors":    view.Len(),
			"over_limit": view.OverLimitCount(),
		})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "loading"})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates a JSON body. On failure it has already
// written the 400 response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

// respondError maps ledger errors to HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Debtor not found", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsStoreWriteFailure(err):
		h.log.WithError(err).Warn(message)
		writeError(w, http.StatusServiceUnavailable, message+"; please retry", err)
	default:
		h.log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
