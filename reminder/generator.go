package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/debt-ledger/ledger"
)

// =============================================================================
// GENERATOR CONTRACT
// =============================================================================

// Generator turns breach facts into a human-readable reminder. It is an
// untrusted, best-effort service: it may fail or hang.
type Generator interface {
	Generate(ctx context.Context, req GeneratorRequest) (string, error)
}

// GeneratorRequest is the structured input of a reminder.
type GeneratorRequest struct {
	DebtorName         string              `json:"debtorName"`
	Balance            decimal.Decimal     `json:"balance"`
	CreditLimit        decimal.Decimal     `json:"creditLimit"`
	ContactInfo        string              `json:"contactInfo,omitempty"`
	RecentTransactions []RecentTransaction `json:"recentTransactions"`
}

// RecentTransaction is one debt-increasing entry shown in a reminder.
type RecentTransaction struct {
	Date   time.Time       `json:"date"`
	Kind   ledger.Kind     `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note,omitempty"`
}

// NewGeneratorRequest builds the request for a debtor, including the last
// window debt-increasing transactions, oldest first.
func NewGeneratorRequest(profile ledger.Profile, balance decimal.Decimal, txs []ledger.Transaction, window int) GeneratorRequest {
	req := GeneratorRequest{
		DebtorName:         profile.Name,
		Balance:            balance,
		CreditLimit:        profile.CreditLimit,
		ContactInfo:        profile.PhoneNumber,
		RecentTransactions: []RecentTransaction{},
	}
	for _, tx := range ledger.RecentIncreases(txs, window) {
		req.RecentTransactions = append(req.RecentTransactions, RecentTransaction{
			Date:   tx.Timestamp,
			Kind:   tx.Kind,
			Amount: decimal.NewFromFloat(tx.Amount),
			Note:   tx.Note,
		})
	}
	return req
}

// =============================================================================
// HTTP GENERATOR
// =============================================================================

// HTTPGenerator posts the request as JSON and expects {"message": "..."}.
type HTTPGenerator struct {
	URL    string
	Client *http.Client
}

func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{URL: url, Client: &http.Client{}}
}

type generatorResponse struct {
	Message string `json:"message"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, req GeneratorRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out generatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generator response: %w", err)
	}
	if strings.TrimSpace(out.Message) == "" {
		return "", errors.New("generator returned an empty message")
	}
	return out.Message, nil
}

// =============================================================================
// TEMPLATE GENERATOR
// =============================================================================

// TemplateGenerator renders a fixed message locally. Used when no generator
// service is configured.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, req GeneratorRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s, your balance of %s is over your credit limit of %s.",
		req.DebtorName,
		req.Balance.StringFixed(ledger.MoneyPlaces),
		req.CreditLimit.StringFixed(ledger.MoneyPlaces),
	)
	if n := len(req.RecentTransactions); n > 0 {
		last := req.RecentTransactions[n-1]
		fmt.Fprintf(&b, " Most recent charge: %s on %s.",
			last.Amount.StringFixed(ledger.MoneyPlaces),
			last.Date.Format("2006-01-02"),
		)
	}
	b.WriteString(" Please arrange a payment at your earliest convenience.")
	return b.String(), nil
}
