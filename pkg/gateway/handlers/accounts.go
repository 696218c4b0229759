package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/voxprep/voxprep/pkg/billing"
	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/ledger"
)

const recentTransactionLimit = 20

// BalanceHandler serves GET /v1/balance: the account plus recent ledger
// activity.
type BalanceHandler struct {
	Ledger *ledger.Ledger
}

type transactionResponse struct {
	ID          string     `json:"id"`
	Amount      int64      `json:"amount"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      string     `json:"status"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type balanceResponse struct {
	UserID       string                `json:"user_id"`
	Balance      int64                 `json:"balance"`
	LifetimeUsed int64                 `json:"lifetime_used"`
	Transactions []transactionResponse `json:"transactions"`
}

func (h BalanceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, core.NewInvalidRequestError("method not allowed"))
		return
	}
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}

	account, err := h.Ledger.Account(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txns, err := h.Ledger.Transactions(r.Context(), userID, recentTransactionLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := balanceResponse{
		UserID:       account.UserID,
		Balance:      account.Balance,
		LifetimeUsed: account.LifetimeUsed,
		Transactions: make([]transactionResponse, 0, len(txns)),
	}
	for _, t := range txns {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:          t.ID,
			Amount:      t.Amount,
			SessionID:   t.SessionID,
			Status:      string(t.Status),
			Description: t.Description,
			CreatedAt:   t.CreatedAt,
			ResolvedAt:  t.ResolvedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// PurchaseHandler serves POST /v1/purchases/apply: credits a confirmed
// Stripe payment to the caller's balance. Checkout itself happens upstream;
// this endpoint only settles the result.
type PurchaseHandler struct {
	Purchaser *billing.Purchaser
}

type applyPurchaseRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (h PurchaseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, core.NewInvalidRequestError("method not allowed"))
		return
	}
	if h.Purchaser == nil {
		writeError(w, r, core.NewInvalidStateError("billing is not configured"))
		return
	}
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBodyBytes))
	if err != nil {
		writeError(w, r, core.NewInvalidRequestError("failed to read request body"))
		return
	}
	var req applyPurchaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, core.NewInvalidRequestError("invalid json body"))
		return
	}
	if req.PaymentIntentID == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("payment_intent_id is required", "payment_intent_id"))
		return
	}

	account, err := h.Purchaser.ApplyPayment(r.Context(), userID, req.PaymentIntentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:       account.UserID,
		Balance:      account.Balance,
		LifetimeUsed: account.LifetimeUsed,
		Transactions: []transactionResponse{},
	})
}
