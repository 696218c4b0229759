// Package billing applies confirmed Stripe payments to the token ledger.
// Checkout and webhook transport live upstream; this package only verifies
// a payment intent and credits tokens, exactly once per payment.
package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/client"

	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/ledger"
)

// Pack is one purchasable token bundle.
type Pack struct {
	ID       string
	Tokens   int64
	PriceUSD int64 // cents
}

// Packs is the fixed price table. The pack id travels in the payment
// intent's metadata.
var Packs = map[string]Pack{
	"starter":  {ID: "starter", Tokens: 500, PriceUSD: 500},
	"standard": {ID: "standard", Tokens: 1200, PriceUSD: 1000},
	"pro":      {ID: "pro", Tokens: 3000, PriceUSD: 2000},
}

// SignupBonusTokens is granted once when an account is first provisioned.
const SignupBonusTokens = 100

// Purchaser verifies Stripe payment intents and credits the ledger.
type Purchaser struct {
	stripe *client.API
	ledger *ledger.Ledger
	logger *slog.Logger
}

// PurchaserOptions configures a Purchaser.
type PurchaserOptions struct {
	Logger *slog.Logger
	// Backends overrides the Stripe transport, for tests.
	Backends *stripe.Backends
}

// NewPurchaser creates a Purchaser with the given Stripe secret key.
func NewPurchaser(stripeKey string, lg *ledger.Ledger, opts PurchaserOptions) (*Purchaser, error) {
	if stripeKey == "" {
		return nil, fmt.Errorf("stripe key is required")
	}
	if lg == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sc := &client.API{}
	sc.Init(stripeKey, opts.Backends)
	return &Purchaser{stripe: sc, ledger: lg, logger: opts.Logger}, nil
}

// ApplyPayment verifies the payment intent and credits the purchased pack
// to the user's balance. Applying the same payment twice is a no-op: the
// credit is keyed on the payment intent id.
func (p *Purchaser) ApplyPayment(ctx context.Context, userID, paymentIntentID string) (*ledger.Account, error) {
	if userID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("user id is required", "user_id")
	}
	if paymentIntentID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("payment intent id is required", "payment_intent_id")
	}

	applied, err := p.alreadyApplied(ctx, userID, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if applied {
		p.logger.Info("payment already applied", "user_id", userID, "payment_intent", paymentIntentID)
		return p.ledger.Account(ctx, userID)
	}

	pi, err := p.stripe.PaymentIntents.Get(paymentIntentID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, core.NewProviderError("stripe", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, core.NewInvalidStateError(fmt.Sprintf("payment %s is %s, not succeeded", paymentIntentID, pi.Status))
	}

	packID := pi.Metadata["pack"]
	pack, ok := Packs[packID]
	if !ok {
		return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown token pack %q", packID), "pack")
	}
	if pi.Amount != pack.PriceUSD {
		return nil, core.NewInvalidStateError(fmt.Sprintf("payment amount %d does not match pack %s price %d", pi.Amount, pack.ID, pack.PriceUSD))
	}

	if _, err := p.ledger.AddTokens(ctx, userID, pack.Tokens, ledger.SourcePurchase, paymentIntentID); err != nil {
		return nil, err
	}
	p.logger.Info("token pack applied",
		"user_id", userID, "pack", pack.ID, "tokens", pack.Tokens, "payment_intent", paymentIntentID)
	return p.ledger.Account(ctx, userID)
}

// GrantSignupBonus credits the one-time signup allowance. Callers guard the
// once-per-user rule at provisioning time.
func (p *Purchaser) GrantSignupBonus(ctx context.Context, userID string) (*ledger.Account, error) {
	if _, err := p.ledger.AddTokens(ctx, userID, SignupBonusTokens, ledger.SourceSignupBonus, ""); err != nil {
		return nil, err
	}
	return p.ledger.Account(ctx, userID)
}

func (p *Purchaser) alreadyApplied(ctx context.Context, userID, paymentIntentID string) (bool, error) {
	txns, err := p.ledger.Transactions(ctx, userID, 0)
	if err != nil {
		return false, err
	}
	for _, txn := range txns {
		if txn.PaymentRef == paymentIntentID {
			return true, nil
		}
	}
	return false, nil
}
