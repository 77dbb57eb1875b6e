// Package payment is the boundary to the external payment gateway: order
// creation, signature verification and INR/RL conversion.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/riplimit/ledger-engine/internal/model"
)

// PaisePerRL is the number of paise one RL costs (100 paise / 20 RL).
const PaisePerRL = 100 / model.RLPerINR

var rlPerINR = decimal.NewFromInt(model.RLPerINR)

// ToINR converts an RL amount to rupees.
func ToINR(rl int64) decimal.Decimal {
	return decimal.NewFromInt(rl).Div(rlPerINR)
}

// ToPaise converts an RL amount to the gateway's minor unit.
func ToPaise(rl int64) int64 {
	return rl * PaisePerRL
}

// FromINR converts rupees to RL, truncating fractional RL.
func FromINR(inr decimal.Decimal) int64 {
	return inr.Mul(rlPerINR).IntPart()
}

// Sign computes the gateway signature for a completed payment:
// hex(HMAC-SHA256(secret, orderID + "|" + paymentID)).
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches orderID and paymentID.
func Verify(secret, orderID, paymentID, signature string) bool {
	if secret == "" || orderID == "" || paymentID == "" {
		return false
	}
	want := Sign(secret, orderID, paymentID)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}

// Gateway is the external payment collaborator.
type Gateway interface {
	// CreateOrder registers a pending payment and returns its order ID.
	CreateOrder(ctx context.Context, amountPaise int64, receipt string) (string, error)
	// Payout returns refunded funds to the user.
	Payout(ctx context.Context, userID string, amountPaise int64, ref string) error
}

// LocalGateway issues order IDs locally. Signatures are produced by Sign
// with the shared secret, so it pairs with any client holding that secret.
type LocalGateway struct{}

func (LocalGateway) CreateOrder(_ context.Context, amountPaise int64, receipt string) (string, error) {
	id := "order_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:14]
	slog.Info("payment order created", "order", id, "amount_paise", amountPaise, "receipt", receipt)
	return id, nil
}

func (LocalGateway) Payout(_ context.Context, userID string, amountPaise int64, ref string) error {
	slog.Info("payout issued", "user", userID, "amount_paise", amountPaise, "ref", ref)
	return nil
}
