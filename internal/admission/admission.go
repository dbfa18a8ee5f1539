// Package admission gatekeeps every analysis attempt: one unit of
// entitlement is verified and spent before any expensive work begins. A
// failed or low-quality analysis does not refund the unit; that ordering is
// the abuse-prevention policy, not an accident.
package admission

import (
	"context"
	"errors"
	"log/slog"

	"github.com/clarimed/billscan/internal/ledger"
)

// Reason explains a denial so the API can route the caller to sign-in or to
// the purchase flow.
type Reason string

const (
	ReasonNoEntitlement    Reason = "no_entitlement"
	ReasonNotAuthenticated Reason = "not_authenticated"
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Granted          bool
	Reason           Reason
	Used             ledger.Entitlement
	RemainingBalance int
}

type entitlementStore interface {
	TryConsume(ctx context.Context, principalID string) (*ledger.ConsumeResult, error)
}

// Controller decides whether a principal may start an analysis.
type Controller struct {
	store entitlementStore
	log   *slog.Logger
}

// NewController constructs a Controller.
func NewController(store entitlementStore, log *slog.Logger) *Controller {
	return &Controller{store: store, log: log}
}

// TryConsume spends one entitlement for the principal. The error return is
// reserved for ledger/storage failures; every policy outcome, including
// denial, arrives as a Decision.
func (c *Controller) TryConsume(ctx context.Context, principalID string) (Decision, error) {
	if principalID == "" {
		return Decision{Reason: ReasonNotAuthenticated}, nil
	}
	res, err := c.store.TryConsume(ctx, principalID)
	switch {
	case err == nil:
		c.log.Info("entitlement consumed",
			"principal", principalID,
			"used", string(res.Used),
			"remaining", res.RemainingBalance)
		return Decision{Granted: true, Used: res.Used, RemainingBalance: res.RemainingBalance}, nil
	case errors.Is(err, ledger.ErrNoEntitlement):
		return Decision{Reason: ReasonNoEntitlement}, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		return Decision{Reason: ReasonNotAuthenticated}, nil
	default:
		return Decision{}, err
	}
}
