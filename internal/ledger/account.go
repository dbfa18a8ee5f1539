// Package ledger is the authoritative credit balance store. Every mutation
// goes through a single conditional SQL statement; there is deliberately no
// read-then-write API for balances.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrNoEntitlement means the account exists but has neither the free
	// scan nor a positive balance left.
	ErrNoEntitlement = errors.New("no scan entitlement remaining")
	// ErrAccountNotFound means no account row exists for the principal.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrConflict is a transient serialization failure between two
	// concurrent ledger updates. It is retried once and never surfaces to
	// callers of the HTTP API.
	ErrConflict = errors.New("ledger write conflict")
)

// Account is one row per authenticated principal.
type Account struct {
	PrincipalID      string    `json:"principalId"`
	CreditBalance    int       `json:"creditBalance"`
	FreeScanConsumed bool      `json:"freeScanConsumed"`
	TotalScans       int64     `json:"totalScans"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Entitlement names which entitlement a grant consumed.
type Entitlement string

const (
	EntitlementFree   Entitlement = "free_scan"
	EntitlementCredit Entitlement = "credit"
)

// ConsumeResult reports a successful TryConsume.
type ConsumeResult struct {
	Used             Entitlement
	RemainingBalance int
	TotalScans       int64
}
