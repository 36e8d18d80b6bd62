// Package depositaccount defines the deposit-account gateway SPEC_FULL.md
// requires credit facilities to disburse into and collect repayments from.
// A full deposit ledger is out of scope (spec §6 Non-goals); this package
// is the narrow interface creditfacility's disbursal/payment-allocation
// flows depend on, grounded in services/escrow-gateway's upstream-account
// lookup pattern generalized from an escrow party record to a deposit
// account record.
package depositaccount

import (
	"context"

	"github.com/google/uuid"
)

// Status mirrors a deposit account's standing.
type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
)

// Account is the minimal view of a customer's deposit account that the
// credit facility module needs: which ledger accounts back it.
type Account struct {
	ID               uuid.UUID
	CustomerID       uuid.UUID
	Status           Status
	LedgerAccountID  uuid.UUID // the settled-balance checking account
}

// Gateway resolves and moves value against deposit accounts on behalf of
// other modules. Implementations live outside this package (a real deposit
// module, or a test double); creditfacility depends only on this interface.
type Gateway interface {
	// AccountForCustomer returns the customer's primary deposit account.
	AccountForCustomer(ctx context.Context, customerID uuid.UUID) (Account, error)

	// Credit deposits amountMinor (the ledger's minor-unit integer amount)
	// into accountID, e.g. a disbursal payout.
	Credit(ctx context.Context, accountID uuid.UUID, amountMinor int64, memo string) error

	// Debit withdraws amountMinor from accountID, e.g. a scheduled
	// repayment collection. Returns an error if funds are insufficient.
	Debit(ctx context.Context, accountID uuid.UUID, amountMinor int64, memo string) error
}
