// Package custody defines the custodian wallet interface the collateral
// module's custodian-sync path depends on (spec §4.G). A concrete
// custodian integration is out of scope (§6 Non-goals name the signing/
// withdrawal protocol as external); this package only declares the shape
// collateral.Service needs to subscribe to balance changes.
//
// Grounded in services/oracle-attesterd's subscription-style feed client
// (poll-then-push a typed update over a channel), generalized from price
// ticks to custodian wallet balance changes.
package custody

import "context"

// Satoshis is an exact integer denomination of bitcoin, avoiding float
// rounding for collateral accounting.
type Satoshis int64

// BalanceChanged is one observed balance update for a custodied wallet.
type BalanceChanged struct {
	WalletRef string
	Balance   Satoshis
}

// Wallet is the custodian integration surface collateral.Service consumes
// for RecordCustodianSync.
type Wallet interface {
	// Balance returns the current custodied balance for walletRef.
	Balance(ctx context.Context, walletRef string) (Satoshis, error)

	// Subscribe streams balance changes for all wallets this custodian
	// tracks until ctx is cancelled or the custodian connection drops.
	Subscribe(ctx context.Context) (<-chan BalanceChanged, error)
}
