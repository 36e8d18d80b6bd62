// Package ledger implements the double-entry bookkeeping contract of spec
// §4.D: accounts with a normal balance side, account sets whose membership
// forms a DAG (no set-level balance is computed; balances are per account),
// layered balances (settled/pending/encumbrance), and
// transaction templates posted atomically and idempotently on tx_id.
//
// Amount arithmetic follows native/lending/math.go's big.Int convention
// (ledger amounts are arbitrary-precision integers in the currency's minor
// unit, summed exactly rather than through floating point) adapted from
// that file's ray/rayMul fixed-point helpers to plain big.Int addition,
// since ledger postings need exact sums rather than a scaled interest
// curve. The idempotent-post contract is grounded in native/bank/transfer.go's
// RecordOrigin/RecordRefund pair, which tracks a cumulative amount keyed by
// a transaction hash and rejects amounts that would exceed what was
// recorded; Post generalizes that single-purpose refund ledger into a
// general (template_id, tx_id) idempotency key covering any balanced entry
// set.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditcore/corebank/internal/corerr"
	"github.com/creditcore/corebank/observability"
)

// Side is an account's normal balance side.
type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// Layer distinguishes the three balance layers tracked per currency.
type Layer string

const (
	Settled     Layer = "settled"
	Pending     Layer = "pending"
	Encumbrance Layer = "encumbrance"
)

// Account is a leaf ledger entity.
type Account struct {
	ID            string `gorm:"primaryKey;column:id"`
	Code          string `gorm:"column:code"`
	NormalBalance Side   `gorm:"column:normal_balance"`
	Currency      string `gorm:"column:currency"`
	ExternalRef   string `gorm:"column:external_ref"`
}

func (Account) TableName() string { return "ledger_accounts" }

// AccountSet is a DAG node that may contain Accounts and/or other
// AccountSets; membership is stored in ledger_account_set_members. No
// balance is computed for a set: BalanceOf and BalanceRange read one account.
type AccountSet struct {
	ID   string `gorm:"primaryKey;column:id"`
	Name string `gorm:"column:name"`
}

func (AccountSet) TableName() string { return "ledger_account_sets" }

// AccountSetMember links a member (account or nested set) to a parent set.
type AccountSetMember struct {
	SetID      string `gorm:"primaryKey;column:set_id"`
	MemberID   string `gorm:"primaryKey;column:member_id"`
	MemberKind string `gorm:"column:member_kind"` // "account" | "account_set"
}

func (AccountSetMember) TableName() string { return "ledger_account_set_members" }

// BalancePair is a (debit, credit) accumulation for one layer.
type BalancePair struct {
	DrBalance *big.Int
	CrBalance *big.Int
}

func zeroPair() BalancePair {
	return BalancePair{DrBalance: big.NewInt(0), CrBalance: big.NewInt(0)}
}

// Net returns the signed balance in the account's normal-balance direction.
func (p BalancePair) Net(normal Side) *big.Int {
	if normal == Debit {
		return new(big.Int).Sub(p.DrBalance, p.CrBalance)
	}
	return new(big.Int).Sub(p.CrBalance, p.DrBalance)
}

// Balance is the full layered balance for (account_id, currency).
type Balance struct {
	Settled     BalancePair
	Pending     BalancePair
	Encumbrance BalancePair
}

// balanceRow is the persisted accumulator gorm reads/writes per
// (account_id, currency, layer); Balance is assembled from three rows.
type balanceRow struct {
	AccountID string `gorm:"primaryKey;column:account_id"`
	Currency  string `gorm:"primaryKey;column:currency"`
	Layer     Layer  `gorm:"primaryKey;column:layer"`
	DrMinor   string `gorm:"column:dr_balance_minor"` // decimal string, since gorm has no native big.Int
	CrMinor   string `gorm:"column:cr_balance_minor"`
}

func (balanceRow) TableName() string { return "ledger_balances" }

// Entry is one leg of a transaction: a debit or credit to one account, in
// one currency, on one layer.
type Entry struct {
	AccountID string
	Currency  string
	Layer     Layer
	Side      Side
	Amount    *big.Int
}

// Template is a parameterized, named set of entries; its Build function
// receives the caller's params and must return a balanced entry set (debits
// equal credits per currency per layer) or an error.
type Template struct {
	ID    string
	Build func(params map[string]any) ([]Entry, error)
}

// postedTx records a committed posting keyed by (template_id, tx_id) so
// Post is idempotent: replaying the same tx_id is a no-op rather than
// posting again.
type postedTx struct {
	TemplateID string    `gorm:"primaryKey;column:template_id"`
	TxID       string    `gorm:"primaryKey;column:tx_id"`
	PostedAt   time.Time `gorm:"column:posted_at"`
}

func (postedTx) TableName() string { return "ledger_posted_transactions" }

// entryRow is the durable record of one posted leg, used both as the
// permanent journal and to recompute balances.
type entryRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement;column:id"`
	TemplateID string    `gorm:"column:template_id"`
	TxID       string    `gorm:"column:tx_id"`
	AccountID  string    `gorm:"column:account_id"`
	Currency   string    `gorm:"column:currency"`
	Layer      Layer     `gorm:"column:layer"`
	Side       Side      `gorm:"column:side"`
	AmountMinor string   `gorm:"column:amount_minor"`
	EffectiveDate time.Time `gorm:"column:effective_date"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (entryRow) TableName() string { return "ledger_entries" }

// Ledger posts transaction templates against the account/balance schema.
type Ledger struct {
	DB        *gorm.DB
	templates map[string]Template
}

// New constructs a Ledger bound to db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, templates: make(map[string]Template)}
}

// RegisterTemplate makes a template available to Post by id.
func (l *Ledger) RegisterTemplate(t Template) {
	l.templates[t.ID] = t
}

// Post builds templateID's entries from params, verifies they balance per
// currency per layer, and appends them atomically; a replay of the same
// (templateID, txID) is a no-op. effectiveDate governs which accounting
// period the posting falls in for balance-range queries.
func (l *Ledger) Post(ctx context.Context, templateID, txID string, params map[string]any, effectiveDate time.Time) error {
	tmpl, ok := l.templates[templateID]
	if !ok {
		return corerr.New(corerr.KindInvariantViolated, "ledger.Post", fmt.Errorf("unknown template %q", templateID))
	}
	entries, err := tmpl.Build(params)
	if err != nil {
		return corerr.New(corerr.KindInvariantViolated, "ledger.Post", err)
	}
	if err := verifyBalanced(entries); err != nil {
		observability.Ledger().RecordImbalance()
		return corerr.New(corerr.KindInvariantViolated, "ledger.Post", err)
	}

	return l.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		alreadyPosted, err := l.isAlreadyPosted(op, templateID, txID)
		if err != nil {
			return err
		}
		if alreadyPosted {
			return nil
		}
		if err := op.Create(&postedTx{TemplateID: templateID, TxID: txID, PostedAt: time.Now().UTC()}).Error; err != nil {
			return corerr.New(corerr.KindLedgerError, "ledger.Post", err)
		}
		now := time.Now().UTC()
		rows := make([]entryRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, entryRow{
				TemplateID:    templateID,
				TxID:          txID,
				AccountID:     e.AccountID,
				Currency:      e.Currency,
				Layer:         e.Layer,
				Side:          e.Side,
				AmountMinor:   e.Amount.String(),
				EffectiveDate: effectiveDate,
				CreatedAt:     now,
			})
			if err := l.applyToBalance(op, e); err != nil {
				return err
			}
		}
		if err := op.Create(&rows).Error; err != nil {
			return corerr.New(corerr.KindLedgerError, "ledger.Post", err)
		}
		observability.Ledger().RecordPosting(templateID)
		return nil
	})
}

func (l *Ledger) isAlreadyPosted(op *gorm.DB, templateID, txID string) (bool, error) {
	var existing postedTx
	err := op.Where("template_id = ? AND tx_id = ?", templateID, txID).First(&existing).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, corerr.New(corerr.KindLedgerError, "ledger.isAlreadyPosted", err)
	}
}

func (l *Ledger) applyToBalance(op *gorm.DB, e Entry) error {
	drDelta, crDelta := "0", "0"
	if e.Side == Debit {
		drDelta = e.Amount.String()
	} else {
		crDelta = e.Amount.String()
	}
	row := balanceRow{AccountID: e.AccountID, Currency: e.Currency, Layer: e.Layer, DrMinor: "0", CrMinor: "0"}
	err := op.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return corerr.New(corerr.KindLedgerError, "ledger.applyToBalance", err)
	}
	result := op.Exec(
		`UPDATE ledger_balances SET dr_balance_minor = (CAST(dr_balance_minor AS NUMERIC) + CAST(? AS NUMERIC))::text,
		 cr_balance_minor = (CAST(cr_balance_minor AS NUMERIC) + CAST(? AS NUMERIC))::text
		 WHERE account_id = ? AND currency = ? AND layer = ?`,
		drDelta, crDelta, e.AccountID, e.Currency, e.Layer,
	)
	if result.Error != nil {
		return corerr.New(corerr.KindLedgerError, "ledger.applyToBalance", result.Error)
	}
	return nil
}

// BalanceOf returns the current layered balance for an account/currency.
func (l *Ledger) BalanceOf(ctx context.Context, accountID, currency string) (Balance, error) {
	var rows []balanceRow
	if err := l.DB.WithContext(ctx).Where("account_id = ? AND currency = ?", accountID, currency).Find(&rows).Error; err != nil {
		return Balance{}, corerr.New(corerr.KindLedgerError, "ledger.BalanceOf", err)
	}
	bal := Balance{Settled: zeroPair(), Pending: zeroPair(), Encumbrance: zeroPair()}
	for _, r := range rows {
		pair := BalancePair{DrBalance: mustInt(r.DrMinor), CrBalance: mustInt(r.CrMinor)}
		switch r.Layer {
		case Settled:
			bal.Settled = pair
		case Pending:
			bal.Pending = pair
		case Encumbrance:
			bal.Encumbrance = pair
		}
	}
	return bal, nil
}

// RangeBalance is the (open, period_activity, close) triple for a date range.
type RangeBalance struct {
	Open           Balance
	PeriodActivity Balance
	Close          Balance
}

// BalanceRange computes the open/activity/close balances for an account
// over [from, until) by summing posted entries on either side of from.
func (l *Ledger) BalanceRange(ctx context.Context, accountID, currency string, from, until time.Time) (RangeBalance, error) {
	open, err := l.sumEntriesBefore(ctx, accountID, currency, from)
	if err != nil {
		return RangeBalance{}, err
	}
	activity, err := l.sumEntriesBetween(ctx, accountID, currency, from, until)
	if err != nil {
		return RangeBalance{}, err
	}
	close := addBalance(open, activity)
	return RangeBalance{Open: open, PeriodActivity: activity, Close: close}, nil
}

func (l *Ledger) sumEntriesBefore(ctx context.Context, accountID, currency string, before time.Time) (Balance, error) {
	return l.sumEntries(ctx, accountID, currency, "effective_date < ?", before)
}

func (l *Ledger) sumEntriesBetween(ctx context.Context, accountID, currency string, from, until time.Time) (Balance, error) {
	return l.sumEntries(ctx, accountID, currency, "effective_date >= ? AND effective_date < ?", from, until)
}

func (l *Ledger) sumEntries(ctx context.Context, accountID, currency, cond string, args ...any) (Balance, error) {
	var rows []entryRow
	query := l.DB.WithContext(ctx).Where("account_id = ? AND currency = ?", accountID, currency).Where(cond, args...)
	if err := query.Find(&rows).Error; err != nil {
		return Balance{}, corerr.New(corerr.KindLedgerError, "ledger.sumEntries", err)
	}
	bal := Balance{Settled: zeroPair(), Pending: zeroPair(), Encumbrance: zeroPair()}
	for _, r := range rows {
		amount := mustInt(r.AmountMinor)
		var pair *BalancePair
		switch r.Layer {
		case Settled:
			pair = &bal.Settled
		case Pending:
			pair = &bal.Pending
		case Encumbrance:
			pair = &bal.Encumbrance
		default:
			continue
		}
		if r.Side == Debit {
			pair.DrBalance = new(big.Int).Add(pair.DrBalance, amount)
		} else {
			pair.CrBalance = new(big.Int).Add(pair.CrBalance, amount)
		}
	}
	return bal, nil
}

func addBalance(a, b Balance) Balance {
	add := func(p1, p2 BalancePair) BalancePair {
		return BalancePair{
			DrBalance: new(big.Int).Add(p1.DrBalance, p2.DrBalance),
			CrBalance: new(big.Int).Add(p1.CrBalance, p2.CrBalance),
		}
	}
	return Balance{
		Settled:     add(a.Settled, b.Settled),
		Pending:     add(a.Pending, b.Pending),
		Encumbrance: add(a.Encumbrance, b.Encumbrance),
	}
}

// verifyBalanced enforces Σ(debits) = Σ(credits) per currency per layer,
// the invariant the core depends on.
func verifyBalanced(entries []Entry) error {
	type key struct {
		Currency string
		Layer    Layer
	}
	totals := make(map[key]*big.Int)
	for _, e := range entries {
		k := key{Currency: e.Currency, Layer: e.Layer}
		if totals[k] == nil {
			totals[k] = big.NewInt(0)
		}
		if e.Side == Debit {
			totals[k].Add(totals[k], e.Amount)
		} else {
			totals[k].Sub(totals[k], e.Amount)
		}
	}
	for k, sum := range totals {
		if sum.Sign() != 0 {
			return fmt.Errorf("entries do not balance for currency %s layer %s", k.Currency, k.Layer)
		}
	}
	return nil
}

func mustInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
