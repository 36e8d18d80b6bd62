package creditfacility

import (
	"fmt"
	"math/big"

	"github.com/creditcore/corebank/internal/ledger"
)

// Well-known control accounts a facility's tracking account posts against.
// These are fixed, not per-facility, since the facility/collateral accounts
// supplied at Approve time already identify the borrower-specific legs.
const (
	AccountFacilityFundingSource = "facility_funding_source"
	AccountInterestIncome        = "interest_income"
	AccountPaymentClearing       = "payment_clearing"
	AccountDefaultedReceivables  = "defaulted_receivables"

	currencyUSD = "USD"
)

// LedgerTemplates returns the transaction templates this package's Service
// posts against, ready to register on a ledger.Ledger at wiring time.
func LedgerTemplates() []ledger.Template {
	return []ledger.Template{
		{ID: TemplateActivation, Build: buildActivation},
		{ID: TemplateAccrual, Build: buildAccrual},
		{ID: TemplateDisbursal, Build: buildDisbursal},
		{ID: TemplatePayment, Build: buildPayment},
		{ID: TemplateDefaultReclass, Build: buildDefaultReclass},
	}
}

// buildDefaultReclass moves a defaulted obligation's remaining balance off
// the facility's performing tracking account and into the defaulted
// receivables control account, per §4.F's "Default movement reclasses the
// obligation's ledger balance into a defaulted account".
func buildDefaultReclass(params map[string]any) ([]ledger.Entry, error) {
	facilityAccountID, err := paramString(params, "facility_account_id")
	if err != nil {
		return nil, err
	}
	amount, err := paramAmount(params, "amount_minor")
	if err != nil {
		return nil, err
	}
	return []ledger.Entry{
		{AccountID: AccountDefaultedReceivables, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
		{AccountID: facilityAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
	}, nil
}

// buildActivation books the facility's principal onto its tracking account
// against the funding-source control account, per §4.F step 5.
func buildActivation(params map[string]any) ([]ledger.Entry, error) {
	facilityAccountID, err := paramString(params, "facility_account_id")
	if err != nil {
		return nil, err
	}
	amount, err := paramAmount(params, "amount_minor")
	if err != nil {
		return nil, err
	}
	return []ledger.Entry{
		{AccountID: facilityAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
		{AccountID: AccountFacilityFundingSource, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
	}, nil
}

// buildAccrual books accrued interest onto the facility's tracking account
// against interest income, mirroring spec §8.1's
// "(debit interest receivable 986.30, credit interest income 986.30)".
func buildAccrual(params map[string]any) ([]ledger.Entry, error) {
	facilityAccountID, err := paramString(params, "facility_account_id")
	if err != nil {
		return nil, err
	}
	amount, err := paramAmount(params, "amount_minor")
	if err != nil {
		return nil, err
	}
	return []ledger.Entry{
		{AccountID: facilityAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
		{AccountID: AccountInterestIncome, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
	}, nil
}

// buildDisbursal moves funds from the facility's tracking account to the
// borrower's deposit account: the facility's receivable grows, the
// borrower's deposit balance grows.
func buildDisbursal(params map[string]any) ([]ledger.Entry, error) {
	facilityAccountID, err := paramString(params, "facility_account_id")
	if err != nil {
		return nil, err
	}
	depositAccountID, err := paramString(params, "deposit_account_id")
	if err != nil {
		return nil, err
	}
	amount, err := paramAmount(params, "amount_minor")
	if err != nil {
		return nil, err
	}
	return []ledger.Entry{
		{AccountID: facilityAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
		{AccountID: depositAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
	}, nil
}

// buildPayment clears incoming funds against the facility's tracking
// account, reducing the obligation's outstanding receivable.
func buildPayment(params map[string]any) ([]ledger.Entry, error) {
	facilityAccountID, err := paramString(params, "facility_account_id")
	if err != nil {
		return nil, err
	}
	amount, err := paramAmount(params, "amount_minor")
	if err != nil {
		return nil, err
	}
	return []ledger.Entry{
		{AccountID: AccountPaymentClearing, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
		{AccountID: facilityAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
	}, nil
}

func paramString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or invalid %q param", key)
	}
	return v, nil
}

// paramAmount reads an int64 minor-unit amount and rejects non-positive
// values; every template here books a strictly positive movement.
func paramAmount(params map[string]any, key string) (*big.Int, error) {
	v, ok := params[key].(int64)
	if !ok {
		return nil, fmt.Errorf("missing or invalid %q param", key)
	}
	if v <= 0 {
		return nil, fmt.Errorf("%q must be positive, got %d", key, v)
	}
	return big.NewInt(v), nil
}
