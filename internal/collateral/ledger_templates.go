package collateral

import (
	"fmt"
	"math/big"

	"github.com/creditcore/corebank/internal/ledger"
)

const currencySats = "SATS"
const currencyUSD = "USD"

// LedgerTemplates returns the transaction templates this package's Service
// posts against, ready to register on a ledger.Ledger at wiring time.
func LedgerTemplates() []ledger.Template {
	return []ledger.Template{
		{ID: TemplateManualUpdate, Build: buildSatsMove},
		{ID: TemplateCustodianSync, Build: buildSatsMove},
		{ID: TemplateLiquidationSend, Build: buildLiquidationSend},
		{ID: TemplateLiquidationProceeds, Build: buildLiquidationProceeds},
	}
}

// buildSatsMove books a signed sat delta between the collateral account and
// the custody omnibus account: a positive delta debits the collateral
// account (it holds more), a negative delta debits the omnibus account (the
// collateral gave sats back), used by both manual and custodian-sync
// updates per §4.G.
func buildSatsMove(params map[string]any) ([]ledger.Entry, error) {
	collateralAccountID, err := paramString(params, "collateral_account_id")
	if err != nil {
		return nil, err
	}
	omnibusAccountID, err := paramString(params, "omnibus_account_id")
	if err != nil {
		return nil, err
	}
	delta, ok := params["delta_sats"].(int64)
	if !ok || delta == 0 {
		return nil, fmt.Errorf("missing or zero %q param", "delta_sats")
	}
	amount := big.NewInt(delta)
	amount.Abs(amount)
	if delta > 0 {
		return []ledger.Entry{
			{AccountID: collateralAccountID, Currency: currencySats, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
			{AccountID: omnibusAccountID, Currency: currencySats, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
		}, nil
	}
	return []ledger.Entry{
		{AccountID: omnibusAccountID, Currency: currencySats, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
		{AccountID: collateralAccountID, Currency: currencySats, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
	}, nil
}

// buildLiquidationSend moves sats out of the collateral account into the
// in-liquidation holding account once a liquidation starts sending
// collateral to the custodian for sale.
func buildLiquidationSend(params map[string]any) ([]ledger.Entry, error) {
	collateralAccountID, err := paramString(params, "collateral_account_id")
	if err != nil {
		return nil, err
	}
	inLiquidationAccountID, err := paramString(params, "in_liquidation_account_id")
	if err != nil {
		return nil, err
	}
	sats, ok := params["sats"].(int64)
	if !ok || sats <= 0 {
		return nil, fmt.Errorf("%q must be positive", "sats")
	}
	amount := big.NewInt(sats)
	return []ledger.Entry{
		{AccountID: inLiquidationAccountID, Currency: currencySats, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
		{AccountID: collateralAccountID, Currency: currencySats, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
	}, nil
}

// buildLiquidationProceeds books USD proceeds from a completed sale against
// the liquidation's omnibus clearing account.
func buildLiquidationProceeds(params map[string]any) ([]ledger.Entry, error) {
	proceedsAccountID, err := paramString(params, "proceeds_account_id")
	if err != nil {
		return nil, err
	}
	omnibusAccountID, err := paramString(params, "omnibus_account_id")
	if err != nil {
		return nil, err
	}
	amountUSDMinor, ok := params["amount_usd_minor"].(int64)
	if !ok || amountUSDMinor <= 0 {
		return nil, fmt.Errorf("%q must be positive", "amount_usd_minor")
	}
	amount := big.NewInt(amountUSDMinor)
	return []ledger.Entry{
		{AccountID: proceedsAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Credit, Amount: amount},
		{AccountID: omnibusAccountID, Currency: currencyUSD, Layer: ledger.Settled, Side: ledger.Debit, Amount: amount},
	}, nil
}

func paramString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or invalid %q param", key)
	}
	return v, nil
}
