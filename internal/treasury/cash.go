package treasury

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/chain"
	"github.com/yield402/treasury/internal/utils"
)

// CashAccount is the merchant's liquid balance of one mint, summed over every token account
// the wallet holds for it.
type CashAccount struct {
	reader chain.Reader
	owner  string
	mint   string
}

func NewCashAccount(reader chain.Reader, owner, mint string) *CashAccount {
	return &CashAccount{reader: reader, owner: owner, mint: mint}
}

func (a *CashAccount) Address() string { return a.owner }

// IdleCash reads the current balance from the chain.
func (a *CashAccount) IdleCash(ctx context.Context) (decimal.Decimal, error) {
	if a.owner == "" || a.mint == "" {
		return decimal.Zero, ErrCashNotConfigured
	}
	holdings, err := a.reader.GetTokenHoldings(ctx, a.owner, a.mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read %s holdings of %s: %w", a.mint, a.owner, err)
	}
	amount, err := utils.BaseUnitsToDecimal(holdings.Total(), int(holdings.Decimals))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to convert cash balance: %w", err)
	}
	return amount, nil
}
