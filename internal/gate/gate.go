// Package gate decides whether a spender may already move an amount of an
// owner's fungible asset, and how much to approve when it may not.
package gate

import (
	"context"
	"fmt"
	"math/big"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// DefaultMultiplier is the approval multiple used when none is configured.
const DefaultMultiplier = 2

// AllowanceReader reads the ledger's current allowance.
type AllowanceReader interface {
	Allowance(ctx context.Context, asset, owner, spender string) (domain.AllowanceState, error)
}

// Decision is the outcome of Ensure.
type Decision struct {
	Sufficient  bool
	Current     *big.Int
	Required    *big.Int
	Recommended *big.Int // zero when Sufficient
	Disclosure  string   // standing authorization left after the spend
}

// Gate is the single place approval decisions are made.
type Gate struct {
	reader     AllowanceReader
	multiplier int64
}

// New creates a Gate. A multiplier below 2 would approve only the exact
// price and falls back to DefaultMultiplier.
func New(reader AllowanceReader, multiplier int64) *Gate {
	if multiplier < 2 {
		multiplier = DefaultMultiplier
	}
	return &Gate{reader: reader, multiplier: multiplier}
}

// Multiplier returns the configured approval multiple.
func (g *Gate) Multiplier() int64 { return g.multiplier }

// Ensure reads the allowance and reports whether it covers required. It
// never writes to the ledger.
func (g *Gate) Ensure(ctx context.Context, owner, spender, asset string, required *big.Int) (Decision, error) {
	st, err := g.reader.Allowance(ctx, asset, owner, spender)
	if err != nil {
		return Decision{}, fmt.Errorf("gate: read allowance: %w", err)
	}
	cur := st.Amount
	if cur == nil {
		cur = new(big.Int)
	}
	d := Decision{Current: cur, Required: required}
	if st.Covers(required) {
		d.Sufficient = true
		d.Recommended = new(big.Int)
		return d, nil
	}

	d.Recommended = new(big.Int).Mul(required, big.NewInt(g.multiplier))
	left := new(big.Int).Sub(d.Recommended, required)
	if left.Sign() > 0 {
		d.Disclosure = fmt.Sprintf(
			"approving %s (%dx the required %s); %s stays authorized for %s to spend after this purchase",
			d.Recommended, g.multiplier, required, left, spender)
	} else {
		d.Disclosure = fmt.Sprintf("approving exactly the required %s; nothing stays authorized afterwards", required)
	}
	return d, nil
}

// Verify re-reads the allowance after an approval confirmed. The ledger is
// authoritative: the requested amount is never assumed to be granted.
func (g *Gate) Verify(ctx context.Context, owner, spender, asset string, required *big.Int) (domain.AllowanceState, error) {
	st, err := g.reader.Allowance(ctx, asset, owner, spender)
	if err != nil {
		return domain.AllowanceState{}, fmt.Errorf("gate: re-read allowance: %w", err)
	}
	if !st.Covers(required) {
		got := "0"
		if st.Amount != nil {
			got = st.Amount.String()
		}
		return st, domain.NewError(domain.KindInsufficientAllowance, "verify allowance",
			fmt.Sprintf("allowance %s is below required %s after approval", got, required), nil)
	}
	return st, nil
}
