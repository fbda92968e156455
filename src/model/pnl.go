package model

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// PnLAt values the position at mark.
//
//	long:  (mark - entry) * quantity * leverage
//	short: (entry - mark) * quantity * leverage
func (p *Position) PnLAt(mark decimal.Decimal) decimal.Decimal {
	return PnL(p.Side, p.EntryPrice, mark, p.Quantity, p.Leverage)
}

// MarkForPnL inverts PnLAt: it returns the mark price at which the position shows pnl.
func (p *Position) MarkForPnL(pnl decimal.Decimal) decimal.Decimal {
	return MarkForPnL(p.Side, p.EntryPrice, pnl, p.Quantity, p.Leverage)
}

// PnLPercent expresses pnl as a percentage of the position's margin.
func (p *Position) PnLPercent(pnl decimal.Decimal) decimal.Decimal {
	if p.Margin.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(p.Margin).Mul(hundred)
}

// PnLForPercent is the absolute PnL that equals pct percent of margin.
func (p *Position) PnLForPercent(pct decimal.Decimal) decimal.Decimal {
	return pct.Div(hundred).Mul(p.Margin)
}

func PnL(side Side, entry, mark, quantity decimal.Decimal, leverage int) decimal.Decimal {
	exposure := quantity.Mul(decimal.NewFromInt(int64(leverage)))
	if side == SideShort {
		return entry.Sub(mark).Mul(exposure)
	}
	return mark.Sub(entry).Mul(exposure)
}

func MarkForPnL(side Side, entry, pnl, quantity decimal.Decimal, leverage int) decimal.Decimal {
	exposure := quantity.Mul(decimal.NewFromInt(int64(leverage)))
	if exposure.IsZero() {
		return entry
	}
	delta := pnl.DivRound(exposure, 18)
	if side == SideShort {
		return entry.Sub(delta)
	}
	return entry.Add(delta)
}
