// Package pricing produces the per-tick mark price of every open position and drives the
// tick loop that persists and publishes it.
package pricing

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"marginengine/src/marketdata"
	"marginengine/src/model"
)

// SourceSynthetic tags marks produced by the engine itself rather than read from a quote.
const SourceSynthetic marketdata.Source = "synthetic"

const (
	walkMinPct   = 0.001
	walkMaxPct   = 0.005
	manualMinPct = 0.01
	manualMaxPct = 0.05
	editedJitter = 5.0

	markScale = 8
)

// QuoteResolver is satisfied by marketdata.Resolver.
type QuoteResolver interface {
	Resolve(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// Tick is one evaluation of a position.
type Tick struct {
	PositionID string            `json:"position_id"`
	AccountID  string            `json:"account_id"`
	Symbol     string            `json:"symbol"`
	Mode       model.PricingMode `json:"mode"`
	Mark       decimal.Decimal   `json:"mark_price"`
	Pnl        decimal.Decimal   `json:"pnl"`
	PnlPercent decimal.Decimal   `json:"pnl_percent"`
	Source     marketdata.Source `json:"source"`
	At         time.Time         `json:"at"`
	// Persist is false for cosmetic ticks that must not overwrite stored state.
	Persist bool `json:"-"`
}

// Session computes ticks. It holds no per-position state; the position snapshot passed to
// Next carries the previous mark.
type Session struct {
	resolver QuoteResolver
	rnd      marketdata.RandSource
	now      func() time.Time
}

func NewSession(resolver QuoteResolver, rnd marketdata.RandSource) *Session {
	if rnd == nil {
		rnd = marketdata.NewTimeSeededRand()
	}
	return &Session{resolver: resolver, rnd: rnd, now: time.Now}
}

// Next evaluates pos for the current tick according to its pricing mode.
func (s *Session) Next(ctx context.Context, pos *model.Position) Tick {
	var (
		mark    decimal.Decimal
		pnl     decimal.Decimal
		source  = SourceSynthetic
		persist = true
	)

	switch pos.PricingMode {
	case model.PricingModeManual:
		mark = s.manualMark(pos)
		pnl = pos.PnLAt(mark)
	case model.PricingModeEdited:
		pnl = s.editedPnL(pos)
		mark = pos.MarkForPnL(pnl).Round(markScale)
		persist = false
	default:
		mark, source = s.liveMark(ctx, pos)
		pnl = pos.PnLAt(mark)
	}

	return Tick{
		PositionID: pos.ID,
		AccountID:  pos.AccountID,
		Symbol:     pos.Symbol,
		Mode:       modeOrLive(pos.PricingMode),
		Mark:       mark,
		Pnl:        pnl,
		PnlPercent: pos.PnLPercent(pnl).Round(4),
		Source:     source,
		At:         s.now(),
		Persist:    persist,
	}
}

func (s *Session) liveMark(ctx context.Context, pos *model.Position) (decimal.Decimal, marketdata.Source) {
	if s.resolver != nil {
		q, err := s.resolver.Resolve(ctx, pos.Symbol)
		if err == nil && q.Usable() {
			return q.Price, q.Source
		}
		logger.WithFields(map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"source":      q.Source,
		}).WithError(err).Debug("no usable live quote, walking from previous mark")
	}
	return s.walk(lastKnown(pos)), SourceSynthetic
}

// walk moves price by a random 0.1% to 0.5% in a random direction.
func (s *Session) walk(price decimal.Decimal) decimal.Decimal {
	pct := marketdata.Sign(s.rnd) * marketdata.Uniform(s.rnd, walkMinPct, walkMaxPct)
	return price.Mul(decimal.NewFromFloat(1 + pct)).Round(markScale)
}

// manualMark is always an offset from entry; ticks do not compound.
func (s *Session) manualMark(pos *model.Position) decimal.Decimal {
	pct := marketdata.Sign(s.rnd) * marketdata.Uniform(s.rnd, manualMinPct, manualMaxPct)
	return pos.EntryPrice.Mul(decimal.NewFromFloat(1 + pct)).Round(markScale)
}

// editedPnL jitters the administrator's PnL by up to 5% of margin without changing its sign.
func (s *Session) editedPnL(pos *model.Position) decimal.Decimal {
	basePnL := pos.Pnl
	if pos.EditedPnl != nil {
		basePnL = *pos.EditedPnl
	}
	base, _ := pos.PnLPercent(basePnL).Float64()
	jitter := marketdata.Uniform(s.rnd, -editedJitter, editedJitter)

	pct := JitterPercent(base, jitter)
	return pos.PnLForPercent(decimal.NewFromFloat(pct)).Round(markScale)
}

// JitterPercent adds jitter to base, reflecting the result back onto base's side of zero
// when it crosses. A zero base has no side to keep.
func JitterPercent(base, jitter float64) float64 {
	pct := base + jitter
	switch {
	case base > 0 && pct < 0:
		return math.Abs(jitter)
	case base < 0 && pct > 0:
		return -math.Abs(jitter)
	}
	return pct
}

func lastKnown(pos *model.Position) decimal.Decimal {
	if pos.MarkPrice.IsPositive() {
		return pos.MarkPrice
	}
	return pos.EntryPrice
}

func modeOrLive(mode model.PricingMode) model.PricingMode {
	if mode == "" {
		return model.PricingModeLive
	}
	return mode
}
