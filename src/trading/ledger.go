// Package trading owns the position lifecycle. Every operation that moves money runs inside
// balance.Service.WithAccount, so the position write and the balance write commit together.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"marginengine/src/balance"
	"marginengine/src/errs"
	"marginengine/src/marketdata"
	"marginengine/src/model"
	"marginengine/src/repository"
)

const quantityScale = 18

// PriceResolver supplies the execution price for live opens. marketdata.Resolver implements it.
type PriceResolver interface {
	Resolve(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// Watcher is told about positions that start, change or stop needing price ticks.
// pricing.Engine implements it.
type Watcher interface {
	Subscribe(pos model.Position) bool
	Unsubscribe(positionID string)
}

type OpenRequest struct {
	AccountID string
	Symbol    string
	Side      model.Side
	USDAmount decimal.Decimal
	Leverage  int
	PriceMode model.PricingMode
	// ManualPrice is required when PriceMode is manual and ignored otherwise.
	ManualPrice *decimal.Decimal
}

type Ledger struct {
	db       *gorm.DB
	balances *balance.Service
	resolver PriceResolver
	watcher  Watcher
	cfg      Config
	now      func() time.Time
}

type Option func(*Ledger)

func WithWatcher(w Watcher) Option {
	return func(l *Ledger) { l.watcher = w }
}

func NewLedger(db *gorm.DB, balances *balance.Service, resolver PriceResolver, cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		db:       db,
		balances: balances,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
	}
	if l.cfg.MaxLeverage <= 0 {
		l.cfg.MaxLeverage = 100
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetWatcher attaches w after construction, for the engine that itself needs the ledger.
func (l *Ledger) SetWatcher(w Watcher) {
	l.watcher = w
}

func (l *Ledger) positions(db *gorm.DB) *repository.PositionRepository {
	return repository.NewPositionRepository().WithDB(db)
}

// Open reserves margin = usd/leverage from the account and inserts the position.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*model.Position, error) {
	if err := l.validateOpen(req); err != nil {
		return nil, err
	}

	symbol := marketdata.CanonicalSymbol(req.Symbol)
	mode := req.PriceMode
	if mode == "" {
		mode = model.PricingModeLive
	}

	price, source, err := l.executionPrice(ctx, symbol, mode, req.ManualPrice)
	if err != nil {
		return nil, err
	}

	now := l.now()
	pos := model.Position{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		Symbol:      symbol,
		Side:        req.Side,
		Quantity:    req.USDAmount.DivRound(price, quantityScale),
		Leverage:    req.Leverage,
		Margin:      req.USDAmount.DivRound(decimal.NewFromInt(int64(req.Leverage)), quantityScale),
		EntryPrice:  price,
		MarkPrice:   price,
		Pnl:         decimal.Zero,
		PricingMode: mode,
		Status:      model.PositionStatusOpen,
		OpenedAt:    now,
	}

	err = l.balances.WithAccount(ctx, req.AccountID, func(tx *gorm.DB, acct *balance.Account) error {
		note := fmt.Sprintf("open %s %s x%d", pos.Side, pos.Symbol, pos.Leverage)
		if err := acct.Debit(pos.Margin, model.TxPositionOpen, pos.ID, note); err != nil {
			return err
		}
		return l.positions(tx).Create(ctx, &pos)
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"position_id":  pos.ID,
		"account_id":   pos.AccountID,
		"symbol":       pos.Symbol,
		"side":         pos.Side,
		"entry":        pos.EntryPrice.String(),
		"margin":       pos.Margin.String(),
		"price_source": source,
	}).Info("position opened")

	if l.watcher != nil {
		l.watcher.Subscribe(pos)
	}
	return &pos, nil
}

func (l *Ledger) validateOpen(req OpenRequest) error {
	switch {
	case req.AccountID == "":
		return fmt.Errorf("%w: account id is required", errs.ErrInvalidRequest)
	case req.Symbol == "":
		return fmt.Errorf("%w: symbol is required", errs.ErrInvalidRequest)
	case req.Side != model.SideLong && req.Side != model.SideShort:
		return fmt.Errorf("%w: unknown side %q", errs.ErrInvalidRequest, req.Side)
	case !req.USDAmount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidRequest)
	case req.Leverage < 1 || req.Leverage > l.cfg.MaxLeverage:
		return fmt.Errorf("%w: leverage must be between 1 and %d", errs.ErrInvalidRequest, l.cfg.MaxLeverage)
	}
	return nil
}

func (l *Ledger) executionPrice(ctx context.Context, symbol string, mode model.PricingMode, manual *decimal.Decimal) (decimal.Decimal, marketdata.Source, error) {
	switch mode {
	case model.PricingModeManual:
		if manual == nil || !manual.IsPositive() {
			return decimal.Zero, "", fmt.Errorf("%w: manual price must be positive", errs.ErrInvalidRequest)
		}
		return *manual, "manual", nil
	case model.PricingModeLive:
		if l.resolver == nil {
			return decimal.Zero, "", fmt.Errorf("trading: no price source for %s", symbol)
		}
		q, err := l.resolver.Resolve(ctx, symbol)
		if err != nil {
			return decimal.Zero, "", fmt.Errorf("trading: price %s: %w", symbol, err)
		}
		if !q.Price.IsPositive() {
			return decimal.Zero, "", fmt.Errorf("%w: no price for %s", errs.ErrInvalidRequest, symbol)
		}
		return q.Price, q.Source, nil
	default:
		return decimal.Zero, "", fmt.Errorf("%w: positions open in live or manual mode", errs.ErrInvalidRequest)
	}
}

// Reprice stores a new mark and PnL for an open position. It moves no money. The row is
// locked for the read and the write, so a tick cannot land between an admin edit and its
// commit. Positions in edited mode are returned unchanged.
func (l *Ledger) Reprice(ctx context.Context, positionID string, mark decimal.Decimal) (*model.Position, error) {
	if !mark.IsPositive() {
		return nil, fmt.Errorf("%w: mark must be positive", errs.ErrInvalidRequest)
	}

	var out *model.Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := l.positions(tx)
		pos, err := l.loadForUpdate(ctx, repo, positionID)
		if err != nil {
			return err
		}
		if pos.PricingMode == model.PricingModeEdited {
			out = pos
			return nil
		}

		pnl := pos.PnLAt(mark)
		ok, err := repo.UpdateMark(ctx, positionID, mark, pnl)
		if err != nil {
			return fmt.Errorf("trading: reprice %s: %w", positionID, err)
		}
		if !ok {
			// Pinned or closed since the read: report the stored row as it is.
			current, err := l.load(ctx, repo, positionID)
			if err != nil {
				return err
			}
			out = current
			return nil
		}

		pos.MarkPrice = mark
		pos.Pnl = pnl
		out = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close settles the position at closePrice, or at its current mark when closePrice is nil.
// The account gets back margin + PnL, floored at zero.
func (l *Ledger) Close(ctx context.Context, positionID string, closePrice *decimal.Decimal, closedBy string) (*model.Position, error) {
	if closePrice != nil && !closePrice.IsPositive() {
		return nil, fmt.Errorf("%w: close price must be positive", errs.ErrInvalidRequest)
	}

	head, err := l.load(ctx, l.positions(l.db), positionID)
	if err != nil {
		return nil, err
	}

	var closed *model.Position
	err = l.balances.WithAccount(ctx, head.AccountID, func(tx *gorm.DB, acct *balance.Account) error {
		repo := l.positions(tx)
		pos, err := l.loadForUpdate(ctx, repo, positionID)
		if err != nil {
			return err
		}

		var price, pnl decimal.Decimal
		switch {
		case closePrice != nil:
			price = *closePrice
			pnl = pos.PnLAt(price)
		case pos.PricingMode == model.PricingModeEdited && pos.EditedPnl != nil:
			// Settle at the pinned base. Its implied mark can be negative for deep losses.
			pnl = *pos.EditedPnl
			price = pos.MarkForPnL(pnl)
		default:
			price = pos.MarkPrice
			if !price.IsPositive() {
				price = pos.EntryPrice
			}
			pnl = pos.PnLAt(price)
		}
		at := l.now()

		ok, err := repo.MarkClosed(ctx, pos.ID, price, pnl, at, closedBy)
		if err != nil {
			return fmt.Errorf("trading: close %s: %w", pos.ID, err)
		}
		if !ok {
			return errs.ErrInvalidPositionState
		}

		note := fmt.Sprintf("close %s %s pnl %s", pos.Side, pos.Symbol, pnl.StringFixed(2))
		payout := decimal.Max(decimal.Zero, pos.Margin.Add(pnl))
		if payout.IsPositive() {
			err = acct.Credit(payout, model.TxPositionClose, pos.ID, note)
		} else {
			err = acct.Record(model.TxPositionClose, pos.ID, note)
		}
		if err != nil {
			return err
		}

		pos.Status = model.PositionStatusClosed
		pos.ClosePrice = &price
		pos.MarkPrice = price
		pos.Pnl = pnl
		pos.RealizedPnl = &pnl
		pos.ClosedAt = &at
		pos.ClosedBy = closedBy
		closed = pos
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"position_id": closed.ID,
		"account_id":  closed.AccountID,
		"close_price": closed.ClosePrice.String(),
		"pnl":         closed.Pnl.String(),
		"closed_by":   closedBy,
	}).Info("position closed")

	if l.watcher != nil {
		l.watcher.Unsubscribe(closed.ID)
	}
	return closed, nil
}

// AdjustMargin rewrites quantity and entry of an open position. The margin it implies is
// settled against the balance by difference: increases are debited under the solvency
// check, decreases are credited.
func (l *Ledger) AdjustMargin(ctx context.Context, positionID string, newQuantity, newEntryPrice decimal.Decimal) (*model.Position, error) {
	if !newQuantity.IsPositive() || !newEntryPrice.IsPositive() {
		return nil, fmt.Errorf("%w: quantity and entry price must be positive", errs.ErrInvalidRequest)
	}

	head, err := l.load(ctx, l.positions(l.db), positionID)
	if err != nil {
		return nil, err
	}

	var adjusted *model.Position
	err = l.balances.WithAccount(ctx, head.AccountID, func(tx *gorm.DB, acct *balance.Account) error {
		repo := l.positions(tx)
		pos, err := l.loadForUpdate(ctx, repo, positionID)
		if err != nil {
			return err
		}

		margin := newQuantity.Mul(newEntryPrice).DivRound(decimal.NewFromInt(int64(pos.Leverage)), quantityScale)
		diff := margin.Sub(pos.Margin)
		note := fmt.Sprintf("margin %s -> %s", pos.Margin.StringFixed(2), margin.StringFixed(2))
		switch {
		case diff.IsPositive():
			err = acct.Debit(diff, model.TxMarginAdjust, pos.ID, note)
		case diff.IsNegative():
			err = acct.Credit(diff.Neg(), model.TxMarginAdjust, pos.ID, note)
		}
		if err != nil {
			return err
		}

		var pinnedPct *decimal.Decimal
		if pos.PricingMode == model.PricingModeEdited && pos.EditedPnl != nil {
			pct := pos.PnLPercent(*pos.EditedPnl)
			pinnedPct = &pct
		}

		pos.Quantity = newQuantity
		pos.EntryPrice = newEntryPrice
		pos.Margin = margin
		mark := pos.MarkPrice
		if !mark.IsPositive() {
			mark = newEntryPrice
		}
		pos.Pnl = pos.PnLAt(mark)

		fields := map[string]interface{}{
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
			"margin":      pos.Margin,
			"pnl":         pos.Pnl,
		}
		if pinnedPct != nil {
			// Keep the pinned percentage, expressed against the new margin and entry.
			edited := pos.PnLForPercent(*pinnedPct)
			pos.EditedPnl = &edited
			pos.Pnl = edited
			pos.MarkPrice = pos.MarkForPnL(edited)
			fields["edited_pnl"] = edited
			fields["pnl"] = edited
			fields["mark_price"] = pos.MarkPrice
		}

		ok, err := repo.UpdateOpenFields(ctx, pos.ID, fields)
		if err != nil {
			return fmt.Errorf("trading: adjust margin %s: %w", pos.ID, err)
		}
		if !ok {
			return errs.ErrInvalidPositionState
		}
		adjusted = pos
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.resubscribe(adjusted)
	return adjusted, nil
}

// AdjustPnlTarget pins the position at targetPnlPercent of its margin. The position switches
// to edited mode and the implied mark becomes its durable base.
func (l *Ledger) AdjustPnlTarget(ctx context.Context, positionID string, targetPnlPercent decimal.Decimal) (*model.Position, error) {
	repo := l.positions(l.db)
	pos, err := l.load(ctx, repo, positionID)
	if err != nil {
		return nil, err
	}

	pnl := pos.PnLForPercent(targetPnlPercent)
	mark := pos.MarkForPnL(pnl)

	ok, err := repo.UpdateOpenFields(ctx, pos.ID, map[string]interface{}{
		"pricing_mode": model.PricingModeEdited,
		"edited_pnl":   pnl,
		"pnl":          pnl,
		"mark_price":   mark,
	})
	if err != nil {
		return nil, fmt.Errorf("trading: adjust pnl %s: %w", pos.ID, err)
	}
	if !ok {
		return nil, errs.ErrInvalidPositionState
	}

	pos.PricingMode = model.PricingModeEdited
	pos.EditedPnl = &pnl
	pos.Pnl = pnl
	pos.MarkPrice = mark

	logger.WithFields(map[string]interface{}{
		"position_id": pos.ID,
		"target_pct":  targetPnlPercent.String(),
		"mark":        mark.String(),
	}).Info("position pnl pinned")

	l.resubscribe(pos)
	return pos, nil
}

// SetPricingMode moves an open position to live or manual pricing. Leaving edited mode
// drops the pinned PnL.
func (l *Ledger) SetPricingMode(ctx context.Context, positionID string, mode model.PricingMode) (*model.Position, error) {
	if mode != model.PricingModeLive && mode != model.PricingModeManual {
		return nil, fmt.Errorf("%w: use AdjustPnlTarget to enter edited mode", errs.ErrInvalidRequest)
	}

	repo := l.positions(l.db)
	pos, err := l.load(ctx, repo, positionID)
	if err != nil {
		return nil, err
	}

	ok, err := repo.UpdateOpenFields(ctx, pos.ID, map[string]interface{}{
		"pricing_mode": mode,
		"edited_pnl":   nil,
	})
	if err != nil {
		return nil, fmt.Errorf("trading: set mode %s: %w", pos.ID, err)
	}
	if !ok {
		return nil, errs.ErrInvalidPositionState
	}

	pos.PricingMode = mode
	pos.EditedPnl = nil
	l.resubscribe(pos)
	return pos, nil
}

func (l *Ledger) resubscribe(pos *model.Position) {
	if l.watcher != nil && pos != nil {
		l.watcher.Subscribe(*pos)
	}
}

func (l *Ledger) load(ctx context.Context, repo *repository.PositionRepository, id string) (*model.Position, error) {
	return l.checkOpen(repo.FindByID(ctx, id))
}

func (l *Ledger) loadForUpdate(ctx context.Context, repo *repository.PositionRepository, id string) (*model.Position, error) {
	return l.checkOpen(repo.FindByIDForUpdate(ctx, id))
}

func (l *Ledger) checkOpen(pos *model.Position, err error) (*model.Position, error) {
	switch {
	case err != nil:
		return nil, fmt.Errorf("trading: load position: %w", err)
	case pos == nil:
		return nil, errs.ErrNotFound
	case !pos.IsOpen():
		return nil, errs.ErrInvalidPositionState
	}
	return pos, nil
}
