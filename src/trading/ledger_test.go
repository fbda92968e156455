package trading_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"marginengine/src/balance"
	"marginengine/src/database/dbtest"
	"marginengine/src/errs"
	"marginengine/src/marketdata"
	"marginengine/src/model"
	"marginengine/src/repository"
	"marginengine/src/trading"
)

// -----------------------------------------------------------------------------
// Test index
//   - TestOpenCloseMarginRoundTrip
//   - TestPnLSignConvention
//   - TestOpenRejectsInsufficientBalance
//   - TestOpenValidation
//   - TestOpenLiveUsesResolver
//   - TestCloseTwiceIsRejected
//   - TestRepriceOnlyWhileOpen
//   - TestStaleTickCannotOverwritePinnedPosition
//   - TestAdjustMarginSettlesDifference
//   - TestAdjustPnlTargetPinsEditedMode
//   - TestSetPricingModeLeavesEdited
//   - TestConcurrentOpensRespectSolvency
//   - TestRandomSequenceKeepsBalanceNonNegative
// -----------------------------------------------------------------------------

type fixture struct {
	db       *gorm.DB
	balances *balance.Service
	ledger   *trading.Ledger
	watcher  *recordingWatcher
}

func newFixture(t *testing.T, resolver trading.PriceResolver) fixture {
	t.Helper()
	db := dbtest.New(t)
	balances := balance.NewService(db, "")
	watcher := newRecordingWatcher()
	ledger := trading.NewLedger(db, balances, resolver, trading.Config{MaxLeverage: 50}, trading.WithWatcher(watcher))
	return fixture{db: db, balances: balances, ledger: ledger, watcher: watcher}
}

func (f fixture) fund(t *testing.T, account, amount string) {
	t.Helper()
	require.NoError(t, f.balances.Credit(context.Background(), account, dec(amount), model.TxDeposit, "seed", ""))
}

func (f fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	bal, err := f.balances.Get(context.Background(), account)
	require.NoError(t, err)
	return bal.Amount
}

func (f fixture) position(t *testing.T, id string) *model.Position {
	t.Helper()
	pos, err := repository.NewPositionRepository().WithDB(f.db).FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, pos)
	return pos
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func manualOpen(account string, side model.Side, usd string, leverage int, price string) trading.OpenRequest {
	return trading.OpenRequest{
		AccountID:   account,
		Symbol:      "BTC",
		Side:        side,
		USDAmount:   dec(usd),
		Leverage:    leverage,
		PriceMode:   model.PricingModeManual,
		ManualPrice: ptr(dec(price)),
	}
}

type recordingWatcher struct {
	mu           sync.Mutex
	subscribed   map[string]model.Position
	unsubscribed []string
}

func newRecordingWatcher() *recordingWatcher {
	return &recordingWatcher{subscribed: make(map[string]model.Position)}
}

func (w *recordingWatcher) Subscribe(pos model.Position) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribed[pos.ID] = pos
	return true
}

func (w *recordingWatcher) Unsubscribe(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subscribed, id)
	w.unsubscribed = append(w.unsubscribed, id)
}

func (w *recordingWatcher) snapshot(id string) (model.Position, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pos, ok := w.subscribed[id]
	return pos, ok
}

type stubResolver struct {
	quote marketdata.Quote
	err   error
}

func (s stubResolver) Resolve(ctx context.Context, symbol string) (marketdata.Quote, error) {
	q := s.quote
	q.Symbol = symbol
	return q, s.err
}

func TestOpenCloseMarginRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "1000")

	pos, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "1000", 10, "64250"))
	require.NoError(t, err)
	assert.True(t, pos.Margin.Equal(dec("100")), "margin %s", pos.Margin)
	assert.True(t, f.balance(t, "acct").Equal(dec("900")))
	assert.Equal(t, model.PositionStatusOpen, pos.Status)

	closed, err := f.ledger.Close(ctx, pos.ID, nil, "trader")
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnl.IsZero(), "pnl %s", closed.RealizedPnl)
	assert.True(t, f.balance(t, "acct").Equal(dec("1000")))

	stored := f.position(t, pos.ID)
	assert.Equal(t, model.PositionStatusClosed, stored.Status)
	assert.Equal(t, "trader", stored.ClosedBy)
	require.NotNil(t, stored.ClosedAt)

	entries, err := repository.NewTransactionRepository().WithDB(f.db).ListByReference(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, watching := f.watcher.snapshot(pos.ID)
	assert.False(t, watching)
}

func TestPnLSignConvention(t *testing.T) {
	cases := []struct {
		side        model.Side
		wantPnl     string
		wantBalance string
	}{
		// 200 USD at 100 is quantity 2; leverage 5 reserves 40.
		{model.SideLong, "100", "1100"},
		// margin + pnl = -60 pays out nothing.
		{model.SideShort, "-100", "960"},
	}
	for _, tc := range cases {
		t.Run(string(tc.side), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			f.fund(t, "acct", "1000")

			pos, err := f.ledger.Open(ctx, manualOpen("acct", tc.side, "200", 5, "100"))
			require.NoError(t, err)
			require.True(t, pos.Quantity.Equal(dec("2")))

			closed, err := f.ledger.Close(ctx, pos.ID, ptr(dec("110")), "admin")
			require.NoError(t, err)
			assert.True(t, closed.RealizedPnl.Equal(dec(tc.wantPnl)), "pnl %s", closed.RealizedPnl)
			assert.True(t, f.balance(t, "acct").Equal(dec(tc.wantBalance)), "balance %s", f.balance(t, "acct"))

			entries, err := repository.NewTransactionRepository().WithDB(f.db).ListByReference(ctx, pos.ID)
			require.NoError(t, err)
			require.Len(t, entries, 2, "close must be recorded even with no payout")
		})
	}
}

func TestOpenRejectsInsufficientBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "99.99")

	_, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "1000", 10, "100"))
	require.ErrorIs(t, err, errs.ErrInsufficientBalance)
	assert.True(t, f.balance(t, "acct").Equal(dec("99.99")))

	open, err := repository.NewPositionRepository().WithDB(f.db).ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOpenValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "1000")

	bad := []trading.OpenRequest{
		manualOpen("", model.SideLong, "100", 1, "10"),
		manualOpen("acct", "sideways", "100", 1, "10"),
		manualOpen("acct", model.SideLong, "0", 1, "10"),
		manualOpen("acct", model.SideLong, "100", 0, "10"),
		manualOpen("acct", model.SideLong, "100", 51, "10"),
		manualOpen("acct", model.SideLong, "100", 1, "-1"),
		{AccountID: "acct", Symbol: "BTC", Side: model.SideLong, USDAmount: dec("100"), Leverage: 1, PriceMode: model.PricingModeManual},
		{AccountID: "acct", Symbol: "BTC", Side: model.SideLong, USDAmount: dec("100"), Leverage: 1, PriceMode: model.PricingModeEdited},
	}
	for i, req := range bad {
		_, err := f.ledger.Open(ctx, req)
		require.ErrorIs(t, err, errs.ErrInvalidRequest, "case %d", i)
	}
	assert.True(t, f.balance(t, "acct").Equal(dec("1000")))
}

func TestOpenLiveUsesResolver(t *testing.T) {
	resolver := stubResolver{quote: marketdata.Quote{Price: dec("250"), Source: marketdata.SourceFallback}}
	f := newFixture(t, resolver)
	ctx := context.Background()
	f.fund(t, "acct", "100")

	pos, err := f.ledger.Open(ctx, trading.OpenRequest{
		AccountID: "acct",
		Symbol:    "eth/usdt",
		Side:      model.SideShort,
		USDAmount: dec("500"),
		Leverage:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, "ETH", pos.Symbol)
	assert.Equal(t, model.PricingModeLive, pos.PricingMode)
	assert.True(t, pos.EntryPrice.Equal(dec("250")))
	assert.True(t, pos.Quantity.Equal(dec("2")))

	watched, ok := f.watcher.snapshot(pos.ID)
	require.True(t, ok)
	assert.Equal(t, pos.ID, watched.ID)

	failing := newFixture(t, stubResolver{err: context.Canceled})
	failing.fund(t, "acct", "100")
	_, err = failing.ledger.Open(ctx, trading.OpenRequest{
		AccountID: "acct", Symbol: "ETH", Side: model.SideLong, USDAmount: dec("10"), Leverage: 1,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, failing.balance(t, "acct").Equal(dec("100")))
}

func TestCloseTwiceIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "100")

	pos, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "100", 2, "10"))
	require.NoError(t, err)

	_, err = f.ledger.Close(ctx, pos.ID, nil, "trader")
	require.NoError(t, err)
	before := f.balance(t, "acct")

	_, err = f.ledger.Close(ctx, pos.ID, nil, "trader")
	require.ErrorIs(t, err, errs.ErrInvalidPositionState)
	assert.True(t, f.balance(t, "acct").Equal(before), "second close paid out again")

	_, err = f.ledger.Close(ctx, "missing", nil, "trader")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRepriceOnlyWhileOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "1000")

	// Quantity 10 at 10x: one price unit is 100 PnL.
	pos, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "1000", 10, "100"))
	require.NoError(t, err)

	updated, err := f.ledger.Reprice(ctx, pos.ID, dec("101.5"))
	require.NoError(t, err)
	assert.True(t, updated.Pnl.Equal(dec("150")), "pnl %s", updated.Pnl)

	stored := f.position(t, pos.ID)
	assert.True(t, stored.MarkPrice.Equal(dec("101.5")))
	assert.True(t, f.balance(t, "acct").Equal(dec("900")), "reprice must not move money")

	_, err = f.ledger.Reprice(ctx, pos.ID, decimal.Zero)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	_, err = f.ledger.Close(ctx, pos.ID, nil, "trader")
	require.NoError(t, err)
	assert.True(t, f.balance(t, "acct").Equal(dec("1150")))

	_, err = f.ledger.Reprice(ctx, pos.ID, dec("99"))
	require.ErrorIs(t, err, errs.ErrInvalidPositionState)
	assert.True(t, f.position(t, pos.ID).MarkPrice.Equal(dec("101.5")))
}

func TestStaleTickCannotOverwritePinnedPosition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "1000")

	pos, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "1000", 10, "100"))
	require.NoError(t, err)

	// A tick read the row while it was still manual...
	stale := f.position(t, pos.ID)
	require.Equal(t, model.PricingModeManual, stale.PricingMode)

	// ...then the admin pinned it before the tick wrote.
	_, err = f.ledger.AdjustPnlTarget(ctx, pos.ID, dec("20"))
	require.NoError(t, err)

	repo := repository.NewPositionRepository().WithDB(f.db)
	ok, err := repo.UpdateMark(ctx, pos.ID, dec("90"), stale.PnLAt(dec("90")))
	require.NoError(t, err)
	assert.False(t, ok, "tick write accepted on an edited position")

	stored := f.position(t, pos.ID)
	assert.Equal(t, model.PricingModeEdited, stored.PricingMode)
	require.NotNil(t, stored.EditedPnl)
	assert.True(t, stored.EditedPnl.Equal(dec("20")))
	assert.True(t, stored.Pnl.Equal(dec("20")), "pnl %s", stored.Pnl)
	assert.True(t, stored.MarkPrice.Equal(dec("100.2")), "mark %s", stored.MarkPrice)

	// The ledger path reports the pinned row back to the pricing loop.
	same, err := f.ledger.Reprice(ctx, pos.ID, dec("90"))
	require.NoError(t, err)
	assert.Equal(t, model.PricingModeEdited, same.PricingMode)
	assert.True(t, same.Pnl.Equal(dec("20")))
}

func TestAdjustMarginSettlesDifference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "1000")

	pos, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "1000", 10, "100"))
	require.NoError(t, err)
	require.True(t, f.balance(t, "acct").Equal(dec("900")))

	// 20 * 100 / 10 = 200: the extra 100 is debited.
	adjusted, err := f.ledger.AdjustMargin(ctx, pos.ID, dec("20"), dec("100"))
	require.NoError(t, err)
	assert.True(t, adjusted.Margin.Equal(dec("200")))
	assert.True(t, f.balance(t, "acct").Equal(dec("800")))

	// 2000 more than the balance holds.
	_, err = f.ledger.AdjustMargin(ctx, pos.ID, dec("200"), dec("110"))
	require.ErrorIs(t, err, errs.ErrInsufficientBalance)
	stored := f.position(t, pos.ID)
	assert.True(t, stored.Quantity.Equal(dec("20")), "rejected adjust leaked quantity %s", stored.Quantity)
	assert.True(t, stored.Margin.Equal(dec("200")))
	assert.True(t, f.balance(t, "acct").Equal(dec("800")))

	// Decreases are credited unconditionally.
	adjusted, err = f.ledger.AdjustMargin(ctx, pos.ID, dec("5"), dec("100"))
	require.NoError(t, err)
	assert.True(t, adjusted.Margin.Equal(dec("50")))
	assert.True(t, f.balance(t, "acct").Equal(dec("950")))

	_, err = f.ledger.AdjustMargin(ctx, pos.ID, decimal.Zero, dec("100"))
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestAdjustPnlTargetPinsEditedMode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "1000")

	pos, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "1000", 10, "100"))
	require.NoError(t, err)

	pinned, err := f.ledger.AdjustPnlTarget(ctx, pos.ID, dec("20"))
	require.NoError(t, err)
	assert.Equal(t, model.PricingModeEdited, pinned.PricingMode)
	require.NotNil(t, pinned.EditedPnl)
	assert.True(t, pinned.EditedPnl.Equal(dec("20")))
	assert.True(t, pinned.MarkPrice.Equal(dec("100.2")), "mark %s", pinned.MarkPrice)

	watched, ok := f.watcher.snapshot(pos.ID)
	require.True(t, ok)
	assert.Equal(t, model.PricingModeEdited, watched.PricingMode)

	// A live tick arriving after the edit leaves the pinned base alone.
	same, err := f.ledger.Reprice(ctx, pos.ID, dec("150"))
	require.NoError(t, err)
	assert.True(t, same.MarkPrice.Equal(dec("100.2")))
	assert.True(t, f.position(t, pos.ID).MarkPrice.Equal(dec("100.2")))

	closed, err := f.ledger.Close(ctx, pos.ID, nil, "admin")
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnl.Equal(dec("20")))
	assert.True(t, f.balance(t, "acct").Equal(dec("1020")))
}

func TestSetPricingModeLeavesEdited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "1000")

	pos, err := f.ledger.Open(ctx, manualOpen("acct", model.SideShort, "1000", 10, "100"))
	require.NoError(t, err)
	_, err = f.ledger.AdjustPnlTarget(ctx, pos.ID, dec("-10"))
	require.NoError(t, err)

	live, err := f.ledger.SetPricingMode(ctx, pos.ID, model.PricingModeLive)
	require.NoError(t, err)
	assert.Nil(t, live.EditedPnl)

	stored := f.position(t, pos.ID)
	assert.Equal(t, model.PricingModeLive, stored.PricingMode)
	assert.Nil(t, stored.EditedPnl)

	_, err = f.ledger.SetPricingMode(ctx, pos.ID, model.PricingModeEdited)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestConcurrentOpensRespectSolvency(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "100")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Open(ctx, manualOpen("acct", model.SideLong, "100", 10, "50"))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, errs.ErrInsufficientBalance)
		}()
	}
	wg.Wait()

	require.Equal(t, 10, accepted)
	assert.True(t, f.balance(t, "acct").IsZero())
}

func TestRandomSequenceKeepsBalanceNonNegative(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "acct", "500")
	rnd := rand.New(rand.NewSource(42))

	var open []string
	for i := 0; i < 150; i++ {
		var err error
		switch op := rnd.Intn(3); {
		case op == 0 || len(open) == 0:
			leverage := 1 + rnd.Intn(10)
			usd := decimal.NewFromInt(int64(leverage * (1 + rnd.Intn(40))))
			price := decimal.NewFromInt(int64(50 + rnd.Intn(100)))
			var pos *model.Position
			pos, err = f.ledger.Open(ctx, trading.OpenRequest{
				AccountID: "acct", Symbol: "BTC", Side: []model.Side{model.SideLong, model.SideShort}[rnd.Intn(2)],
				USDAmount: usd, Leverage: leverage, PriceMode: model.PricingModeManual, ManualPrice: &price,
			})
			if err == nil {
				open = append(open, pos.ID)
			}
		case op == 1:
			idx := rnd.Intn(len(open))
			price := decimal.NewFromInt(int64(40 + rnd.Intn(120)))
			_, err = f.ledger.Close(ctx, open[idx], &price, "trader")
			open = append(open[:idx], open[idx+1:]...)
		default:
			qty := decimal.NewFromInt(int64(1 + rnd.Intn(5)))
			entry := decimal.NewFromInt(int64(50 + rnd.Intn(100)))
			_, err = f.ledger.AdjustMargin(ctx, open[rnd.Intn(len(open))], qty, entry)
		}
		if err != nil && !errors.Is(err, errs.ErrInsufficientBalance) {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}

		bal := f.balance(t, "acct")
		require.False(t, bal.IsNegative(), "step %d left balance %s", i, bal)
	}
}
