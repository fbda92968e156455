package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"marginengine/src/errs"
	"marginengine/src/model"
)

// Repricer persists a live or manual tick. trading.Ledger implements it.
type Repricer interface {
	Reprice(ctx context.Context, positionID string, mark decimal.Decimal) (*model.Position, error)
}

// Publisher fans ticks out to listeners. It must not block.
type Publisher interface {
	Publish(t Tick)
}

// ErrorReporter records failures on the pricing path. controller.Capturer implements it.
type ErrorReporter interface {
	Report(ctx context.Context, module, method string, err error, data map[string]interface{})
}

// Engine runs one tick loop per subscribed position.
type Engine struct {
	session   *Session
	repricer  Repricer
	publisher Publisher
	reporter  ErrorReporter
	interval  time.Duration
	budget    time.Duration

	mu      sync.Mutex
	subs    map[string]*subscription
	stopped bool
	wg      sync.WaitGroup
}

type subscription struct {
	cancel context.CancelFunc

	mu  sync.Mutex
	pos model.Position
	// gen counts external replacements. A tick only writes back into the generation it read.
	gen uint64
}

func (s *subscription) snapshot() (model.Position, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.gen
}

func (s *subscription) replace(pos model.Position) {
	s.mu.Lock()
	s.pos = pos
	s.gen++
	s.mu.Unlock()
}

// applyTick stores the repriced row unless the snapshot was replaced after gen was read.
func (s *subscription) applyTick(gen uint64, pos model.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.pos = pos
	return true
}

func (s *subscription) setMark(gen uint64, mark, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.pos.MarkPrice = mark
	s.pos.Pnl = pnl
}

type EngineOption func(*Engine)

func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

func WithErrorReporter(r ErrorReporter) EngineOption {
	return func(e *Engine) { e.reporter = r }
}

func NewEngine(session *Session, repricer Repricer, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		session:  session,
		repricer: repricer,
		interval: cfg.TickInterval,
		budget:   cfg.TickBudget,
		subs:     make(map[string]*subscription),
	}
	if e.interval <= 0 {
		e.interval = time.Second
	}
	if e.budget <= 0 {
		e.budget = 4 * time.Second
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe starts ticking pos. Subscribing a position that is already running replaces its
// snapshot, which is how pricing mode edits reach the loop.
func (e *Engine) Subscribe(pos model.Position) bool {
	if !pos.IsOpen() {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if sub, ok := e.subs[pos.ID]; ok {
		sub.replace(pos)
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, pos: pos}
	e.subs[pos.ID] = sub

	e.wg.Add(1)
	go e.run(ctx, sub)

	logger.WithFields(map[string]interface{}{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"mode":        pos.PricingMode,
	}).Debug("pricing subscribed")
	return true
}

// Unsubscribe stops the loop of positionID. A tick in flight is discarded.
func (e *Engine) Unsubscribe(positionID string) {
	e.mu.Lock()
	sub, ok := e.subs[positionID]
	delete(e.subs, positionID)
	e.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// drop removes sub only if it is still the registered loop for positionID.
func (e *Engine) drop(positionID string, sub *subscription) {
	e.mu.Lock()
	if e.subs[positionID] == sub {
		delete(e.subs, positionID)
	}
	e.mu.Unlock()
	sub.cancel()
}

// Sync makes the subscription set equal to open.
func (e *Engine) Sync(open []model.Position) {
	keep := make(map[string]bool, len(open))
	for _, pos := range open {
		if e.Subscribe(pos) {
			keep[pos.ID] = true
		}
	}

	e.mu.Lock()
	var drop []string
	for id := range e.subs {
		if !keep[id] {
			drop = append(drop, id)
		}
	}
	e.mu.Unlock()

	for _, id := range drop {
		e.Unsubscribe(id)
	}
}

// Subscribed lists the position ids currently ticking.
func (e *Engine) Subscribed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels every loop and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	subs := e.subs
	e.subs = make(map[string]*subscription)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, sub *subscription) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.tick(ctx, sub)

		// A slow tick skips the ticks it overlapped instead of running them back to back.
		select {
		case <-ticker.C:
		default:
		}
	}
}

func (e *Engine) tick(ctx context.Context, sub *subscription) {
	tctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	pos, gen := sub.snapshot()
	t := e.session.Next(tctx, &pos)
	if ctx.Err() != nil {
		return
	}

	if t.Persist && e.repricer != nil {
		// The quote may have used the whole budget; the write gets its own.
		pctx, pcancel := context.WithTimeout(ctx, e.budget)
		defer pcancel()
		updated, err := e.repricer.Reprice(pctx, pos.ID, t.Mark)
		switch {
		case err == nil:
			sub.applyTick(gen, *updated)
		case errors.Is(err, errs.ErrInvalidPositionState), errors.Is(err, errs.ErrNotFound):
			// Closed underneath us.
			e.drop(pos.ID, sub)
			return
		default:
			if ctx.Err() != nil {
				return
			}
			e.report(pctx, pos, err)
			sub.setMark(gen, t.Mark, t.Pnl)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if e.publisher != nil {
		e.publisher.Publish(t)
	}
}

func (e *Engine) report(ctx context.Context, pos model.Position, err error) {
	data := map[string]interface{}{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
	}
	if e.reporter != nil {
		e.reporter.Report(context.WithoutCancel(ctx), "pricing_engine", "Reprice", err, data)
		return
	}
	logger.WithFields(data).WithError(err).Error("failed to persist tick")
}
