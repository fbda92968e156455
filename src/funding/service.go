// Package funding runs deposit and withdrawal requests through their approval lifecycle and
// settles them against the cash balance.
package funding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"marginengine/src/balance"
	"marginengine/src/errs"
	"marginengine/src/model"
	"marginengine/src/notify"
	"marginengine/src/repository"
)

type DepositInput struct {
	AccountID   string
	Amount      decimal.Decimal
	Method      string
	ExternalRef string
	ProofPath   string
}

type Service struct {
	db       *gorm.DB
	balances *balance.Service
	notifier *notify.Dispatcher
	settings *Settings
	now      func() time.Time

	root context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	timers map[string]*LockTimer
}

func NewService(db *gorm.DB, balances *balance.Service, notifier *notify.Dispatcher, settings *Settings) *Service {
	if settings == nil {
		settings = DefaultSettings()
	}
	root, stop := context.WithCancel(context.Background())
	return &Service{
		db:       db,
		balances: balances,
		notifier: notifier,
		settings: settings,
		now:      time.Now,
		root:     root,
		stop:     stop,
		timers:   make(map[string]*LockTimer),
	}
}

func (s *Service) repo(db *gorm.DB) *repository.FundingRepository {
	return repository.NewFundingRepository().WithDB(db)
}

// ---------------------------------------------------
// Deposits
// ---------------------------------------------------

// CreateDeposit records a pending deposit and starts its lock countdown.
func (s *Service) CreateDeposit(ctx context.Context, in DepositInput) (*model.DepositRequest, error) {
	switch {
	case in.AccountID == "":
		return nil, fmt.Errorf("%w: account id is required", errs.ErrInvalidRequest)
	case in.Amount.LessThan(s.settings.MinDeposit) || !in.Amount.IsPositive():
		return nil, fmt.Errorf("%w: minimum deposit is %s %s", errs.ErrInvalidRequest, s.settings.MinDeposit, s.settings.Currency)
	case !s.settings.AcceptsMethod(in.Method):
		return nil, fmt.Errorf("%w: unsupported deposit method %q", errs.ErrInvalidRequest, in.Method)
	}

	dep := &model.DepositRequest{
		ID:          uuid.NewString(),
		AccountID:   in.AccountID,
		Amount:      in.Amount,
		Currency:    s.settings.Currency,
		Method:      strings.ToLower(strings.TrimSpace(in.Method)),
		ExternalRef: in.ExternalRef,
		ProofPath:   in.ProofPath,
		Status:      model.DepositStatusPending,
	}
	if err := s.repo(s.db).CreateDeposit(ctx, dep); err != nil {
		return nil, fmt.Errorf("funding: create deposit: %w", err)
	}

	s.startTimer(dep.ID, s.now())

	logger.WithFields(map[string]interface{}{
		"deposit_id": dep.ID,
		"account_id": dep.AccountID,
		"amount":     dep.Amount.String(),
		"method":     dep.Method,
	}).Info("deposit created")
	return dep, nil
}

// LockDeposit moves a pending deposit to locked and credits its amount to the account's
// locked sub-balance, in one transaction. The lock timer calls it.
func (s *Service) LockDeposit(ctx context.Context, depositID string) (*model.DepositRequest, error) {
	return s.decideDeposit(ctx, depositID, func(repo *repository.FundingRepository, acct *balance.Account, dep *model.DepositRequest) error {
		if dep.Status != model.DepositStatusPending {
			return errs.ErrInvalidFundingState
		}
		at := s.now()
		if err := s.transition(ctx, repo, dep, model.DepositStatusLocked, map[string]interface{}{"locked_at": at}); err != nil {
			return err
		}
		dep.LockedAt = &at
		return acct.CreditLocked(dep.Amount, dep.ID, "deposit lock")
	})
}

// ApproveDeposit makes the deposit spendable. A locked deposit has its provisional credit
// promoted; a pending one is credited directly.
func (s *Service) ApproveDeposit(ctx context.Context, depositID, decidedBy string) (*model.DepositRequest, error) {
	dep, err := s.decideDeposit(ctx, depositID, func(repo *repository.FundingRepository, acct *balance.Account, dep *model.DepositRequest) error {
		wasLocked := dep.Status == model.DepositStatusLocked
		if err := s.transition(ctx, repo, dep, model.DepositStatusApproved, s.decision(dep, decidedBy)); err != nil {
			return err
		}
		if wasLocked {
			return acct.PromoteLocked(dep.Amount, dep.ID, "deposit approved")
		}
		return acct.Credit(dep.Amount, model.TxDeposit, dep.ID, "deposit approved")
	})
	if err != nil {
		return nil, err
	}

	s.stopTimer(dep.ID)
	s.notify(notify.EventDepositApproved, dep.AccountID, "Deposit approved",
		fmt.Sprintf("Your deposit of %s %s has been credited.", dep.Amount.StringFixed(2), dep.Currency),
		map[string]interface{}{"deposit_id": dep.ID})
	return dep, nil
}

// RejectDeposit closes the deposit without credit, withdrawing any provisional credit.
func (s *Service) RejectDeposit(ctx context.Context, depositID, decidedBy string) (*model.DepositRequest, error) {
	dep, err := s.decideDeposit(ctx, depositID, func(repo *repository.FundingRepository, acct *balance.Account, dep *model.DepositRequest) error {
		wasLocked := dep.Status == model.DepositStatusLocked
		if err := s.transition(ctx, repo, dep, model.DepositStatusRejected, s.decision(dep, decidedBy)); err != nil {
			return err
		}
		if wasLocked {
			return acct.ReleaseLocked(dep.Amount, dep.ID, "deposit rejected")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.stopTimer(dep.ID)
	s.notify(notify.EventDepositRejected, dep.AccountID, "Deposit rejected",
		fmt.Sprintf("Your deposit of %s %s could not be confirmed.", dep.Amount.StringFixed(2), dep.Currency),
		map[string]interface{}{"deposit_id": dep.ID})
	return dep, nil
}

// CancelDeposit lets the owner back out of a pending deposit.
func (s *Service) CancelDeposit(ctx context.Context, depositID, accountID string) (*model.DepositRequest, error) {
	dep, err := s.repo(s.db).FindDeposit(ctx, depositID, false)
	if err != nil {
		return nil, fmt.Errorf("funding: load deposit: %w", err)
	}
	if dep == nil || dep.AccountID != accountID {
		return nil, errs.ErrNotFound
	}
	if dep.Status != model.DepositStatusPending {
		return nil, errs.ErrInvalidFundingState
	}

	ok, err := s.repo(s.db).TransitionDeposit(ctx, dep.ID, []string{model.DepositStatusPending}, model.DepositStatusCancelled, nil)
	if err != nil {
		return nil, fmt.Errorf("funding: cancel deposit: %w", err)
	}
	if !ok {
		return nil, errs.ErrInvalidFundingState
	}
	dep.Status = model.DepositStatusCancelled

	s.stopTimer(dep.ID)
	return dep, nil
}

// decideDeposit runs fn against the locked deposit row inside the owner's balance transaction.
func (s *Service) decideDeposit(ctx context.Context, depositID string, fn func(*repository.FundingRepository, *balance.Account, *model.DepositRequest) error) (*model.DepositRequest, error) {
	head, err := s.repo(s.db).FindDeposit(ctx, depositID, false)
	if err != nil {
		return nil, fmt.Errorf("funding: load deposit: %w", err)
	}
	if head == nil {
		return nil, errs.ErrNotFound
	}

	var dep *model.DepositRequest
	err = s.balances.WithAccount(ctx, head.AccountID, func(tx *gorm.DB, acct *balance.Account) error {
		repo := s.repo(tx)
		d, err := repo.FindDeposit(ctx, depositID, true)
		if err != nil {
			return fmt.Errorf("funding: lock deposit: %w", err)
		}
		if d == nil {
			return errs.ErrNotFound
		}
		if err := fn(repo, acct, d); err != nil {
			return err
		}
		dep = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

func (s *Service) transition(ctx context.Context, repo *repository.FundingRepository, dep *model.DepositRequest, to string, fields map[string]interface{}) error {
	var from []string
	switch to {
	case model.DepositStatusLocked:
		from = []string{model.DepositStatusPending}
	case model.DepositStatusApproved, model.DepositStatusRejected:
		from = []string{model.DepositStatusPending, model.DepositStatusLocked}
	}
	ok, err := repo.TransitionDeposit(ctx, dep.ID, from, to, fields)
	if err != nil {
		return fmt.Errorf("funding: deposit %s -> %s: %w", dep.ID, to, err)
	}
	if !ok {
		return errs.ErrInvalidFundingState
	}
	dep.Status = to
	return nil
}

func (s *Service) decision(dep *model.DepositRequest, decidedBy string) map[string]interface{} {
	at := s.now()
	dep.DecidedAt = &at
	dep.DecidedBy = decidedBy
	return map[string]interface{}{"decided_at": at, "decided_by": decidedBy}
}

// ---------------------------------------------------
// Withdrawals
// ---------------------------------------------------

// RequestWithdrawal records a pending withdrawal. The balance is checked again, and debited,
// only on approval.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal, destination string) (*model.WithdrawalRequest, error) {
	switch {
	case accountID == "":
		return nil, fmt.Errorf("%w: account id is required", errs.ErrInvalidRequest)
	case !amount.IsPositive() || amount.LessThan(s.settings.MinWithdrawal):
		return nil, fmt.Errorf("%w: minimum withdrawal is %s %s", errs.ErrInvalidRequest, s.settings.MinWithdrawal, s.settings.Currency)
	case strings.TrimSpace(destination) == "":
		return nil, fmt.Errorf("%w: destination is required", errs.ErrInvalidRequest)
	}

	bal, err := s.balances.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("funding: read balance: %w", err)
	}
	if bal.Amount.LessThan(amount) {
		return nil, errs.ErrInsufficientBalance
	}

	w := &model.WithdrawalRequest{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount,
		Currency:    s.settings.Currency,
		Destination: destination,
		Status:      model.WithdrawalStatusPending,
	}
	if err := s.repo(s.db).CreateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("funding: create withdrawal: %w", err)
	}
	return w, nil
}

func (s *Service) ApproveWithdrawal(ctx context.Context, withdrawalID, decidedBy string) (*model.WithdrawalRequest, error) {
	head, err := s.loadWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}

	var w *model.WithdrawalRequest
	err = s.balances.WithAccount(ctx, head.AccountID, func(tx *gorm.DB, acct *balance.Account) error {
		at := s.now()
		ok, err := s.repo(tx).TransitionWithdrawal(ctx, withdrawalID, model.WithdrawalStatusPending, model.WithdrawalStatusApproved,
			map[string]interface{}{"decided_at": at, "decided_by": decidedBy})
		if err != nil {
			return fmt.Errorf("funding: approve withdrawal: %w", err)
		}
		if !ok {
			return errs.ErrInvalidFundingState
		}
		if err := acct.Debit(head.Amount, model.TxWithdrawal, head.ID, "withdrawal approved"); err != nil {
			return err
		}
		approved := *head
		approved.Status = model.WithdrawalStatusApproved
		approved.DecidedAt = &at
		approved.DecidedBy = decidedBy
		w = &approved
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(notify.EventWithdrawalApproved, w.AccountID, "Withdrawal approved",
		fmt.Sprintf("Your withdrawal of %s %s is on its way.", w.Amount.StringFixed(2), w.Currency),
		map[string]interface{}{"withdrawal_id": w.ID})
	return w, nil
}

func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID, decidedBy string) (*model.WithdrawalRequest, error) {
	w, err := s.loadWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}

	at := s.now()
	ok, err := s.repo(s.db).TransitionWithdrawal(ctx, w.ID, model.WithdrawalStatusPending, model.WithdrawalStatusRejected,
		map[string]interface{}{"decided_at": at, "decided_by": decidedBy})
	if err != nil {
		return nil, fmt.Errorf("funding: reject withdrawal: %w", err)
	}
	if !ok {
		return nil, errs.ErrInvalidFundingState
	}
	w.Status = model.WithdrawalStatusRejected
	w.DecidedAt = &at
	w.DecidedBy = decidedBy

	s.notify(notify.EventWithdrawalRejected, w.AccountID, "Withdrawal rejected",
		fmt.Sprintf("Your withdrawal of %s %s was not approved.", w.Amount.StringFixed(2), w.Currency),
		map[string]interface{}{"withdrawal_id": w.ID})
	return w, nil
}

func (s *Service) loadWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, err := s.repo(s.db).FindWithdrawal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("funding: load withdrawal: %w", err)
	}
	if w == nil {
		return nil, errs.ErrNotFound
	}
	return w, nil
}

// ---------------------------------------------------
// Lock timers
// ---------------------------------------------------

// ResumeTimers restarts countdowns for deposits still pending inside their window.
func (s *Service) ResumeTimers(ctx context.Context) (int, error) {
	pending, err := s.repo(s.db).PendingDeposits(ctx, s.now().Add(-s.settings.LockWindow))
	if err != nil {
		return 0, fmt.Errorf("funding: list pending deposits: %w", err)
	}
	for _, dep := range pending {
		s.startTimer(dep.ID, dep.CreatedAt)
	}
	return len(pending), nil
}

// Remaining reports the countdown left on a deposit, if it still has a timer.
func (s *Service) Remaining(depositID string) (time.Duration, bool) {
	s.mu.Lock()
	timer, ok := s.timers[depositID]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return timer.Remaining(s.now()), true
}

// Stop cancels every running countdown.
func (s *Service) Stop() {
	s.stop()
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Cancel()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Service) startTimer(depositID string, startedAt time.Time) {
	timer := NewLockTimer(s.settings.LockWindow, s.settings.LockThreshold, func(ctx context.Context) {
		if _, err := s.LockDeposit(ctx, depositID); err != nil {
			logger.WithFields(map[string]interface{}{
				"deposit_id": depositID,
			}).WithError(err).Warn("deposit lock skipped")
			return
		}
		logger.WithField("deposit_id", depositID).Info("deposit locked after countdown")
	}, WithTimerClock(s.now), WithTickInterval(s.settings.LockTickInterval))

	s.mu.Lock()
	if old, ok := s.timers[depositID]; ok {
		old.Cancel()
	}
	s.timers[depositID] = timer
	s.mu.Unlock()

	if !timer.StartAt(s.root, startedAt) {
		return
	}

	go func() {
		<-timer.Done()
		s.mu.Lock()
		if s.timers[depositID] == timer {
			delete(s.timers, depositID)
		}
		s.mu.Unlock()
	}()
}

func (s *Service) stopTimer(depositID string) {
	s.mu.Lock()
	timer, ok := s.timers[depositID]
	delete(s.timers, depositID)
	s.mu.Unlock()
	if ok {
		timer.Cancel()
	}
}

func (s *Service) notify(event notify.Event, accountID, subject, body string, data map[string]interface{}) {
	s.notifier.Send(notify.Message{
		Event:     event,
		AccountID: accountID,
		Subject:   subject,
		Body:      body,
		Data:      data,
	})
}
