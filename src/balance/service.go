// Package balance owns every cash balance mutation. Each one runs as a single critical
// section per account: the account lock, then a database transaction, then a row lock.
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"marginengine/src/errs"
	"marginengine/src/model"
	"marginengine/src/repository"
)

type Service struct {
	db       *gorm.DB
	locks    *AccountLocks
	currency string
	now      func() time.Time
}

func NewService(db *gorm.DB, currency string) *Service {
	if currency == "" {
		currency = model.DefaultSettlementCurrency
	}
	return &Service{
		db:       db,
		locks:    NewAccountLocks(),
		currency: currency,
		now:      time.Now,
	}
}

func (s *Service) Currency() string {
	return s.currency
}

// WithAccount runs fn as one unit against accountID's balance. fn receives the open
// transaction for its own writes; returning an error rolls everything back.
func (s *Service) WithAccount(ctx context.Context, accountID string, fn func(tx *gorm.DB, acct *Account) error) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", errs.ErrInvalidRequest)
	}

	unlock := s.locks.Lock(accountID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balances := repository.NewBalanceRepository().WithDB(tx)
		bal, err := balances.GetForUpdate(ctx, accountID, s.currency)
		if err != nil {
			return fmt.Errorf("balance: lock %s: %w", accountID, err)
		}
		acct := &Account{
			ctx:      ctx,
			balance:  bal,
			balances: balances,
			txs:      repository.NewTransactionRepository().WithDB(tx),
			now:      s.now,
		}
		return fn(tx, acct)
	})
}

// Get reads the current balance without locking.
func (s *Service) Get(ctx context.Context, accountID string) (model.CashBalance, error) {
	return repository.NewBalanceRepository().WithDB(s.db).Get(ctx, accountID, s.currency)
}

func (s *Service) Debit(ctx context.Context, accountID string, amount decimal.Decimal, typ model.TransactionType, reference, note string) error {
	return s.WithAccount(ctx, accountID, func(_ *gorm.DB, acct *Account) error {
		return acct.Debit(amount, typ, reference, note)
	})
}

func (s *Service) Credit(ctx context.Context, accountID string, amount decimal.Decimal, typ model.TransactionType, reference, note string) error {
	return s.WithAccount(ctx, accountID, func(_ *gorm.DB, acct *Account) error {
		return acct.Credit(amount, typ, reference, note)
	})
}

func (s *Service) CreditLocked(ctx context.Context, accountID string, amount decimal.Decimal, reference, note string) error {
	return s.WithAccount(ctx, accountID, func(_ *gorm.DB, acct *Account) error {
		return acct.CreditLocked(amount, reference, note)
	})
}

func (s *Service) ReleaseLocked(ctx context.Context, accountID string, amount decimal.Decimal, reference, note string) error {
	return s.WithAccount(ctx, accountID, func(_ *gorm.DB, acct *Account) error {
		return acct.ReleaseLocked(amount, reference, note)
	})
}

func (s *Service) PromoteLocked(ctx context.Context, accountID string, amount decimal.Decimal, reference, note string) error {
	return s.WithAccount(ctx, accountID, func(_ *gorm.DB, acct *Account) error {
		return acct.PromoteLocked(amount, reference, note)
	})
}

// ---------------------------------------------------
// Account
// ---------------------------------------------------

// Account is a locked balance row inside WithAccount. It is only valid inside fn.
type Account struct {
	ctx      context.Context
	balance  *model.CashBalance
	balances *repository.BalanceRepository
	txs      *repository.TransactionRepository
	now      func() time.Time
}

// Balance returns the row as of the last mutation.
func (a *Account) Balance() model.CashBalance {
	return *a.balance
}

// Debit takes amount from the spendable balance, refusing to go below zero.
func (a *Account) Debit(amount decimal.Decimal, typ model.TransactionType, reference, note string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if a.balance.Amount.LessThan(amount) {
		logger.WithFields(map[string]interface{}{
			"account_id": a.balance.AccountID,
			"balance":    a.balance.Amount.String(),
			"requested":  amount.String(),
			"reference":  reference,
		}).Info("debit rejected, insufficient balance")
		return errs.ErrInsufficientBalance
	}
	return a.apply(a.balance.Amount.Sub(amount), a.balance.Locked, typ, amount.Neg(), reference, note)
}

func (a *Account) Credit(amount decimal.Decimal, typ model.TransactionType, reference, note string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	return a.apply(a.balance.Amount.Add(amount), a.balance.Locked, typ, amount, reference, note)
}

// CreditLocked adds provisional, non-spendable credit.
func (a *Account) CreditLocked(amount decimal.Decimal, reference, note string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	return a.apply(a.balance.Amount, a.balance.Locked.Add(amount), model.TxDepositLock, amount, reference, note)
}

// ReleaseLocked withdraws provisional credit that will not be confirmed.
func (a *Account) ReleaseLocked(amount decimal.Decimal, reference, note string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if a.balance.Locked.LessThan(amount) {
		return fmt.Errorf("%w: locked %s below release %s", errs.ErrInsufficientBalance, a.balance.Locked, amount)
	}
	return a.apply(a.balance.Amount, a.balance.Locked.Sub(amount), model.TxDepositUnlock, amount.Neg(), reference, note)
}

// PromoteLocked moves confirmed provisional credit into the spendable balance.
func (a *Account) PromoteLocked(amount decimal.Decimal, reference, note string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if a.balance.Locked.LessThan(amount) {
		return fmt.Errorf("%w: locked %s below promotion %s", errs.ErrInsufficientBalance, a.balance.Locked, amount)
	}
	return a.apply(a.balance.Amount.Add(amount), a.balance.Locked.Sub(amount), model.TxDepositRelease, amount, reference, note)
}

func (a *Account) apply(amount, locked decimal.Decimal, typ model.TransactionType, delta decimal.Decimal, reference, note string) error {
	if err := a.balances.SetAmounts(a.ctx, a.balance.ID, amount, locked); err != nil {
		return fmt.Errorf("balance: write %s: %w", a.balance.AccountID, err)
	}

	entry := &model.Transaction{
		ID:        uuid.NewString(),
		AccountID: a.balance.AccountID,
		Type:      typ,
		Amount:    delta,
		Currency:  a.balance.Currency,
		Reference: reference,
		Note:      note,
		CreatedAt: a.now(),
	}
	if err := a.txs.Create(a.ctx, entry); err != nil {
		return fmt.Errorf("balance: record %s: %w", typ, err)
	}

	a.balance.Amount = amount
	a.balance.Locked = locked
	return nil
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", errs.ErrInvalidRequest, amount)
	}
	return nil
}

// Record writes a ledger entry that moves no money, such as a position closed at a total loss.
func (a *Account) Record(typ model.TransactionType, reference, note string) error {
	return a.apply(a.balance.Amount, a.balance.Locked, typ, decimal.Zero, reference, note)
}
