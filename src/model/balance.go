package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const DefaultSettlementCurrency = "USD"

// CashBalance is one account's balance in one settlement currency.
// Locked holds provisional deposit credit that is not spendable yet.
type CashBalance struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	AccountID string          `gorm:"size:64;not null;uniqueIndex:idx_cash_balance_account_currency" json:"account_id"`
	Currency  string          `gorm:"size:8;not null;uniqueIndex:idx_cash_balance_account_currency" json:"currency"`
	Amount    decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"amount"`
	Locked    decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TxPositionOpen   TransactionType = "position_open"
	TxPositionClose  TransactionType = "position_close"
	TxMarginAdjust   TransactionType = "margin_adjust"
	TxDeposit        TransactionType = "deposit"
	TxDepositLock    TransactionType = "deposit_lock"
	TxDepositUnlock  TransactionType = "deposit_unlock"
	TxDepositRelease TransactionType = "deposit_release"
	TxWithdrawal     TransactionType = "withdrawal"
)

// Transaction is an append-only ledger record of a balance movement.
// Amount is signed: positive credits, negative debits.
type Transaction struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	AccountID string          `gorm:"size:64;index;not null" json:"account_id"`
	Type      TransactionType `gorm:"size:32;index;not null" json:"type"`
	Amount    decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	Currency  string          `gorm:"size:8;not null" json:"currency"`
	Reference string          `gorm:"size:64;index" json:"reference"`
	Note      string          `gorm:"size:255" json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
