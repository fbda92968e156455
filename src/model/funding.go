package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DepositStatusPending   = "pending"
	DepositStatusLocked    = "locked"
	DepositStatusApproved  = "approved"
	DepositStatusRejected  = "rejected"
	DepositStatusCancelled = "cancelled"
)

// DepositRequest is a trader's payment intent. Locked is reachable only from pending,
// via the lock timer, and leaves only through an admin approve or reject.
type DepositRequest struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	AccountID   string          `gorm:"size:64;index;not null" json:"account_id"`
	Amount      decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	Currency    string          `gorm:"size:8;not null" json:"currency"`
	Method      string          `gorm:"size:32;not null" json:"method"`
	ExternalRef string          `gorm:"size:128" json:"external_ref,omitempty"`
	// ProofPath is an opaque reference into document storage.
	ProofPath string     `gorm:"size:255" json:"proof_path,omitempty"`
	Status    string     `gorm:"size:16;not null;default:pending;index" json:"status"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `gorm:"size:64" json:"decided_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

const (
	WithdrawalStatusPending  = "pending"
	WithdrawalStatusApproved = "approved"
	WithdrawalStatusRejected = "rejected"
)

type WithdrawalRequest struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	AccountID   string          `gorm:"size:64;index;not null" json:"account_id"`
	Amount      decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	Currency    string          `gorm:"size:8;not null" json:"currency"`
	Destination string          `gorm:"size:255" json:"destination"`
	Status      string          `gorm:"size:16;not null;default:pending;index" json:"status"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	DecidedBy   string          `gorm:"size:64" json:"decided_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
