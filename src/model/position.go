package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

type PricingMode string

const (
	PricingModeLive   PricingMode = "live"
	PricingModeManual PricingMode = "manual"
	PricingModeEdited PricingMode = "edited"
)

const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Position is a leveraged margin position. Margin, Quantity and Leverage are fixed at open;
// only an administrative margin adjustment rewrites Quantity/EntryPrice/Margin.
type Position struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	AccountID string          `gorm:"size:64;index;not null" json:"account_id"`
	Symbol    string          `gorm:"size:32;index;not null" json:"symbol"`
	Side      Side            `gorm:"size:8;not null" json:"side"`
	Quantity  decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"quantity"`
	Leverage  int             `gorm:"not null;default:1" json:"leverage"`
	Margin    decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"margin"`

	EntryPrice decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"entry_price"`
	MarkPrice  decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"mark_price"`
	Pnl        decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"pnl"`

	PricingMode PricingMode `gorm:"size:16;not null;default:live" json:"pricing_mode"`
	// EditedPnl is the administrator's authoritative base PnL while in edited mode.
	EditedPnl *decimal.Decimal `gorm:"type:numeric(38,18)" json:"edited_pnl,omitempty"`

	Status      string           `gorm:"size:16;not null;default:open;index" json:"status"`
	OpenedAt    time.Time        `gorm:"not null" json:"opened_at"`
	ClosePrice  *decimal.Decimal `gorm:"type:numeric(38,18)" json:"close_price,omitempty"`
	RealizedPnl *decimal.Decimal `gorm:"type:numeric(38,18)" json:"realized_pnl,omitempty"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	ClosedBy    string           `gorm:"size:64" json:"closed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}
