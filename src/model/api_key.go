package model

import "time"

// Upstream market data services that draw keys from the pool.
const (
	ServiceSpotListings = "spot_listings"
	ServiceFXRates      = "fx_rates"
	ServiceCandles      = "candles"
	ServiceMetals       = "metals"
)

// APIKey is one credential in a service's rotation pool. Lower Priority is tried first.
// Active only ever flips to false automatically; reactivation is an administrative write.
type APIKey struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Service      string     `gorm:"size:50;not null;index:idx_api_key_rotation,priority:1" json:"service"`
	Label        string     `gorm:"size:100" json:"label"`
	SecretCipher string     `gorm:"type:text;not null" json:"-"`
	Priority     int        `gorm:"not null;index:idx_api_key_rotation,priority:3" json:"priority"`
	Active       bool       `gorm:"not null;index:idx_api_key_rotation,priority:2" json:"active"`
	UsageCount   int64      `gorm:"not null;default:0" json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
