package model

import "time"

// Exception is a captured failure from the pricing or funding paths, persisted for
// diagnostics. Market data degradation never reaches a trader, so this table is where
// it becomes visible.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Service string `gorm:"size:100;index" json:"service"` // e.g. "marginengine"
	Module  string `gorm:"size:100;index" json:"module"`  // e.g. "pricing_engine"
	Method  string `gorm:"size:100" json:"method"`        // e.g. "Reprice"

	Message string `gorm:"type:text" json:"message"`
	Stack   string `gorm:"type:text" json:"stack"`

	Level string `gorm:"size:20;index" json:"level"` // debug | info | warn | error | fatal

	Context string `gorm:"type:jsonb" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
