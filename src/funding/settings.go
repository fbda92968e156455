package funding

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Settings are the payment options shown to traders and enforced on deposit creation.
// Load them once and share the pointer.
type Settings struct {
	Currency       string          `envconfig:"SETTLEMENT_CURRENCY" default:"USD"`
	DepositMethods []string        `envconfig:"DEPOSIT_METHODS" default:"bank_transfer,card,crypto"`
	MinDeposit     decimal.Decimal `envconfig:"MIN_DEPOSIT" default:"10"`
	MinWithdrawal  decimal.Decimal `envconfig:"MIN_WITHDRAWAL" default:"10"`

	// LockWindow is the whole countdown; the lock fires once LockThreshold or less remains.
	LockWindow       time.Duration `envconfig:"DEPOSIT_LOCK_WINDOW" default:"10m"`
	LockThreshold    time.Duration `envconfig:"DEPOSIT_LOCK_THRESHOLD" default:"2m30s"`
	LockTickInterval time.Duration `envconfig:"DEPOSIT_LOCK_TICK" default:"1s"`
}

func LoadSettings() *Settings {
	var settings Settings
	if err := envconfig.Process("", &settings); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &settings
}

// DefaultSettings matches the env defaults, for tests and embedding.
func DefaultSettings() *Settings {
	return &Settings{
		Currency:         "USD",
		DepositMethods:   []string{"bank_transfer", "card", "crypto"},
		MinDeposit:       decimal.NewFromInt(10),
		MinWithdrawal:    decimal.NewFromInt(10),
		LockWindow:       10 * time.Minute,
		LockThreshold:    150 * time.Second,
		LockTickInterval: time.Second,
	}
}

func (s *Settings) AcceptsMethod(method string) bool {
	for _, m := range s.DepositMethods {
		if strings.EqualFold(strings.TrimSpace(m), strings.TrimSpace(method)) {
			return true
		}
	}
	return false
}
