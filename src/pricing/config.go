package pricing

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	TickInterval time.Duration `envconfig:"PRICING_TICK_INTERVAL" default:"1s"`
	TickBudget   time.Duration `envconfig:"PRICING_TICK_BUDGET" default:"4s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
