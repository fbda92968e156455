package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPTimeout    time.Duration `envconfig:"UPSTREAM_HTTP_TIMEOUT" default:"4s"`
	MaxKeyAttempts int           `envconfig:"UPSTREAM_MAX_KEY_ATTEMPTS" default:"5"`

	SpotListingsBaseURL string `envconfig:"SPOT_LISTINGS_BASE_URL" default:"https://pro-api.coinmarketcap.com"`
	SpotListingsLimit   int    `envconfig:"SPOT_LISTINGS_LIMIT" default:"100"`
	SpotConvert         string `envconfig:"SPOT_CONVERT" default:"USD"`

	FXBaseURL      string   `envconfig:"FX_BASE_URL" default:"https://v6.exchangerate-api.com"`
	FXBaseCurrency string   `envconfig:"FX_BASE_CURRENCY" default:"USD"`
	FXBasket       []string `envconfig:"FX_BASKET" default:"EUR,GBP,JPY,CHF,CAD,AUD,NZD,CNY"`

	MetalsFreeBaseURL  string   `envconfig:"METALS_FREE_BASE_URL" default:"https://api.gold-api.com"`
	MetalsKeyedBaseURL string   `envconfig:"METALS_KEYED_BASE_URL" default:"https://www.goldapi.io/api"`
	MetalsSymbols      []string `envconfig:"METALS_SYMBOLS" default:"XAU,XAG,XPT,XPD"`
	MetalsKeyedRPS     float64  `envconfig:"METALS_KEYED_RPS" default:"2"`

	CandlesBaseURL      string `envconfig:"CANDLES_BASE_URL" default:"https://api.twelvedata.com"`
	CandlesDefaultLimit int    `envconfig:"CANDLES_DEFAULT_LIMIT" default:"30"`
	BinanceBaseURL      string `envconfig:"BINANCE_BASE_URL" default:"https://api.binance.com"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
