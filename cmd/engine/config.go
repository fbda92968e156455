package engine

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// SpotSymbols narrows the cached listings refresh. Empty uses the adapter's default listing.
	SpotSymbols []string `envconfig:"SPOT_SYMBOLS"`
	// ResumeOnStart re-arms deposit countdowns and pricing loops left by a previous process.
	ResumeOnStart bool `envconfig:"RESUME_ON_START" default:"true"`
	// UpstreamAPIKeys lists service=secret pairs. When set the pool is kept in memory and the
	// api_keys table is not read.
	UpstreamAPIKeys []string `envconfig:"UPSTREAM_API_KEYS"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
