package notify

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// RelayURL is the base URL of the mail relay. Empty disables delivery; messages are logged only.
	RelayURL     string        `envconfig:"NOTIFY_RELAY_URL" default:""`
	RelayToken   string        `envconfig:"NOTIFY_RELAY_TOKEN" default:""`
	From         string        `envconfig:"NOTIFY_FROM" default:"no-reply@marginengine.local"`
	AdminAddress string        `envconfig:"NOTIFY_ADMIN_ADDRESS" default:"ops@marginengine.local"`
	Timeout      time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
