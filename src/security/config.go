package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// CredentialsKey is the base64 encoded 32 byte key sealing upstream API key secrets.
	// It has no default; processes that open stored secrets refuse to start without it.
	CredentialsKey string `envconfig:"API_CREDENTIALS_KEY"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
