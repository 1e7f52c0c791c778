package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ServerAddr is the host:port of a running gateway. Leaving it empty
	// skips the whole suite, so `go test ./...` stays green without one.
	ServerAddr string `envconfig:"E2E_SERVER_ADDR"`
	// E2E_DEBUG_JSON allows dumping full request/reply event bodies as JSON
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
