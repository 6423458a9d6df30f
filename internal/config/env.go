package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// DevOverrides holds host-specific values a developer sets via a
// local .env file rather than the checked-in TOML config, mirroring
// the teacher's config.Env/LoadEnv split between deployment-shape
// config (TOML) and per-host secrets (.env).
type DevOverrides struct {
	RelayURL string
}

// LoadDevOverrides reads a .env file if present and returns whatever
// overrides it declares. A missing .env file is not an error: most
// deployments have none.
func LoadDevOverrides() (DevOverrides, error) {

	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return DevOverrides{}, nil
	}

	if err := godotenv.Load(".env"); err != nil {
		return DevOverrides{}, errors.Wrap(err, "reading .env file")
	}

	return DevOverrides{
		RelayURL: os.Getenv("SYNCLINE_RELAY_URL"),
	}, nil
}
