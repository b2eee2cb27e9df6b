package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load resolves the configuration from the environment. A dotenv file, if
// present at the given path, seeds variables that are not already set; it is
// optional and its absence is not an error. The loaded configuration is
// validated and returned immutable.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}
