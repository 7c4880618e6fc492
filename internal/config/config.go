package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// New loads configuration from environment variables into any given struct type.
// It uses generics so every component can own its config struct.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing %T from environment: %w", cfg, err)
	}
	return cfg, nil
}

// LoadEnv loads content of ENV_FILE (e.g .env.bot) into environment variables.
// Without ENV_FILE it loads ./.env when present; a missing default file is fine
// since production deployments inject the environment directly.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		err := godotenv.Load()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	return godotenv.Load(envfile)
}
