// Package config reads application configuration from the environment,
// seeded from .env files.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config provides lookup of configuration keys.
type Config interface {
	Get(key string) string
	GetOrDefault(key, defaultValue string) string
}

// EnvLoader resolves keys from process environment variables. New seeds the
// environment from <folder>/.env and, when APP_ENV is set, from
// <folder>/.<APP_ENV>.env; values already present in the environment win.
type EnvLoader struct{}

// New loads the .env files under configFolder and returns the loader.
// Missing files are not an error.
func New(configFolder string) *EnvLoader {
	if env := strings.TrimSpace(os.Getenv("APP_ENV")); env != "" {
		_ = godotenv.Load(configFolder + "/." + env + ".env")
	}

	_ = godotenv.Load(configFolder + "/.env")

	return &EnvLoader{}
}

func (*EnvLoader) Get(key string) string {
	return os.Getenv(key)
}

func (*EnvLoader) GetOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}

	return defaultValue
}

type mockConfig struct {
	values map[string]string
}

// NewMockConfig returns a Config backed by a fixed map, for tests.
func NewMockConfig(values map[string]string) Config {
	return &mockConfig{values: values}
}

func (m *mockConfig) Get(key string) string {
	return m.values[key]
}

func (m *mockConfig) GetOrDefault(key, defaultValue string) string {
	if v, ok := m.values[key]; ok {
		return v
	}

	return defaultValue
}
