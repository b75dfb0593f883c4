// Package config loads Omega's configuration from the environment, with a
// best-effort .env file on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// PrivateKey / PublicKey are Omega's long-term X448 keypair, base64.
	PrivateKey string
	PublicKey  string

	DBUsername string
	DBPassword string
	DBTable    string

	APIPort int
	WSPort  int

	LogLevel string

	// FrontendZip is the downloadable Iota frontend bundle; the endpoint
	// 404s when the file is absent.
	FrontendZip string
}

// Load reads .env if present, then the process environment. Missing
// required variables are a startup failure.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PrivateKey:  os.Getenv("PRIVATE_KEY"),
		PublicKey:   os.Getenv("PUBLIC_KEY"),
		DBUsername:  os.Getenv("DB_USERNAME"),
		DBPassword:  os.Getenv("DB_PASSWD"),
		DBTable:     os.Getenv("DB_TABLE"),
		APIPort:     envInt("OMEGA_API_PORT", 9187),
		WSPort:      envInt("OMEGA_WS_PORT", 9188),
		LogLevel:    envDefault("OMEGA_LOG_LEVEL", "info"),
		FrontendZip: envDefault("OMEGA_FRONTEND_ZIP", "iota_frontend.zip"),
	}

	for name, value := range map[string]string{
		"PRIVATE_KEY": cfg.PrivateKey,
		"PUBLIC_KEY":  cfg.PublicKey,
		"DB_USERNAME": cfg.DBUsername,
		"DB_PASSWD":   cfg.DBPassword,
		"DB_TABLE":    cfg.DBTable,
	} {
		if value == "" {
			return nil, fmt.Errorf("%s is not set", name)
		}
	}
	return cfg, nil
}

func envDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
