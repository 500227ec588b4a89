// Package config loads engine configuration from the environment. A .env
// file is honored for local development (cp .env.example .env); in
// production everything comes from real environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Defaults target the BNB-chain prediction contract the engine was built
// against. Everything except DATABASE_URL is optional.
const (
	DefaultRPCURL          = "https://bsc-dataseed.binance.org"
	DefaultWSURL           = "wss://bsc-ws-node.nariox.org:443"
	DefaultContractAddress = "0x18b2a687610328590bc8f2e5fedde3b582a49cda"

	DefaultRateLimitRPS        = 100
	DefaultFanoutPort          = 3010
	DefaultMultiClaimThreshold = 3
)

type Config struct {
	DatabaseURL     string
	RPCURL          string
	WSURL           string
	ContractAddress string

	RateLimitRPS        int
	FanoutPort          int
	MultiClaimThreshold int
}

// Load reads a .env file if present, then the environment. It fails only on
// missing DATABASE_URL or malformed numeric values; the caller maps that to
// exit code 1.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RPCURL:          envOrDefault("RPC_URL", DefaultRPCURL),
		WSURL:           envOrDefault("RPC_WS_URL", DefaultWSURL),
		ContractAddress: envOrDefault("CONTRACT_ADDRESS", DefaultContractAddress),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variable DATABASE_URL is not set")
	}

	var err error
	if cfg.RateLimitRPS, err = envInt("RATE_LIMIT_RPS", DefaultRateLimitRPS); err != nil {
		return nil, err
	}
	if cfg.FanoutPort, err = envInt("FANOUT_PORT", DefaultFanoutPort); err != nil {
		return nil, err
	}
	if cfg.MultiClaimThreshold, err = envInt("MULTI_CLAIM_THRESHOLD", DefaultMultiClaimThreshold); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}
