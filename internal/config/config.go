package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"appstore/internal/contracts"
	"appstore/internal/wallet"
)

// AppConfig ties together the contract artifact, wallet credentials and
// gateway settings.
type AppConfig struct {
	Artifact *contracts.Artifact
	Chain    ChainConfig
	Service  ServiceConfig
	Log      LogConfig
}

type ChainConfig struct {
	RPCURL             string
	ArtifactPath       string
	PrivateKey         string
	KeystorePath       string
	KeystorePassphrase string
	RPCTimeout         time.Duration
	WatchInterval      time.Duration
	WaitMined          bool
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	RateLimitRPS         float64
	RateLimitBurst       int
}

type LogConfig struct {
	Level       string
	File        string
	Development bool
}

const envPrefix = "APPSTORE_"

// Load reads configuration from the environment and the artifact on disk.
// An unset artifact path selects the artifact compiled into the binary.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Chain: ChainConfig{
			RPCURL:             envOr("RPC_URL", ""),
			ArtifactPath:       envOr("ARTIFACT_PATH", ""),
			PrivateKey:         envOr("PRIVATE_KEY", ""),
			KeystorePath:       envOr("KEYSTORE_PATH", ""),
			KeystorePassphrase: envOr("KEYSTORE_PASSPHRASE", ""),
			RPCTimeout:         time.Duration(envOrInt("RPC_TIMEOUT_MS", 10_000)) * time.Millisecond,
			WatchInterval:      time.Duration(envOrInt("WATCH_INTERVAL_MS", 2_000)) * time.Millisecond,
			WaitMined:          envOrBool("WAIT_MINED", false),
		},
		Service: ServiceConfig{
			HTTPPort:             envOrInt("HTTP_PORT", 3000),
			HMACSecret:           envOr("HMAC_SECRET", ""),
			HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86_400)) * time.Second,
			IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "appstore-idem.json")),
			PostgresDSN:          envOr("POSTGRES_DSN", ""),
			RateLimitRPS:         envOrFloat("RATE_LIMIT_RPS", 5),
			RateLimitBurst:       envOrInt("RATE_LIMIT_BURST", 10),
		},
		Log: LogConfig{
			Level:       envOr("LOG_LEVEL", "info"),
			File:        envOr("LOG_FILE", ""),
			Development: envOrBool("LOG_DEV", false),
		},
	}
	if err := cfg.LoadArtifact(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadArtifact (re)reads the artifact named by Chain.ArtifactPath.
func (c *AppConfig) LoadArtifact() error {
	artifact, err := contracts.LoadArtifact(c.Chain.ArtifactPath)
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}
	c.Artifact = artifact
	return nil
}

func (c *AppConfig) Wallet() wallet.Config {
	return wallet.Config{
		RPCURL:             c.Chain.RPCURL,
		PrivateKeyHex:      c.Chain.PrivateKey,
		KeystorePath:       c.Chain.KeystorePath,
		KeystorePassphrase: c.Chain.KeystorePassphrase,
	}
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
