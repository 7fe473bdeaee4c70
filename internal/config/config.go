package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string
	DBPath     string

	CookieHashKey  []byte
	CookieBlockKey []byte

	// 32 bytes for AES-256-GCM; platform passwords are encrypted with this
	// before being persisted on job records.
	CredEncKey []byte

	// booking platform
	PlatformBaseURL string

	// scheduler
	Workers         int
	WatcherInterval time.Duration
}

func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:      getenv("LISTEN_ADDR", ":8080"),
		BaseURL:         getenv("BASE_URL", "http://localhost:8080"),
		DBPath:          getenv("DB_PATH", "data/courtsched.db"),
		PlatformBaseURL: getenv("PLATFORM_BASE_URL", "https://klient.zatokasportu.pl"),
	}

	workers, err := strconv.Atoi(getenv("SCHED_WORKERS", "5"))
	if err != nil || workers < 1 {
		return Config{}, fmt.Errorf("invalid SCHED_WORKERS")
	}
	cfg.Workers = workers

	watchMin, err := strconv.Atoi(getenv("WATCHER_INTERVAL_MINUTES", "30"))
	if err != nil || watchMin < 1 {
		return Config{}, fmt.Errorf("invalid WATCHER_INTERVAL_MINUTES")
	}
	cfg.WatcherInterval = time.Duration(watchMin) * time.Minute

	cfg.CookieHashKey, err = mustB64("COOKIE_HASH_KEY")
	if err != nil {
		return Config{}, err
	}
	cfg.CookieBlockKey, err = mustB64("COOKIE_BLOCK_KEY")
	if err != nil {
		return Config{}, err
	}
	cfg.CredEncKey, err = mustB64("CRED_ENC_KEY")
	if err != nil {
		return Config{}, err
	}
	if len(cfg.CredEncKey) != 32 {
		return Config{}, fmt.Errorf("CRED_ENC_KEY must decode to 32 bytes (got %d)", len(cfg.CredEncKey))
	}

	return cfg, nil
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func mustB64(k string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil, fmt.Errorf("%s is required (base64)", k)
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}
