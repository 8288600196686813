// Package config reads the server's settings from the environment. A .env
// file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	Env         string // "production" or "development"
	DatabaseURL string // empty disables the finalize sideline

	SessionTTL      time.Duration
	EmptyGrace      time.Duration // how long an empty session survives
	DisconnectGrace time.Duration // grace window for dropped participants
	SweepInterval   time.Duration

	MaxSessions     int
	MaxParticipants int
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:            envOr("ADDR", ":8080"),
		Env:             envOr("APP_ENV", "production"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SessionTTL:      4 * time.Hour,
		EmptyGrace:      2 * time.Minute,
		DisconnectGrace: 30 * time.Second,
		SweepInterval:   30 * time.Second,
		MaxSessions:     500,
		MaxParticipants: 50,
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"SESSION_TTL", &cfg.SessionTTL},
		{"EMPTY_SESSION_GRACE", &cfg.EmptyGrace},
		{"DISCONNECT_GRACE", &cfg.DisconnectGrace},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
	} {
		if raw := os.Getenv(d.key); raw != "" {
			v, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", d.key, err)
			}
			*d.dst = v
		}
	}

	for _, n := range []struct {
		key string
		dst *int
	}{
		{"MAX_SESSIONS", &cfg.MaxSessions},
		{"MAX_PARTICIPANTS", &cfg.MaxParticipants},
	} {
		if raw := os.Getenv(n.key); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", n.key, err)
			}
			*n.dst = v
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
