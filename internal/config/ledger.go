package config

import (
	"os"
	"strconv"
	"time"
)

// LedgerConfig defines tunables for the ledger service and its background
// jobs.  ReservationTTL bounds how long a hold may stay ACTIVE before the
// expiry sweep releases it.  TxTimeout is the upper bound applied to every
// database transaction; exceeding it surfaces as a retryable error.
type LedgerConfig struct {
	ReservationTTL    time.Duration
	TxTimeout         time.Duration
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	SweepBatchSize    int
}

// LoadLedgerConfig reads environment variables to build a LedgerConfig.
// Defaults are used when variables are not set.
func LoadLedgerConfig() LedgerConfig {
	return LedgerConfig{
		ReservationTTL:    time.Duration(atoi(getenv("RESERVATION_TTL_MIN", "30"))) * time.Minute,
		TxTimeout:         parseDur(getenv("LEDGER_TX_TIMEOUT", "5s")),
		SweepInterval:     parseDur(getenv("RESERVATION_SWEEP_INTERVAL", "1m")),
		ReconcileInterval: parseDur(getenv("RECONCILE_INTERVAL", "1h")),
		SweepBatchSize:    atoi(getenv("RESERVATION_SWEEP_BATCH", "100")),
	}
}

// Helper functions shared by the subsystem config loaders.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

func parseDur(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Second
	}
	return d
}
