package config

import (
	"log"
	"os"
)

type Config struct {
	Env           string
	Port          string
	DBUser        string
	DBPass        string
	DBHost        string
	DBPort        string
	DBName        string
	WebhookSecret string
	ProviderKey   string
}

func Load() Config {
	return Config{
		Env:           must("APP_ENV"),
		Port:          must("APP_PORT"),
		DBUser:        must("DB_USER"),
		DBPass:        os.Getenv("DB_PASS"),
		DBHost:        must("DB_HOST"),
		DBPort:        must("DB_PORT"),
		DBName:        must("DB_NAME"),
		WebhookSecret: must("WEBHOOK_SECRET"),
		ProviderKey:   must("PROVIDER_SECRET_KEY"),
	}
}

func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
