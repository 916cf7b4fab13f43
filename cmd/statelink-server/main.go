package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/activebrainatlas/statelink/internal/httpapi"
	"github.com/activebrainatlas/statelink/internal/session"
)

func main() {
	addr := envOrDefault("STATELINK_ADDR", ":8080")

	store, err := buildRecordStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize record store: %v", err)
	}
	defer store.Close()

	tokens, err := loadTokensFromEnv()
	if err != nil {
		log.Fatalf("failed to load token map: %v", err)
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		Tokens:       tokens,
		MaxBodyBytes: int64Env("STATELINK_MAX_BODY_BYTES", 0),
		Logger:       log.Default(),
	})

	log.Printf("statelink server listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildRecordStoreFromEnv() (httpapi.RecordStore, error) {
	backend := strings.ToLower(envOrDefault("STATELINK_BACKEND", "memory"))
	switch backend {
	case "memory", "inmemory":
		return httpapi.NewMemoryRecordStore(), nil
	case "postgres":
		dsn := strings.TrimSpace(os.Getenv("STATELINK_POSTGRES_DSN"))
		if dsn == "" {
			return nil, fmt.Errorf("STATELINK_POSTGRES_DSN is required when STATELINK_BACKEND=%s", backend)
		}
		return httpapi.NewPostgresRecordStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported STATELINK_BACKEND: %s", backend)
	}
}

// loadTokensFromEnv reads the bearer-token map from the JSON file named
// by STATELINK_TOKENS_FILE. No file means every caller is anonymous.
func loadTokensFromEnv() (map[string]session.Identity, error) {
	path := strings.TrimSpace(os.Getenv("STATELINK_TOKENS_FILE"))
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tokens := map[string]session.Identity{}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tokens, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
