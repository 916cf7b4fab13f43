// Command statelink binds a local JSON document file to the sync mode
// implied by a page URL. Edits to the file propagate out (debounced in
// multi-user mode); remote updates are written back into the file.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/activebrainatlas/statelink/internal/address"
	"github.com/activebrainatlas/statelink/internal/document"
	"github.com/activebrainatlas/statelink/internal/engine"
	"github.com/activebrainatlas/statelink/internal/legacy"
	"github.com/activebrainatlas/statelink/internal/realtime"
	"github.com/activebrainatlas/statelink/internal/session"
)

func main() {
	pageURL := flag.String("url", strings.TrimSpace(os.Getenv("STATELINK_URL")), "page URL deciding the sync mode")
	filePath := flag.String("file", strings.TrimSpace(os.Getenv("STATELINK_FILE")), "local JSON document file")
	apiBase := flag.String("api-base", envOrDefault("STATELINK_API_BASE", "http://127.0.0.1:8080"), "session server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("STATELINK_TOKEN")), "bearer token")
	backend := flag.String("realtime", envOrDefault("STATELINK_REALTIME", "ws"), "realtime backend (ws|redis)")
	redisAddr := flag.String("redis-addr", envOrDefault("STATELINK_REDIS_ADDR", "127.0.0.1:6379"), "redis address for -realtime=redis")
	schemaPath := flag.String("schema", strings.TrimSpace(os.Getenv("STATELINK_SCHEMA_FILE")), "optional JSON schema for the document")
	debounce := flag.Duration("debounce", durationEnv("STATELINK_DEBOUNCE", engine.DefaultDebounceInterval), "outbound push debounce")
	timeout := flag.Duration("timeout", durationEnv("STATELINK_TIMEOUT", 15*time.Second), "per-request timeout")
	flag.Parse()

	if *pageURL == "" {
		log.Fatalf("url is required (--url or STATELINK_URL)")
	}
	if *filePath == "" {
		log.Fatalf("file is required (--file or STATELINK_FILE)")
	}

	var validator *document.Validator
	if *schemaPath != "" {
		schemaJSON, err := os.ReadFile(*schemaPath)
		if err != nil {
			log.Fatalf("failed to read schema: %v", err)
		}
		validator, err = document.NewValidator(schemaJSON)
		if err != nil {
			log.Fatalf("failed to compile schema: %v", err)
		}
	}

	doc, err := document.NewFileDocument(*filePath, validator, log.Default())
	if err != nil {
		log.Fatalf("failed to open document file: %v", err)
	}
	defer doc.Close()

	loc, err := address.NewMemoryLocation(*pageURL)
	if err != nil {
		log.Fatalf("invalid page URL: %v", err)
	}

	httpClient := &http.Client{Timeout: *timeout}
	api := session.NewClient(*apiBase, *token, httpClient)

	channel, err := buildChannel(*backend, *apiBase, *redisAddr, httpClient)
	if err != nil {
		log.Fatalf("failed to initialize realtime channel: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Document:         doc,
		Location:         loc,
		Session:          api,
		Channel:          channel,
		Fetcher:          legacy.NewHTTPFetcher(httpClient),
		Status:           logStatus{},
		Logger:           log.Default(),
		DebounceInterval: *debounce,
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	defer eng.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(rootCtx, *timeout)
	err = eng.Init(initCtx)
	cancel()
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	log.Printf("statelink running in %s mode, document %s follows %s", eng.Mode(), *filePath, loc.String())

	<-rootCtx.Done()
	log.Printf("statelink stopping: %v", rootCtx.Err())
	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Leave(leaveCtx); err != nil {
		log.Printf("presence leave failed: %v", err)
	}
}

// logStatus routes the engine's user-visible status lines to the log;
// a CLI has no status bar.
type logStatus struct{}

func (logStatus) ShowMessage(message string) {
	log.Printf("status: %s", message)
}

func buildChannel(backend, apiBase, redisAddr string, httpClient *http.Client) (realtime.Channel, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		return realtime.NewRedisChannel(client, log.Default())
	default:
		return realtime.NewWSChannel(apiBase, httpClient, log.Default())
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
