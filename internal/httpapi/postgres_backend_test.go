package httpapi

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/activebrainatlas/statelink/internal/session"
)

func TestNewPostgresRecordStoreRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresRecordStore("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

// Integration coverage needs a reachable database; set
// STATELINK_TEST_POSTGRES_DSN to run it.
func TestPostgresRecordStoreIntegration(t *testing.T) {
	dsn := os.Getenv("STATELINK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STATELINK_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresRecordStore(dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	created, err := store.Create(ctx, session.Record{
		OwnerID:      3,
		Comment:      "integration",
		LastModified: "2026-09-01",
		Document:     map[string]any{"zoom": float64(2)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("create did not assign an id")
	}

	fetched, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Comment != "integration" || fetched.Document["zoom"] != float64(2) {
		t.Fatalf("fetched = %+v", fetched)
	}

	fetched.Comment = "integration v2"
	updated, err := store.Update(ctx, created.ID, fetched)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Comment != "integration v2" {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := store.Update(ctx, created.ID+1_000_000, fetched); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: err = %v, want ErrNotFound", err)
	}
}
