package document

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileDocumentLoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte(`{"x": 1}`), 0o644); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}
	doc, err := NewFileDocument(path, nil, nil)
	if err != nil {
		t.Fatalf("new file document failed: %v", err)
	}
	defer doc.Close()
	if doc.Snapshot()["x"] != float64(1) {
		t.Fatalf("expected loaded value, got %v", doc.Snapshot())
	}
}

func TestFileDocumentRestoreWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	doc, err := NewFileDocument(path, nil, nil)
	if err != nil {
		t.Fatalf("new file document failed: %v", err)
	}
	defer doc.Close()

	if err := doc.Restore(map[string]any{"layers": []any{"seg"}}); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written file failed: %v", err)
	}
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		t.Fatalf("written file is not JSON: %v", err)
	}
	if _, ok := value["layers"]; !ok {
		t.Fatalf("expected restored value on disk, got %v", value)
	}
}

func TestFileDocumentPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	doc, err := NewFileDocument(path, nil, nil)
	if err != nil {
		t.Fatalf("new file document failed: %v", err)
	}
	defer doc.Close()

	changed := make(chan struct{}, 4)
	remove := doc.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	if err := os.WriteFile(path, []byte(`{"edited": true}`), 0o644); err != nil {
		t.Fatalf("external edit failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-changed:
			if doc.Snapshot()["edited"] == true {
				return
			}
		case <-deadline:
			t.Fatalf("external edit was not observed, snapshot %v", doc.Snapshot())
		}
	}
}
