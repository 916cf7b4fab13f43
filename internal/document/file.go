package document

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// FileDocument is a Document whose value lives in one JSON file on
// disk. External edits to the file are picked up through fsnotify and
// surface as change events, which is how the CLI turns editor saves
// into local document changes. Restores write the file back atomically.
type FileDocument struct {
	path    string
	inner   *Trackable
	watcher *fsnotify.Watcher
	logger  Logger
	done    chan struct{}
}

func NewFileDocument(path string, validator *Validator, logger Logger) (*FileDocument, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("document path is required")
	}
	path = filepath.Clean(path)
	inner := NewValidatedTrackable(validator)

	d := &FileDocument{
		path:   path,
		inner:  inner,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := d.loadFromDisk(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	d.watcher = watcher
	go d.watch()
	return d, nil
}

func (d *FileDocument) Reset() {
	d.inner.Reset()
	if err := d.writeToDisk(); err != nil {
		d.logf("failed to write document file after reset: %v", err)
	}
}

func (d *FileDocument) Restore(value any) error {
	if err := d.inner.Restore(value); err != nil {
		return err
	}
	if err := d.writeToDisk(); err != nil {
		d.logf("failed to write document file after restore: %v", err)
	}
	return nil
}

func (d *FileDocument) Snapshot() map[string]any {
	return d.inner.Snapshot()
}

func (d *FileDocument) OnChange(fn func()) func() {
	return d.inner.OnChange(fn)
}

func (d *FileDocument) Close() error {
	select {
	case <-d.done:
		return nil
	default:
	}
	close(d.done)
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *FileDocument) watch() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != d.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := d.loadFromDisk(); err != nil {
				d.logf("ignoring unreadable document file edit: %v", err)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logf("document file watch error: %v", err)
		}
	}
}

func (d *FileDocument) loadFromDisk() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if value == nil {
		value = map[string]any{}
	}
	current, err := Canonical(d.inner.Snapshot())
	if err == nil {
		if loaded, loadErr := Canonical(value); loadErr == nil && loaded == current {
			return nil
		}
	}
	return d.inner.Restore(value)
}

func (d *FileDocument) writeToDisk() error {
	data, err := json.MarshalIndent(d.inner.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

func (d *FileDocument) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
