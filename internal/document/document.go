// Package document holds the locally mutable viewer state: an
// arbitrarily nested JSON-compatible tree with change notification,
// whole-tree reset/restore and a canonical serialized form.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"
)

var ErrInvalidDocument = errors.New("invalid document")

// ValidationError reports a value that failed structural verification
// during restore. The previous document content is left intact.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid document: %s: %v", e.Reason, e.Err)
	}
	return "invalid document: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDocument
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Document is what the sync engine needs from the host viewer's state:
// a change notification, whole-tree reset/restore, and a snapshot of
// the current JSON-compatible value. Restore verifies first and then
// replaces the whole tree; when the new value does not verify it must
// fail with a ValidationError and leave the previous value intact.
type Document interface {
	Reset()
	Restore(value any) error
	Snapshot() map[string]any
	OnChange(fn func()) (remove func())
}

// Trackable is the in-memory Document implementation. Hosts mutate it
// through Update, which fires the registered change listeners. Reset
// and Restore fire them too, mirroring how the viewer's own state
// behaves; the engine's echo filter is what keeps those notifications
// from turning into redundant publishes.
type Trackable struct {
	validator *Validator

	mu        sync.Mutex
	value     map[string]any
	listeners map[int]func()
	nextID    int
}

func NewTrackable() *Trackable {
	return &Trackable{
		value:     map[string]any{},
		listeners: map[int]func(){},
	}
}

// NewValidatedTrackable is NewTrackable with a schema guard applied on
// every restore.
func NewValidatedTrackable(validator *Validator) *Trackable {
	d := NewTrackable()
	d.validator = validator
	return d
}

func (d *Trackable) Reset() {
	d.mu.Lock()
	d.value = map[string]any{}
	d.mu.Unlock()
	d.notify()
}

func (d *Trackable) Restore(value any) error {
	object, err := VerifyObject(value)
	if err != nil {
		return err
	}
	if d.validator != nil {
		if err := d.validator.Validate(object); err != nil {
			return err
		}
	}
	copied, err := deepCopy(object)
	if err != nil {
		return &ValidationError{Reason: "value is not JSON-serializable", Err: err}
	}
	d.mu.Lock()
	d.value = copied
	d.mu.Unlock()
	d.notify()
	return nil
}

func (d *Trackable) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied, err := deepCopy(d.value)
	if err != nil {
		return map[string]any{}
	}
	return copied
}

// Update applies a host-side local edit and fires the change listeners.
func (d *Trackable) Update(mutate func(value map[string]any)) {
	d.mu.Lock()
	mutate(d.value)
	d.mu.Unlock()
	d.notify()
}

func (d *Trackable) OnChange(fn func()) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *Trackable) notify() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// VerifyObject checks that value is a JSON object and returns it.
func VerifyObject(value any) (map[string]any, error) {
	object, ok := value.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("expected a JSON object, got %T", value)}
	}
	return object, nil
}

// Canonical returns the RFC 8785 (JCS) canonical serialization of a
// JSON-compatible value. Two values with the same content always
// canonicalize to the same string, which is what the engine's echo
// filter compares.
func Canonical(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

func deepCopy(value map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}
	if copied == nil {
		copied = map[string]any{}
	}
	return copied, nil
}
