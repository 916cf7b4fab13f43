// Package engine binds a locally mutable document to whatever the page
// address says its source of truth is: the address fragment itself, a
// server-held record, or a realtime mirror shared with other viewers.
// The mode is decided once at Init and never changes for the lifetime
// of the engine.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/activebrainatlas/statelink/internal/address"
	"github.com/activebrainatlas/statelink/internal/document"
	"github.com/activebrainatlas/statelink/internal/legacy"
	"github.com/activebrainatlas/statelink/internal/presence"
	"github.com/activebrainatlas/statelink/internal/realtime"
	"github.com/activebrainatlas/statelink/internal/session"
)

const DefaultDebounceInterval = 200 * time.Millisecond

var (
	// ErrAuthRequired is returned by write operations attempted while
	// the identity is the unauthenticated zero value. The write is
	// dropped; nothing is queued or retried.
	ErrAuthRequired = errors.New("authentication required")

	ErrCommentRequired = errors.New("comment is required")
	ErrNoSession       = errors.New("no session id in the address")
	ErrClosed          = errors.New("engine is closed")
)

type Mode int

const (
	ModeLegacy Mode = iota
	ModeSingleUser
	ModeMultiUser
)

func (m Mode) String() string {
	switch m {
	case ModeSingleUser:
		return "single-user"
	case ModeMultiUser:
		return "multi-user"
	default:
		return "legacy"
	}
}

// StatusSink receives user-visible status lines. Nothing the engine
// writes here is an error by itself; errors travel through return
// values and the logger.
type StatusSink interface {
	ShowMessage(message string)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Document document.Document
	Location address.Location

	// Session and Channel may be nil when the address guarantees they
	// are never used, e.g. a fragment-only page needs neither.
	Session session.API
	Channel realtime.Channel
	Fetcher legacy.Fetcher

	Status StatusSink
	Logger Logger

	DebounceInterval time.Duration
	PresenceTTL      time.Duration
	Now              func() time.Time
}

// Engine is the orchestrator. All blocking work happens in Init and in
// the explicit operations; inbound subscription callbacks only touch
// the document and local bookkeeping.
type Engine struct {
	doc     document.Document
	loc     address.Location
	api     session.API
	channel realtime.Channel
	fetcher legacy.Fetcher
	status  StatusSink
	logger  Logger
	now     func() time.Time

	debouncer   *Debouncer
	presenceTTL time.Duration

	mu             sync.Mutex
	mode           Mode
	initialized    bool
	closed         bool
	sessionID      int64
	identity       session.Identity
	lastRecord     session.Record
	hasRecord      bool
	prevCanonical  string
	decodeErr      error
	removeListener func()
	docSub         realtime.Subscription
	tracker        *presence.Tracker
}

func New(opts Options) (*Engine, error) {
	if opts.Document == nil {
		return nil, errors.New("document is required")
	}
	if opts.Location == nil {
		return nil, errors.New("location is required")
	}
	interval := opts.DebounceInterval
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		doc:         opts.Document,
		loc:         opts.Location,
		api:         opts.Session,
		channel:     opts.Channel,
		fetcher:     opts.Fetcher,
		status:      opts.Status,
		logger:      opts.Logger,
		now:         now,
		debouncer:   NewDebouncer(interval),
		presenceTTL: opts.PresenceTTL,
	}, nil
}

// Init reads the current address, decides the mode and runs the mode's
// load sequence. It must be called exactly once.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.initialized {
		e.mu.Unlock()
		return errors.New("engine is already initialized")
	}
	e.initialized = true
	state := address.FromURL(e.loc.Current())
	e.sessionID = state.SessionID
	e.mu.Unlock()

	e.logf("initializing in %s mode", state.Mode())
	switch {
	case !state.HasSession:
		e.setMode(ModeLegacy)
		return e.initLegacy(ctx, state)
	case state.MultiUser:
		e.setMode(ModeMultiUser)
		return e.initMultiUser(ctx, state)
	default:
		e.setMode(ModeSingleUser)
		return e.initSingleUser(ctx, state)
	}
}

func (e *Engine) initLegacy(ctx context.Context, state address.State) error {
	result, err := legacy.Decode(ctx, state.Fragment, e.fetcher)
	if err != nil {
		// Malformed fragments never take the page down; the host UI
		// can render the error slot while the document stays usable.
		e.mu.Lock()
		e.decodeErr = err
		e.mu.Unlock()
		e.logf("fragment decode failed: %v", err)
	} else {
		value := result.Value
		if result.SkipReset {
			// The raw sub-format layers its value on top of whatever
			// the document already holds instead of replacing it.
			merged := e.doc.Snapshot()
			for key, entry := range value {
				merged[key] = entry
			}
			value = merged
		}
		if err := e.doc.Restore(value); err != nil {
			e.logf("fragment restore failed: %v", err)
			e.mu.Lock()
			e.decodeErr = err
			e.mu.Unlock()
		}
	}

	remove := e.doc.OnChange(e.rewriteFragment)
	e.mu.Lock()
	e.removeListener = remove
	e.mu.Unlock()
	e.rewriteFragment()
	return nil
}

func (e *Engine) initSingleUser(ctx context.Context, state address.State) error {
	e.fetchIdentity(ctx)
	e.loadRecord(ctx, state.SessionID)
	return nil
}

func (e *Engine) initMultiUser(ctx context.Context, state address.State) error {
	e.fetchIdentity(ctx)

	e.mu.Lock()
	identity := e.identity
	e.mu.Unlock()
	if !identity.Authenticated() {
		// Reads proceed so the viewer still sees the shared state, but
		// no subscription, heartbeat or publish is ever registered.
		e.showMessage("You must be logged in to share state with other users.")
		e.loadRecord(ctx, state.SessionID)
		return nil
	}

	record, present, err := e.channel.ReadDocument(ctx, state.SessionID)
	if err != nil {
		e.logf("realtime probe failed: %v", err)
		present = false
	}
	if present {
		// A mirrored record beats the persisted one; other viewers may
		// hold unsaved shared edits.
		e.applyRemote(record)
	} else {
		if e.loadRecord(ctx, state.SessionID) {
			e.mu.Lock()
			seedRecord := e.lastRecord
			canonical, canonErr := document.Canonical(seedRecord.Document)
			if canonErr == nil {
				e.prevCanonical = canonical
			}
			e.mu.Unlock()
			if err := e.channel.PublishDocument(ctx, state.SessionID, seedRecord); err != nil {
				e.logf("realtime seed failed: %v", err)
			}
		}
	}

	tracker, err := presence.NewTracker(presence.Options{
		Channel:   e.channel,
		SessionID: state.SessionID,
		Self:      identity,
		TTL:       e.presenceTTL,
		Logger:    e.logger,
		Now:       e.now,
	})
	if err != nil {
		return err
	}
	if err := tracker.Start(ctx); err != nil {
		e.logf("presence start failed: %v", err)
	}

	sub, err := e.channel.SubscribeDocument(ctx, state.SessionID, func(record session.Record) {
		e.onRemoteRecord(record)
	})
	if err != nil {
		tracker.Close()
		return err
	}

	remove := e.doc.OnChange(func() {
		e.debouncer.Trigger(func() { e.pushSnapshot(context.Background()) })
	})

	e.mu.Lock()
	e.tracker = tracker
	e.docSub = sub
	e.removeListener = remove
	e.mu.Unlock()
	return nil
}

// onRemoteRecord is the durable subscription callback. Echoes of this
// engine's own publishes are detected by exact string equality of the
// canonical serialization and dropped. The restore runs before any
// bookkeeping: a record that fails verification leaves the document
// and the echo-filter state exactly as they were, so nothing of the
// invalid value can leak back out through the debounced push.
func (e *Engine) onRemoteRecord(record session.Record) {
	canonical, err := document.Canonical(record.Document)
	if err != nil {
		e.logf("inbound record is not serializable: %v", err)
		return
	}
	e.mu.Lock()
	if e.closed || canonical == e.prevCanonical {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.doc.Restore(record.Document); err != nil {
		e.logf("inbound restore failed: %v", err)
		return
	}
	e.mu.Lock()
	e.prevCanonical = canonical
	e.lastRecord = record
	e.hasRecord = true
	e.mu.Unlock()
}

func (e *Engine) applyRemote(record session.Record) {
	if err := e.doc.Restore(record.Document); err != nil {
		e.logf("remote restore failed: %v", err)
		return
	}
	canonical, err := document.Canonical(record.Document)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.prevCanonical = canonical
	e.lastRecord = record
	e.hasRecord = true
	e.mu.Unlock()
}

// pushSnapshot is the debounced outbound path. The canonical value is
// recorded as "last published" before the publish goes out, so the
// echo arriving through the subscription is already filtered.
func (e *Engine) pushSnapshot(ctx context.Context) {
	snapshot := e.doc.Snapshot()
	canonical, err := document.Canonical(snapshot)
	if err != nil {
		e.logf("snapshot is not serializable: %v", err)
		return
	}

	e.mu.Lock()
	if e.closed || canonical == e.prevCanonical {
		e.mu.Unlock()
		return
	}
	e.prevCanonical = canonical
	record := e.lastRecord
	record.ID = e.sessionID
	record.Document = snapshot
	record.LastModified = e.timestamp()
	e.lastRecord = record
	e.hasRecord = true
	sessionID := e.sessionID
	tracker := e.tracker
	e.mu.Unlock()

	if err := e.channel.PublishDocument(ctx, sessionID, record); err != nil {
		e.logf("realtime publish failed: %v", err)
	}
	if tracker != nil {
		if err := tracker.Heartbeat(ctx); err != nil {
			e.logf("presence heartbeat failed: %v", err)
		}
	}
}

// loadRecord fetches the REST record and restores the document from
// it. Fetch failures degrade to the sentinel record plus a status
// message instead of an error.
func (e *Engine) loadRecord(ctx context.Context, sessionID int64) bool {
	record, err := e.api.GetRecord(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		e.showMessage("The URL is deleted from database. Please check again.")
		e.setRecord(session.SentinelRecord(err), false)
		return false
	default:
		e.logf("record fetch failed: %v", err)
		e.showMessage("The database could not be reached. Please try again.")
		e.setRecord(session.SentinelRecord(err), false)
		return false
	}

	if err := e.doc.Restore(record.Document); err != nil {
		e.logf("record restore failed: %v", err)
		return false
	}
	e.setRecord(record, true)
	return true
}

// Save persists the current snapshot over the existing record.
func (e *Engine) Save(ctx context.Context, comment string) error {
	if comment == "" {
		return ErrCommentRequired
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.mode == ModeLegacy {
		e.mu.Unlock()
		return ErrNoSession
	}
	identity := e.identity
	sessionID := e.sessionID
	base := e.lastRecord
	e.mu.Unlock()

	if !identity.Authenticated() {
		e.showMessage("Please log in before saving.")
		return ErrAuthRequired
	}

	base.ID = sessionID
	base.OwnerID = identity.UserID
	base.Comment = comment
	base.LastModified = e.timestamp()
	base.Document = e.doc.Snapshot()
	updated, err := e.api.UpdateRecord(ctx, sessionID, base)
	if err != nil {
		e.showMessage("Saving failed. Please try again.")
		return err
	}
	e.setRecord(updated, true)
	e.showMessage("The state is saved to the database.")
	return nil
}

// SaveAs persists the current snapshot as a new record and rewrites
// the address to point at it.
func (e *Engine) SaveAs(ctx context.Context, comment string) (session.Record, error) {
	if comment == "" {
		return session.Record{}, ErrCommentRequired
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return session.Record{}, ErrClosed
	}
	identity := e.identity
	e.mu.Unlock()

	if !identity.Authenticated() {
		e.showMessage("Please log in before saving.")
		return session.Record{}, ErrAuthRequired
	}

	record := session.Record{
		OwnerID:      identity.UserID,
		Comment:      comment,
		LastModified: e.timestamp(),
		Document:     e.doc.Snapshot(),
	}
	created, err := e.api.CreateRecord(ctx, record)
	if err != nil {
		e.showMessage("Saving failed. Please try again.")
		return session.Record{}, err
	}

	e.mu.Lock()
	e.sessionID = created.ID
	e.lastRecord = created
	e.hasRecord = true
	e.mu.Unlock()
	e.loc.Replace(address.WithSessionID(e.loc.Current(), created.ID))
	e.showMessage("A new state is saved to the database.")
	return created, nil
}

// ResetToSaved discards local edits by re-fetching the persisted
// record. In multi-user mode the restored value flows out through the
// normal debounced push, so other viewers follow the reset.
func (e *Engine) ResetToSaved(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	mode := e.mode
	sessionID := e.sessionID
	e.mu.Unlock()

	if mode == ModeLegacy {
		e.showMessage("This is not saved to the database yet.")
		return ErrNoSession
	}
	record, err := e.api.GetRecord(ctx, sessionID)
	if err != nil {
		e.showMessage("The URL is deleted from database. Please check again.")
		return err
	}
	if err := e.doc.Restore(record.Document); err != nil {
		return err
	}
	e.setRecord(record, true)
	return nil
}

// Mode reports the mode decided at Init.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// DecodeError is the observable error slot for legacy fragment
// decoding. The host UI may render it; the engine keeps running.
func (e *Engine) DecodeError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decodeErr
}

// Record returns the last known server record, when one was fetched or
// received.
func (e *Engine) Record() (session.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRecord, e.hasRecord
}

// Identity returns the identity fetched during Init.
func (e *Engine) Identity() session.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// ActiveUsers lists current viewers of the session. Empty outside
// multi-user mode.
func (e *Engine) ActiveUsers() []presence.ActiveUser {
	e.mu.Lock()
	tracker := e.tracker
	e.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.ActiveUsers()
}

// Close cancels the debouncer and tears down every listener and
// subscription. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	remove := e.removeListener
	sub := e.docSub
	tracker := e.tracker
	e.removeListener = nil
	e.docSub = nil
	e.tracker = nil
	e.mu.Unlock()

	e.debouncer.Stop()
	if remove != nil {
		remove()
	}
	if sub != nil {
		sub.Close()
	}
	if tracker != nil {
		tracker.Close()
	}
}

// Leave removes the local user's presence entry. Callers that can tell
// a deliberate exit from a crash call it right before Close.
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	tracker := e.tracker
	e.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.Leave(ctx)
}

func (e *Engine) rewriteFragment() {
	fragment, err := legacy.Encode(e.doc.Snapshot())
	if err != nil {
		e.logf("fragment encode failed: %v", err)
		return
	}
	e.loc.Replace(address.WithFragment(e.loc.Current(), fragment))
}

func (e *Engine) fetchIdentity(ctx context.Context) {
	identity, err := e.api.GetIdentity(ctx)
	if err != nil {
		e.logf("identity fetch failed: %v", err)
		identity = session.Identity{}
	}
	e.mu.Lock()
	e.identity = identity
	e.mu.Unlock()
}

func (e *Engine) setRecord(record session.Record, ok bool) {
	e.mu.Lock()
	e.lastRecord = record
	e.hasRecord = ok
	e.mu.Unlock()
}

func (e *Engine) setMode(mode Mode) {
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
}

func (e *Engine) timestamp() string {
	return strconv.FormatInt(e.now().UnixMilli(), 10)
}

func (e *Engine) showMessage(message string) {
	if e.status != nil {
		e.status.ShowMessage(message)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
