package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/activebrainatlas/statelink/internal/address"
	"github.com/activebrainatlas/statelink/internal/document"
	"github.com/activebrainatlas/statelink/internal/legacy"
	"github.com/activebrainatlas/statelink/internal/realtime"
	"github.com/activebrainatlas/statelink/internal/session"
)

type fakeAPI struct {
	mu          sync.Mutex
	identity    session.Identity
	identityErr error
	records     map[int64]session.Record
	getCalls    int
	getErr      error
	nextID      int64
	updateErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{records: map[int64]session.Record{}, nextID: 100}
}

func (a *fakeAPI) GetIdentity(ctx context.Context) (session.Identity, error) {
	return a.identity, a.identityErr
}

func (a *fakeAPI) GetRecord(ctx context.Context, id int64) (session.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getCalls++
	if a.getErr != nil {
		return session.Record{}, a.getErr
	}
	record, ok := a.records[id]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	return record, nil
}

func (a *fakeAPI) CreateRecord(ctx context.Context, record session.Record) (session.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	record.ID = a.nextID
	a.records[record.ID] = record
	return record, nil
}

func (a *fakeAPI) UpdateRecord(ctx context.Context, id int64, record session.Record) (session.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updateErr != nil {
		return session.Record{}, a.updateErr
	}
	record.ID = id
	a.records[id] = record
	return record, nil
}

type countingChannel struct {
	*realtime.MemoryChannel
	mu           sync.Mutex
	docPublishes int
}

func newCountingChannel() *countingChannel {
	return &countingChannel{MemoryChannel: realtime.NewMemoryChannel()}
}

func (c *countingChannel) PublishDocument(ctx context.Context, sessionID int64, record session.Record) error {
	c.mu.Lock()
	c.docPublishes++
	c.mu.Unlock()
	return c.MemoryChannel.PublishDocument(ctx, sessionID, record)
}

func (c *countingChannel) publishes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docPublishes
}

type recordingStatus struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingStatus) ShowMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
}

func (s *recordingStatus) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func mustLocation(t *testing.T, rawURL string) *address.MemoryLocation {
	t.Helper()
	loc, err := address.NewMemoryLocation(rawURL)
	if err != nil {
		t.Fatalf("parse url %q: %v", rawURL, err)
	}
	return loc
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Document == nil {
		opts.Document = document.NewTrackable()
	}
	if opts.DebounceInterval == 0 {
		opts.DebounceInterval = 5 * time.Millisecond
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestLegacyFragmentRestoresDocument(t *testing.T) {
	doc := document.NewTrackable()
	loc := mustLocation(t, `https://viewer.example/#!%7B%22x%22:1%7D`)
	eng := newEngine(t, Options{Document: doc, Location: loc})

	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if eng.Mode() != ModeLegacy {
		t.Fatalf("mode = %v, want legacy", eng.Mode())
	}
	if got := doc.Snapshot()["x"]; got != float64(1) {
		t.Fatalf("x = %v, want 1", got)
	}
}

func TestLegacyEditRewritesFragment(t *testing.T) {
	doc := document.NewTrackable()
	loc := mustLocation(t, `https://viewer.example/#!%7B%22x%22:1%7D`)
	eng := newEngine(t, Options{Document: doc, Location: loc})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	doc.Update(func(value map[string]any) { value["x"] = float64(2) })

	state := address.FromURL(loc.Current())
	result, err := legacyDecodeForTest(state.Fragment)
	if err != nil {
		t.Fatalf("decode rewritten fragment: %v", err)
	}
	if result["x"] != float64(2) {
		t.Fatalf("rewritten fragment carries x = %v, want 2", result["x"])
	}
}

func TestLegacyDecodeFailureIsObservable(t *testing.T) {
	doc := document.NewTrackable()
	loc := mustLocation(t, `https://viewer.example/#not-json`)
	eng := newEngine(t, Options{Document: doc, Location: loc})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if eng.DecodeError() == nil {
		t.Fatal("decode error slot is empty")
	}
	if len(doc.Snapshot()) != 0 {
		t.Fatalf("document should stay empty, got %v", doc.Snapshot())
	}
}

func TestSingleUserLoadsRecord(t *testing.T) {
	api := newFakeAPI()
	api.records[42] = session.Record{
		ID:       42,
		Comment:  "saved layers",
		Document: map[string]any{"zoom": float64(3)},
	}
	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=42"),
		Session:  api,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if eng.Mode() != ModeSingleUser {
		t.Fatalf("mode = %v, want single-user", eng.Mode())
	}
	if doc.Snapshot()["zoom"] != float64(3) {
		t.Fatalf("zoom = %v, want 3", doc.Snapshot()["zoom"])
	}
	record, ok := eng.Record()
	if !ok || record.ID != 42 {
		t.Fatalf("record = %+v ok=%v", record, ok)
	}
}

func TestSingleUserMissingRecordGetsSentinel(t *testing.T) {
	api := newFakeAPI()
	status := &recordingStatus{}
	eng := newEngine(t, Options{
		Document: document.NewTrackable(),
		Location: mustLocation(t, "https://viewer.example/?id=42"),
		Session:  api,
		Status:   status,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	record, ok := eng.Record()
	if ok {
		t.Fatalf("record should be the sentinel, got ok=true %+v", record)
	}
	if record.ID != 0 || record.LastModified != "0" {
		t.Fatalf("sentinel record = %+v", record)
	}
	messages := status.all()
	if len(messages) == 0 {
		t.Fatal("no status message shown for missing record")
	}
}

func TestMultiUserUnauthenticatedIsReadOnly(t *testing.T) {
	api := newFakeAPI()
	api.records[42] = session.Record{ID: 42, Document: map[string]any{"zoom": float64(3)}}
	channel := newCountingChannel()
	status := &recordingStatus{}
	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=42&multi=1"),
		Session:  api,
		Channel:  channel,
		Status:   status,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if doc.Snapshot()["zoom"] != float64(3) {
		t.Fatal("reads should still proceed while unauthenticated")
	}
	if len(status.all()) == 0 {
		t.Fatal("no warning shown")
	}

	doc.Update(func(value map[string]any) { value["zoom"] = float64(9) })
	time.Sleep(30 * time.Millisecond)
	if channel.publishes() != 0 {
		t.Fatalf("unauthenticated engine published %d times", channel.publishes())
	}
	if err := eng.Save(context.Background(), "note"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("save err = %v, want ErrAuthRequired", err)
	}
}

func TestMultiUserRealtimeRecordWins(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[7] = session.Record{ID: 7, Document: map[string]any{"zoom": float64(1)}}
	channel := newCountingChannel()
	shared := session.Record{ID: 7, Document: map[string]any{"zoom": float64(8)}}
	if err := channel.MemoryChannel.PublishDocument(context.Background(), 7, shared); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=7&multi=1"),
		Session:  api,
		Channel:  channel,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if doc.Snapshot()["zoom"] != float64(8) {
		t.Fatalf("zoom = %v, want the mirrored 8", doc.Snapshot()["zoom"])
	}
}

func TestMultiUserSeedsRealtimeFromRecord(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[7] = session.Record{ID: 7, Document: map[string]any{"zoom": float64(1)}}
	channel := newCountingChannel()
	eng := newEngine(t, Options{
		Document: document.NewTrackable(),
		Location: mustLocation(t, "https://viewer.example/?id=7&multi=1"),
		Session:  api,
		Channel:  channel,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	mirrored, present, err := channel.ReadDocument(context.Background(), 7)
	if err != nil || !present {
		t.Fatalf("mirror missing after init: present=%v err=%v", present, err)
	}
	if mirrored.Document["zoom"] != float64(1) {
		t.Fatalf("mirrored zoom = %v, want 1", mirrored.Document["zoom"])
	}

	presence, err := channel.ReadPresence(context.Background(), 7)
	if err != nil {
		t.Fatalf("read presence: %v", err)
	}
	if presence[5].Name != "anna" {
		t.Fatalf("presence = %+v, want anna under id 5", presence)
	}
}

func TestDebounceCoalescesEdits(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[7] = session.Record{ID: 7, Document: map[string]any{"zoom": float64(1)}}
	channel := newCountingChannel()
	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document:         doc,
		Location:         mustLocation(t, "https://viewer.example/?id=7&multi=1"),
		Session:          api,
		Channel:          channel,
		DebounceInterval: 20 * time.Millisecond,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	seedPublishes := channel.publishes()

	for i := 1; i <= 5; i++ {
		doc.Update(func(value map[string]any) { value["zoom"] = float64(i) })
	}
	waitFor(t, "the coalesced publish", func() bool {
		return channel.publishes() > seedPublishes
	})
	time.Sleep(60 * time.Millisecond)

	if got := channel.publishes() - seedPublishes; got != 1 {
		t.Fatalf("publishes after burst = %d, want 1", got)
	}
	mirrored, _, err := channel.ReadDocument(context.Background(), 7)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if mirrored.Document["zoom"] != float64(5) {
		t.Fatalf("mirrored zoom = %v, want the last edit 5", mirrored.Document["zoom"])
	}
}

func TestEchoFilterSuppressesRepublish(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[7] = session.Record{ID: 7, Document: map[string]any{"zoom": float64(1)}}
	channel := newCountingChannel()
	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=7&multi=1"),
		Session:  api,
		Channel:  channel,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	seedPublishes := channel.publishes()

	doc.Update(func(value map[string]any) { value["zoom"] = float64(2) })
	waitFor(t, "the outbound publish", func() bool {
		return channel.publishes() > seedPublishes
	})

	// The memory channel echoes synchronously, so by now any feedback
	// loop would already have produced extra publishes.
	time.Sleep(50 * time.Millisecond)
	if got := channel.publishes() - seedPublishes; got != 1 {
		t.Fatalf("publishes = %d, want exactly 1", got)
	}
}

func TestInboundRemoteRecordRestoresDocument(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[7] = session.Record{ID: 7, Document: map[string]any{"zoom": float64(1)}}
	channel := newCountingChannel()
	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=7&multi=1"),
		Session:  api,
		Channel:  channel,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	seedPublishes := channel.publishes()

	remote := session.Record{ID: 7, Document: map[string]any{"zoom": float64(12)}}
	if err := channel.MemoryChannel.PublishDocument(context.Background(), 7, remote); err != nil {
		t.Fatalf("publish remote: %v", err)
	}
	waitFor(t, "the remote restore", func() bool {
		return doc.Snapshot()["zoom"] == float64(12)
	})

	// Applying the remote record must not bounce it back out.
	time.Sleep(50 * time.Millisecond)
	if got := channel.publishes() - seedPublishes; got != 0 {
		t.Fatalf("remote apply caused %d publishes", got)
	}
}

func TestInboundInvalidRecordLeavesDocumentIntact(t *testing.T) {
	validator, err := document.NewValidator([]byte(`{
		"type": "object",
		"required": ["zoom"],
		"properties": {"zoom": {"type": "number"}},
		"additionalProperties": false
	}`))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[7] = session.Record{ID: 7, Document: map[string]any{"zoom": float64(1)}}
	channel := newCountingChannel()
	doc := document.NewValidatedTrackable(validator)
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=7&multi=1"),
		Session:  api,
		Channel:  channel,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	seedPublishes := channel.publishes()

	bogus := session.Record{ID: 7, Document: map[string]any{"bogus": "no zoom here"}}
	if err := channel.MemoryChannel.PublishDocument(context.Background(), 7, bogus); err != nil {
		t.Fatalf("publish bogus: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := doc.Snapshot()["zoom"]; got != float64(1) {
		t.Fatalf("previous document not left intact: zoom = %v, want 1", got)
	}
	if got := channel.publishes() - seedPublishes; got != 0 {
		t.Fatalf("failed restore caused %d outbound publish(es)", got)
	}

	// A later valid record must still flow through; the failed restore
	// must not have poisoned the echo-filter state.
	valid := session.Record{ID: 7, Document: map[string]any{"zoom": float64(4)}}
	if err := channel.MemoryChannel.PublishDocument(context.Background(), 7, valid); err != nil {
		t.Fatalf("publish valid: %v", err)
	}
	waitFor(t, "the valid restore", func() bool {
		return doc.Snapshot()["zoom"] == float64(4)
	})
}

func TestSaveRequiresComment(t *testing.T) {
	eng := newEngine(t, Options{
		Document: document.NewTrackable(),
		Location: mustLocation(t, "https://viewer.example/?id=42"),
		Session:  newFakeAPI(),
	})
	if err := eng.Save(context.Background(), ""); !errors.Is(err, ErrCommentRequired) {
		t.Fatalf("err = %v, want ErrCommentRequired", err)
	}
}

func TestSaveUpdatesRecord(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[42] = session.Record{ID: 42, Document: map[string]any{"zoom": float64(1)}}
	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=42"),
		Session:  api,
		Now:      func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	doc.Update(func(value map[string]any) { value["zoom"] = float64(9) })
	if err := eng.Save(context.Background(), "zoomed in"); err != nil {
		t.Fatalf("save: %v", err)
	}

	saved := api.records[42]
	if saved.Comment != "zoomed in" || saved.OwnerID != 5 {
		t.Fatalf("saved = %+v", saved)
	}
	if saved.Document["zoom"] != float64(9) {
		t.Fatalf("saved zoom = %v, want 9", saved.Document["zoom"])
	}
	if saved.LastModified != "1700000000000" {
		t.Fatalf("saved timestamp = %q", saved.LastModified)
	}
}

func TestSaveAsRewritesAddress(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[42] = session.Record{ID: 42, Document: map[string]any{"zoom": float64(1)}}
	loc := mustLocation(t, "https://viewer.example/?id=42")
	eng := newEngine(t, Options{
		Document: document.NewTrackable(),
		Location: loc,
		Session:  api,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	created, err := eng.SaveAs(context.Background(), "my copy")
	if err != nil {
		t.Fatalf("save as: %v", err)
	}
	if created.ID == 42 || created.ID == 0 {
		t.Fatalf("created id = %d, want a fresh id", created.ID)
	}

	state := address.FromURL(loc.Current())
	if !state.HasSession || state.SessionID != created.ID {
		t.Fatalf("address state = %+v, want id %d", state, created.ID)
	}
}

func TestResetToSavedWithoutSession(t *testing.T) {
	status := &recordingStatus{}
	eng := newEngine(t, Options{
		Document: document.NewTrackable(),
		Location: mustLocation(t, "https://viewer.example/"),
		Status:   status,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := eng.ResetToSaved(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
	messages := status.all()
	if len(messages) == 0 || messages[len(messages)-1] != "This is not saved to the database yet." {
		t.Fatalf("messages = %v", messages)
	}
}

func TestResetToSavedRestoresRecord(t *testing.T) {
	api := newFakeAPI()
	api.records[42] = session.Record{ID: 42, Document: map[string]any{"zoom": float64(1)}}
	doc := document.NewTrackable()
	eng := newEngine(t, Options{
		Document: doc,
		Location: mustLocation(t, "https://viewer.example/?id=42"),
		Session:  api,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	doc.Update(func(value map[string]any) { value["zoom"] = float64(99) })
	if err := eng.ResetToSaved(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if doc.Snapshot()["zoom"] != float64(1) {
		t.Fatalf("zoom = %v, want the saved 1", doc.Snapshot()["zoom"])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	api.identity = session.Identity{UserID: 5, Username: "anna"}
	api.records[7] = session.Record{ID: 7, Document: map[string]any{}}
	eng := newEngine(t, Options{
		Document: document.NewTrackable(),
		Location: mustLocation(t, "https://viewer.example/?id=7&multi=1"),
		Session:  api,
		Channel:  newCountingChannel(),
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	eng.Close()
	eng.Close()
	if err := eng.Save(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("save after close: err = %v, want ErrClosed", err)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	fired := make(chan struct{}, 1)
	d.Trigger(func() { fired <- struct{}{} })
	d.Stop()
	select {
	case <-fired:
		t.Fatal("stopped debouncer still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDebouncerTrailingCall(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()
	var mu sync.Mutex
	got := 0
	for i := 1; i <= 5; i++ {
		v := i
		d.Trigger(func() {
			mu.Lock()
			got = v
			mu.Unlock()
		})
	}
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if got != 5 {
		t.Fatalf("trailing call saw %d, want 5", got)
	}
}

func legacyDecodeForTest(fragment string) (map[string]any, error) {
	result, err := legacy.Decode(context.Background(), fragment, nil)
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}
