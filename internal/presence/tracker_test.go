package presence

import (
	"context"
	"testing"
	"time"

	"github.com/activebrainatlas/statelink/internal/realtime"
	"github.com/activebrainatlas/statelink/internal/session"
)

func fixedNow() time.Time {
	return time.UnixMilli(1_700_000_000_000)
}

func newTestTracker(t *testing.T, channel realtime.Channel, onUpdate func([]ActiveUser)) *Tracker {
	t.Helper()
	tracker, err := NewTracker(Options{
		Channel:   channel,
		SessionID: 7,
		Self:      session.Identity{UserID: 12, Username: "ana"},
		OnUpdate:  onUpdate,
		Now:       fixedNow,
	})
	if err != nil {
		t.Fatalf("new tracker failed: %v", err)
	}
	return tracker
}

func TestStartPublishesOwnEntryImmediately(t *testing.T) {
	channel := realtime.NewMemoryChannel()
	tracker := newTestTracker(t, channel, nil)
	defer tracker.Close()

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	entries, err := channel.ReadPresence(context.Background(), 7)
	if err != nil {
		t.Fatalf("read presence failed: %v", err)
	}
	entry, ok := entries[12]
	if !ok || entry.Name != "ana" {
		t.Fatalf("expected own heartbeat entry, got %v", entries)
	}
	if entry.Date != fixedNow().UnixMilli() {
		t.Fatalf("expected fresh heartbeat timestamp, got %d", entry.Date)
	}
}

func TestTTLFilterExcludesStaleEntries(t *testing.T) {
	channel := realtime.NewMemoryChannel()
	ctx := context.Background()
	nowMs := fixedNow().UnixMilli()
	// 400s old: stale. 100s old: active.
	_ = channel.PublishPresence(ctx, 7, 90, realtime.PresenceEntry{Name: "stale", Date: nowMs - 400_000})
	_ = channel.PublishPresence(ctx, 7, 91, realtime.PresenceEntry{Name: "active", Date: nowMs - 100_000})

	tracker := newTestTracker(t, channel, nil)
	defer tracker.Close()
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	users := tracker.ActiveUsers()
	names := map[string]bool{}
	for _, u := range users {
		names[u.Name] = true
	}
	if names["stale"] {
		t.Fatalf("entry older than TTL must be excluded, got %v", users)
	}
	if !names["active"] {
		t.Fatalf("entry inside TTL must be included, got %v", users)
	}
}

func TestStaleEntriesAreHiddenNotDeleted(t *testing.T) {
	channel := realtime.NewMemoryChannel()
	ctx := context.Background()
	_ = channel.PublishPresence(ctx, 7, 90, realtime.PresenceEntry{Name: "stale", Date: 1})

	tracker := newTestTracker(t, channel, nil)
	defer tracker.Close()
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if users := tracker.ActiveUsers(); len(users) != 1 {
		t.Fatalf("expected only own entry in view, got %v", users)
	}
	entries, _ := channel.ReadPresence(ctx, 7)
	if _, ok := entries[90]; !ok {
		t.Fatalf("stale entry must persist in the store")
	}
}

func TestOwnEntrySortsFirst(t *testing.T) {
	channel := realtime.NewMemoryChannel()
	ctx := context.Background()
	nowMs := fixedNow().UnixMilli()
	_ = channel.PublishPresence(ctx, 7, 1, realtime.PresenceEntry{Name: "aaron", Date: nowMs})
	_ = channel.PublishPresence(ctx, 7, 2, realtime.PresenceEntry{Name: "zoe", Date: nowMs})

	tracker := newTestTracker(t, channel, nil)
	defer tracker.Close()
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	users := tracker.ActiveUsers()
	if len(users) != 3 {
		t.Fatalf("expected 3 active users, got %v", users)
	}
	if users[0].UserID != 12 {
		t.Fatalf("local user must sort first, got %v", users)
	}
	if users[1].Name != "aaron" || users[2].Name != "zoe" {
		t.Fatalf("remaining users must be name-ordered, got %v", users)
	}
}

func TestSubscriptionRerendersOnChange(t *testing.T) {
	channel := realtime.NewMemoryChannel()
	var lastView []ActiveUser
	tracker := newTestTracker(t, channel, func(users []ActiveUser) { lastView = users })
	defer tracker.Close()
	ctx := context.Background()
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = channel.PublishPresence(ctx, 7, 2, realtime.PresenceEntry{Name: "zoe", Date: fixedNow().UnixMilli()})
	if len(lastView) != 2 {
		t.Fatalf("expected re-render with two users, got %v", lastView)
	}
}

func TestLeaveRemovesOwnEntry(t *testing.T) {
	channel := realtime.NewMemoryChannel()
	tracker := newTestTracker(t, channel, nil)
	defer tracker.Close()
	ctx := context.Background()
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := tracker.Leave(ctx); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	entries, _ := channel.ReadPresence(ctx, 7)
	if _, ok := entries[12]; ok {
		t.Fatalf("leave must remove the local entry, got %v", entries)
	}
}

func TestCloseStopsUpdates(t *testing.T) {
	channel := realtime.NewMemoryChannel()
	updates := 0
	tracker := newTestTracker(t, channel, func([]ActiveUser) { updates++ })
	ctx := context.Background()
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	tracker.Close()
	before := updates
	_ = channel.PublishPresence(ctx, 7, 2, realtime.PresenceEntry{Name: "zoe", Date: fixedNow().UnixMilli()})
	if updates != before {
		t.Fatalf("closed tracker must not re-render")
	}
}

func TestUnauthenticatedUserRejected(t *testing.T) {
	_, err := NewTracker(Options{
		Channel: realtime.NewMemoryChannel(),
		Self:    session.Identity{UserID: 0},
	})
	if err == nil {
		t.Fatalf("user 0 must not join the presence map")
	}
}
