package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testPresenceSettings() *PresenceSettings {
	settings := DefaultPresenceSettings()
	settings.MinPublishInterval = 20 * time.Millisecond
	settings.HeartbeatInterval = 50 * time.Millisecond
	settings.StaleTimeout = 200 * time.Millisecond
	return settings
}

// countingPresenceStore counts SetPresence calls
type countingPresenceStore struct {
	DocumentStore

	stateLock sync.Mutex
	setCount  int
	last      *PresenceRecord
}

func (self *countingPresenceStore) SetPresence(ctx context.Context, documentId string, userId string, record *PresenceRecord) error {
	self.stateLock.Lock()
	self.setCount += 1
	self.last = record.Clone()
	self.stateLock.Unlock()

	return self.DocumentStore.SetPresence(ctx, documentId, userId, record)
}

func (self *countingPresenceStore) SetCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.setCount
}

func (self *countingPresenceStore) Last() *PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.last
}

func TestPresenceColorDeterministic(t *testing.T) {
	assert.Equal(t, PresenceColor("user-1"), PresenceColor("user-1"))
	for _, userId := range []string{"user-1", "user-2", "alice", "bob"} {
		found := false
		for _, color := range presencePalette {
			if color == PresenceColor(userId) {
				found = true
			}
		}
		assert.Equal(t, true, found)
	}
}

func TestBroadcasterPublishesAndFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()

	alice := NewBroadcaster(ctx, store, "doc-1", "alice", "Alice", testPresenceSettings())
	defer alice.Stop()
	bob := NewBroadcaster(ctx, store, "doc-1", "bob", "Bob", testPresenceSettings())
	defer bob.Stop()

	// each sees the other, never itself
	waitFor(t, 2*time.Second, func() bool {
		return 1 == len(alice.ActiveUsers()) && 1 == len(bob.ActiveUsers())
	})
	assert.Equal(t, "bob", alice.ActiveUsers()[0].UserId)
	assert.Equal(t, "alice", bob.ActiveUsers()[0].UserId)
	assert.Equal(t, PresenceColor("alice"), bob.ActiveUsers()[0].Color)
}

func TestBroadcasterCursorThrottle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &countingPresenceStore{
		DocumentStore: NewMemoryStore(),
	}

	settings := testPresenceSettings()
	settings.MinPublishInterval = 100 * time.Millisecond
	settings.HeartbeatInterval = time.Hour

	broadcaster := NewBroadcaster(ctx, store, "doc-1", "alice", "Alice", settings)
	defer broadcaster.Stop()

	waitFor(t, 2*time.Second, func() bool {
		// initial publish
		return 1 == store.SetCount()
	})

	// a burst of moves inside one window publishes at most twice: the
	// leading move and the trailing queued one
	for i := 0; i < 50; i += 1 {
		broadcaster.UpdateCursor(float64(10*i), float64(10*i))
	}
	waitFor(t, 2*time.Second, func() bool {
		return 2 <= store.SetCount()
	})
	time.Sleep(150 * time.Millisecond)
	if maxCount := 3; maxCount < store.SetCount() {
		t.Fatalf("burst published %d times", store.SetCount())
	}

	// the trailing publish carries the final position
	assert.Equal(t, float64(490), store.Last().Cursor.X)
}

func TestBroadcasterCursorDeltaThreshold(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &countingPresenceStore{
		DocumentStore: NewMemoryStore(),
	}

	settings := testPresenceSettings()
	settings.MinPublishInterval = time.Millisecond
	settings.HeartbeatInterval = time.Hour

	broadcaster := NewBroadcaster(ctx, store, "doc-1", "alice", "Alice", settings)
	defer broadcaster.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return 1 == store.SetCount()
	})

	// sub-pixel jitter below the delta threshold never publishes
	for i := 0; i < 20; i += 1 {
		broadcaster.UpdateCursor(0.5, 0.5)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 1, store.SetCount())
}

func TestBroadcasterRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testPresenceSettings()
	settings.CursorRateLimit = 5
	settings.CursorRateLimitInterval = time.Hour

	broadcaster := NewBroadcaster(ctx, NewMemoryStore(), "doc-1", "alice", "Alice", settings)
	defer broadcaster.Stop()

	limited := false
	for i := 0; i < 10; i += 1 {
		if err := broadcaster.UpdateCursor(float64(100*i), 0); err == ErrRateLimited {
			limited = true
		}
	}
	assert.Equal(t, true, limited)
}

func TestBroadcasterStaleFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()

	settings := testPresenceSettings()
	settings.StaleTimeout = 100 * time.Millisecond

	broadcaster := NewBroadcaster(ctx, store, "doc-1", "alice", "Alice", settings)
	defer broadcaster.Stop()

	// a participant that stopped refreshing
	store.SetPresence(ctx, "doc-1", "ghost", &PresenceRecord{
		UserId:   "ghost",
		LastSeen: NowMilli() - 10_000,
	})
	// and a live one
	store.SetPresence(ctx, "doc-1", "bob", &PresenceRecord{
		UserId:   "bob",
		LastSeen: NowMilli(),
	})

	waitFor(t, 2*time.Second, func() bool {
		users := broadcaster.ActiveUsers()
		return 1 == len(users) && "bob" == users[0].UserId
	})
}

// a trailing queued publish must not re-publish the record after Stop
// removed it
func TestBroadcasterStopCancelsQueuedPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &countingPresenceStore{
		DocumentStore: NewMemoryStore(),
	}

	settings := testPresenceSettings()
	settings.MinPublishInterval = 500 * time.Millisecond
	settings.HeartbeatInterval = time.Hour

	broadcaster := NewBroadcaster(ctx, store, "doc-1", "alice", "Alice", settings)

	waitFor(t, 2*time.Second, func() bool {
		return 1 == store.SetCount()
	})

	// inside the publish window: this queues a trailing publish
	broadcaster.UpdateCursor(100, 100)
	setCount := store.SetCount()

	broadcaster.Stop()

	// past the trailing publish delay: no ghost record was published
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, setCount, store.SetCount())
}

func TestBroadcasterStopRemovesPresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()

	alice := NewBroadcaster(ctx, store, "doc-1", "alice", "Alice", testPresenceSettings())
	bob := NewBroadcaster(ctx, store, "doc-1", "bob", "Bob", testPresenceSettings())
	defer bob.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return 1 == len(bob.ActiveUsers())
	})

	alice.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return 0 == len(bob.ActiveUsers())
	})
}
