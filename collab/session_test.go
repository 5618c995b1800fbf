package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.BatcherSettings = testBatcherSettings()
	settings.PresenceSettings = testPresenceSettings()
	return settings
}

func testAccessToken(t *testing.T, userId string, documentId string, canWrite bool) string {
	t.Helper()
	accessToken, err := NewAccessToken(
		&AccessClaims{
			UserId:     userId,
			DocumentId: documentId,
			CanWrite:   canWrite,
		},
		[]byte("test"),
		time.Hour,
	)
	assert.Equal(t, nil, err)
	return accessToken
}

func newTestSession(t *testing.T, store DocumentStore, userId string, documentId string, canWrite bool, elements []*Element) (*Session, *testSurface) {
	t.Helper()
	surface := newTestSurface(elements)
	session := NewSession(context.Background(), store, surface, testSessionSettings())
	surface.session = session

	err := session.Enable(documentId, testAccessToken(t, userId, documentId, canWrite), nil)
	assert.Equal(t, nil, err)
	return session, surface
}

func TestSessionEnableRejectsBadToken(t *testing.T) {
	store := NewMemoryStore()
	surface := newTestSurface(nil)
	session := NewSession(context.Background(), store, surface, testSessionSettings())
	defer session.Disable()

	err := session.Enable("doc-1", "not a token", nil)
	assert.Equal(t, ErrPermission, err)
	assert.Equal(t, ConnectionDisconnected, session.ConnectionState())
}

func TestSessionEnableRejectsOtherDocumentToken(t *testing.T) {
	store := NewMemoryStore()
	surface := newTestSurface(nil)
	session := NewSession(context.Background(), store, surface, testSessionSettings())
	defer session.Disable()

	err := session.Enable("doc-1", testAccessToken(t, "alice", "doc-2", true), nil)
	assert.Equal(t, ErrPermission, err)
	// the failure is synchronous: no store i/o happened
	assert.Equal(t, 0, store.OperationCount("doc-1"))
}

// subscribeFailStore rejects operation subscriptions
type subscribeFailStore struct {
	DocumentStore
}

func (self *subscribeFailStore) SubscribeToOperations(ctx context.Context, documentId string, callback OperationCallback) (func(), error) {
	return nil, errors.New("subscribe unavailable")
}

func TestSessionEnableSubscribeFailure(t *testing.T) {
	store := &subscribeFailStore{
		DocumentStore: NewMemoryStore(),
	}
	surface := newTestSurface(nil)
	session := NewSession(context.Background(), store, surface, testSessionSettings())
	defer session.Disable()
	surface.session = session

	err := session.Enable("doc-1", testAccessToken(t, "alice", "doc-1", true), nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, ConnectionDisconnected, session.ConnectionState())

	// the failed session is fully disabled, not half alive
	assert.Equal(t, ErrNotConnected, session.SendChatMessage("hello"))
	surface.localEdit(func(elements []*Element) []*Element {
		return append(elements, NewElement(ElementRectangle))
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.DocumentStore.(*MemoryStore).OperationCount("doc-1"))
}

func TestSessionLocalEditReachesStore(t *testing.T) {
	store := NewMemoryStore()
	session, surface := newTestSession(t, store, "alice", "doc-1", true, nil)
	defer session.Disable()

	element := NewElement(ElementRectangle)
	surface.localEdit(func(elements []*Element) []*Element {
		return append(elements, element)
	})

	waitFor(t, 2*time.Second, func() bool {
		return store.OperationCount("doc-1") == 1
	})

	snapshot, err := store.GetDocumentSnapshot(context.Background(), "doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(snapshot))
	assert.Equal(t, element.Id, snapshot[0].Id)
}

func TestSessionTwoSessionsConverge(t *testing.T) {
	store := NewMemoryStore()

	alice, aliceSurface := newTestSession(t, store, "alice", "doc-1", true, nil)
	defer alice.Disable()
	bob, bobSurface := newTestSession(t, store, "bob", "doc-1", true, nil)
	defer bob.Disable()

	element := NewElement(ElementRectangle)
	element.X = 25
	aliceSurface.localEdit(func(elements []*Element) []*Element {
		return append(elements, element)
	})

	waitFor(t, 2*time.Second, func() bool {
		return bobSurface.elementById(element.Id) != nil
	})
	assert.Equal(t, float64(25), bobSurface.elementById(element.Id).X)

	// bob edits the element back
	bobSurface.localEdit(func(elements []*Element) []*Element {
		for _, e := range elements {
			if e.Id == element.Id {
				e.Mutate()
				e.X = 75
			}
		}
		return elements
	})

	waitFor(t, 2*time.Second, func() bool {
		e := aliceSurface.elementById(element.Id)
		return e != nil && e.X == 75
	})
}

// concurrent edits to distinct elements both survive the merge,
// regardless of delivery interleaving
func TestSessionDisjointWritesConverge(t *testing.T) {
	store := NewMemoryStore()

	alice, aliceSurface := newTestSession(t, store, "alice", "doc-1", true, nil)
	defer alice.Disable()
	bob, bobSurface := newTestSession(t, store, "bob", "doc-1", true, nil)
	defer bob.Disable()

	a := NewElement(ElementRectangle)
	a.X = 10
	b := NewElement(ElementEllipse)
	b.X = 20

	aliceSurface.localEdit(func(elements []*Element) []*Element {
		return append(elements, a)
	})
	bobSurface.localEdit(func(elements []*Element) []*Element {
		return append(elements, b)
	})

	for _, surface := range []*testSurface{aliceSurface, bobSurface} {
		waitFor(t, 2*time.Second, func() bool {
			return surface.elementById(a.Id) != nil && surface.elementById(b.Id) != nil
		})
		assert.Equal(t, 2, len(surface.GetElements()))
		assert.Equal(t, float64(10), surface.elementById(a.Id).X)
		assert.Equal(t, float64(20), surface.elementById(b.Id).X)
	}
}

// a remote apply must produce zero outgoing operations
func TestSessionNoEcho(t *testing.T) {
	store := NewMemoryStore()

	alice, aliceSurface := newTestSession(t, store, "alice", "doc-1", true, nil)
	defer alice.Disable()
	bob, _ := newTestSession(t, store, "bob", "doc-1", true, nil)
	defer bob.Disable()

	element := NewElement(ElementRectangle)
	aliceSurface.localEdit(func(elements []*Element) []*Element {
		return append(elements, element)
	})

	// one operation from alice; bob applies it to his surface, which
	// fires his change notification, which must not re-emit it
	waitFor(t, 2*time.Second, func() bool {
		return store.OperationCount("doc-1") == 1
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, store.OperationCount("doc-1"))
	assert.Equal(t, 0, bob.batcher.PendingCount())
}

func TestSessionJoinSeesExistingDocument(t *testing.T) {
	store := NewMemoryStore()

	// alice populates the document first
	alice, aliceSurface := newTestSession(t, store, "alice", "doc-1", true, nil)
	defer alice.Disable()
	element := NewElement(ElementRectangle)
	aliceSurface.localEdit(func(elements []*Element) []*Element {
		return append(elements, element)
	})
	waitFor(t, 2*time.Second, func() bool {
		return store.OperationCount("doc-1") == 1
	})

	// bob joins late and catches up from the snapshot
	bob, bobSurface := newTestSession(t, store, "bob", "doc-1", true, nil)
	defer bob.Disable()

	waitFor(t, 2*time.Second, func() bool {
		return bobSurface.elementById(element.Id) != nil
	})
}

func TestSessionReadOnlyDropsEdits(t *testing.T) {
	store := NewMemoryStore()

	viewer, surface := newTestSession(t, store, "viewer", "doc-1", false, nil)
	defer viewer.Disable()

	surface.localEdit(func(elements []*Element) []*Element {
		return append(elements, NewElement(ElementRectangle))
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, store.OperationCount("doc-1"))
}

func TestSessionChatDelivery(t *testing.T) {
	store := NewMemoryStore()

	alice, _ := newTestSession(t, store, "alice", "doc-1", true, nil)
	defer alice.Disable()
	bob, _ := newTestSession(t, store, "bob", "doc-1", true, nil)
	defer bob.Disable()

	messageLock := sync.Mutex{}
	messages := []*ChatMessage{}
	bob.AddChatCallback(func(message *ChatMessage) {
		messageLock.Lock()
		messages = append(messages, message)
		messageLock.Unlock()
	})

	err := alice.SendChatMessage("  hi \x00there ")
	assert.Equal(t, nil, err)

	waitFor(t, 2*time.Second, func() bool {
		messageLock.Lock()
		defer messageLock.Unlock()
		return 1 == len(messages)
	})

	messageLock.Lock()
	defer messageLock.Unlock()
	assert.Equal(t, "alice", messages[0].UserId)
	// control characters stripped, whitespace trimmed
	assert.Equal(t, "hi there", messages[0].Text)
}

func TestSessionChatReadOnly(t *testing.T) {
	store := NewMemoryStore()

	viewer, _ := newTestSession(t, store, "viewer", "doc-1", false, nil)
	defer viewer.Disable()

	assert.Equal(t, ErrPermission, viewer.SendChatMessage("hello"))
}

func TestSessionChatRateLimit(t *testing.T) {
	store := NewMemoryStore()

	settings := testSessionSettings()
	settings.ChatRateLimit = 3
	settings.ChatRateLimitInterval = time.Hour

	surface := newTestSurface(nil)
	session := NewSession(context.Background(), store, surface, settings)
	defer session.Disable()
	err := session.Enable("doc-1", testAccessToken(t, "alice", "doc-1", true), nil)
	assert.Equal(t, nil, err)

	limited := false
	for i := 0; i < 6; i += 1 {
		if err := session.SendChatMessage("spam"); err == ErrRateLimited {
			limited = true
		}
	}
	assert.Equal(t, true, limited)
}

// connectionStore simulates a store with a network connection that can
// drop and recover, and counts snapshot fetches
type connectionStore struct {
	DocumentStore

	stateLock     sync.Mutex
	callbacks     []func(connected bool)
	snapshotCount int
}

func (self *connectionStore) AddConnectionCallback(callback func(connected bool)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.callbacks = append(self.callbacks, callback)
	return func() {}
}

func (self *connectionStore) GetDocumentSnapshot(ctx context.Context, documentId string) ([]*Element, error) {
	self.stateLock.Lock()
	self.snapshotCount += 1
	self.stateLock.Unlock()

	return self.DocumentStore.GetDocumentSnapshot(ctx, documentId)
}

func (self *connectionStore) SnapshotCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshotCount
}

func (self *connectionStore) setConnected(connected bool) {
	self.stateLock.Lock()
	callbacks := append([]func(connected bool){}, self.callbacks...)
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		callback(connected)
	}
}

func TestSessionReconnectCatchUp(t *testing.T) {
	store := &connectionStore{
		DocumentStore: NewMemoryStore(),
	}

	session, surface := newTestSession(t, store, "alice", "doc-1", true, nil)
	defer session.Disable()
	assert.Equal(t, ConnectionConnected, session.ConnectionState())
	// join fetched exactly one snapshot
	assert.Equal(t, 1, store.SnapshotCount())

	store.setConnected(false)
	assert.Equal(t, ConnectionReconnecting, session.ConnectionState())

	// an operation appended while the connection was down
	missed := NewElement(ElementRectangle)
	missedOp := NewOperation(OpAdd, NewId(), []*Element{missed})
	memory := store.DocumentStore.(*MemoryStore)
	memory.AppendOperation(context.Background(), "doc-1", missedOp)

	store.setConnected(true)
	assert.Equal(t, ConnectionConnected, session.ConnectionState())
	// reconnect fetched exactly one more snapshot
	assert.Equal(t, 2, store.SnapshotCount())

	waitFor(t, 2*time.Second, func() bool {
		return surface.elementById(missed.Id) != nil
	})
	// the catch up produced no duplicate: one element on the surface
	assert.Equal(t, 1, len(surface.GetElements()))
}

func TestSessionDisableFlushesPending(t *testing.T) {
	store := NewMemoryStore()

	settings := testSessionSettings()
	// a long window so the flush can only come from Disable
	settings.BatcherSettings.FlushTimeout = time.Hour

	surface := newTestSurface(nil)
	session := NewSession(context.Background(), store, surface, settings)
	surface.session = session
	err := session.Enable("doc-1", testAccessToken(t, "alice", "doc-1", true), nil)
	assert.Equal(t, nil, err)

	surface.localEdit(func(elements []*Element) []*Element {
		return append(elements, NewElement(ElementRectangle))
	})

	session.Disable()
	assert.Equal(t, 1, store.OperationCount("doc-1"))
	assert.Equal(t, ConnectionDisconnected, session.ConnectionState())
}

func TestSessionConnectionStateCallbacks(t *testing.T) {
	store := NewMemoryStore()
	surface := newTestSurface(nil)
	session := NewSession(context.Background(), store, surface, testSessionSettings())

	stateLock := sync.Mutex{}
	states := []ConnectionState{}
	session.AddConnectionStateCallback(func(state ConnectionState) {
		stateLock.Lock()
		states = append(states, state)
		stateLock.Unlock()
	})

	err := session.Enable("doc-1", testAccessToken(t, "alice", "doc-1", true), nil)
	assert.Equal(t, nil, err)
	session.Disable()

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, []ConnectionState{
		ConnectionConnecting,
		ConnectionConnected,
		ConnectionDisconnected,
	}, states)
}

func TestSanitizeChatText(t *testing.T) {
	assert.Equal(t, "hello", sanitizeChatText("  hello  ", 500))
	assert.Equal(t, "ab", sanitizeChatText("a\x00\x1bb", 500))
	assert.Equal(t, "a\nb", sanitizeChatText("a\nb", 500))
	assert.Equal(t, "", sanitizeChatText(" \x00 ", 500))
	// truncation lands on a rune boundary
	assert.Equal(t, "héllo"[:len("hé")], sanitizeChatText("héllo", 3))
}
