package collab

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionDisconnected = ConnectionState("disconnected")
	ConnectionConnecting   = ConnectionState("connecting")
	ConnectionConnected    = ConnectionState("connected")
	ConnectionReconnecting = ConnectionState("reconnecting")
)

// optional store capability: stores with a real network connection
// report up/down transitions so the session can run catch up on
// reconnect
type ConnectionStateStore interface {
	AddConnectionCallback(callback func(connected bool)) func()
}

type UserInfo struct {
	DisplayName string
}

type SessionSettings struct {
	SnapshotTimeout time.Duration

	ChatRateLimit         int
	ChatRateLimitInterval time.Duration
	MaxChatLength         int

	BatcherSettings  *BatcherSettings
	ApplierSettings  *ApplierSettings
	PresenceSettings *PresenceSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		SnapshotTimeout:       10 * time.Second,
		ChatRateLimit:         10,
		ChatRateLimitInterval: 10 * time.Second,
		MaxChatLength:         500,
		BatcherSettings:       DefaultBatcherSettings(),
		ApplierSettings:       DefaultApplierSettings(),
		PresenceSettings:      DefaultPresenceSettings(),
	}
}

type connectionStateCallback struct {
	callback func(state ConnectionState)
}

type chatMessageCallback struct {
	callback ChatCallback
}

// Session is one document's engine instance, constructed per Enable
// and destroyed on Disable. There is no process wide state: everything
// hangs off the session value.
//
// Lifecycle: Disconnected -> Connecting -> Connected ->
// (Disconnected | Reconnecting -> Connected). On Connected the
// detector output is wired to the batcher, the applier subscribes to
// the operation tail, and the presence broadcaster starts. On
// disconnect subscriptions are torn down, pending operations are
// flushed best effort, and local presence is cleared. Reconnect
// resubscribes from the current tail and fetches one full snapshot,
// reconciled through the conflict resolver.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   DocumentStore
	surface RenderingSurface

	settings *SessionSettings

	// identifies this session as an operation origin
	originId Id

	chatLimiter *RateLimiter

	connectionCallbacks CallbackList[*connectionStateCallback]
	chatCallbacks       CallbackList[*chatMessageCallback]
	syncCallbacks       CallbackList[*syncCallback]
	errorCallbacks      CallbackList[*errorCallback]

	stateLock       sync.Mutex
	connectionState ConnectionState
	enabled         bool
	closed          bool
	documentId      string
	userId          string
	displayName     string
	canWrite        bool

	detector    *Detector
	batcher     *Batcher
	applier     *Applier
	broadcaster *Broadcaster

	unsubscribeOperations func()
	unsubscribeChat       func()
	unsubscribeConnection func()
}

func NewSessionWithDefaults(ctx context.Context, store DocumentStore, surface RenderingSurface) *Session {
	return NewSession(ctx, store, surface, DefaultSessionSettings())
}

func NewSession(ctx context.Context, store DocumentStore, surface RenderingSurface, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		surface:         surface,
		settings:        settings,
		originId:        NewId(),
		chatLimiter:     NewRateLimiter(settings.ChatRateLimit, settings.ChatRateLimitInterval),
		connectionState: ConnectionDisconnected,
	}
}

func (self *Session) OriginId() Id {
	return self.originId
}

// Enable joins the document. The access token is checked synchronously
// before any channel i/o: a token for another document or a malformed
// token raises ErrPermission.
func (self *Session) Enable(documentId string, accessToken string, userInfo *UserInfo) error {
	claims, err := ParseAccessTokenUnverified(accessToken)
	if err != nil {
		glog.Infof("[s]enable bad token = %s\n", err)
		return ErrPermission
	}
	if claims.DocumentId != documentId {
		return ErrPermission
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrClosed
	}
	if self.enabled {
		self.stateLock.Unlock()
		return ErrNotConnected
	}
	self.enabled = true
	self.documentId = documentId
	self.userId = claims.UserId
	self.canWrite = claims.CanWrite
	self.displayName = claims.UserId
	if userInfo != nil && userInfo.DisplayName != "" {
		self.displayName = userInfo.DisplayName
	}
	self.stateLock.Unlock()

	self.setConnectionState(ConnectionConnecting)

	self.detector = NewDetector()
	self.applier = NewApplier(self.ctx, self.originId, self.detector, self.surface, self.settings.ApplierSettings)
	self.batcher = NewBatcher(self.ctx, self.store, documentId, self.settings.BatcherSettings)
	self.batcher.AddSyncCallback(self.notifySyncState)
	self.batcher.AddErrorCallback(self.notifySyncError)

	// seed from the surface so pre-existing content does not produce
	// synthetic adds
	initial := self.surface.GetElements()
	self.detector.Detect(initial)
	self.applier.Seed(initial)

	unsubscribe, err := self.store.SubscribeToOperations(self.ctx, documentId, self.applier.Receive)
	if err != nil {
		glog.Infof("[s]subscribe error = %s\n", err)
		self.teardown()
		// a failed enable must not leave a half-alive session accepting
		// surface changes against a closed batcher
		self.stateLock.Lock()
		self.enabled = false
		self.stateLock.Unlock()
		self.setConnectionState(ConnectionDisconnected)
		return err
	}
	self.unsubscribeOperations = unsubscribe

	if unsubscribeChat, err := self.store.SubscribeToChat(self.ctx, documentId, self.notifyChat); err == nil {
		self.unsubscribeChat = unsubscribeChat
	}

	self.broadcaster = NewBroadcaster(self.ctx, self.store, documentId, claims.UserId, self.displayName, self.settings.PresenceSettings)

	// initial reconcile so operations appended before this session
	// joined are reflected
	self.Reconcile()

	if connectionStore, ok := self.store.(ConnectionStateStore); ok {
		self.unsubscribeConnection = connectionStore.AddConnectionCallback(self.onStoreConnection)
	}

	self.setConnectionState(ConnectionConnected)
	glog.V(1).Infof("[s]enabled %s as %s\n", documentId, claims.UserId)
	return nil
}

// Disable leaves the document: tears down subscriptions, flushes
// pending operations best effort, and clears local presence. The
// session cannot be reused.
func (self *Session) Disable() {
	self.stateLock.Lock()
	if !self.enabled || self.closed {
		self.closed = true
		self.stateLock.Unlock()
		self.cancel()
		return
	}
	self.enabled = false
	self.closed = true
	self.stateLock.Unlock()

	if self.batcher != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), self.settings.SnapshotTimeout)
		self.batcher.Flush(flushCtx)
		flushCancel()
	}

	self.teardown()
	self.setConnectionState(ConnectionDisconnected)
	self.cancel()
	glog.V(1).Infof("[s]disabled %s\n", self.documentId)
}

func (self *Session) teardown() {
	if self.unsubscribeConnection != nil {
		self.unsubscribeConnection()
		self.unsubscribeConnection = nil
	}
	if self.unsubscribeOperations != nil {
		self.unsubscribeOperations()
		self.unsubscribeOperations = nil
	}
	if self.unsubscribeChat != nil {
		self.unsubscribeChat()
		self.unsubscribeChat = nil
	}
	if self.broadcaster != nil {
		self.broadcaster.Stop()
	}
	if self.batcher != nil {
		self.batcher.Close()
	}
	if self.applier != nil {
		self.applier.Close()
	}
}

// OnChange is the rendering surface's notification, fired after every
// local edit or viewport change. While the applier is writing a remote
// operation into the surface, the snapshot is advanced silently so the
// remote edit is not re-detected as a local change.
func (self *Session) OnChange(elements []*Element, viewport *Viewport) {
	self.stateLock.Lock()
	enabled := self.enabled
	canWrite := self.canWrite
	self.stateLock.Unlock()
	if !enabled {
		return
	}

	if viewport != nil && self.broadcaster != nil {
		self.broadcaster.UpdateViewport(viewport.X, viewport.Y, viewport.Zoom)
	}

	if self.applier.ApplyingRemote() {
		self.detector.Absorb(elements)
		return
	}

	changeSet := self.detector.Detect(elements)
	if changeSet.Empty() {
		return
	}
	if !canWrite {
		// a view only session keeps local divergence local
		glog.V(1).Infof("[s]read only, dropping local change\n")
		return
	}

	self.applier.IngestLocal(changeSet)
	for _, operation := range OperationsFromChangeSet(changeSet, self.originId) {
		self.batcher.Enqueue(operation)
	}
}

func (self *Session) UpdateCursor(x float64, y float64) error {
	self.stateLock.Lock()
	broadcaster := self.broadcaster
	enabled := self.enabled
	self.stateLock.Unlock()

	if !enabled || broadcaster == nil {
		return ErrNotConnected
	}
	return broadcaster.UpdateCursor(x, y)
}

// SendChatMessage publishes sanitized free text to the other
// participants. Rate limited; requires write access.
func (self *Session) SendChatMessage(text string) error {
	self.stateLock.Lock()
	enabled := self.enabled
	canWrite := self.canWrite
	documentId := self.documentId
	userId := self.userId
	displayName := self.displayName
	self.stateLock.Unlock()

	if !enabled {
		return ErrNotConnected
	}
	if !canWrite {
		return ErrPermission
	}

	text = sanitizeChatText(text, self.settings.MaxChatLength)
	if text == "" {
		return nil
	}

	if !self.chatLimiter.Allow() {
		return ErrRateLimited
	}

	message := &ChatMessage{
		UserId:      userId,
		DisplayName: displayName,
		Text:        text,
		Timestamp:   NowMilli(),
	}
	sendCtx, sendCancel := context.WithTimeout(self.ctx, self.settings.SnapshotTimeout)
	defer sendCancel()
	return self.store.SendChat(sendCtx, documentId, message)
}

// Reconcile fetches one full snapshot of the authoritative document
// state and merges it through the conflict resolver. Used on join and
// after reconnect to cover operations missed while offline.
func (self *Session) Reconcile() {
	snapshotCtx, snapshotCancel := context.WithTimeout(self.ctx, self.settings.SnapshotTimeout)
	defer snapshotCancel()

	elements, err := self.store.GetDocumentSnapshot(snapshotCtx, self.documentId)
	if err != nil {
		glog.Infof("[s]snapshot error = %s\n", err)
		self.notifySyncError(err)
		return
	}
	self.applier.MergeSnapshot(elements)
	glog.V(1).Infof("[s]reconciled %d elements\n", len(elements))
}

// connection transition from a ConnectionStateStore
func (self *Session) onStoreConnection(connected bool) {
	self.stateLock.Lock()
	enabled := self.enabled
	self.stateLock.Unlock()
	if !enabled {
		return
	}

	if !connected {
		self.setConnectionState(ConnectionReconnecting)
		return
	}

	// resubscribe from the current tail, not from history, then catch
	// up with one snapshot fetch
	if self.unsubscribeOperations != nil {
		self.unsubscribeOperations()
	}
	unsubscribe, err := self.store.SubscribeToOperations(self.ctx, self.documentId, self.applier.Receive)
	if err != nil {
		glog.Infof("[s]resubscribe error = %s\n", err)
		return
	}
	self.unsubscribeOperations = unsubscribe

	self.Reconcile()
	self.setConnectionState(ConnectionConnected)
}

func (self *Session) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connectionState
}

func (self *Session) setConnectionState(state ConnectionState) {
	self.stateLock.Lock()
	if self.connectionState == state {
		self.stateLock.Unlock()
		return
	}
	self.connectionState = state
	self.stateLock.Unlock()

	for _, stateCallback := range self.connectionCallbacks.Get() {
		HandleError(func() {
			stateCallback.callback(state)
		})
	}
}

func (self *Session) AddConnectionStateCallback(callback func(state ConnectionState)) func() {
	stateCallback := &connectionStateCallback{
		callback: callback,
	}
	self.connectionCallbacks.Add(stateCallback)
	return func() {
		self.connectionCallbacks.Remove(stateCallback)
	}
}

// AddSyncStateCallback reports whether operations are waiting to be
// appended to the store
func (self *Session) AddSyncStateCallback(callback func(isSyncing bool)) func() {
	stateCallback := &syncCallback{
		callback: callback,
	}
	self.syncCallbacks.Add(stateCallback)
	return func() {
		self.syncCallbacks.Remove(stateCallback)
	}
}

func (self *Session) AddSyncErrorCallback(callback func(err error)) func() {
	syncErrorCallback := &errorCallback{
		callback: callback,
	}
	self.errorCallbacks.Add(syncErrorCallback)
	return func() {
		self.errorCallbacks.Remove(syncErrorCallback)
	}
}

func (self *Session) AddChatCallback(callback ChatCallback) func() {
	messageCallback := &chatMessageCallback{
		callback: callback,
	}
	self.chatCallbacks.Add(messageCallback)
	return func() {
		self.chatCallbacks.Remove(messageCallback)
	}
}

func (self *Session) SubscribePresence(callback PresenceCallback) func() {
	self.stateLock.Lock()
	broadcaster := self.broadcaster
	self.stateLock.Unlock()

	if broadcaster == nil {
		return func() {}
	}
	return broadcaster.Subscribe(callback)
}

func (self *Session) ActiveUsers() []*PresenceRecord {
	self.stateLock.Lock()
	broadcaster := self.broadcaster
	self.stateLock.Unlock()

	if broadcaster == nil {
		return nil
	}
	return broadcaster.ActiveUsers()
}

func (self *Session) notifySyncState(isSyncing bool) {
	for _, stateCallback := range self.syncCallbacks.Get() {
		HandleError(func() {
			stateCallback.callback(isSyncing)
		})
	}
}

func (self *Session) notifySyncError(err error) {
	glog.Infof("[s]sync error = %s\n", err)
	for _, syncErrorCallback := range self.errorCallbacks.Get() {
		HandleError(func() {
			syncErrorCallback.callback(err)
		})
	}
}

func (self *Session) notifyChat(message *ChatMessage) {
	for _, messageCallback := range self.chatCallbacks.Get() {
		HandleError(func() {
			messageCallback.callback(message)
		})
	}
}

func sanitizeChatText(text string, maxLength int) string {
	var builder strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
	}
	sanitized := strings.TrimSpace(builder.String())
	if maxLength < len(sanitized) {
		// cut on a rune boundary
		runes := []rune(sanitized)
		for maxLength < len(string(runes)) {
			runes = runes[:len(runes)-1]
		}
		sanitized = string(runes)
	}
	return sanitized
}
