package collab

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
)

type Cursor struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	IsActive bool    `json:"isActive"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// PresenceRecord is ephemeral per-user liveness state, distinct from
// document content. Continuously overwritten, never appended; no
// historical record is kept.
type PresenceRecord struct {
	UserId      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Color       string   `json:"color"`
	Cursor      Cursor   `json:"cursor"`
	Viewport    Viewport `json:"viewport"`
	// wall clock ms of the last refresh
	LastSeen int64 `json:"lastSeen"`
}

func (self *PresenceRecord) Clone() *PresenceRecord {
	clone := *self
	return &clone
}

var presencePalette = []string{
	"#e64980",
	"#f76707",
	"#fab005",
	"#40c057",
	"#15aabf",
	"#4c6ef5",
	"#7950f2",
	"#e8590c",
	"#2f9e44",
	"#1971c2",
}

// PresenceColor derives a stable color from the user id, identical on
// every client
func PresenceColor(userId string) string {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return presencePalette[int(h.Sum32())%len(presencePalette)]
}

type PresenceSettings struct {
	// maximum publish rate for cursor moves
	MinPublishInterval time.Duration
	// cursor movement below this many pixels since the last publish is
	// not published
	MinCursorDelta float64
	// records not refreshed within this window are hidden even if not
	// explicitly removed
	StaleTimeout time.Duration
	// idle refresh so an unmoving cursor does not go stale
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration
	// quota on UpdateCursor calls, beyond the internal throttle
	CursorRateLimit         int
	CursorRateLimitInterval time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		MinPublishInterval:      50 * time.Millisecond,
		MinCursorDelta:          2,
		StaleTimeout:            5 * time.Second,
		HeartbeatInterval:       2 * time.Second,
		PublishTimeout:          2 * time.Second,
		CursorRateLimit:         240,
		CursorRateLimitInterval: time.Second,
	}
}

type presenceChangeCallback struct {
	callback PresenceCallback
}

// Broadcaster publishes the local user's presence record, throttled,
// and fans out the other participants' records to subscribers.
// Independent of the operation log.
type Broadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       DocumentStore
	documentId  string
	userId      string
	displayName string

	settings *PresenceSettings

	rateLimiter *RateLimiter

	callbacks CallbackList[*presenceChangeCallback]

	stateLock        sync.Mutex
	record           *PresenceRecord
	lastPublish      time.Time
	lastPublished    Cursor
	publishQueued    bool
	stopped          bool
	remoteRecords    []*PresenceRecord
	storeUnsubscribe func()
}

func NewBroadcasterWithDefaults(ctx context.Context, store DocumentStore, documentId string, userId string, displayName string) *Broadcaster {
	return NewBroadcaster(ctx, store, documentId, userId, displayName, DefaultPresenceSettings())
}

func NewBroadcaster(ctx context.Context, store DocumentStore, documentId string, userId string, displayName string, settings *PresenceSettings) *Broadcaster {
	cancelCtx, cancel := context.WithCancel(ctx)
	broadcaster := &Broadcaster{
		ctx:         cancelCtx,
		cancel:      cancel,
		store:       store,
		documentId:  documentId,
		userId:      userId,
		displayName: displayName,
		settings:    settings,
		rateLimiter: NewRateLimiter(settings.CursorRateLimit, settings.CursorRateLimitInterval),
		record: &PresenceRecord{
			UserId:      userId,
			DisplayName: displayName,
			Color:       PresenceColor(userId),
			Viewport:    Viewport{Zoom: 1},
		},
	}
	go broadcaster.run()
	return broadcaster
}

func (self *Broadcaster) run() {
	unsubscribe, err := self.store.SubscribeToPresence(self.ctx, self.documentId, self.onRemotePresence)
	if err != nil {
		glog.Infof("[p]subscribe error = %s\n", err)
	} else {
		self.stateLock.Lock()
		self.storeUnsubscribe = unsubscribe
		self.stateLock.Unlock()
	}

	self.publish()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
			self.publish()
		}
	}
}

// UpdateCursor is called on every local pointer move. Publishes are
// throttled to the settings rate and skipped when the movement since
// the last publish is below the pixel threshold; the trailing position
// is always published once the window opens.
func (self *Broadcaster) UpdateCursor(x float64, y float64) error {
	if !self.rateLimiter.Allow() {
		return ErrRateLimited
	}

	self.stateLock.Lock()
	self.record.Cursor.X = x
	self.record.Cursor.Y = y
	self.record.Cursor.IsActive = true

	dx := x - self.lastPublished.X
	dy := y - self.lastPublished.Y
	if math.Sqrt(dx*dx+dy*dy) < self.settings.MinCursorDelta {
		self.stateLock.Unlock()
		return nil
	}

	sinceLast := time.Now().Sub(self.lastPublish)
	if sinceLast < self.settings.MinPublishInterval {
		if !self.publishQueued {
			self.publishQueued = true
			delay := self.settings.MinPublishInterval - sinceLast
			self.stateLock.Unlock()
			go func() {
				select {
				case <-self.ctx.Done():
					return
				case <-time.After(delay):
				}
				self.stateLock.Lock()
				self.publishQueued = false
				self.stateLock.Unlock()
				self.publish()
			}()
			return nil
		}
		self.stateLock.Unlock()
		return nil
	}
	self.stateLock.Unlock()

	self.publish()
	return nil
}

func (self *Broadcaster) UpdateViewport(x float64, y float64, zoom float64) {
	self.stateLock.Lock()
	self.record.Viewport = Viewport{X: x, Y: y, Zoom: zoom}
	self.stateLock.Unlock()
	// viewport moves ride the next cursor publish or heartbeat
}

func (self *Broadcaster) SetActive(isActive bool) {
	self.stateLock.Lock()
	self.record.Cursor.IsActive = isActive
	self.stateLock.Unlock()
	self.publish()
}

func (self *Broadcaster) publish() {
	self.stateLock.Lock()
	if self.stopped {
		// a queued trailing publish must not resurrect a removed record
		self.stateLock.Unlock()
		return
	}
	self.record.LastSeen = NowMilli()
	record := self.record.Clone()
	self.lastPublish = time.Now()
	self.lastPublished = record.Cursor
	self.stateLock.Unlock()

	publishCtx, publishCancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
	defer publishCancel()
	if err := self.store.SetPresence(publishCtx, self.documentId, self.userId, record); err != nil {
		glog.V(1).Infof("[p]publish error = %s\n", err)
	} else {
		glog.V(2).Infof("[p]publish (%.0f, %.0f)\n", record.Cursor.X, record.Cursor.Y)
	}
}

// PresenceCallback from the store
func (self *Broadcaster) onRemotePresence(records []*PresenceRecord) {
	active := self.filterActive(records)

	self.stateLock.Lock()
	self.remoteRecords = active
	self.stateLock.Unlock()

	for _, changeCallback := range self.callbacks.Get() {
		HandleError(func() {
			changeCallback.callback(active)
		})
	}
}

// filterActive drops the local user's record and records older than
// the staleness timeout. The filter is a consumer side rule,
// independent of the store's own expiry.
func (self *Broadcaster) filterActive(records []*PresenceRecord) []*PresenceRecord {
	staleBefore := NowMilli() - self.settings.StaleTimeout.Milliseconds()
	active := []*PresenceRecord{}
	for _, record := range records {
		if record.UserId == self.userId {
			continue
		}
		if record.LastSeen < staleBefore {
			glog.V(2).Infof("[p]stale %s\n", record.UserId)
			continue
		}
		active = append(active, record.Clone())
	}
	return active
}

// Subscribe receives the full set of other participants' records on
// every remote update. The caller is responsible for rendering.
func (self *Broadcaster) Subscribe(callback PresenceCallback) func() {
	changeCallback := &presenceChangeCallback{
		callback: callback,
	}
	self.callbacks.Add(changeCallback)
	return func() {
		self.callbacks.Remove(changeCallback)
	}
}

// ActiveUsers returns the most recent filtered participant set
func (self *Broadcaster) ActiveUsers() []*PresenceRecord {
	self.stateLock.Lock()
	records := self.remoteRecords
	self.stateLock.Unlock()

	return self.filterActive(records)
}

// Stop proactively removes the local record from the shared store. If
// the process terminates uncleanly the store's own presence expiry is
// relied on instead.
func (self *Broadcaster) Stop() {
	// no publishes after this point, including trailing queued ones
	self.stateLock.Lock()
	self.stopped = true
	unsubscribe := self.storeUnsubscribe
	self.storeUnsubscribe = nil
	self.stateLock.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	self.cancel()

	removeCtx, removeCancel := context.WithTimeout(context.Background(), self.settings.PublishTimeout)
	defer removeCancel()
	if err := self.store.RemovePresence(removeCtx, self.documentId, self.userId); err != nil {
		glog.V(1).Infof("[p]remove error = %s\n", err)
	}
}
