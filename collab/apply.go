package collab

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

type ApplierState int

const (
	ApplierIdle ApplierState = iota
	ApplierApplying
)

type ApplierSettings struct {
	// pending FIFO for operations that arrive while applying
	PendingBufferSize int
}

func DefaultApplierSettings() *ApplierSettings {
	return &ApplierSettings{
		PendingBufferSize: 1024,
	}
}

// Applier consumes the operation tail and merges remote operations into
// the authoritative scene, one at a time. Arrivals are asynchronous and
// possibly bursty; a single run goroutine drains a FIFO so two
// overlapping mutations of the same scene never interleave.
//
// States: Idle, Applying, Idle-with-Pending (operations queued while
// applying). An arrival in Idle starts Applying; arrivals during
// Applying queue; finishing Applying dequeues one or returns to Idle.
//
// While the applier is writing into the rendering surface the
// applyingRemote flag is set. The local change detection path checks
// the flag and absorbs silently instead of emitting operations,
// otherwise a remote update would be re-detected as a local change and
// rebroadcast (echo loop).
type Applier struct {
	ctx    context.Context
	cancel context.CancelFunc

	originId Id
	detector *Detector
	surface  RenderingSurface

	settings *ApplierSettings

	pending chan *Operation

	applyingRemote atomic.Bool
	state          atomic.Int32

	// guards scene and revisions. Local edits are routed through the
	// same merge path under the same lock.
	sceneLock  sync.Mutex
	sceneOrder []string
	scene      map[string]*Element
	revisions  map[string]*elementRevision
}

func NewApplierWithDefaults(ctx context.Context, originId Id, detector *Detector, surface RenderingSurface) *Applier {
	return NewApplier(ctx, originId, detector, surface, DefaultApplierSettings())
}

func NewApplier(ctx context.Context, originId Id, detector *Detector, surface RenderingSurface, settings *ApplierSettings) *Applier {
	cancelCtx, cancel := context.WithCancel(ctx)
	applier := &Applier{
		ctx:        cancelCtx,
		cancel:     cancel,
		originId:   originId,
		detector:   detector,
		surface:    surface,
		settings:   settings,
		pending:    make(chan *Operation, settings.PendingBufferSize),
		sceneOrder: []string{},
		scene:      map[string]*Element{},
		revisions:  map[string]*elementRevision{},
	}
	go applier.run()
	return applier
}

// Receive is the operation tail callback. Fire and forget; the
// operation joins the pending FIFO.
func (self *Applier) Receive(operation *Operation) {
	select {
	case <-self.ctx.Done():
	case self.pending <- operation:
	}
}

func (self *Applier) ApplyingRemote() bool {
	return self.applyingRemote.Load()
}

func (self *Applier) State() ApplierState {
	return ApplierState(self.state.Load())
}

func (self *Applier) PendingCount() int {
	return len(self.pending)
}

// Seed initializes the scene from the surface's current elements,
// before any operations are applied
func (self *Applier) Seed(elements []*Element) {
	self.sceneLock.Lock()
	defer self.sceneLock.Unlock()

	for _, element := range elements {
		self.upsertLocked(element.Clone(), &elementRevision{
			timestamp: element.Updated,
			originId:  self.originId,
		})
	}
}

func (self *Applier) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			// pending operations are discarded at teardown
			return
		case operation := <-self.pending:
			self.state.Store(int32(ApplierApplying))
			self.processOne(operation)
			self.state.Store(int32(ApplierIdle))
		}
	}
}

func (self *Applier) processOne(operation *Operation) {
	if operation.OriginId == self.originId {
		// own operation echoed back from the tail
		glog.V(2).Infof("[a]skip own %s\n", operation)
		return
	}

	self.applyingRemote.Store(true)
	defer self.applyingRemote.Store(false)

	// one bad operation must never halt the applier
	HandleError(func() {
		changed := self.merge(operation)
		if changed {
			self.pushScene()
		}
	})
}

// merge applies the operation to the scene by id. Add appends if
// missing, update replaces matching ids, delete marks the tombstone.
// Elements are never hard-removed while other elements may hold a
// bound reference. Returns whether the scene changed.
func (self *Applier) merge(operation *Operation) bool {
	self.sceneLock.Lock()
	defer self.sceneLock.Unlock()

	changed := false
	switch operation.Type {
	case OpAdd, OpUpdate:
		for _, element := range DecodeElements(operation.Payload) {
			incoming := &elementRevision{
				element:   element,
				timestamp: operation.Timestamp,
				originId:  operation.OriginId,
			}
			if self.resolveAndUpsert(incoming) {
				changed = true
			}
		}
	case OpDelete:
		for _, elementId := range operation.ElementIds {
			element, ok := self.scene[elementId]
			if !ok {
				// delete for an element never seen. Record the
				// revision so a late add loses the race.
				self.revisions[elementId] = &elementRevision{
					timestamp: operation.Timestamp,
					originId:  operation.OriginId,
				}
				continue
			}
			if element.Deleted {
				continue
			}
			incoming := &elementRevision{
				timestamp: operation.Timestamp,
				originId:  operation.OriginId,
			}
			if !resolveElement(self.revisions[elementId], incoming) {
				continue
			}
			tombstone := element.Clone()
			tombstone.Deleted = true
			tombstone.Updated = operation.Timestamp
			incoming.element = tombstone
			self.upsertLocked(tombstone, incoming)
			changed = true
		}
	default:
		glog.Infof("[a]unknown operation type %s\n", operation.Type)
	}
	return changed
}

func (self *Applier) resolveAndUpsert(incoming *elementRevision) bool {
	elementId := incoming.element.Id
	local := self.revisions[elementId]
	if local != nil && !resolveElement(local, incoming) {
		return false
	}
	self.upsertLocked(incoming.element, incoming)
	return true
}

func (self *Applier) upsertLocked(element *Element, revision *elementRevision) {
	if _, ok := self.scene[element.Id]; !ok {
		self.sceneOrder = append(self.sceneOrder, element.Id)
	}
	self.scene[element.Id] = element
	revision.element = element
	self.revisions[element.Id] = revision
}

// pushScene writes the merged scene to the rendering surface without
// recording an undoable edit, then absorbs it into the detector
// snapshot so the next local detect does not re-emit the remote edit
func (self *Applier) pushScene() {
	scene := self.Scene()
	HandleError(func() {
		self.surface.SetElements(scene, false)
	})
	self.detector.Absorb(scene)
	glog.V(2).Infof("[a]scene %d\n", len(scene))
}

// IngestLocal routes a locally detected change set through the same
// reconciliation path as remote operations, so the scene has one
// writer discipline.
func (self *Applier) IngestLocal(changeSet *ChangeSet) {
	self.sceneLock.Lock()
	defer self.sceneLock.Unlock()

	for _, element := range changeSet.Added {
		self.upsertLocked(element.Clone(), &elementRevision{
			timestamp: element.Updated,
			originId:  self.originId,
		})
	}
	for _, element := range changeSet.Updated {
		self.upsertLocked(element.Clone(), &elementRevision{
			timestamp: element.Updated,
			originId:  self.originId,
		})
	}
	now := NowMilli()
	for _, elementId := range changeSet.Deleted {
		element, ok := self.scene[elementId]
		if !ok || element.Deleted {
			continue
		}
		tombstone := element.Clone()
		tombstone.Deleted = true
		tombstone.Updated = now
		self.upsertLocked(tombstone, &elementRevision{
			timestamp: now,
			originId:  self.originId,
		})
	}
}

// MergeSnapshot reconciles a full authoritative snapshot, fetched on
// reconnect, through the conflict resolver. Pre-existing elements
// already at the snapshot state are untouched, so a catch up produces
// no duplicate adds.
func (self *Applier) MergeSnapshot(elements []*Element) {
	self.applyingRemote.Store(true)
	defer self.applyingRemote.Store(false)

	changed := false
	self.sceneLock.Lock()
	for _, element := range elements {
		local := self.revisions[element.Id]
		if local != nil && local.element != nil && local.element.VersionNonce == element.VersionNonce {
			// already at this state
			continue
		}
		incoming := &elementRevision{
			element:   element.Clone(),
			timestamp: element.Updated,
			// snapshot origin is the zero id, losing ties to any client
			originId: Id{},
		}
		if self.resolveAndUpsert(incoming) {
			changed = true
		}
	}
	self.sceneLock.Unlock()

	if changed {
		self.pushScene()
	}
}

// Scene returns the authoritative element list in insertion order,
// tombstones included
func (self *Applier) Scene() []*Element {
	self.sceneLock.Lock()
	defer self.sceneLock.Unlock()

	elements := make([]*Element, 0, len(self.sceneOrder))
	for _, elementId := range self.sceneOrder {
		elements = append(elements, self.scene[elementId].Clone())
	}
	return elements
}

func (self *Applier) Close() {
	self.cancel()
}
