package collab

import (
	"sync"

	"github.com/golang/glog"
)

type ChangeSet struct {
	Added   []*Element
	Updated []*Element
	Deleted []string
}

func (self *ChangeSet) Empty() bool {
	return len(self.Added) == 0 && len(self.Updated) == 0 && len(self.Deleted) == 0
}

// Detector diffs successive element snapshots against a private copy of
// the last-seen scene. The private snapshot is owned exclusively by the
// sync engine; the rendering surface's own element array is a separate,
// possibly-ahead copy.
type Detector struct {
	stateLock sync.Mutex
	seeded    bool
	// id -> last seen element
	snapshot map[string]*Element
	// preserves scene order for merge output
	snapshotOrder []string
}

func NewDetector() *Detector {
	return &Detector{
		snapshot:      map[string]*Element{},
		snapshotOrder: []string{},
	}
}

// Detect classifies the changes between the last-seen snapshot and
// `current`, then advances the snapshot to `current`.
//
// Classification per element:
// - absent from the snapshot: added
// - present with a different version nonce: updated. Nonce comparison
//   is the only check; two equal-nonce elements are assumed identical
//   even if positional fields differ.
// - id present in the snapshot but absent from current: deleted.
//   Tombstoned elements stay in current and are never classified
//   deleted here.
//
// The first call seeds the snapshot and reports no changes, so
// pre-existing content does not produce synthetic adds.
func (self *Detector) Detect(current []*Element) *ChangeSet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changeSet := &ChangeSet{}

	if !self.seeded {
		self.absorb(current)
		return changeSet
	}

	seen := map[string]bool{}
	for _, element := range current {
		seen[element.Id] = true
		previous, ok := self.snapshot[element.Id]
		if !ok {
			changeSet.Added = append(changeSet.Added, element.Clone())
		} else if previous.VersionNonce != element.VersionNonce {
			changeSet.Updated = append(changeSet.Updated, element.Clone())
		}
	}
	for _, id := range self.snapshotOrder {
		if !seen[id] {
			changeSet.Deleted = append(changeSet.Deleted, id)
		}
	}

	self.absorb(current)

	if !changeSet.Empty() {
		glog.V(2).Infof("[d]+%d ~%d -%d\n", len(changeSet.Added), len(changeSet.Updated), len(changeSet.Deleted))
	}
	return changeSet
}

// Absorb advances the snapshot without classifying changes. The applier
// calls this after merging a remote operation so the next local detect
// does not mistake the remote edit for a local one.
func (self *Detector) Absorb(current []*Element) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.absorb(current)
}

func (self *Detector) absorb(current []*Element) {
	self.seeded = true
	self.snapshot = map[string]*Element{}
	self.snapshotOrder = make([]string, 0, len(current))
	for _, element := range current {
		if _, ok := self.snapshot[element.Id]; !ok {
			self.snapshotOrder = append(self.snapshotOrder, element.Id)
		}
		self.snapshot[element.Id] = element.Clone()
	}
}

// Snapshot returns the last-seen scene in order.
func (self *Detector) Snapshot() []*Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	elements := make([]*Element, 0, len(self.snapshotOrder))
	for _, id := range self.snapshotOrder {
		elements = append(elements, self.snapshot[id].Clone())
	}
	return elements
}

func (self *Detector) Seeded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.seeded
}
