package collab

import (
	"strings"

	"github.com/golang/glog"
)

// Per-element last-write-wins. Evaluated only when two writers touch
// the same element id in an overlapping window. Whole-element
// replacement: no field-level merging is attempted, so a concurrent
// edit to a different field of the same element can be discarded.
// Lossy resolutions are observable at -v=1.

type elementRevision struct {
	element *Element
	// producer wall clock ms of the operation that wrote this revision
	timestamp int64
	originId  Id
}

// resolveElement reports whether the incoming revision overrides the
// local one. Later timestamp wins; ties break on origin id
// lexicographic order so every client resolves identically.
func resolveElement(local *elementRevision, incoming *elementRevision) bool {
	if local == nil {
		return true
	}
	if local.timestamp != incoming.timestamp {
		wins := local.timestamp < incoming.timestamp
		if !wins {
			glog.V(1).Infof("[cr]discard incoming @%d < local @%d\n", incoming.timestamp, local.timestamp)
		}
		return wins
	}
	// deterministic tiebreak
	return strings.Compare(local.originId.String(), incoming.originId.String()) < 0
}
