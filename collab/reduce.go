package collab

// SceneReducer folds an operation log into element state with the same
// last-write-wins policy the applier uses. The stores use it to
// materialize document snapshots from their logs.
type SceneReducer struct {
	order     []string
	elements  map[string]*Element
	revisions map[string]*elementRevision
}

func NewSceneReducer() *SceneReducer {
	return &SceneReducer{
		order:     []string{},
		elements:  map[string]*Element{},
		revisions: map[string]*elementRevision{},
	}
}

func (self *SceneReducer) Apply(operation *Operation) {
	switch operation.Type {
	case OpAdd, OpUpdate:
		for _, element := range DecodeElements(operation.Payload) {
			incoming := &elementRevision{
				element:   element,
				timestamp: operation.Timestamp,
				originId:  operation.OriginId,
			}
			if !resolveElement(self.revisions[element.Id], incoming) {
				continue
			}
			self.upsert(element, incoming)
		}
	case OpDelete:
		for _, elementId := range operation.ElementIds {
			incoming := &elementRevision{
				timestamp: operation.Timestamp,
				originId:  operation.OriginId,
			}
			if !resolveElement(self.revisions[elementId], incoming) {
				continue
			}
			element, ok := self.elements[elementId]
			if !ok {
				self.revisions[elementId] = incoming
				continue
			}
			tombstone := element.Clone()
			tombstone.Deleted = true
			tombstone.Updated = operation.Timestamp
			self.upsert(tombstone, incoming)
		}
	}
}

func (self *SceneReducer) upsert(element *Element, revision *elementRevision) {
	if _, ok := self.elements[element.Id]; !ok {
		self.order = append(self.order, element.Id)
	}
	self.elements[element.Id] = element
	revision.element = element
	self.revisions[element.Id] = revision
}

// Elements returns the reduced scene in first-seen order, tombstones
// included
func (self *SceneReducer) Elements() []*Element {
	elements := make([]*Element, 0, len(self.order))
	for _, elementId := range self.order {
		elements = append(elements, self.elements[elementId].Clone())
	}
	return elements
}

func ReduceOperations(operations []*Operation) []*Element {
	reducer := NewSceneReducer()
	for _, operation := range operations {
		reducer.Apply(operation)
	}
	return reducer.Elements()
}
