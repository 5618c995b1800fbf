package collab

import (
	"fmt"
	"slices"
)

type OperationType string

const (
	OpAdd    = OperationType("add")
	OpUpdate = OperationType("update")
	OpDelete = OperationType("delete")
)

// Operation is an immutable record of one classified change. Payload is
// present for add/update and empty for delete. Updates carry the full
// element state ("set these fields to these values"), never a relative
// delta, so redelivery is naturally idempotent.
type Operation struct {
	Type       OperationType      `json:"type"`
	ElementIds []string           `json:"elementIds"`
	Payload    []TransportElement `json:"payload,omitempty"`
	OriginId   Id                 `json:"originId"`
	// producer wall clock ms
	Timestamp int64 `json:"timestamp"`
}

func NewOperation(opType OperationType, originId Id, elements []*Element) *Operation {
	elementIds := make([]string, len(elements))
	for i, element := range elements {
		elementIds[i] = element.Id
	}
	var payload []TransportElement
	if opType != OpDelete {
		payload = EncodeElements(elements)
	}
	return &Operation{
		Type:       opType,
		ElementIds: elementIds,
		Payload:    payload,
		OriginId:   originId,
		Timestamp:  NowMilli(),
	}
}

func NewDeleteOperation(originId Id, elementIds []string) *Operation {
	return &Operation{
		Type:       OpDelete,
		ElementIds: slices.Clone(elementIds),
		OriginId:   originId,
		Timestamp:  NowMilli(),
	}
}

// OperationsFromChangeSet converts a detector change set into
// operations in add, update, delete order.
func OperationsFromChangeSet(changeSet *ChangeSet, originId Id) []*Operation {
	operations := []*Operation{}
	if 0 < len(changeSet.Added) {
		operations = append(operations, NewOperation(OpAdd, originId, changeSet.Added))
	}
	if 0 < len(changeSet.Updated) {
		operations = append(operations, NewOperation(OpUpdate, originId, changeSet.Updated))
	}
	if 0 < len(changeSet.Deleted) {
		operations = append(operations, NewDeleteOperation(originId, changeSet.Deleted))
	}
	return operations
}

func (self *Operation) String() string {
	return fmt.Sprintf("%s(%d)@%d", self.Type, len(self.ElementIds), self.Timestamp)
}
