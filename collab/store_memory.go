package collab

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
)

// MemoryStore is a full in-process DocumentStore: single-origin append
// order, tail-only subscriptions, snapshot materialized from the log,
// presence overwritten in place. Used by embedded single-process
// deployments and as the test fixture.
type MemoryStore struct {
	stateLock sync.Mutex
	documents map[string]*memoryDocument
}

type memoryDocument struct {
	operations []*Operation
	reducer    *SceneReducer

	operationSubscribers map[*operationSubscriber]bool
	presence             map[string]*PresenceRecord
	presenceSubscribers  map[*presenceSubscriber]bool
	chatSubscribers      map[*chatSubscriber]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: map[string]*memoryDocument{},
	}
}

func (self *MemoryStore) document(documentId string) *memoryDocument {
	document, ok := self.documents[documentId]
	if !ok {
		document = &memoryDocument{
			operations:           []*Operation{},
			reducer:              NewSceneReducer(),
			operationSubscribers: map[*operationSubscriber]bool{},
			presence:             map[string]*PresenceRecord{},
			presenceSubscribers:  map[*presenceSubscriber]bool{},
			chatSubscribers:      map[*chatSubscriber]bool{},
		}
		self.documents[documentId] = document
	}
	return document
}

func (self *MemoryStore) AppendOperation(ctx context.Context, documentId string, operation *Operation) error {
	self.stateLock.Lock()
	document := self.document(documentId)
	document.operations = append(document.operations, operation)
	document.reducer.Apply(operation)
	subscribers := maps.Keys(document.operationSubscribers)
	self.stateLock.Unlock()

	for _, subscriber := range subscribers {
		HandleError(func() {
			subscriber.callback(operation)
		})
	}
	return nil
}

func (self *MemoryStore) SubscribeToOperations(ctx context.Context, documentId string, callback OperationCallback) (func(), error) {
	subscriber := &operationSubscriber{
		callback: callback,
	}

	self.stateLock.Lock()
	document := self.document(documentId)
	document.operationSubscribers[subscriber] = true
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(document.operationSubscribers, subscriber)
	}, nil
}

func (self *MemoryStore) GetDocumentSnapshot(ctx context.Context, documentId string) ([]*Element, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.document(documentId).reducer.Elements(), nil
}

// OperationCount reports the log length, for reconcile checks
func (self *MemoryStore) OperationCount(documentId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.document(documentId).operations)
}

func (self *MemoryStore) SetPresence(ctx context.Context, documentId string, userId string, record *PresenceRecord) error {
	self.stateLock.Lock()
	document := self.document(documentId)
	document.presence[userId] = record.Clone()
	records := presenceRecords(document.presence)
	subscribers := maps.Keys(document.presenceSubscribers)
	self.stateLock.Unlock()

	notifyPresence(subscribers, records)
	return nil
}

func (self *MemoryStore) RemovePresence(ctx context.Context, documentId string, userId string) error {
	self.stateLock.Lock()
	document := self.document(documentId)
	delete(document.presence, userId)
	records := presenceRecords(document.presence)
	subscribers := maps.Keys(document.presenceSubscribers)
	self.stateLock.Unlock()

	notifyPresence(subscribers, records)
	return nil
}

func (self *MemoryStore) SubscribeToPresence(ctx context.Context, documentId string, callback PresenceCallback) (func(), error) {
	subscriber := &presenceSubscriber{
		callback: callback,
	}

	self.stateLock.Lock()
	document := self.document(documentId)
	document.presenceSubscribers[subscriber] = true
	records := presenceRecords(document.presence)
	self.stateLock.Unlock()

	// deliver the current set on subscribe
	HandleError(func() {
		callback(records)
	})

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(document.presenceSubscribers, subscriber)
	}, nil
}

func (self *MemoryStore) SendChat(ctx context.Context, documentId string, message *ChatMessage) error {
	self.stateLock.Lock()
	document := self.document(documentId)
	subscribers := maps.Keys(document.chatSubscribers)
	self.stateLock.Unlock()

	for _, subscriber := range subscribers {
		HandleError(func() {
			subscriber.callback(message)
		})
	}
	return nil
}

func (self *MemoryStore) SubscribeToChat(ctx context.Context, documentId string, callback ChatCallback) (func(), error) {
	subscriber := &chatSubscriber{
		callback: callback,
	}

	self.stateLock.Lock()
	document := self.document(documentId)
	document.chatSubscribers[subscriber] = true
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(document.chatSubscribers, subscriber)
	}, nil
}

func presenceRecords(presence map[string]*PresenceRecord) []*PresenceRecord {
	records := make([]*PresenceRecord, 0, len(presence))
	for _, record := range presence {
		records = append(records, record.Clone())
	}
	return records
}

func notifyPresence(subscribers []*presenceSubscriber, records []*PresenceRecord) {
	for _, subscriber := range subscribers {
		HandleError(func() {
			subscriber.callback(records)
		})
	}
}
