package collab

import (
	"context"
)

type OperationCallback func(operation *Operation)
type PresenceCallback func(records []*PresenceRecord)
type ChatCallback func(message *ChatMessage)

// comparable wrappers so callbacks can be added and removed from a
// CallbackList
type operationSubscriber struct {
	callback OperationCallback
}

type presenceSubscriber struct {
	callback PresenceCallback
}

type chatSubscriber struct {
	callback ChatCallback
}

type ChatMessage struct {
	UserId      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	// wall clock ms
	Timestamp int64 `json:"timestamp"`
}

// DocumentStore is the backing store contract: a durable, ordered,
// append-only operation log per document, consumed via a tail
// subscription, plus ephemeral presence and chat fan-out.
//
// Guarantees assumed from implementations:
// - operations from a single origin are delivered to all subscribers
//   in append order. Operations from different origins have no
//   guaranteed relative order.
// - subscriptions start at the current tail, not from history.
// - operations may be redelivered on reconnect. Consumers must be
//   idempotent.
type DocumentStore interface {
	AppendOperation(ctx context.Context, documentId string, operation *Operation) error
	SubscribeToOperations(ctx context.Context, documentId string, callback OperationCallback) (func(), error)
	GetDocumentSnapshot(ctx context.Context, documentId string) ([]*Element, error)

	SetPresence(ctx context.Context, documentId string, userId string, record *PresenceRecord) error
	SubscribeToPresence(ctx context.Context, documentId string, callback PresenceCallback) (func(), error)
	RemovePresence(ctx context.Context, documentId string, userId string) error

	SendChat(ctx context.Context, documentId string, message *ChatMessage) error
	SubscribeToChat(ctx context.Context, documentId string, callback ChatCallback) (func(), error)
}
