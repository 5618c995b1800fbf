package collab

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

type BatcherSettings struct {
	// time window batching: flush after this delay, or immediately at
	// MaxBatchSize, whichever first
	FlushTimeout time.Duration
	MaxBatchSize int

	EnqueueBufferSize int

	AppendTimeout time.Duration
	// bounded exponential backoff between append attempts
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	MaxRetryCount   int
}

func DefaultBatcherSettings() *BatcherSettings {
	return &BatcherSettings{
		FlushTimeout:      50 * time.Millisecond,
		MaxBatchSize:      32,
		EnqueueBufferSize: 256,
		AppendTimeout:     5 * time.Second,
		RetryBackoffMin:   100 * time.Millisecond,
		RetryBackoffMax:   5 * time.Second,
		MaxRetryCount:     5,
	}
}

// Batcher buffers detected operations and appends them to the store in
// enqueue order, coalesced on a time window. Appends that fail are
// retried with bounded exponential backoff. Operations are never
// silently dropped: after exhausting retries the error callback fires
// and the buffer is retained for the next flush, so local editing
// continues while the store is unreachable.
type Batcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      DocumentStore
	documentId string

	settings *BatcherSettings

	operations    chan *Operation
	flushRequests chan chan struct{}

	errorCallbacks CallbackList[*errorCallback]
	syncCallbacks  CallbackList[*syncCallback]

	stateLock    sync.Mutex
	pendingCount int
	closed       bool
}

type errorCallback struct {
	callback func(err error)
}

type syncCallback struct {
	callback func(isSyncing bool)
}

func NewBatcherWithDefaults(ctx context.Context, store DocumentStore, documentId string) *Batcher {
	return NewBatcher(ctx, store, documentId, DefaultBatcherSettings())
}

func NewBatcher(ctx context.Context, store DocumentStore, documentId string, settings *BatcherSettings) *Batcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	batcher := &Batcher{
		ctx:           cancelCtx,
		cancel:        cancel,
		store:         store,
		documentId:    documentId,
		settings:      settings,
		operations:    make(chan *Operation, settings.EnqueueBufferSize),
		flushRequests: make(chan chan struct{}, 8),
	}
	go batcher.run()
	return batcher
}

func (self *Batcher) AddErrorCallback(callback func(err error)) func() {
	errorCallback := &errorCallback{
		callback: callback,
	}
	self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(errorCallback)
	}
}

func (self *Batcher) AddSyncCallback(callback func(isSyncing bool)) func() {
	syncCallback := &syncCallback{
		callback: callback,
	}
	self.syncCallbacks.Add(syncCallback)
	return func() {
		self.syncCallbacks.Remove(syncCallback)
	}
}

// Enqueue is fire and forget from the caller's perspective
func (self *Batcher) Enqueue(operation *Operation) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.pendingCount += 1
	self.stateLock.Unlock()

	select {
	case <-self.ctx.Done():
	case self.operations <- operation:
	}
}

// PendingCount is the number of operations enqueued but not yet
// appended to the store
func (self *Batcher) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.pendingCount
}

// Flush appends all buffered operations now, best effort, and returns
// when the attempt completes or the context is done.
func (self *Batcher) Flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case self.flushRequests <- done:
	case <-self.ctx.Done():
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-self.ctx.Done():
	case <-ctx.Done():
	}
}

func (self *Batcher) run() {
	buffer := []*Operation{}
	var flushAfter <-chan time.Time

	notifySyncing := func(isSyncing bool) {
		for _, syncCallback := range self.syncCallbacks.Get() {
			HandleError(func() {
				syncCallback.callback(isSyncing)
			})
		}
	}

	flush := func() {
		flushAfter = nil
		if len(buffer) == 0 {
			return
		}
		appended := self.flushBuffer(buffer)
		if 0 < appended {
			buffer = buffer[appended:]
			self.stateLock.Lock()
			self.pendingCount -= appended
			self.stateLock.Unlock()
		}
		if 0 < len(buffer) {
			// the store is unreachable. Keep the buffer and try again
			// on the next window.
			flushAfter = time.After(self.settings.FlushTimeout)
		} else {
			notifySyncing(false)
		}
	}

	for {
		select {
		case <-self.ctx.Done():
			// best effort final flush
			func() {
				for {
					select {
					case operation := <-self.operations:
						buffer = append(buffer, operation)
					default:
						return
					}
				}
			}()
			self.finalFlush(buffer)
			notifySyncing(false)
			return
		case operation := <-self.operations:
			if len(buffer) == 0 {
				notifySyncing(true)
			}
			buffer = append(buffer, operation)
			if self.settings.MaxBatchSize <= len(buffer) {
				flush()
			} else if flushAfter == nil {
				flushAfter = time.After(self.settings.FlushTimeout)
			}
		case <-flushAfter:
			flush()
		case done := <-self.flushRequests:
			// drain anything already enqueued so the flush covers it
			func() {
				for {
					select {
					case operation := <-self.operations:
						buffer = append(buffer, operation)
					default:
						return
					}
				}
			}()
			flush()
			close(done)
		}
	}
}

// flushBuffer appends the buffer to the store in enqueue order.
// Returns the number of operations appended. Stops at the first
// operation that exhausts its retries so order is preserved.
func (self *Batcher) flushBuffer(buffer []*Operation) int {
	for i, operation := range buffer {
		if err := self.appendWithRetry(operation); err != nil {
			glog.Infof("[b]append failed after retries %s = %s\n", operation, err)
			for _, errorCallback := range self.errorCallbacks.Get() {
				HandleError(func() {
					errorCallback.callback(err)
				})
			}
			return i
		}
		glog.V(2).Infof("[b]append %s\n", operation)
	}
	return len(buffer)
}

// finalFlush runs outside the batcher context, single attempt per
// operation, so teardown can drain the buffer best effort
func (self *Batcher) finalFlush(buffer []*Operation) {
	for _, operation := range buffer {
		appendCtx, appendCancel := context.WithTimeout(context.Background(), self.settings.AppendTimeout)
		err := self.store.AppendOperation(appendCtx, self.documentId, operation)
		appendCancel()
		if err != nil {
			glog.Infof("[b]final flush drop %s = %s\n", operation, err)
		}
	}
}

func (self *Batcher) appendWithRetry(operation *Operation) error {
	backoff := self.settings.RetryBackoffMin
	var err error
	for i := 0; i <= self.settings.MaxRetryCount; i += 1 {
		if 0 < i {
			glog.V(1).Infof("[b]retry %d %s\n", i, operation)
			jitter := time.Duration(mathrand.Int63n(int64(backoff) / 2))
			select {
			case <-self.ctx.Done():
				return err
			case <-time.After(backoff + jitter):
			}
			backoff = min(2*backoff, self.settings.RetryBackoffMax)
		}
		appendCtx, appendCancel := context.WithTimeout(self.ctx, self.settings.AppendTimeout)
		err = self.store.AppendOperation(appendCtx, self.documentId, operation)
		appendCancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (self *Batcher) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()

	self.cancel()
}
