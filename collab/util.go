package collab

import (
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// makes a copy of the list on update
type CallbackList[T comparable] struct {
	mutex     sync.Mutex
	callbacks []T
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbacks, callback)
	if 0 <= i {
		// already present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Remove(callback T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbacks, callback)
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

// note all externally supplied callbacks are wrapped with HandleError
// so a panicking subscriber cannot take down a run loop
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// token bucket. Capacity tokens, refilled at capacity per interval.
type RateLimiter struct {
	capacity int
	interval time.Duration

	stateLock  sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func NewRateLimiter(capacity int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		interval:   interval,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

func (self *RateLimiter) Allow() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	elapsed := now.Sub(self.lastRefill)
	self.lastRefill = now
	self.tokens += float64(self.capacity) * float64(elapsed) / float64(self.interval)
	if float64(self.capacity) < self.tokens {
		self.tokens = float64(self.capacity)
	}
	if self.tokens < 1 {
		return false
	}
	self.tokens -= 1
	return true
}

// Reconnect spaces out reconnect attempts with a jittered timeout
type Reconnect struct {
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	jitter := time.Duration(mathrand.Int63n(int64(self.timeout) / 2))
	return time.After(self.timeout + jitter)
}
