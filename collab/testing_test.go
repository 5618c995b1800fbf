package collab

import (
	"sync"
	"testing"
	"time"
)

// polls until the condition holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if end.Before(time.Now()) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// testSurface is a minimal rendering surface. When a session is
// attached, every SetElements synchronously notifies the session the
// way a canvas editor fires onChange after a write.
type testSurface struct {
	stateLock sync.Mutex
	elements  []*Element

	session *Session

	setCount           int
	recordHistoryCount int
}

func newTestSurface(elements []*Element) *testSurface {
	return &testSurface{
		elements: CloneElements(elements),
	}
}

func (self *testSurface) GetElements() []*Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return CloneElements(self.elements)
}

func (self *testSurface) SetElements(elements []*Element, recordHistory bool) {
	self.stateLock.Lock()
	self.elements = CloneElements(elements)
	self.setCount += 1
	if recordHistory {
		self.recordHistoryCount += 1
	}
	session := self.session
	self.stateLock.Unlock()

	if session != nil {
		session.OnChange(CloneElements(elements), nil)
	}
}

// localEdit mutates the surface the way a user edit would and fires
// the change notification
func (self *testSurface) localEdit(edit func(elements []*Element) []*Element) {
	self.stateLock.Lock()
	self.elements = edit(self.elements)
	elements := CloneElements(self.elements)
	session := self.session
	self.stateLock.Unlock()

	if session != nil {
		session.OnChange(elements, nil)
	}
}

func (self *testSurface) elementById(elementId string) *Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, element := range self.elements {
		if element.Id == elementId {
			return element.Clone()
		}
	}
	return nil
}

func (self *testSurface) SetCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.setCount
}
