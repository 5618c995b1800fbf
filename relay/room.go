package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/drawbridge/collab/collab"
)

// room fans operations, presence, and chat out to the connections of
// one document
type room struct {
	documentId string

	stateLock   sync.Mutex
	connections map[*connection]bool
	// user id -> presence record, overwritten in place
	presence map[string]*collab.PresenceRecord
}

func newRoom(documentId string) *room {
	return &room{
		documentId:  documentId,
		connections: map[*connection]bool{},
		presence:    map[string]*collab.PresenceRecord{},
	}
}

func (self *room) join(conn *connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connections[conn] = true
}

// leave removes the connection and, when it held the last session for
// its user, the user's presence. Returns whether the room is empty.
func (self *room) leave(conn *connection) bool {
	self.stateLock.Lock()
	delete(self.connections, conn)
	userConnected := false
	for other := range self.connections {
		if other.userId == conn.userId {
			userConnected = true
			break
		}
	}
	if !userConnected {
		delete(self.presence, conn.userId)
	}
	empty := len(self.connections) == 0
	self.stateLock.Unlock()

	if !userConnected {
		self.broadcastPresence()
	}
	return empty
}

func (self *room) setPresence(userId string, record *collab.PresenceRecord) {
	self.stateLock.Lock()
	self.presence[userId] = record.Clone()
	self.stateLock.Unlock()

	self.broadcastPresence()
}

func (self *room) removePresence(userId string) {
	self.stateLock.Lock()
	delete(self.presence, userId)
	self.stateLock.Unlock()

	self.broadcastPresence()
}

// expirePresence drops records not refreshed within the expiry window.
// This is the store side expiry relied on when a client terminates
// uncleanly.
func (self *room) expirePresence(expiry time.Duration) {
	staleBefore := time.Now().Add(-expiry).UnixMilli()

	self.stateLock.Lock()
	expired := []string{}
	for userId, record := range self.presence {
		if record.LastSeen < staleBefore {
			expired = append(expired, userId)
			delete(self.presence, userId)
		}
	}
	self.stateLock.Unlock()

	if 0 < len(expired) {
		glog.V(1).Infof("[r]%s expired presence %v\n", self.documentId, expired)
		self.broadcastPresence()
	}
}

func (self *room) broadcastPresence() {
	self.stateLock.Lock()
	records := make([]any, 0, len(self.presence))
	for _, record := range self.presence {
		wireRecord, err := collab.PresenceRecordToWire(record)
		if err != nil {
			continue
		}
		records = append(records, wireRecord)
	}
	self.stateLock.Unlock()

	frameBytes, err := collab.EncodeWireFrame(collab.WireFrame{
		"type":    collab.WirePresence,
		"records": records,
	})
	if err != nil {
		glog.Infof("[r]presence encode error = %s\n", err)
		return
	}
	self.broadcast(frameBytes)
}

func (self *room) broadcast(frameBytes []byte) {
	self.stateLock.Lock()
	connections := maps.Keys(self.connections)
	self.stateLock.Unlock()

	for _, conn := range connections {
		conn.enqueue(frameBytes)
	}
}

// connection is one websocket client of a room
type connection struct {
	ws     *websocket.Conn
	userId string
	// from the verified access token
	canWrite bool

	chatLimiter *collab.RateLimiter

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, userId string, canWrite bool, chatLimiter *collab.RateLimiter, sendBufferSize int) *connection {
	return &connection{
		ws:          ws,
		userId:      userId,
		canWrite:    canWrite,
		chatLimiter: chatLimiter,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
}

// enqueue drops the frame when the connection cannot keep up. Slow
// consumers recover via the snapshot path, not by backpressuring the
// room.
func (self *connection) enqueue(frameBytes []byte) {
	select {
	case <-self.done:
	case self.send <- frameBytes:
	default:
		glog.V(1).Infof("[r]drop ->%s\n", self.userId)
	}
}

func (self *connection) close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.ws.Close()
	})
}
