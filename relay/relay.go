package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/drawbridge/collab/collab"
)

type Settings struct {
	JwtSecret []byte

	PresenceExpiry        time.Duration
	PresenceSweepInterval time.Duration

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	AuthTimeout  time.Duration

	SendBufferSize int

	ChatRateLimit         int
	ChatRateLimitInterval time.Duration
	MaxChatLength         int

	AppendTimeout time.Duration
}

func DefaultSettings(jwtSecret []byte) *Settings {
	return &Settings{
		JwtSecret:             jwtSecret,
		PresenceExpiry:        10 * time.Second,
		PresenceSweepInterval: 5 * time.Second,
		WriteTimeout:          5 * time.Second,
		ReadTimeout:           15 * time.Second,
		PingTimeout:           1 * time.Second,
		AuthTimeout:           2 * time.Second,
		SendBufferSize:        64,
		ChatRateLimit:         10,
		ChatRateLimitInterval: 10 * time.Second,
		MaxChatLength:         500,
		AppendTimeout:         5 * time.Second,
	}
}

// Relay is the reference backing store service: a durable ordered
// operation log per document consumed over a websocket tail, snapshot
// fetch over http, and ephemeral presence and chat fan-out.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	log      *OperationLog
	settings *Settings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	rooms     map[string]*room
}

func New(ctx context.Context, log *OperationLog, settings *Settings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		log:      log,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*room{},
	}
	go relay.sweepPresence()
	return relay
}

func (self *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.handleWs)
	router.HandleFunc("/documents/{documentId}/snapshot", self.handleSnapshot).Methods("GET")
	router.HandleFunc("/health", self.handleHealth).Methods("GET")
	return router
}

func (self *Relay) room(documentId string) *room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[documentId]
	if !ok {
		r = newRoom(documentId)
		self.rooms[documentId] = r
	}
	return r
}

func (self *Relay) sweepPresence() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PresenceSweepInterval):
		}

		self.stateLock.Lock()
		rooms := make([]*room, 0, len(self.rooms))
		for _, r := range self.rooms {
			rooms = append(rooms, r)
		}
		self.stateLock.Unlock()

		for _, r := range rooms {
			r.expirePresence(self.settings.PresenceExpiry)
		}
	}
}

func (self *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (self *Relay) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	documentId := mux.Vars(r)["documentId"]

	accessToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := collab.VerifyAccessToken(accessToken, self.settings.JwtSecret)
	if err != nil || claims.DocumentId != documentId {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	transportElements, err := self.log.Snapshot(r.Context(), documentId)
	if err != nil {
		glog.Infof("[r]snapshot error = %s\n", err)
		http.Error(w, "snapshot error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transportElements)
}

func (self *Relay) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade error = %s\n", err)
		return
	}

	// first frame is auth; echo it back on success
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil || messageType != websocket.BinaryMessage {
		ws.Close()
		return
	}
	authFrame, err := collab.DecodeWireFrame(authBytes)
	if err != nil || collab.WireFrameType(authFrame) != collab.WireAuth {
		ws.Close()
		return
	}
	documentId, _ := authFrame["documentId"].(string)
	accessToken, _ := authFrame["accessToken"].(string)
	claims, err := collab.VerifyAccessToken(accessToken, self.settings.JwtSecret)
	if err != nil || claims.DocumentId != documentId {
		glog.Infof("[r]auth rejected for %s\n", documentId)
		ws.Close()
		return
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		ws.Close()
		return
	}

	chatLimiter := collab.NewRateLimiter(self.settings.ChatRateLimit, self.settings.ChatRateLimitInterval)
	conn := newConnection(ws, claims.UserId, claims.CanWrite, chatLimiter, self.settings.SendBufferSize)
	documentRoom := self.room(documentId)
	documentRoom.join(conn)
	glog.V(1).Infof("[r]%s join %s\n", documentId, claims.UserId)

	go self.writePump(conn)
	go self.readPump(conn, documentRoom)
}

func (self *Relay) writePump(conn *connection) {
	defer conn.close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-conn.done:
			return
		case frameBytes := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				glog.V(1).Infof("[r]->%s error = %s\n", conn.userId, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Relay) readPump(conn *connection, documentRoom *room) {
	defer func() {
		conn.close()
		empty := documentRoom.leave(conn)
		if empty {
			glog.V(1).Infof("[r]%s empty\n", documentRoom.documentId)
		}
		glog.V(1).Infof("[r]%s leave %s\n", documentRoom.documentId, conn.userId)
	}()

	for {
		select {
		case <-conn.done:
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[r]<-%s error = %s\n", conn.userId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if 0 == len(message) {
			// ping
			continue
		}

		frame, err := collab.DecodeWireFrame(message)
		if err != nil {
			glog.Infof("[r]<-%s bad frame = %s\n", conn.userId, err)
			continue
		}
		self.handleFrame(conn, documentRoom, frame)
	}
}

func (self *Relay) handleFrame(conn *connection, documentRoom *room, frame collab.WireFrame) {
	switch collab.WireFrameType(frame) {
	case collab.WireAppend:
		ackId, _ := frame["ackId"].(string)
		if !conn.canWrite {
			self.ack(conn, ackId, "permission denied")
			return
		}
		operation, err := collab.OperationFromWire(frame["operation"])
		if err != nil {
			self.ack(conn, ackId, "bad operation")
			return
		}

		appendCtx, appendCancel := context.WithTimeout(self.ctx, self.settings.AppendTimeout)
		seq, err := self.log.Append(appendCtx, documentRoom.documentId, operation)
		appendCancel()
		if err != nil {
			glog.Infof("[r]append error = %s\n", err)
			self.ack(conn, ackId, "append failed")
			return
		}
		self.ack(conn, ackId, "")
		glog.V(2).Infof("[r]%s append %d %s\n", documentRoom.documentId, seq, operation)

		wireOperation, err := collab.OperationToWire(operation)
		if err != nil {
			return
		}
		frameBytes, err := collab.EncodeWireFrame(collab.WireFrame{
			"type":      collab.WireOperation,
			"seq":       float64(seq),
			"operation": wireOperation,
		})
		if err != nil {
			return
		}
		documentRoom.broadcast(frameBytes)
	case collab.WireSetPresence:
		userId, _ := frame["userId"].(string)
		if userId != conn.userId {
			// presence is only writable for the authenticated user
			return
		}
		record, err := collab.PresenceRecordFromWire(frame["record"])
		if err != nil {
			return
		}
		documentRoom.setPresence(userId, record)
	case collab.WireRemovePresence:
		userId, _ := frame["userId"].(string)
		if userId != conn.userId {
			return
		}
		documentRoom.removePresence(userId)
	case collab.WireChat:
		ackId, _ := frame["ackId"].(string)
		if !conn.canWrite {
			self.ack(conn, ackId, "permission denied")
			return
		}
		if !conn.chatLimiter.Allow() {
			self.ack(conn, ackId, "rate limit exceeded")
			return
		}
		message, err := collab.ChatMessageFromWire(frame["message"])
		if err != nil {
			self.ack(conn, ackId, "bad message")
			return
		}
		// server side constraints regardless of client behavior
		message.UserId = conn.userId
		if self.settings.MaxChatLength < len(message.Text) {
			// cut on a rune boundary
			runes := []rune(message.Text)
			for self.settings.MaxChatLength < len(string(runes)) {
				runes = runes[:len(runes)-1]
			}
			message.Text = string(runes)
		}
		wireMessage, err := collab.ChatMessageToWire(message)
		if err != nil {
			self.ack(conn, ackId, "bad message")
			return
		}
		frameBytes, err := collab.EncodeWireFrame(collab.WireFrame{
			"type":    collab.WireChat,
			"message": wireMessage,
		})
		if err != nil {
			return
		}
		self.ack(conn, ackId, "")
		documentRoom.broadcast(frameBytes)
	default:
		glog.V(1).Infof("[r]<-%s unknown frame %s\n", conn.userId, collab.WireFrameType(frame))
	}
}

func (self *Relay) ack(conn *connection, ackId string, errMessage string) {
	if ackId == "" {
		return
	}
	frame := collab.WireFrame{
		"type":  collab.WireAck,
		"ackId": ackId,
	}
	if errMessage != "" {
		frame["error"] = errMessage
	}
	frameBytes, err := collab.EncodeWireFrame(frame)
	if err != nil {
		return
	}
	conn.enqueue(frameBytes)
}

func (self *Relay) Close() {
	self.cancel()

	self.stateLock.Lock()
	rooms := self.rooms
	self.rooms = map[string]*room{}
	self.stateLock.Unlock()

	for _, r := range rooms {
		r.stateLock.Lock()
		connections := make([]*connection, 0, len(r.connections))
		for conn := range r.connections {
			connections = append(connections, conn)
		}
		r.stateLock.Unlock()
		for _, conn := range connections {
			conn.close()
		}
	}
}
