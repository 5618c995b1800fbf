package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const wsSendBufferSize = 64

type WsStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	AckTimeout         time.Duration

	HttpConnectTimeout time.Duration
	HttpTimeout        time.Duration
}

func DefaultWsStoreSettings() *WsStoreSettings {
	return &WsStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		AckTimeout:         5 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTimeout:        30 * time.Second,
	}
}

// WsStore is a DocumentStore backed by a relay over a websocket. One
// store serves one document: the access token is bound to it. The
// connection authenticates with the token and the relay echoes the
// auth frame back. A dropped connection reconnects with a jittered
// timeout; subscriptions resume from the current tail, and the session
// covers the gap with a snapshot fetch.
type WsStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	// wss endpoint of the relay
	connectUrl string
	// https endpoint for snapshot fetches
	apiUrl      string
	documentId  string
	accessToken string

	settings *WsStoreSettings

	httpClient *http.Client

	send chan []byte

	connected           bool
	connectionCallbacks CallbackList[*wsConnectionCallback]

	operationCallbacks CallbackList[*operationSubscriber]
	presenceCallbacks  CallbackList[*presenceSubscriber]
	chatCallbacks      CallbackList[*chatSubscriber]

	stateLock sync.Mutex
	acks      map[string]chan error
}

type wsConnectionCallback struct {
	callback func(connected bool)
}

func NewWsStoreWithDefaults(ctx context.Context, connectUrl string, apiUrl string, documentId string, accessToken string) *WsStore {
	return NewWsStore(ctx, connectUrl, apiUrl, documentId, accessToken, DefaultWsStoreSettings())
}

func NewWsStore(ctx context.Context, connectUrl string, apiUrl string, documentId string, accessToken string, settings *WsStoreSettings) *WsStore {
	cancelCtx, cancel := context.WithCancel(ctx)

	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
		Timeout: settings.HttpTimeout,
	}

	store := &WsStore{
		ctx:         cancelCtx,
		cancel:      cancel,
		connectUrl:  connectUrl,
		apiUrl:      apiUrl,
		documentId:  documentId,
		accessToken: accessToken,
		settings:    settings,
		httpClient:  httpClient,
		send:        make(chan []byte, wsSendBufferSize),
		acks:        map[string]chan error{},
	}
	go store.run()
	return store
}

func (self *WsStore) run() {
	defer self.cancel()

	authBytes, err := EncodeWireFrame(WireFrame{
		"type":        WireAuth,
		"documentId":  self.documentId,
		"accessToken": self.accessToken,
	})
	if err != nil {
		glog.Infof("[ws]auth encode error = %s\n", err)
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.connectUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ws]auth error %s = %s\n", self.documentId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-NewReconnect(self.settings.ReconnectTimeout).After():
				continue
			}
		}

		self.runConnection(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-NewReconnect(self.settings.ReconnectTimeout).After():
		}
	}
}

func (self *WsStore) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	self.setConnected(true)
	defer self.setConnected(false)

	// write pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[ws]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ws]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// read pump
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[ws]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				continue
			}
			self.dispatch(message)
		default:
		}
	}
}

func (self *WsStore) dispatch(message []byte) {
	frame, err := DecodeWireFrame(message)
	if err != nil {
		glog.Infof("[ws]bad frame = %s\n", err)
		return
	}

	switch WireFrameType(frame) {
	case WireAck:
		ackId, _ := frame["ackId"].(string)
		var ackErr error
		if errMessage, ok := frame["error"].(string); ok && errMessage != "" {
			ackErr = fmt.Errorf("%w: %s", ErrTransport, errMessage)
		}
		self.stateLock.Lock()
		ack, ok := self.acks[ackId]
		delete(self.acks, ackId)
		self.stateLock.Unlock()
		if ok {
			ack <- ackErr
		}
	case WireOperation:
		operation, err := OperationFromWire(frame["operation"])
		if err != nil {
			glog.Infof("[ws]bad operation = %s\n", err)
			return
		}
		for _, subscriber := range self.operationCallbacks.Get() {
			HandleError(func() {
				subscriber.callback(operation)
			})
		}
	case WirePresence:
		records, err := PresenceRecordsFromWire(frame["records"])
		if err != nil {
			glog.Infof("[ws]bad presence = %s\n", err)
			return
		}
		for _, subscriber := range self.presenceCallbacks.Get() {
			HandleError(func() {
				subscriber.callback(records)
			})
		}
	case WireChat:
		chatMessage, err := ChatMessageFromWire(frame["message"])
		if err != nil {
			glog.Infof("[ws]bad chat = %s\n", err)
			return
		}
		for _, subscriber := range self.chatCallbacks.Get() {
			HandleError(func() {
				subscriber.callback(chatMessage)
			})
		}
	default:
		glog.V(1).Infof("[ws]unknown frame %s\n", WireFrameType(frame))
	}
}

func (self *WsStore) setConnected(connected bool) {
	self.stateLock.Lock()
	if self.connected == connected {
		self.stateLock.Unlock()
		return
	}
	self.connected = connected
	if !connected {
		// in flight acks cannot complete
		for ackId, ack := range self.acks {
			delete(self.acks, ackId)
			ack <- fmt.Errorf("%w: connection lost", ErrTransport)
		}
	}
	self.stateLock.Unlock()

	for _, stateCallback := range self.connectionCallbacks.Get() {
		HandleError(func() {
			stateCallback.callback(connected)
		})
	}
}

func (self *WsStore) AccessToken() string {
	return self.accessToken
}

// WaitForConnect blocks until the store has an authenticated
// connection or the context is done
func (self *WsStore) WaitForConnect(ctx context.Context) error {
	connected := make(chan struct{}, 1)
	unsubscribe := self.AddConnectionCallback(func(isConnected bool) {
		if isConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if self.Connected() {
		return nil
	}
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrTransport, ctx.Err())
	case <-self.ctx.Done():
		return ErrClosed
	}
}

func (self *WsStore) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

// ConnectionStateStore
func (self *WsStore) AddConnectionCallback(callback func(connected bool)) func() {
	stateCallback := &wsConnectionCallback{
		callback: callback,
	}
	self.connectionCallbacks.Add(stateCallback)
	return func() {
		self.connectionCallbacks.Remove(stateCallback)
	}
}

// sendFrameWithAck writes the frame and waits for the relay's ack
func (self *WsStore) sendFrameWithAck(ctx context.Context, frame WireFrame) error {
	if !self.Connected() {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}

	ackId := NewId().String()
	frame["ackId"] = ackId
	frameBytes, err := EncodeWireFrame(frame)
	if err != nil {
		return err
	}

	ack := make(chan error, 1)
	self.stateLock.Lock()
	self.acks[ackId] = ack
	self.stateLock.Unlock()
	removeAck := func() {
		self.stateLock.Lock()
		delete(self.acks, ackId)
		self.stateLock.Unlock()
	}

	select {
	case self.send <- frameBytes:
	case <-ctx.Done():
		removeAck()
		return fmt.Errorf("%w: %s", ErrTransport, ctx.Err())
	case <-self.ctx.Done():
		removeAck()
		return ErrClosed
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(self.settings.AckTimeout):
		removeAck()
		return fmt.Errorf("%w: ack timeout", ErrTransport)
	case <-ctx.Done():
		removeAck()
		return fmt.Errorf("%w: %s", ErrTransport, ctx.Err())
	case <-self.ctx.Done():
		removeAck()
		return ErrClosed
	}
}

// sendFrame writes the frame without waiting. Presence is overwritten
// continuously, a lost frame is covered by the next one.
func (self *WsStore) sendFrame(ctx context.Context, frame WireFrame) error {
	frameBytes, err := EncodeWireFrame(frame)
	if err != nil {
		return err
	}
	select {
	case self.send <- frameBytes:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrTransport, ctx.Err())
	case <-self.ctx.Done():
		return ErrClosed
	}
}

func (self *WsStore) checkDocument(documentId string) error {
	if documentId != self.documentId {
		return fmt.Errorf("%w: store is bound to document %s", ErrPermission, self.documentId)
	}
	return nil
}

func (self *WsStore) AppendOperation(ctx context.Context, documentId string, operation *Operation) error {
	if err := self.checkDocument(documentId); err != nil {
		return err
	}
	wireOperation, err := OperationToWire(operation)
	if err != nil {
		return err
	}
	return self.sendFrameWithAck(ctx, WireFrame{
		"type":      WireAppend,
		"operation": wireOperation,
	})
}

func (self *WsStore) SubscribeToOperations(ctx context.Context, documentId string, callback OperationCallback) (func(), error) {
	if err := self.checkDocument(documentId); err != nil {
		return nil, err
	}
	subscriber := &operationSubscriber{
		callback: callback,
	}
	self.operationCallbacks.Add(subscriber)
	return func() {
		self.operationCallbacks.Remove(subscriber)
	}, nil
}

func (self *WsStore) GetDocumentSnapshot(ctx context.Context, documentId string) ([]*Element, error) {
	if err := self.checkDocument(documentId); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/documents/%s/snapshot", self.apiUrl, documentId)
	request, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.accessToken))

	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusForbidden || response.StatusCode == http.StatusUnauthorized {
		return nil, ErrPermission
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: snapshot status %d", ErrTransport, response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	transportElements := []TransportElement{}
	if err := json.Unmarshal(body, &transportElements); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return DecodeElements(transportElements), nil
}

func (self *WsStore) SetPresence(ctx context.Context, documentId string, userId string, record *PresenceRecord) error {
	if err := self.checkDocument(documentId); err != nil {
		return err
	}
	wireRecord, err := PresenceRecordToWire(record)
	if err != nil {
		return err
	}
	return self.sendFrame(ctx, WireFrame{
		"type":   WireSetPresence,
		"userId": userId,
		"record": wireRecord,
	})
}

func (self *WsStore) SubscribeToPresence(ctx context.Context, documentId string, callback PresenceCallback) (func(), error) {
	if err := self.checkDocument(documentId); err != nil {
		return nil, err
	}
	subscriber := &presenceSubscriber{
		callback: callback,
	}
	self.presenceCallbacks.Add(subscriber)
	return func() {
		self.presenceCallbacks.Remove(subscriber)
	}, nil
}

func (self *WsStore) RemovePresence(ctx context.Context, documentId string, userId string) error {
	if err := self.checkDocument(documentId); err != nil {
		return err
	}
	return self.sendFrame(ctx, WireFrame{
		"type":   WireRemovePresence,
		"userId": userId,
	})
}

func (self *WsStore) SendChat(ctx context.Context, documentId string, message *ChatMessage) error {
	if err := self.checkDocument(documentId); err != nil {
		return err
	}
	wireMessage, err := ChatMessageToWire(message)
	if err != nil {
		return err
	}
	return self.sendFrameWithAck(ctx, WireFrame{
		"type":    WireChat,
		"message": wireMessage,
	})
}

func (self *WsStore) SubscribeToChat(ctx context.Context, documentId string, callback ChatCallback) (func(), error) {
	if err := self.checkDocument(documentId); err != nil {
		return nil, err
	}
	subscriber := &chatSubscriber{
		callback: callback,
	}
	self.chatCallbacks.Add(subscriber)
	return func() {
		self.chatCallbacks.Remove(subscriber)
	}, nil
}

func (self *WsStore) Close() {
	self.cancel()
}
