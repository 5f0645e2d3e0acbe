package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ObjectStore client for the hosted document store, over a single websocket.
// the connection authenticates with a bearer jwt, subscribes per document,
// and receives a full snapshot frame on every change. writes are
// request/response frames correlated by request id.
//
// the client owns its own reconnection: transient connection loss is retried
// with exponential backoff and live subscriptions are replayed on the new
// connection. subscribers only see an error once the backoff gives up.

func DefaultRemoteObjectStoreSettings() *RemoteObjectStoreSettings {
	return &RemoteObjectStoreSettings{
		WsHandshakeTimeout:      2 * time.Second,
		AuthTimeout:             2 * time.Second,
		PingTimeout:             5 * time.Second,
		WriteTimeout:            5 * time.Second,
		ReadTimeout:             15 * time.Second,
		RequestTimeout:          15 * time.Second,
		ReconnectInitialTimeout: 500 * time.Millisecond,
		ReconnectMaxTimeout:     15 * time.Second,
		// after this long without a connection the feed error is surfaced
		ReconnectMaxElapsedTime: 5 * time.Minute,
	}
}

type RemoteObjectStoreSettings struct {
	WsHandshakeTimeout      time.Duration
	AuthTimeout             time.Duration
	PingTimeout             time.Duration
	WriteTimeout            time.Duration
	ReadTimeout             time.Duration
	RequestTimeout          time.Duration
	ReconnectInitialTimeout time.Duration
	ReconnectMaxTimeout     time.Duration
	ReconnectMaxElapsedTime time.Duration
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

// the acting user id embedded in the jwt. parsed unverified; the store
// verifies the signature server side.
func (self *ClientAuth) UserId() (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if userId, ok := claims["user_id"].(string); ok {
		return userId, nil
	}
	return "", fmt.Errorf("jwt missing user_id claim")
}

// wire frame. exactly one of the payload fields is set, by Type
type storeFrame struct {
	Type       string          `json:"type"`
	RequestId  *Id             `json:"requestId,omitempty"`
	DocumentId string          `json:"documentId,omitempty"`
	ObjectId   string          `json:"objectId,omitempty"`
	ObjectIds  []string        `json:"objectIds,omitempty"`
	Object     *CanvasObject   `json:"object,omitempty"`
	Patch      *ObjectPatch    `json:"patch,omitempty"`
	Objects    []*CanvasObject `json:"objects,omitempty"`
	Error      string          `json:"error,omitempty"`
	Jwt        string          `json:"jwt,omitempty"`
	InstanceId string          `json:"instanceId,omitempty"`
	AppVersion string          `json:"appVersion,omitempty"`
}

type pendingRequest struct {
	callback func(frame *storeFrame, err error)
	timeout  *time.Timer
}

type documentSubscriptions struct {
	snapshotCallbacks *CallbackList[SnapshotFunction]
	errorCallbacks    *CallbackList[ErrorFunction]
	lastSnapshot      []*CanvasObject
	hasSnapshot       bool
}

type RemoteObjectStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	storeUrl string
	auth     *ClientAuth

	settings *RemoteObjectStoreSettings

	mutex     sync.Mutex
	conn      *websocket.Conn
	writeLock sync.Mutex
	pending   map[Id]*pendingRequest
	documents map[string]*documentSubscriptions
}

func NewRemoteObjectStoreWithDefaults(
	ctx context.Context,
	storeUrl string,
	auth *ClientAuth,
) *RemoteObjectStore {
	return NewRemoteObjectStore(ctx, storeUrl, auth, DefaultRemoteObjectStoreSettings())
}

func NewRemoteObjectStore(
	ctx context.Context,
	storeUrl string,
	auth *ClientAuth,
	settings *RemoteObjectStoreSettings,
) *RemoteObjectStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RemoteObjectStore{
		ctx:       cancelCtx,
		cancel:    cancel,
		storeUrl:  storeUrl,
		auth:      auth,
		settings:  settings,
		pending:   map[Id]*pendingRequest{},
		documents: map[string]*documentSubscriptions{},
	}
	go store.run()
	return store
}

func (self *RemoteObjectStore) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn, err := self.connect()
		if err != nil {
			glog.Infof("[store]connect gave up: %s\n", err)
			self.failAll(err)
			return
		}

		self.mutex.Lock()
		self.conn = conn
		documentIds := []string{}
		for documentId := range self.documents {
			documentIds = append(documentIds, documentId)
		}
		self.mutex.Unlock()

		// replay live subscriptions on the new connection
		for _, documentId := range documentIds {
			self.writeFrame(&storeFrame{
				Type:       "subscribe",
				DocumentId: documentId,
			})
		}

		self.readLoop(conn)

		self.mutex.Lock()
		self.conn = nil
		self.mutex.Unlock()
		self.failPending(fmt.Errorf("store connection lost"))
	}
}

// dials and authenticates with exponential backoff.
// returns an error only once the backoff max elapsed time is exhausted
func (self *RemoteObjectStore) connect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(self.settings.ReconnectInitialTimeout),
		backoff.WithMaxInterval(self.settings.ReconnectMaxTimeout),
		backoff.WithMaxElapsedTime(self.settings.ReconnectMaxElapsedTime),
	)
	return backoff.RetryWithData(
		func() (*websocket.Conn, error) {
			select {
			case <-self.ctx.Done():
				return nil, backoff.Permanent(self.ctx.Err())
			default:
			}
			conn, err := self.dial()
			if err != nil {
				glog.Infof("[store]connect %s: %s\n", self.storeUrl, err)
			}
			return conn, err
		},
		backoff.WithContext(b, self.ctx),
	)
}

func (self *RemoteObjectStore) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.storeUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	authFrame := &storeFrame{
		Type:       "auth",
		Jwt:        self.auth.ByJwt,
		InstanceId: self.auth.InstanceId.String(),
		AppVersion: self.auth.AppVersion,
	}
	authBytes, err := json.Marshal(authFrame)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, ackBytes, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var ack storeFrame
	if err := json.Unmarshal(ackBytes, &ack); err != nil {
		return nil, err
	}
	if ack.Type != "authResult" {
		return nil, fmt.Errorf("unexpected auth response %q", ack.Type)
	}
	if ack.Error != "" {
		// bad credentials do not improve with retries
		return nil, backoff.Permanent(fmt.Errorf("auth rejected: %s", ack.Error))
	}

	success = true
	return conn, nil
}

func (self *RemoteObjectStore) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(self.settings.PingTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-pingDone:
				return
			case <-ticker.C:
				self.writeLock.Lock()
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				self.writeLock.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frameBytes, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var frame storeFrame
		if err := json.Unmarshal(frameBytes, &frame); err != nil {
			glog.Infof("[store]malformed frame: %s\n", err)
			continue
		}
		self.receive(&frame)
	}
}

func (self *RemoteObjectStore) receive(frame *storeFrame) {
	switch frame.Type {
	case "snapshot":
		var callbacks []SnapshotFunction
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			document, ok := self.documents[frame.DocumentId]
			if !ok {
				return
			}
			document.lastSnapshot = frame.Objects
			document.hasSnapshot = true
			callbacks = document.snapshotCallbacks.Get()
		}()
		for _, callback := range callbacks {
			HandleError(func() {
				callback(frame.Objects)
			})
		}

	case "result":
		if frame.RequestId == nil {
			return
		}
		self.mutex.Lock()
		request, ok := self.pending[*frame.RequestId]
		if ok {
			delete(self.pending, *frame.RequestId)
		}
		self.mutex.Unlock()
		if !ok {
			// already timed out
			return
		}
		request.timeout.Stop()
		if frame.Error != "" {
			request.callback(nil, fmt.Errorf("%s", frame.Error))
		} else {
			request.callback(frame, nil)
		}

	default:
		glog.Infof("[store]unexpected frame type %q\n", frame.Type)
	}
}

func (self *RemoteObjectStore) writeFrame(frame *storeFrame) error {
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn == nil {
		return fmt.Errorf("store not connected")
	}

	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// registers the pending request and sends the frame.
// the callback fires exactly once: result, timeout, or send failure
func (self *RemoteObjectStore) request(frame *storeFrame, callback func(frame *storeFrame, err error)) {
	requestId := NewId()
	frame.RequestId = &requestId

	timeout := time.AfterFunc(self.settings.RequestTimeout, func() {
		self.mutex.Lock()
		request, ok := self.pending[requestId]
		if ok {
			delete(self.pending, requestId)
		}
		self.mutex.Unlock()
		if ok {
			request.callback(nil, fmt.Errorf("store request timeout"))
		}
	})

	self.mutex.Lock()
	self.pending[requestId] = &pendingRequest{
		callback: callback,
		timeout:  timeout,
	}
	self.mutex.Unlock()

	if err := self.writeFrame(frame); err != nil {
		self.mutex.Lock()
		request, ok := self.pending[requestId]
		if ok {
			delete(self.pending, requestId)
		}
		self.mutex.Unlock()
		if ok {
			request.timeout.Stop()
			request.callback(nil, err)
		}
	}
}

func (self *RemoteObjectStore) failPending(err error) {
	self.mutex.Lock()
	pending := self.pending
	self.pending = map[Id]*pendingRequest{}
	self.mutex.Unlock()

	for _, request := range pending {
		request.timeout.Stop()
		request.callback(nil, err)
	}
}

// surfaces the error on every live subscription. reconnection is over
func (self *RemoteObjectStore) failAll(err error) {
	self.failPending(err)

	var callbacks []ErrorFunction
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		for _, document := range self.documents {
			callbacks = append(callbacks, document.errorCallbacks.Get()...)
		}
	}()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(err)
		})
	}
}

func (self *RemoteObjectStore) CreateObject(
	ctx context.Context,
	documentId string,
	obj *CanvasObject,
	callback CreateObjectCallback,
) {
	self.request(
		&storeFrame{
			Type:       "create",
			DocumentId: documentId,
			Object:     obj,
		},
		func(frame *storeFrame, err error) {
			if err != nil {
				callback.Result(nil, err)
				return
			}
			callback.Result(&CreateObjectResult{ObjectId: frame.ObjectId}, nil)
		},
	)
}

func (self *RemoteObjectStore) UpdateObject(
	ctx context.Context,
	documentId string,
	objectId string,
	patch *ObjectPatch,
	callback WriteCallback,
) {
	self.request(
		&storeFrame{
			Type:       "update",
			DocumentId: documentId,
			ObjectId:   objectId,
			Patch:      patch,
		},
		func(frame *storeFrame, err error) {
			if err != nil {
				callback.Result(nil, err)
				return
			}
			callback.Result(&WriteResult{}, nil)
		},
	)
}

func (self *RemoteObjectStore) DeleteObject(
	ctx context.Context,
	documentId string,
	objectId string,
	callback WriteCallback,
) {
	self.DeleteObjects(ctx, documentId, []string{objectId}, callback)
}

func (self *RemoteObjectStore) DeleteObjects(
	ctx context.Context,
	documentId string,
	objectIds []string,
	callback WriteCallback,
) {
	self.request(
		&storeFrame{
			Type:       "delete",
			DocumentId: documentId,
			ObjectIds:  objectIds,
		},
		func(frame *storeFrame, err error) {
			if err != nil {
				callback.Result(nil, err)
				return
			}
			callback.Result(&WriteResult{}, nil)
		},
	)
}

func (self *RemoteObjectStore) Subscribe(
	documentId string,
	onSnapshot SnapshotFunction,
	onError ErrorFunction,
) func() {
	var snapshotId Id
	var errorId Id
	var initial []*CanvasObject
	hasInitial := false
	firstForDocument := false

	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		document, ok := self.documents[documentId]
		if !ok {
			document = &documentSubscriptions{
				snapshotCallbacks: NewCallbackList[SnapshotFunction](),
				errorCallbacks:    NewCallbackList[ErrorFunction](),
			}
			self.documents[documentId] = document
			firstForDocument = true
		}
		snapshotId = document.snapshotCallbacks.Add(onSnapshot)
		errorId = document.errorCallbacks.Add(onError)
		if document.hasSnapshot {
			initial = document.lastSnapshot
			hasInitial = true
		}
	}()

	if firstForDocument {
		// the server answers with the current snapshot immediately
		if err := self.writeFrame(&storeFrame{
			Type:       "subscribe",
			DocumentId: documentId,
		}); err != nil {
			glog.Infof("[store]subscribe %s deferred to reconnect: %s\n", documentId, err)
		}
	}
	if hasInitial {
		HandleError(func() {
			onSnapshot(initial)
		})
	}

	return func() {
		last := false
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			document, ok := self.documents[documentId]
			if !ok {
				return
			}
			document.snapshotCallbacks.Remove(snapshotId)
			document.errorCallbacks.Remove(errorId)
			if len(document.snapshotCallbacks.Get()) == 0 {
				delete(self.documents, documentId)
				last = true
			}
		}()
		if last {
			self.writeFrame(&storeFrame{
				Type:       "unsubscribe",
				DocumentId: documentId,
			})
		}
	}
}

func (self *RemoteObjectStore) Close() {
	self.cancel()
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}
