package guidesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type WsStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	AppVersion         string
}

func DefaultWsStoreSettings() *WsStoreSettings {
	return &WsStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// auth frame sent as the first message on a watch connection.
// the server echoes the frame bytes back to accept (same convention as the
// api's bearer auth, but in-band for the socket).
type wsAuthFrame struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	Path       string `json:"path"`
	AppVersion string `json:"app_version,omitempty"`
}

// every subsequent server frame is one of these
type wsSyncFrame struct {
	Push  Document          `json:"push,omitempty"`
	Error *wsSyncFrameError `json:"error,omitempty"`
}

type wsSyncFrameError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// WsStore is the production remote store client: identity via the http api,
// document pushes via a websocket watch connection. Each subscription
// handle is single-shot. It reports at most one error and then is dead;
// reconnection is the sync controller's job.
type WsStore struct {
	ctx context.Context

	api        *GuideApi
	connectUrl string
	instanceId Id

	settings *WsStoreSettings

	mutex    sync.Mutex
	identity *Identity
}

func NewWsStoreWithDefaults(ctx context.Context, api *GuideApi, connectUrl string) *WsStore {
	return NewWsStore(ctx, api, connectUrl, DefaultWsStoreSettings())
}

func NewWsStore(ctx context.Context, api *GuideApi, connectUrl string, settings *WsStoreSettings) *WsStore {
	return &WsStore{
		ctx:        ctx,
		api:        api,
		connectUrl: connectUrl,
		instanceId: NewId(),
		settings:   settings,
	}
}

// returns the cached identity, or creates an anonymous one via the api.
func (self *WsStore) AcquireIdentity(ctx context.Context) (*Identity, error) {
	self.mutex.Lock()
	identity := self.identity
	self.mutex.Unlock()
	if identity != nil {
		return identity, nil
	}

	result, err := self.api.AuthAnonymousSync(ctx, &AuthAnonymousArgs{
		InstanceId: self.instanceId,
		AppVersion: self.settings.AppVersion,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, errors.New(result.Error.Message)
	}
	if result.ByJwt == "" {
		return nil, errors.New("anonymous auth returned no jwt")
	}

	identity = &Identity{
		ByJwt:      result.ByJwt,
		InstanceId: self.instanceId,
		Anonymous:  true,
	}
	self.api.SetByJwt(identity.ByJwt)

	self.mutex.Lock()
	self.identity = identity
	self.mutex.Unlock()
	return identity, nil
}

// SetIdentity installs an already-authenticated identity, skipping
// anonymous auth.
func (self *WsStore) SetIdentity(identity *Identity) {
	self.mutex.Lock()
	self.identity = identity
	self.mutex.Unlock()
	self.api.SetByJwt(identity.ByJwt)
}

func (self *WsStore) Subscribe(path string, onPush PushFunction, onError StoreErrorFunction) (StoreSubscription, error) {
	self.mutex.Lock()
	identity := self.identity
	self.mutex.Unlock()
	if identity == nil {
		return nil, errors.New("identity not acquired")
	}

	cancelCtx, cancel := context.WithCancel(self.ctx)
	sub := &wsSubscription{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      fmt.Sprintf("%s/guide/%s/watch", self.connectUrl, path),
		identity: identity,
		path:     path,
		settings: self.settings,
		onPush:   onPush,
		onError:  onError,
	}
	go sub.run()
	return sub, nil
}

func (self *WsStore) WriteFields(ctx context.Context, path string, partial Document) error {
	result, err := self.api.WriteGuideFieldsSync(ctx, &WriteGuideFieldsArgs{
		Path:   path,
		Fields: partial,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}
	return nil
}

type wsSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	identity *Identity
	path     string
	settings *WsStoreSettings

	onPush  PushFunction
	onError StoreErrorFunction

	errorOnce sync.Once
}

func (self *wsSubscription) Unsubscribe() {
	// idempotent. The read loop sees the canceled context and exits with
	// a cancelled code, which subscribers are expected to ignore.
	self.cancel()
}

func (self *wsSubscription) run() {
	defer self.cancel()

	authBytes, err := json.Marshal(&wsAuthFrame{
		ByJwt:      self.identity.ByJwt,
		InstanceId: self.identity.InstanceId,
		Path:       self.path,
		AppVersion: self.settings.AppVersion,
	})
	if err != nil {
		self.deliverError(StoreErrorInvalidArgument)
		return
	}

	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
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
		if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
		if messageType, message, err := ws.ReadMessage(); err != nil {
			return nil, err
		} else {
			// verify the auth echo
			switch messageType {
			case websocket.TextMessage:
				if string(authBytes) != string(message) {
					return nil, fmt.Errorf("auth response error: bad bytes")
				}
			default:
				return nil, fmt.Errorf("auth response error")
			}
		}

		success = true
		return ws, nil
	}

	ws, err := connect()
	if err != nil {
		glog.Infof("[ws]connect %s error = %s\n", self.path, err)
		self.deliverError(self.classifyError(err))
		return
	}
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock a pending read as soon as the handle is released
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	// keepalive. An empty binary message is a ping in both directions.
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				// a websocket deadline timeout cannot be recovered
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			self.deliverError(StoreErrorCancelled)
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ws]%s<- error = %s\n", self.path, err)
			self.deliverError(self.classifyError(err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping %s<-\n", self.path)
				continue
			}
		case websocket.TextMessage:
			var frame wsSyncFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				glog.Infof("[ws]bad frame %s<- = %s\n", self.path, err)
				continue
			}
			if frame.Error != nil {
				self.deliverError(StoreErrorCode(frame.Error.Code))
				return
			}
			glog.V(2).Infof("[ws]push %s<-\n", self.path)
			self.onPush(frame.Push)
		default:
			glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, self.path)
		}
	}
}

// at most one error per handle
func (self *wsSubscription) deliverError(code StoreErrorCode) {
	self.errorOnce.Do(func() {
		self.onError(code)
	})
}

// map transport failures to wire codes at the boundary. The controller
// never looks at raw errors.
func (self *wsSubscription) classifyError(err error) StoreErrorCode {
	if self.ctx.Err() != nil {
		return StoreErrorCancelled
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return StoreErrorPermissionDenied
		case websocket.CloseInvalidFramePayloadData, websocket.CloseUnsupportedData:
			return StoreErrorInvalidArgument
		case websocket.CloseTryAgainLater:
			return StoreErrorResourceExhausted
		default:
			return StoreErrorUnavailable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StoreErrorDeadlineExceeded
	}

	return StoreErrorUnavailable
}
