package convex

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

type WsClientSettings struct {
	WsHandshakeTimeout time.Duration
	ConnectTimeout     time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsClientSettings() *WsClientSettings {
	return &WsClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ConnectTimeout:     2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// one frame of the sync protocol, both directions
type wsMessage struct {
	Type           string `json:"type"`
	SessionId      *Id    `json:"sessionId,omitempty"`
	SessionToken   string `json:"sessionToken,omitempty"`
	SubscriptionId *Id    `json:"subscriptionId,omitempty"`
	Path           string `json:"path,omitempty"`
	Args           Value  `json:"args,omitempty"`
	Value          Value  `json:"value,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	ErrorData      Value  `json:"errorData,omitempty"`
}

type wsSubscription struct {
	subscriptionId Id
	path           string
	args           Value
	onData         func(Value)
	onError        func(error)
}

// the default `RemoteQueryClient`.
// one-shot query/mutation delegate to the http api. `OnUpdate`
// multiplexes live subscriptions over a single websocket to
// `{deploymentUrl}/api/sync`, dialed lazily on the first subscription.
// on reconnect, every active subscription is replayed, so the
// subscription registry is the source of truth, not the wire.
type WsClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	api *ApiClient

	wsUrl string

	settings *WsClientSettings

	sessionId Id

	runOnce sync.Once

	connectMonitor *Monitor

	stateLock     sync.Mutex
	sessionToken  string
	subscriptions map[Id]*wsSubscription
	conn          *websocket.Conn

	writeLock sync.Mutex
}

func NewWsClientWithDefaults(ctx context.Context, deploymentUrl string) *WsClient {
	return NewWsClient(ctx, deploymentUrl, DefaultWsClientSettings())
}

func NewWsClient(ctx context.Context, deploymentUrl string, settings *WsClientSettings) *WsClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		api:            NewApiClientWithContext(cancelCtx, deploymentUrl),
		wsUrl:          fmt.Sprintf("%s/api/sync", wsUrlFromDeploymentUrl(deploymentUrl)),
		settings:       settings,
		sessionId:      NewId(),
		connectMonitor: NewMonitor(),
		subscriptions:  map[Id]*wsSubscription{},
	}
}

func wsUrlFromDeploymentUrl(deploymentUrl string) string {
	switch {
	case strings.HasPrefix(deploymentUrl, "https://"):
		return "wss://" + deploymentUrl[len("https://"):]
	case strings.HasPrefix(deploymentUrl, "http://"):
		return "ws://" + deploymentUrl[len("http://"):]
	default:
		return deploymentUrl
	}
}

func (self *WsClient) Api() *ApiClient {
	return self.api
}

// notified on each connect and disconnect of the live channel
func (self *WsClient) ConnectMonitor() *Monitor {
	return self.connectMonitor
}

func (self *WsClient) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.conn != nil
}

func (self *WsClient) Query(ctx context.Context, name string, args Value) (Value, error) {
	return self.api.QuerySync(ctx, name, args)
}

func (self *WsClient) Mutation(ctx context.Context, name string, args Value) (Value, error) {
	return self.api.MutationSync(ctx, name, args)
}

func (self *WsClient) SetSessionToken(sessionToken string) {
	self.stateLock.Lock()
	self.sessionToken = sessionToken
	self.stateLock.Unlock()

	self.api.SetSessionToken(sessionToken)
	// reauthenticate the live channel if one is open
	self.write(&wsMessage{
		Type:         "authenticate",
		SessionToken: sessionToken,
	})
}

func (self *WsClient) OnUpdate(name string, args Value, onData func(Value), onError func(error)) func() {
	self.runOnce.Do(func() {
		go self.run()
	})

	sub := &wsSubscription{
		subscriptionId: NewId(),
		path:           name,
		args:           args,
		onData:         onData,
		onError:        onError,
	}

	self.stateLock.Lock()
	self.subscriptions[sub.subscriptionId] = sub
	self.stateLock.Unlock()

	self.write(&wsMessage{
		Type:           "subscribe",
		SubscriptionId: &sub.subscriptionId,
		Path:           sub.path,
		Args:           sub.args,
	})

	return func() {
		self.stateLock.Lock()
		_, ok := self.subscriptions[sub.subscriptionId]
		delete(self.subscriptions, sub.subscriptionId)
		self.stateLock.Unlock()

		if ok {
			self.write(&wsMessage{
				Type:           "unsubscribe",
				SubscriptionId: &sub.subscriptionId,
			})
		}
	}
}

func (self *WsClient) Close() {
	self.cancel()
}

// best effort. a nil or broken connection is fine because the
// subscription registry is replayed on the next connect.
func (self *WsClient) write(message *wsMessage) {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()

	if conn == nil {
		return
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteJSON(message); err != nil {
		glog.V(2).Infof("[ws]write error = %s\n", err)
	}
}

func (self *WsClient) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			self.stateLock.Lock()
			sessionToken := self.sessionToken
			self.stateLock.Unlock()

			sessionId := self.sessionId
			connectMessage := &wsMessage{
				Type:         "connect",
				SessionId:    &sessionId,
				SessionToken: sessionToken,
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.ConnectTimeout))
			if err := ws.WriteJSON(connectMessage); err != nil {
				return nil, err
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[ws]connect %s", self.sessionId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[ws]connect error %s = %s\n", self.sessionId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.stateLock.Lock()
			self.conn = ws
			subs := maps.Values(self.subscriptions)
			self.stateLock.Unlock()
			self.connectMonitor.NotifyAll()

			defer func() {
				self.stateLock.Lock()
				if self.conn == ws {
					self.conn = nil
				}
				self.stateLock.Unlock()
				self.connectMonitor.NotifyAll()
			}()

			// replay every active subscription on this connection
			for _, sub := range subs {
				self.write(&wsMessage{
					Type:           "subscribe",
					SubscriptionId: &sub.subscriptionId,
					Path:           sub.path,
					Args:           sub.args,
				})
			}

			go func() {
				defer handleCancel()
				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
					}
					self.writeLock.Lock()
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(self.settings.WriteTimeout))
					self.writeLock.Unlock()
					if err != nil {
						return
					}
				}
			}()

			ws.SetPongHandler(func(string) error {
				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				return nil
			})

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				message := &wsMessage{}
				if err := ws.ReadJSON(message); err != nil {
					glog.V(2).Infof("[ws]read error = %s\n", err)
					return
				}
				self.dispatch(message)
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
	}
}

func (self *WsClient) dispatch(message *wsMessage) {
	if message.SubscriptionId == nil {
		glog.V(2).Infof("[ws]drop %s frame without subscription\n", message.Type)
		return
	}

	self.stateLock.Lock()
	sub := self.subscriptions[*message.SubscriptionId]
	self.stateLock.Unlock()

	if sub == nil {
		// torn down while the frame was in flight
		return
	}

	switch message.Type {
	case "update":
		HandleError(func() {
			sub.onData(message.Value)
		})
	case "error":
		queryErr := &QueryError{
			Message: message.ErrorMessage,
			Data:    message.ErrorData,
		}
		HandleError(func() {
			sub.onError(queryErr)
		})
	default:
		glog.V(2).Infof("[ws]drop unknown frame type %s\n", message.Type)
	}
}
