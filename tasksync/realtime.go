package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/bringyour/tasksync/protocol"
)

// the realtime transport multiplexes every push subscription over one graphql-ws socket
//
// state machine:
//   disconnected -Connect-> connecting -open-> connected
//   connecting -error/timeout-> disconnected
//   connected -close(code != 1000) with subscriptions-> connecting (after backoff, bounded attempts)
//   connected -close(code == 1000) or no subscriptions-> disconnected
//
// after every open the transport re-sends `start` for all registered subscriptions
// under their existing ids, exactly once per socket

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

func (self ConnectionState) IsLive() bool {
	return self == ConnectionStateConnected
}

type ConnectionStateFunction func(state ConnectionState)

type RealtimeConn interface {
	WriteMessage(message []byte) error
	// returns a `*websocket.CloseError` when the peer closed with a code
	ReadMessage() ([]byte, error)
	Close(code int) error
}

type RealtimeDialer interface {
	Dial(ctx context.Context, url string) (RealtimeConn, error)
}

type SubscriptionObserver interface {
	Next(payload json.RawMessage)
	Error(err error)
	Complete()
}

// adapts plain functions to a `SubscriptionObserver`. nil functions are ignored.
type ObserverFuncs struct {
	NextFn     func(payload json.RawMessage)
	ErrorFn    func(err error)
	CompleteFn func()
}

func (self *ObserverFuncs) Next(payload json.RawMessage) {
	if self.NextFn != nil {
		self.NextFn(payload)
	}
}

func (self *ObserverFuncs) Error(err error) {
	if self.ErrorFn != nil {
		self.ErrorFn(err)
	}
}

func (self *ObserverFuncs) Complete() {
	if self.CompleteFn != nil {
		self.CompleteFn()
	}
}

type UnsubscribeFunction func()

func DefaultRealtimeTransportSettings() *RealtimeTransportSettings {
	return &RealtimeTransportSettings{
		ConnectTimeout:            10 * time.Second,
		ConnectPollInterval:       100 * time.Millisecond,
		ConnectWaitTimeout:        10 * time.Second,
		KeepAliveInterval:         30 * time.Second,
		ReconnectDelay:            1 * time.Second,
		MaxReconnectDelayMultiple: 5,
		MaxReconnectAttempts:      10,
		WriteTimeout:              5 * time.Second,
	}
}

type RealtimeTransportSettings struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// a caller that arrives during a background reconnect polls the state at this interval
	ConnectPollInterval time.Duration `yaml:"connect_poll_interval"`
	ConnectWaitTimeout  time.Duration `yaml:"connect_wait_timeout"`
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval"`
	// reconnect n waits `min(n, MaxReconnectDelayMultiple) * ReconnectDelay`
	ReconnectDelay            time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelayMultiple int           `yaml:"max_reconnect_delay_multiple"`
	MaxReconnectAttempts      int           `yaml:"max_reconnect_attempts"`
	WriteTimeout              time.Duration `yaml:"write_timeout"`
}

type realtimeSubscription struct {
	id        string
	query     string
	variables map[string]any
	observer  SubscriptionObserver

	// the socket the `start` frame was last sent on
	startedOn *realtimeConnection
}

type realtimeConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn      RealtimeConn
	writeLock sync.Mutex
}

func (self *realtimeConnection) write(frame *protocol.Frame) error {
	message, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.conn.WriteMessage(message)
}

type RealtimeTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpointUrl   string
	tokenProvider TokenProvider
	dialer        RealtimeDialer
	settings      *RealtimeTransportSettings
	metrics       *Metrics

	connectGroup singleflight.Group

	stateLock  sync.Mutex
	closed     bool
	state      ConnectionState
	connection *realtimeConnection
	// a background reconnect owns the dial. `Connect` callers poll instead of dialing.
	reconnecting        bool
	reconnectAttempts   int
	reconnectTimer      *time.Timer
	subscriptionCounter int
	subscriptions       map[string]*realtimeSubscription

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewRealtimeTransportWithDefaults(
	ctx context.Context,
	endpointUrl string,
	tokenProvider TokenProvider,
) *RealtimeTransport {
	settings := DefaultRealtimeTransportSettings()
	return NewRealtimeTransport(
		ctx,
		endpointUrl,
		tokenProvider,
		NewWebsocketDialer(settings),
		settings,
		nil,
	)
}

func NewRealtimeTransport(
	ctx context.Context,
	endpointUrl string,
	tokenProvider TokenProvider,
	dialer RealtimeDialer,
	settings *RealtimeTransportSettings,
	metrics *Metrics,
) *RealtimeTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RealtimeTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		endpointUrl:    endpointUrl,
		tokenProvider:  tokenProvider,
		dialer:         dialer,
		settings:       settings,
		metrics:        metrics,
		state:          ConnectionStateDisconnected,
		subscriptions:  map[string]*realtimeSubscription{},
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
}

func (self *RealtimeTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *RealtimeTransport) SubscriptionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscriptions)
}

func (self *RealtimeTransport) ReconnectAttempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempts
}

func (self *RealtimeTransport) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// must be called with the state lock
func (self *RealtimeTransport) setStateWithLock(state ConnectionState) bool {
	if self.state == state {
		return false
	}
	self.state = state
	return true
}

func (self *RealtimeTransport) stateChanged(state ConnectionState) {
	glog.V(LogLevelLifecycle).Infof("[rt]state %s\n", state)
	self.metrics.ConnectionState(state)
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

// concurrent callers share a single in-flight attempt
func (self *RealtimeTransport) Connect(ctx context.Context) error {
	resultChannel := self.connectGroup.DoChan("connect", func() (any, error) {
		return nil, self.open()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-resultChannel:
		return result.Err
	}
}

func (self *RealtimeTransport) open() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrTransportClosed
	}
	if self.state == ConnectionStateConnected {
		self.stateLock.Unlock()
		return nil
	}
	if self.reconnecting {
		self.stateLock.Unlock()
		return self.awaitOpen()
	}
	changed := self.setStateWithLock(ConnectionStateConnecting)
	self.stateLock.Unlock()

	if changed {
		self.stateChanged(ConnectionStateConnecting)
	}

	if glog.V(LogLevelTrace) {
		_, err := TraceWithReturnError("[rt]connect", func() (struct{}, error) {
			return struct{}{}, self.dial()
		})
		return err
	}
	return self.dial()
}

// polls until a background reconnect resolves
func (self *RealtimeTransport) awaitOpen() error {
	endTime := time.Now().Add(self.settings.ConnectWaitTimeout)
	for {
		self.stateLock.Lock()
		closed := self.closed
		state := self.state
		reconnecting := self.reconnecting
		self.stateLock.Unlock()

		if closed {
			return ErrTransportClosed
		}
		if state == ConnectionStateConnected {
			return nil
		}
		if !reconnecting {
			return ErrConnectFailed
		}

		timeout := endTime.Sub(time.Now())
		if timeout <= 0 {
			return ErrConnectTimeout
		}
		select {
		case <-self.ctx.Done():
			return ErrTransportClosed
		case <-time.After(min(timeout, self.settings.ConnectPollInterval)):
		}
	}
}

func (self *RealtimeTransport) dial() error {
	token := ""
	if self.tokenProvider != nil {
		var err error
		token, err = self.tokenProvider.GetToken(self.ctx)
		if err != nil {
			// connect unauthenticated. the server decides.
			glog.Infof("[rt]token error = %s\n", err)
			token = ""
		}
	}

	realtimeUrl, err := RealtimeUrl(self.endpointUrl, token)
	if err != nil {
		self.dialFailed()
		return fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	conn, err := self.dialer.Dial(dialCtx, realtimeUrl)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	dialCancel()
	if err != nil {
		glog.Infof("[rt]connect error = %s\n", err)
		self.dialFailed()
		if timedOut {
			return ErrConnectTimeout
		}
		return fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	connectionCtx, connectionCancel := context.WithCancel(self.ctx)
	connection := &realtimeConnection{
		ctx:    connectionCtx,
		cancel: connectionCancel,
		conn:   conn,
	}

	initFrame, err := protocol.NewInitFrame(token)
	if err == nil {
		err = connection.write(initFrame)
	}
	if err != nil {
		glog.Infof("[rt]init error = %s\n", err)
		connectionCancel()
		conn.Close(websocket.CloseAbnormalClosure)
		self.dialFailed()
		return fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		connectionCancel()
		conn.Close(websocket.CloseNormalClosure)
		return ErrTransportClosed
	}
	self.connection = connection
	self.reconnecting = false
	self.reconnectAttempts = 0
	changed := self.setStateWithLock(ConnectionStateConnected)
	subscriptions := make([]*realtimeSubscription, 0, len(self.subscriptions))
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	self.stateLock.Unlock()

	if changed {
		self.stateChanged(ConnectionStateConnected)
	}

	go HandleError(func() {
		self.read(connection)
	})
	go HandleError(func() {
		self.keepAlive(connection)
	})

	for _, subscription := range subscriptions {
		self.startOn(connection, subscription)
	}
	return nil
}

func (self *RealtimeTransport) dialFailed() {
	self.stateLock.Lock()
	self.reconnecting = false
	changed := self.setStateWithLock(ConnectionStateDisconnected)
	if self.scheduleReconnectWithLock() {
		changed = self.setStateWithLock(ConnectionStateConnecting) || changed
	}
	state := self.state
	self.stateLock.Unlock()

	if changed {
		self.stateChanged(state)
	}
}

// must be called with the state lock
func (self *RealtimeTransport) scheduleReconnectWithLock() bool {
	if self.closed || self.reconnectTimer != nil {
		return false
	}
	if len(self.subscriptions) == 0 {
		return false
	}
	if self.settings.MaxReconnectAttempts <= self.reconnectAttempts {
		glog.Infof("[rt]reconnect attempts exhausted (%d)\n", self.reconnectAttempts)
		return false
	}

	self.reconnectAttempts += 1
	delay := time.Duration(min(self.reconnectAttempts, self.settings.MaxReconnectDelayMultiple)) * self.settings.ReconnectDelay
	glog.V(LogLevelLifecycle).Infof("[rt]reconnect %d/%d in %s\n", self.reconnectAttempts, self.settings.MaxReconnectAttempts, delay)
	self.reconnecting = true
	self.reconnectTimer = time.AfterFunc(delay, func() {
		HandleError(self.reconnect)
	})
	return true
}

func (self *RealtimeTransport) reconnect() {
	self.stateLock.Lock()
	self.reconnectTimer = nil
	if self.closed || self.state == ConnectionStateConnected {
		self.reconnecting = false
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	self.metrics.Reconnect()
	self.dial()
}

func (self *RealtimeTransport) read(connection *realtimeConnection) {
	defer connection.cancel()

	for {
		message, err := connection.conn.ReadMessage()
		if err != nil {
			code := closeCode(err)
			if connection.ctx.Err() == nil && code != websocket.CloseNormalClosure {
				glog.Infof("[rt]<- close %d = %s\n", code, err)
			}
			self.handleClose(connection, code)
			return
		}

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			glog.V(LogLevelTrace).Infof("[rt]<- bad frame = %s\n", err)
			continue
		}
		self.dispatch(frame)
	}
}

func (self *RealtimeTransport) keepAlive(connection *realtimeConnection) {
	for {
		select {
		case <-connection.ctx.Done():
			return
		case <-time.After(self.settings.KeepAliveInterval):
		}

		if err := connection.write(protocol.NewKeepAliveFrame()); err != nil {
			glog.Infof("[rt]-> ka error = %s\n", err)
			// the read side observes the close and drives reconnect
			connection.conn.Close(websocket.CloseAbnormalClosure)
			return
		}
		glog.V(LogLevelTrace).Infof("[rt]-> ka\n")
	}
}

func (self *RealtimeTransport) handleClose(connection *realtimeConnection, code int) {
	connection.cancel()

	self.stateLock.Lock()
	if self.connection != connection {
		// stale socket
		self.stateLock.Unlock()
		return
	}
	self.connection = nil
	changed := self.setStateWithLock(ConnectionStateDisconnected)
	if code != websocket.CloseNormalClosure && self.scheduleReconnectWithLock() {
		changed = self.setStateWithLock(ConnectionStateConnecting) || changed
	}
	state := self.state
	self.stateLock.Unlock()

	if changed {
		self.stateChanged(state)
	}
}

func (self *RealtimeTransport) dispatch(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.MessageTypeData, protocol.MessageTypeError, protocol.MessageTypeComplete:
	default:
		// connection_ack, ka, and unknown frames
		glog.V(LogLevelTrace).Infof("[rt]<- %s\n", frame.Type)
		return
	}

	self.stateLock.Lock()
	subscription, ok := self.subscriptions[frame.Id]
	if ok && frame.Type == protocol.MessageTypeComplete {
		delete(self.subscriptions, frame.Id)
	}
	subscriptionCount := len(self.subscriptions)
	self.stateLock.Unlock()

	if !ok {
		glog.V(LogLevelTrace).Infof("[rt]<- %s %s no subscription\n", frame.Type, frame.Id)
		return
	}
	glog.V(LogLevelTrace).Infof("[rt]<- %s %s\n", frame.Type, frame.Id)

	switch frame.Type {
	case protocol.MessageTypeData:
		subscription.observer.Next(frame.Payload)
	case protocol.MessageTypeError:
		subscription.observer.Error(&SubscriptionError{
			SubscriptionId: frame.Id,
			Payload:        string(frame.Payload),
		})
	case protocol.MessageTypeComplete:
		self.metrics.SetSubscriptions(subscriptionCount)
		subscription.observer.Complete()
	}
}

// if the socket cannot be opened the error goes to `observer.Error`
// and the returned unsubscribe is a no-op
func (self *RealtimeTransport) Subscribe(
	ctx context.Context,
	query string,
	variables map[string]any,
	observer SubscriptionObserver,
) UnsubscribeFunction {
	if err := self.Connect(ctx); err != nil {
		observer.Error(err)
		return func() {}
	}

	subscription := self.register(query, variables, observer)

	var once sync.Once
	return func() {
		once.Do(func() {
			self.unsubscribe(subscription.id)
		})
	}
}

// adds the subscription and starts it on the open socket.
// without a socket, the next open starts it.
func (self *RealtimeTransport) register(
	query string,
	variables map[string]any,
	observer SubscriptionObserver,
) *realtimeSubscription {
	self.stateLock.Lock()
	self.subscriptionCounter += 1
	subscription := &realtimeSubscription{
		id:        fmt.Sprintf("sub_%d", self.subscriptionCounter),
		query:     query,
		variables: variables,
		observer:  observer,
	}
	self.subscriptions[subscription.id] = subscription
	connection := self.connection
	subscriptionCount := len(self.subscriptions)
	// a socket that closed with no subscriptions was not scheduled to reconnect
	changed := false
	if connection == nil && self.state == ConnectionStateDisconnected && self.scheduleReconnectWithLock() {
		changed = self.setStateWithLock(ConnectionStateConnecting)
	}
	state := self.state
	self.stateLock.Unlock()

	glog.V(LogLevelLifecycle).Infof("[rt]subscribe %s\n", subscription.id)
	self.metrics.SetSubscriptions(subscriptionCount)
	if changed {
		self.stateChanged(state)
	}

	if connection != nil {
		self.startOn(connection, subscription)
	}
	return subscription
}

// sends `start` at most once per socket per subscription
func (self *RealtimeTransport) startOn(connection *realtimeConnection, subscription *realtimeSubscription) {
	self.stateLock.Lock()
	if self.subscriptions[subscription.id] != subscription || subscription.startedOn == connection {
		self.stateLock.Unlock()
		return
	}
	subscription.startedOn = connection
	self.stateLock.Unlock()

	frame, err := protocol.NewStartFrame(subscription.id, subscription.query, subscription.variables)
	if err == nil {
		err = connection.write(frame)
	}
	if err != nil {
		glog.Infof("[rt]-> start %s error = %s\n", subscription.id, err)
		subscription.observer.Error(err)
		return
	}
	glog.V(LogLevelTrace).Infof("[rt]-> start %s\n", subscription.id)
}

func (self *RealtimeTransport) unsubscribe(subscriptionId string) {
	self.stateLock.Lock()
	_, ok := self.subscriptions[subscriptionId]
	delete(self.subscriptions, subscriptionId)
	var connection *realtimeConnection
	if self.state == ConnectionStateConnected {
		connection = self.connection
	}
	subscriptionCount := len(self.subscriptions)
	self.stateLock.Unlock()

	if !ok {
		return
	}
	glog.V(LogLevelLifecycle).Infof("[rt]unsubscribe %s\n", subscriptionId)
	self.metrics.SetSubscriptions(subscriptionCount)

	if connection != nil {
		if err := connection.write(protocol.NewStopFrame(subscriptionId)); err != nil {
			glog.V(LogLevelTrace).Infof("[rt]-> stop %s error = %s\n", subscriptionId, err)
		}
	}
}

// closes the socket with code 1000, drops all subscriptions and stops reconnecting
func (self *RealtimeTransport) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.reconnecting = false
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	connection := self.connection
	self.connection = nil
	self.subscriptions = map[string]*realtimeSubscription{}
	changed := self.setStateWithLock(ConnectionStateDisconnected)
	self.stateLock.Unlock()

	self.cancel()
	if connection != nil {
		connection.cancel()
		connection.conn.Close(websocket.CloseNormalClosure)
	}
	self.metrics.SetSubscriptions(0)
	if changed {
		self.stateChanged(ConnectionStateDisconnected)
	}
}

// derives the socket url from the http GraphQL endpoint
func RealtimeUrl(endpointUrl string, token string) (string, error) {
	u, err := url.Parse(endpointUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("Unsupported endpoint scheme: %s", u.Scheme)
	}
	if token != "" {
		query := u.Query()
		query.Set("token", token)
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}

type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func NewWebsocketDialer(settings *RealtimeTransportSettings) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.ConnectTimeout,
			Subprotocols:     []string{protocol.SubProtocol},
		},
		writeTimeout: settings.WriteTimeout,
	}
}

func (self *WebsocketDialer) Dial(ctx context.Context, url string) (RealtimeConn, error) {
	ws, _, err := self.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{
		ws:           ws,
		writeTimeout: self.writeTimeout,
	}, nil
}

type websocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeLock    sync.Mutex
}

func (self *websocketConn) WriteMessage(message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *websocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return message, nil
		}
	}
}

func (self *websocketConn) Close(code int) error {
	switch code {
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived:
		// reserved codes are never sent on the wire
	default:
		self.writeLock.Lock()
		self.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(self.writeTimeout),
		)
		self.writeLock.Unlock()
	}
	return self.ws.Close()
}
