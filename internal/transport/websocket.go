package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelPath             = "/channel"
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendBuffer       = 256
	defaultLeaseTTL         = 60 * time.Second
	releaseTimeout          = 5 * time.Second
	writeTimeout            = 10 * time.Second
)

// WebsocketConfig describes how a peer listens for channels and registers with the broker.
type WebsocketConfig struct {
	ListenAddress    string
	AdvertiseURL     string
	Broker           Broker
	HandshakeTimeout time.Duration
	SendBuffer       int
	Logger           *zap.Logger
}

// WebsocketSubstrate serves channels over websockets and resolves peer
// addresses through the broker.
type WebsocketSubstrate struct {
	cfg    WebsocketConfig
	logger *zap.Logger
	dialer *websocket.Dialer
}

type hello struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewWebsocketSubstrate validates cfg and returns a substrate.
func NewWebsocketSubstrate(cfg WebsocketConfig) (*WebsocketSubstrate, error) {
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	if cfg.ListenAddress == "" {
		return nil, errors.New("transport: listen address is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketSubstrate{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

// Claim starts listening and registers address with the broker.
func (s *WebsocketSubstrate) Claim(ctx context.Context, address string) (Endpoint, error) {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.ListenAddress, err)
	}
	advertise := s.cfg.AdvertiseURL
	if advertise == "" {
		advertise = advertiseURL(listener.Addr())
	}

	lease, err := s.cfg.Broker.Claim(ctx, address, advertise)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	endpoint := &websocketEndpoint{
		substrate: s,
		address:   address,
		lease:     lease,
		listener:  listener,
		cancel:    cancel,
		channels:  make(map[*wsChannel]struct{}),
		logger:    s.logger.With(zap.String("address", address)),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(channelPath, endpoint.handleChannel)
	endpoint.server = &http.Server{Handler: engine, ReadHeaderTimeout: s.cfg.HandshakeTimeout}

	go func() {
		if serveErr := endpoint.server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			endpoint.logger.Error("channel server stopped", zap.Error(serveErr))
		}
	}()
	go endpoint.refreshLease(refreshCtx)

	endpoint.logger.Info("address claimed", zap.String("endpoint", advertise))
	return endpoint, nil
}

func advertiseURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "ws://" + addr.String() + channelPath
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + channelPath
}

type websocketEndpoint struct {
	substrate *WebsocketSubstrate
	address   string
	listener  net.Listener
	server    *http.Server
	cancel    context.CancelFunc
	logger    *zap.Logger

	mu       sync.Mutex
	lease    Lease
	sink     Sink
	closed   bool
	channels map[*wsChannel]struct{}
}

func (e *websocketEndpoint) Address() string {
	return e.address
}

func (e *websocketEndpoint) Listen(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *websocketEndpoint) track(channel *wsChannel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.channels[channel] = struct{}{}
	return true
}

func (e *websocketEndpoint) untrack(channel *wsChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, channel)
}

func (e *websocketEndpoint) handleChannel(c *gin.Context) {
	e.mu.Lock()
	sink := e.sink
	closed := e.closed
	e.mu.Unlock()
	if closed || sink == nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: e.substrate.cfg.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Debug("channel upgrade failed", zap.Error(err))
		return
	}

	greeting, err := readHello(conn, e.substrate.cfg.HandshakeTimeout)
	if err != nil || greeting.To != e.address || greeting.From == "" {
		e.logger.Debug("rejecting channel with bad hello", zap.Error(err), zap.String("to", greeting.To))
		_ = conn.Close()
		return
	}
	if err := writeHello(conn, hello{From: e.address, To: greeting.From}); err != nil {
		_ = conn.Close()
		return
	}

	channel := newWSChannel(e, greeting.From, Inbound, sink)
	if !e.track(channel) {
		_ = conn.Close()
		return
	}
	channel.run(conn)
}

func (e *websocketEndpoint) Connect(address string, sink Sink) Channel {
	channel := newWSChannel(e, address, Outbound, sink)
	if !e.track(channel) {
		go channel.finish(fmt.Errorf("%w: endpoint closed", ErrChannelClosed))
		return channel
	}
	go e.dial(channel)
	return channel
}

func (e *websocketEndpoint) dial(channel *wsChannel) {
	timeout := e.substrate.cfg.HandshakeTimeout
	ctx, cancel := context.WithTimeout(channel.ctx, timeout)
	defer cancel()

	target, err := e.substrate.cfg.Broker.Lookup(ctx, channel.peer)
	if err != nil {
		channel.finish(err)
		return
	}
	conn, _, err := e.substrate.dialer.DialContext(ctx, target, nil)
	if err != nil {
		channel.finish(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
		return
	}
	if err := writeHello(conn, hello{From: e.address, To: channel.peer}); err != nil {
		_ = conn.Close()
		channel.finish(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
		return
	}
	reply, err := readHello(conn, timeout)
	if err != nil || reply.From != channel.peer || reply.To != e.address {
		_ = conn.Close()
		channel.finish(fmt.Errorf("%w: unexpected hello from %s", ErrHandshakeFailed, channel.peer))
		return
	}
	channel.run(conn)
}

func readHello(conn *websocket.Conn, timeout time.Duration) (hello, error) {
	var greeting hello
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return greeting, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return greeting, err
	}
	if err := json.Unmarshal(data, &greeting); err != nil {
		return greeting, err
	}
	return greeting, conn.SetReadDeadline(time.Time{})
}

func writeHello(conn *websocket.Conn, greeting hello) error {
	data, err := json.Marshal(greeting)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (e *websocketEndpoint) refreshLease(ctx context.Context) {
	e.mu.Lock()
	ttl := e.lease.ExpiresIn
	e.mu.Unlock()
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			current := e.lease
			e.mu.Unlock()
			refreshed, err := e.substrate.cfg.Broker.Refresh(ctx, current)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("lease refresh failed", zap.Error(err))
				}
				continue
			}
			e.mu.Lock()
			e.lease = refreshed
			e.mu.Unlock()
		}
	}
}

func (e *websocketEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	lease := e.lease
	channels := make([]*wsChannel, 0, len(e.channels))
	for channel := range e.channels {
		channels = append(channels, channel)
	}
	e.mu.Unlock()

	e.cancel()
	for _, channel := range channels {
		_ = channel.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	var errs []error
	if err := e.substrate.cfg.Broker.Release(ctx, lease); err != nil {
		errs = append(errs, fmt.Errorf("releasing address: %w", err))
	}
	if err := e.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping channel server: %w", err))
	}
	return errors.Join(errs...)
}

// wsChannel delivers every event for one connection from a single goroutine:
// the dial goroutine for outbound channels, the handler goroutine for inbound.
type wsChannel struct {
	endpoint  *websocketEndpoint
	peer      string
	direction Direction
	sink      Sink
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.Mutex
	state channelState
}

func newWSChannel(endpoint *websocketEndpoint, peer string, direction Direction, sink Sink) *wsChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsChannel{
		endpoint:  endpoint,
		peer:      peer,
		direction: direction,
		sink:      sink,
		send:      make(chan []byte, endpoint.substrate.cfg.SendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *wsChannel) Peer() string {
	return c.peer
}

func (c *wsChannel) Direction() Direction {
	return c.direction
}

func (c *wsChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

func (c *wsChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return ErrChannelClosed
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *wsChannel) emit(event Event) {
	if c.sink != nil {
		c.sink(event)
	}
}

// finish reports a failed handshake.
func (c *wsChannel) finish(err error) {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	closedLocally := c.ctx.Err() != nil
	c.cancel()
	c.endpoint.untrack(c)
	if err != nil && !closedLocally {
		c.emit(Event{Kind: EventError, Channel: c, Err: err})
	}
	c.emit(Event{Kind: EventClose, Channel: c})
}

func (c *wsChannel) run(conn *websocket.Conn) {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		c.finish(nil)
		return
	}
	c.state = stateOpen
	c.mu.Unlock()

	c.emit(Event{Kind: EventOpen, Channel: c})
	go c.writeLoop(conn)

	err := c.readLoop(conn)

	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.cancel()
	_ = conn.Close()
	c.endpoint.untrack(c)

	if err != nil {
		c.emit(Event{Kind: EventError, Channel: c, Err: err})
	}
	c.emit(Event{Kind: EventClose, Channel: c})
}

// readLoop returns nil when either side closed the channel deliberately.
func (c *wsChannel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.emit(Event{Kind: EventData, Channel: c, Data: data})
	}
}

func (c *wsChannel) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			c.drain(conn)
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			return
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.cancel()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.endpoint.logger.Debug("channel write failed", zap.String("peer", c.peer), zap.Error(err))
				c.cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

// drain flushes payloads queued before a local close.
func (c *wsChannel) drain(conn *websocket.Conn) {
	for {
		select {
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
