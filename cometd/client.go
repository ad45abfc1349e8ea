// Package cometd is a Bayeux client: it negotiates a transport, runs the
// handshake/connect/disconnect lifecycle and dispatches inbound messages to
// channel listeners.
package cometd

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/cometd.go/debug"
	"github.com/kleeedolinux/cometd.go/metrics"
	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusHandshaking   Status = "handshaking"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
)

func (s Status) String() string { return string(s) }

// Props are extra fields merged into an outgoing message. The "ext" key
// fills the message's ext object; protocol fields cannot be overridden.
type Props map[string]any

// MessageHandler receives messages delivered to a listener or the reply to
// an operation.
type MessageHandler func(m *protocol.Message)

type remoteCall struct {
	callback MessageHandler
	timer    transport.Timer
}

type Client struct {
	mu sync.RWMutex
	// eventMu serializes inbound events (transport completions and timers)
	// so the session processes them one at a time.
	eventMu sync.Mutex

	config      Config
	crossDomain bool
	scheduler   transport.Scheduler
	registry    *transport.Registry
	transport   transport.Transport
	status      Status
	clientID    string
	messageID   int64

	advice  protocol.Advice
	backoff time.Duration

	batch         int
	internalBatch bool
	queue         []*protocol.Message

	callbacks    map[string]MessageHandler
	remoteCalls  map[string]*remoteCall
	expiredCalls map[string]struct{}

	listeners      map[string][]*Subscription
	subscriptionID uint64

	extensions []namedExtension

	handshakeProps    Props
	handshakeCallback MessageHandler
	handshakeSent     time.Time
	handshakeMessages int

	metaConnect   *protocol.Message
	connected     bool
	reestablish   bool
	unconnectTime time.Time
	scheduledSend transport.Timer

	hooks   hooks
	metrics *metrics.Collector
	log     zerolog.Logger

	httpClient *http.Client
	dialer     *websocket.Dialer
	noDefaults bool
}

type ClientOption func(*Client)

// WithConfig replaces the whole configuration. An empty URL keeps the one
// given to NewClient.
func WithConfig(cfg Config) ClientOption {
	return func(c *Client) {
		url := c.config.URL
		c.config = cfg
		if c.config.URL == "" {
			c.config.URL = url
		}
	}
}

func WithScheduler(s transport.Scheduler) ClientOption {
	return func(c *Client) {
		c.scheduler = s
	}
}

// WithHTTPClient sets the client used by the default HTTP transports.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithDialer sets the dialer used by the default websocket transport.
func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = dialer
	}
}

func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithoutDefaultTransports leaves the registry empty; transports are then
// added with RegisterTransport.
func WithoutDefaultTransports() ClientOption {
	return func(c *Client) {
		c.noDefaults = true
	}
}

func clientLogger() zerolog.Logger {
	return debug.Logger("cometd")
}

// NewClient creates a disconnected client for the server at url. Unless
// WithoutDefaultTransports is given, websocket, long-polling and
// callback-polling are registered in that order.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		config:       DefaultConfig(),
		scheduler:    transport.RealScheduler(),
		registry:     transport.NewRegistry(),
		status:       StatusDisconnected,
		callbacks:    make(map[string]MessageHandler),
		remoteCalls:  make(map[string]*remoteCall),
		expiredCalls: make(map[string]struct{}),
		listeners:    make(map[string][]*Subscription),
		log:          clientLogger(),
	}
	c.config.URL = url

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Configure(c.config); err != nil {
		return nil, err
	}

	if !c.noDefaults {
		var wsOpts []transport.WebSocketOption
		if c.dialer != nil {
			wsOpts = append(wsOpts, transport.WithDialer(c.dialer))
		}
		var lpOpts []transport.LongPollingOption
		var cpOpts []transport.CallbackPollingOption
		if c.httpClient != nil {
			lpOpts = append(lpOpts, transport.WithHTTPClient(c.httpClient))
			cpOpts = append(cpOpts, transport.WithCallbackPollingClient(c.httpClient))
		}
		c.RegisterTransport(transport.TypeWebSocket, transport.NewWebSocketTransport(wsOpts...), -1)
		c.RegisterTransport(transport.TypeLongPolling, transport.NewLongPollingTransport(lpOpts...), -1)
		c.RegisterTransport(transport.TypeCallbackPolling, transport.NewCallbackPollingTransport(cpOpts...), -1)
	}

	return c, nil
}

// Configure validates and applies cfg. An empty URL keeps the current one.
func (c *Client) Configure(cfg Config) error {
	c.mu.RLock()
	if cfg.URL == "" {
		cfg.URL = c.config.URL
	}
	c.mu.RUnlock()

	crossDomain, err := cfg.normalize()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.config = cfg
	c.crossDomain = crossDomain
	c.advice = cfg.advice()
	c.mu.Unlock()

	c.log.Debug().Str("url", cfg.URL).Bool("crossDomain", crossDomain).Msg("configured")
	return nil
}

func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.URL
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) IsDisconnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isDisconnectedLocked()
}

func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Advice returns the advice currently in effect.
func (c *Client) Advice() protocol.Advice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.advice
}

func (c *Client) Backoff() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backoff
}

// TransportType names the negotiated transport, or "" before a handshake.
func (c *Client) TransportType() string {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return ""
	}
	return t.Type()
}

func (c *Client) Transport() transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Client) Scheduler() transport.Scheduler {
	return c.scheduler
}

// RegisterTransport adds t to the negotiation order at index, or last when
// index is negative. It returns false when typ is taken.
func (c *Client) RegisterTransport(typ string, t transport.Transport, index int) bool {
	if !c.registry.Add(typ, t, index) {
		return false
	}
	t.Registered(typ, clientHost{c})
	c.log.Debug().Str("transport", typ).Msg("registered transport")
	return true
}

func (c *Client) UnregisterTransport(typ string) transport.Transport {
	t := c.registry.Remove(typ)
	if t != nil {
		t.Unregistered()
		c.log.Debug().Str("transport", typ).Msg("unregistered transport")
	}
	return t
}

func (c *Client) UnregisterTransports() {
	for _, t := range c.registry.Clear() {
		t.Unregistered()
	}
}

func (c *Client) TransportTypes() []string {
	return c.registry.Types()
}

func (c *Client) FindTransport(typ string) transport.Transport {
	return c.registry.Find(typ)
}

func (c *Client) nextMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageID++
	return strconv.FormatInt(c.messageID, 10)
}

func (c *Client) setStatusLocked(s Status) {
	if c.status != s {
		c.log.Debug().Str("from", string(c.status)).Str("to", string(s)).Msg("status")
		c.status = s
		c.metrics.SetStatus(string(s))
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
}

func (c *Client) isDisconnectedLocked() bool {
	return c.status == StatusDisconnected || c.status == StatusDisconnecting
}

func (c *Client) resetBackoffLocked() {
	c.backoff = 0
}

// increaseBackoff adds one increment, never going past MaxBackoff.
func (c *Client) increaseBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoff < c.config.MaxBackoff {
		c.backoff += c.config.BackoffIncrement
		if c.backoff > c.config.MaxBackoff {
			c.backoff = c.config.MaxBackoff
		}
	}
	return c.backoff
}

func (c *Client) updateAdviceLocked(a *protocol.Advice) {
	if a == nil {
		return
	}
	c.advice = c.config.advice().Merge(a)
}

// clientHost is the view of the client handed to transports. Transports
// call it while holding their own locks, so it only takes c.mu.
type clientHost struct{ c *Client }

func (h clientHost) Options() transport.Options {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	return h.c.config.transportOptions()
}

func (h clientHost) Advice() protocol.Advice {
	return h.c.Advice()
}

func (h clientHost) Scheduler() transport.Scheduler {
	return h.c.scheduler
}

func (h clientHost) TransportTimeout(msgs []*protocol.Message, elapsed time.Duration) time.Duration {
	return h.c.transportTimeout(msgs, elapsed)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
