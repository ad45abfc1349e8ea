// Package cometdtest is an in-process Bayeux server speaking long-polling,
// callback-polling and websocket. It keeps sessions in memory and is meant
// for tests and examples, not production traffic.
package cometdtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/cometd.go/debug"
	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/rs/zerolog"
)

// ServiceHandler answers a remote call on a /service channel; the returned
// value becomes the reply data.
type ServiceHandler func(clientID string, data json.RawMessage) (any, error)

const maxRequestSize = 1 << 20

type Server struct {
	mu       sync.RWMutex
	sessions map[string]*session
	services map[string]ServiceHandler
	denied   map[string]bool
	conns    map[*wsConn]struct{}

	channels *channelManager
	log      zerolog.Logger

	connectTimeout     time.Duration
	interval           time.Duration
	sessionTimeout     time.Duration
	connectionTypes    []string
	compressionEnabled bool
	bufferSize         int
	writeTimeout       time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

type ServerOption func(*Server)

// WithConnectTimeout sets how long a /meta/connect is held when there is
// nothing to deliver. It is also advertised as advice.timeout.
func WithConnectTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.connectTimeout = d
	}
}

func WithInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.interval = d
	}
}

// WithSessionTimeout sets how long a session survives without a connect.
func WithSessionTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.sessionTimeout = d
	}
}

// WithConnectionTypes sets the transports offered in handshake replies.
func WithConnectionTypes(types ...string) ServerOption {
	return func(s *Server) {
		s.connectionTypes = append([]string(nil), types...)
	}
}

func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.compressionEnabled = enabled
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.bufferSize = size
	}
}

// WithService installs handler for remote calls to target, which may be
// given as "echo" or "/service/echo".
func WithService(target string, handler ServiceHandler) ServerOption {
	return func(s *Server) {
		s.services[serviceName(target)] = handler
	}
}

// WithDeniedChannel makes subscriptions to channel fail.
func WithDeniedChannel(channel string) ServerOption {
	return func(s *Server) {
		s.denied[channel] = true
	}
}

func serviceName(target string) string {
	if protocol.IsService(target) {
		return target
	}
	return protocol.ServiceChannel(target)
}

func echo(_ string, data json.RawMessage) (any, error) {
	return data, nil
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		sessions:        make(map[string]*session),
		services:        map[string]ServiceHandler{"/service/echo": echo},
		denied:          make(map[string]bool),
		conns:           make(map[*wsConn]struct{}),
		channels:        newChannelManager(),
		log:             debug.Logger("cometdtest"),
		connectTimeout:  10 * time.Second,
		sessionTimeout:  30 * time.Second,
		connectionTypes: []string{"websocket", "long-polling", "callback-polling"},
		bufferSize:      1024,
		writeTimeout:    10 * time.Second,
		closing:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.sessionTimeout > 0 {
		go s.cleanupSessions()
	}
	return s
}

func (s *Server) cleanupSessions() {
	ticker := time.NewTicker(s.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case now := <-ticker.C:
			var expired []string
			s.mu.RLock()
			for id, sess := range s.sessions {
				if sess.expired(now, s.sessionTimeout) {
					expired = append(expired, id)
				}
			}
			s.mu.RUnlock()

			for _, id := range expired {
				if s.removeSession(id, false) {
					s.log.Debug().Str("session", id).Msg("session expired")
				}
			}
		}
	}
}

// ServeHTTP accepts websocket upgrades, long-polling POSTs and JSONP GETs on
// any path, so the client may append message types to its URL.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.serveLongPolling(w, r)
	case http.MethodGet:
		s.serveCallbackPolling(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveLongPolling(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	msgs, err := protocol.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := s.encode(s.handle(r.Context(), msgs))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Write(out)
}

func (s *Server) serveCallbackPolling(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	callback := query.Get("jsonp")
	if !validCallback(callback) {
		http.Error(w, "Missing or invalid jsonp callback", http.StatusBadRequest)
		return
	}
	msgs, err := protocol.Decode([]byte(query.Get("message")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := s.encode(s.handle(r.Context(), msgs))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript;charset=UTF-8")
	fmt.Fprintf(w, "%s(%s);", callback, out)
}

func validCallback(name string) bool {
	if name == "" {
		return false
	}
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '$', ch == '.':
		default:
			return false
		}
	}
	return true
}

func (s *Server) encode(replies []*protocol.Message) ([]byte, error) {
	if len(replies) == 0 {
		return []byte("[]"), nil
	}
	return protocol.Encode(replies)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closing:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	upgraderConfig := upgrader
	upgraderConfig.EnableCompression = s.compressionEnabled
	upgraderConfig.ReadBufferSize = s.bufferSize
	upgraderConfig.WriteBufferSize = s.bufferSize

	conn, err := upgraderConfig.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ws := newWSConn(conn, 64, s.writeTimeout, s.log)
	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		ws.close(websocket.CloseNormalClosure)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		msgs, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("invalid websocket frame")
			return
		}

		replies, connect := s.dispatch(msgs)
		ws.write(replies)
		if connect != nil {
			go func() {
				ws.write(s.handleConnect(ctx, connect))
			}()
		}
	}
}

// handle answers one HTTP request, holding it while a /meta/connect in it
// waits for messages.
func (s *Server) handle(ctx context.Context, msgs []*protocol.Message) []*protocol.Message {
	replies, connect := s.dispatch(msgs)
	if connect != nil {
		replies = append(replies, s.handleConnect(ctx, connect)...)
	}
	return replies
}

// dispatch answers every message except /meta/connect, which it returns.
func (s *Server) dispatch(msgs []*protocol.Message) ([]*protocol.Message, *protocol.Message) {
	var replies []*protocol.Message
	var connect *protocol.Message
	for _, m := range msgs {
		switch m.Channel {
		case protocol.MetaConnect:
			connect = m
		case protocol.MetaHandshake:
			replies = append(replies, s.handleHandshake(m))
		case protocol.MetaDisconnect:
			replies = append(replies, s.handleDisconnect(m))
		case protocol.MetaSubscribe:
			replies = append(replies, s.handleSubscribe(m))
		case protocol.MetaUnsubscribe:
			replies = append(replies, s.handleUnsubscribe(m))
		default:
			if protocol.IsMeta(m.Channel) {
				replies = append(replies, reply(m, false, "400::unknown meta channel"))
				continue
			}
			replies = append(replies, s.handlePublish(m))
		}
	}
	return replies, connect
}

func reply(m *protocol.Message, ok bool, errText string) *protocol.Message {
	r := &protocol.Message{ID: m.ID, Channel: m.Channel, Subscription: m.Subscription, Error: errText}
	r.SetSuccessful(ok)
	return r
}

func (s *Server) advice(reconnect protocol.Reconnect) *protocol.Advice {
	return &protocol.Advice{
		Reconnect: reconnect,
		Timeout:   protocol.Millis(s.connectTimeout),
		Interval:  protocol.Millis(s.interval),
	}
}

func (s *Server) unknownClient(m *protocol.Message) *protocol.Message {
	r := reply(m, false, "402::Unknown client")
	r.Advice = &protocol.Advice{Reconnect: protocol.ReconnectHandshake, Interval: protocol.Millis(0)}
	return r
}

func (s *Server) session(id string) *session {
	s.mu.RLock()
	sess := s.sessions[id]
	s.mu.RUnlock()
	if sess != nil {
		sess.touch()
	}
	return sess
}

func (s *Server) handleHandshake(m *protocol.Message) *protocol.Message {
	sess := newSession()
	if ack, ok := m.Ext["ack"].(bool); ok && ack {
		sess.ack = true
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.log.Debug().Str("session", sess.id).Strs("types", m.SupportedConnectionTypes).Msg("handshake")

	r := reply(m, true, "")
	r.ClientID = sess.id
	r.Version = protocol.Version
	r.SupportedConnectionTypes = append([]string(nil), s.connectionTypes...)
	r.Advice = s.advice(protocol.ReconnectRetry)
	if sess.ack {
		r.Ext = map[string]any{"ack": true}
	}
	return r
}

func (s *Server) handleConnect(ctx context.Context, m *protocol.Message) []*protocol.Message {
	sess := s.session(m.ClientID)
	if sess == nil {
		return []*protocol.Message{s.unknownClient(m)}
	}

	timeout := s.connectTimeout
	if m.Advice != nil && m.Advice.Timeout != nil && m.Advice.TimeoutDuration() < timeout {
		timeout = m.Advice.TimeoutDuration()
	}
	sess.hold(ctx, timeout)

	out := sess.drain()
	if s.session(sess.id) == nil {
		if !sess.disconnected() {
			return append(out, s.unknownClient(m))
		}
		r := reply(m, true, "")
		r.Advice = &protocol.Advice{Reconnect: protocol.ReconnectNone}
		return append(out, r)
	}
	r := reply(m, true, "")
	r.Advice = s.advice(protocol.ReconnectRetry)
	if n, ok := sess.nextAck(); ok {
		r.Ext = map[string]any{"ack": n}
	}
	return append(out, r)
}

func (s *Server) handleDisconnect(m *protocol.Message) *protocol.Message {
	if !s.removeSession(m.ClientID, true) {
		return s.unknownClient(m)
	}
	s.log.Debug().Str("session", m.ClientID).Msg("disconnect")
	return reply(m, true, "")
}

func (s *Server) removeSession(id string, disconnected bool) bool {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !exists {
		return false
	}
	s.channels.unsubscribeAll(id)
	sess.close(disconnected)
	return true
}

// Expire drops the session of clientID as if it had timed out. Its next
// /meta/connect is told to handshake again.
func (s *Server) Expire(clientID string) bool {
	return s.removeSession(clientID, false)
}

func (s *Server) handleSubscribe(m *protocol.Message) *protocol.Message {
	sess := s.session(m.ClientID)
	if sess == nil {
		return s.unknownClient(m)
	}
	channel := m.Subscription
	if !protocol.ValidChannel(channel) || protocol.IsMeta(channel) {
		return reply(m, false, "405::invalid channel")
	}
	s.mu.RLock()
	denied := s.denied[channel]
	s.mu.RUnlock()
	if denied {
		return reply(m, false, "403::subscription denied")
	}

	s.channels.subscribe(channel, sess)
	return reply(m, true, "")
}

func (s *Server) handleUnsubscribe(m *protocol.Message) *protocol.Message {
	sess := s.session(m.ClientID)
	if sess == nil {
		return s.unknownClient(m)
	}
	s.channels.unsubscribe(m.Subscription, sess.id)
	return reply(m, true, "")
}

func (s *Server) handlePublish(m *protocol.Message) *protocol.Message {
	sess := s.session(m.ClientID)
	if sess == nil {
		return s.unknownClient(m)
	}
	if protocol.IsService(m.Channel) {
		return s.call(sess, m)
	}
	s.fanout(&protocol.Message{Channel: m.Channel, Data: m.Data})
	return reply(m, true, "")
}

// call runs the service for m; the reply carries the result as data and
// the request id, which is how the client matches remote calls.
func (s *Server) call(sess *session, m *protocol.Message) *protocol.Message {
	s.mu.RLock()
	handler, ok := s.services[m.Channel]
	s.mu.RUnlock()
	if !ok {
		return reply(m, false, "404::no such service")
	}

	result, err := handler(sess.id, m.Data)
	if err != nil {
		return reply(m, false, "500::"+err.Error())
	}
	data, err := json.Marshal(result)
	if err != nil {
		return reply(m, false, "500::"+err.Error())
	}
	r := reply(m, true, "")
	r.Data = data
	return r
}

func (s *Server) fanout(m *protocol.Message) int {
	subs := s.channels.subscribers(m.Channel)
	for _, sess := range subs {
		sess.deliver(m)
	}
	return len(subs)
}

// Publish delivers data on channel to every subscribed session and returns
// how many there were.
func (s *Server) Publish(channel string, data any) (int, error) {
	if !protocol.ValidChannel(channel) || protocol.IsMeta(channel) {
		return 0, fmt.Errorf("%w: %q", protocol.ErrInvalidChannel, channel)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	return s.fanout(&protocol.Message{Channel: channel, Data: raw}), nil
}

// Count returns the number of live sessions.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) Subscribers(channel string) int {
	return s.channels.subscriberCount(channel)
}

// Shutdown drops every session, releasing held connects, and closes open
// websockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.channels.unsubscribeAll(sess.id)
		sess.close(true)
	}
	for _, c := range conns {
		if err := c.close(websocket.CloseGoingAway); err != nil {
			s.log.Debug().Err(err).Msg("closing websocket")
		}
	}
	return ctx.Err()
}
