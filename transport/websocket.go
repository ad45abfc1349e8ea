package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/cometd.go/protocol"
)

// WebSocketTransport multiplexes every envelope over one WebSocket. Replies
// are correlated by message id; each message carries its own timeout.
type WebSocketTransport struct {
	Base

	mu           sync.Mutex
	dialer       *websocket.Dialer
	headers      http.Header
	writeTimeout time.Duration
	compression  bool

	supported     bool
	everConnected bool
	current       *wsContext
	connecting    *wsContext
	// connected is true while a /meta/connect is outstanding on the socket.
	connected bool
	deliver   func(Result)
}

type wsSend struct {
	env         *Envelope
	metaConnect bool
}

type wsPending struct {
	env   *Envelope
	msg   *protocol.Message
	timer Timer
}

// wsContext is one physical connection attempt and everything in flight on
// it.
type wsContext struct {
	url      string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	flushing bool
	closed   bool
	buffered []wsSend
	pending  map[string]*wsPending
	order    []string
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

func WithDialer(dialer *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialer = dialer
	}
}

func NewWebSocketTransport(opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		dialer:       websocket.DefaultDialer,
		headers:      make(http.Header),
		writeTimeout: 10 * time.Second,
		supported:    true,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WebSocketTransport) Accept(version string, crossDomain bool, url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supported
}

func (t *WebSocketTransport) Send(env *Envelope, metaConnect bool) error {
	t.mu.Lock()
	if metaConnect && t.connected && t.current != nil {
		t.mu.Unlock()
		return protocol.ErrConcurrentConnect
	}
	t.deliver = env.Complete

	if ctx := t.current; ctx != nil {
		if ctx.flushing {
			ctx.buffered = append(ctx.buffered, wsSend{env: env, metaConnect: metaConnect})
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		t.webSocketSend(ctx, env)
		return nil
	}

	if ctx := t.connecting; ctx != nil {
		ctx.buffered = append(ctx.buffered, wsSend{env: env, metaConnect: metaConnect})
		t.mu.Unlock()
		return nil
	}

	ctx := &wsContext{
		url:      env.URL,
		buffered: []wsSend{{env: env, metaConnect: metaConnect}},
		pending:  make(map[string]*wsPending),
	}
	t.connecting = ctx
	t.mu.Unlock()

	go t.connect(ctx)
	return nil
}

func webSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

func (t *WebSocketTransport) connect(ctx *wsContext) {
	opts := t.options()
	log := transportLogger(t.Type())

	dialCtx := context.Background()
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(dialCtx, opts.ConnectTimeout)
		defer cancel()
	}

	dialer := *t.dialer
	if t.compression {
		dialer.EnableCompression = true
	}
	headers := make(http.Header)
	for k, v := range opts.RequestHeaders {
		headers.Set(k, v)
	}
	for k, v := range t.headers {
		headers[k] = v
	}

	target := webSocketURL(ctx.url)
	log.Debug().Str("url", target).Msg("connecting")
	conn, resp, err := dialer.DialContext(dialCtx, target, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	if t.connecting != ctx {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	t.connecting = nil

	if err != nil {
		t.supported = opts.StickyReconnect && t.everConnected
		ctx.closed = true
		buffered := ctx.buffered
		ctx.buffered = nil
		t.mu.Unlock()

		log.Debug().Err(err).Msg("connection failed")
		failure := &protocol.Failure{Reason: "Connect failed", Exception: err, WebSocketCode: websocket.CloseAbnormalClosure}
		if resp != nil {
			failure.HTTPCode = resp.StatusCode
		}
		for _, b := range buffered {
			t.fail(b.env, b.env.Messages, failure.Clone())
		}
		return
	}

	ctx.conn = conn
	ctx.flushing = true
	t.current = ctx
	t.everConnected = true
	t.supported = true
	t.mu.Unlock()

	log.Debug().Str("url", target).Msg("connected")
	go t.readLoop(ctx)
	t.flush(ctx)
}

// flush drains envelopes buffered while the socket was opening, in order.
func (t *WebSocketTransport) flush(ctx *wsContext) {
	for {
		t.mu.Lock()
		if ctx.closed || len(ctx.buffered) == 0 {
			ctx.flushing = false
			t.mu.Unlock()
			return
		}
		next := ctx.buffered[0]
		ctx.buffered = ctx.buffered[1:]
		t.mu.Unlock()

		t.webSocketSend(ctx, next.env)
	}
}

// webSocketSend splits env into frames no larger than
// MaxSendBayeuxMessageSize. A message that does not fit on its own fails
// alone; the rest are still sent.
func (t *WebSocketTransport) webSocketSend(ctx *wsContext, env *Envelope) {
	limit := t.options().MaxSendBayeuxMessageSize
	msgs := env.Messages
	for len(msgs) > 0 {
		n, length, err := largestPrefix(msgs, limit, encodedSize)
		if err != nil {
			t.fail(env, msgs, &protocol.Failure{Reason: "could not encode messages", Exception: err, Fatal: true})
			return
		}
		if n == 0 {
			t.fail(env, msgs[:1], tooBig(t.Type(), length, limit))
			msgs = msgs[1:]
			continue
		}
		t.sendFrame(ctx, env, msgs[:n])
		msgs = msgs[n:]
	}
}

func (t *WebSocketTransport) sendFrame(ctx *wsContext, env *Envelope, msgs []*protocol.Message) {
	body, err := protocol.Encode(msgs)
	if err != nil {
		t.fail(env, msgs, &protocol.Failure{Reason: "could not encode messages", Exception: err, Fatal: true})
		return
	}

	delays := make([]time.Duration, len(msgs))
	for i, m := range msgs {
		delays[i] = t.networkDelay(m.Channel == protocol.MetaConnect)
	}
	sched := t.scheduler()

	t.mu.Lock()
	if ctx.closed {
		t.mu.Unlock()
		t.fail(env, msgs, &protocol.Failure{Reason: "Connection closed", WebSocketCode: websocket.CloseAbnormalClosure})
		return
	}
	for i, m := range msgs {
		if m.Channel == protocol.MetaConnect {
			t.connected = true
		}
		if m.ID == "" {
			continue
		}
		p := &wsPending{env: env, msg: m}
		delay := delays[i]
		p.timer = sched.After(delay, func() { t.messageTimeout(ctx, p, delay) })
		ctx.pending[m.ID] = p
		ctx.order = append(ctx.order, m.ID)
	}
	t.mu.Unlock()

	log := transportLogger(t.Type())
	log.Debug().Bytes("frame", body).Msg("sending")

	ctx.writeMu.Lock()
	if t.writeTimeout > 0 {
		ctx.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	err = ctx.conn.WriteMessage(websocket.TextMessage, body)
	ctx.writeMu.Unlock()

	if err != nil {
		log.Debug().Err(err).Msg("send error")
		t.close(ctx, websocket.CloseAbnormalClosure, err.Error())
	}
}

func (t *WebSocketTransport) messageTimeout(ctx *wsContext, p *wsPending, elapsed time.Duration) {
	t.mu.Lock()
	if ctx.closed || ctx.pending[p.msg.ID] != p {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if extra := t.transportTimeout([]*protocol.Message{p.msg}, elapsed); extra > 0 {
		sched := t.scheduler()
		t.mu.Lock()
		if !ctx.closed && ctx.pending[p.msg.ID] == p {
			p.timer = sched.After(extra, func() { t.messageTimeout(ctx, p, elapsed+extra) })
		}
		t.mu.Unlock()
		return
	}

	log := transportLogger(t.Type())
	log.Debug().Str("id", p.msg.ID).Str("channel", p.msg.Channel).Dur("elapsed", elapsed).Msg("message timed out")
	t.close(ctx, websocket.CloseNormalClosure, "Message Timeout")
}

func (t *WebSocketTransport) readLoop(ctx *wsContext) {
	log := transportLogger(t.Type())
	for {
		_, data, err := ctx.conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			log.Debug().Int("code", code).Str("reason", reason).Msg("connection closed")
			t.close(ctx, code, reason)
			return
		}
		log.Debug().Bytes("frame", data).Msg("received")
		t.onMessage(ctx, data)
	}
}

func (t *WebSocketTransport) onMessage(ctx *wsContext, data []byte) {
	msgs, err := protocol.Decode(data)
	if err != nil {
		t.close(ctx, websocket.CloseProtocolError, "Invalid message")
		return
	}

	t.mu.Lock()
	if ctx.closed {
		t.mu.Unlock()
		return
	}
	closeAfter := false
	var sent []*protocol.Message
	for _, m := range msgs {
		if !m.IsReply() {
			continue
		}
		if p, ok := ctx.pending[m.ID]; ok && m.ID != "" {
			stopTimer(p.timer)
			delete(ctx.pending, m.ID)
			sent = append(sent, p.msg)
		}
		switch m.Channel {
		case protocol.MetaConnect:
			t.connected = false
		case protocol.MetaDisconnect:
			if !t.connected {
				closeAfter = true
			}
		}
	}
	deliver := t.deliver
	t.mu.Unlock()

	if deliver != nil {
		deliver(Result{Sent: sent, Responses: msgs})
	}
	if closeAfter {
		t.close(ctx, websocket.CloseNormalClosure, "Disconnect")
	}
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason := ce.Text
		if reason == "" {
			reason = fmt.Sprintf("Closed (%d)", ce.Code)
		}
		return ce.Code, reason
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// close tears ctx down and fails everything still in flight on it with the
// given close code. It is safe to call more than once.
func (t *WebSocketTransport) close(ctx *wsContext, code int, reason string) {
	t.mu.Lock()
	if ctx.closed {
		t.mu.Unlock()
		return
	}
	ctx.closed = true
	if t.current == ctx {
		t.current = nil
		t.connected = false
	}
	if t.connecting == ctx {
		t.connecting = nil
	}
	var pending []*wsPending
	for _, id := range ctx.order {
		if p, ok := ctx.pending[id]; ok {
			pending = append(pending, p)
		}
	}
	ctx.pending = make(map[string]*wsPending)
	ctx.order = nil
	buffered := ctx.buffered
	ctx.buffered = nil
	conn := ctx.conn
	t.mu.Unlock()

	if conn != nil {
		closeCode := code
		switch code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			closeCode = websocket.CloseNormalClosure
		}
		ctx.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))
		conn.Close()
		ctx.writeMu.Unlock()
	}

	// Group by envelope so each envelope sees one failure for its messages.
	var envs []*Envelope
	grouped := make(map[*Envelope][]*protocol.Message)
	for _, p := range pending {
		stopTimer(p.timer)
		if _, seen := grouped[p.env]; !seen {
			envs = append(envs, p.env)
		}
		grouped[p.env] = append(grouped[p.env], p.msg)
	}
	for _, env := range envs {
		t.fail(env, grouped[env], &protocol.Failure{Reason: reason, WebSocketCode: code})
	}
	for _, b := range buffered {
		t.fail(b.env, b.env.Messages, &protocol.Failure{Reason: reason, WebSocketCode: code})
	}
}

func (t *WebSocketTransport) Reset(initial bool) {
	t.mu.Lock()
	if initial {
		t.supported = true
		t.everConnected = false
	}
	current, connecting := t.current, t.connecting
	t.connected = false
	t.mu.Unlock()

	if current != nil {
		t.close(current, websocket.CloseNormalClosure, "Reset")
	}
	if connecting != nil {
		t.close(connecting, websocket.CloseNormalClosure, "Reset")
	}
}

func (t *WebSocketTransport) Abort() {
	t.mu.Lock()
	current, connecting := t.current, t.connecting
	t.mu.Unlock()

	if current != nil {
		t.close(current, websocket.CloseNormalClosure, protocol.ReasonAbort)
	}
	if connecting != nil {
		t.close(connecting, websocket.CloseNormalClosure, protocol.ReasonAbort)
	}
	t.Reset(true)
}

// Connected reports whether a socket is currently open.
func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}
