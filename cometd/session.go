package cometd

import (
	"fmt"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

// failureInfo is the input and output of the reconnection policy.
type failureInfo struct {
	cause  string
	action protocol.Reconnect
	// transport is nil when the failing transport should not be trusted,
	// which makes a failed handshake renegotiate.
	transport transport.Transport
	delay     time.Duration
}

// Handshake starts a session. It is only legal while disconnected. Messages
// published before the handshake reply are held and sent once the session
// id is known.
func (c *Client) Handshake(props Props, callback MessageHandler) error {
	if c.Status() != StatusDisconnected {
		return protocol.ErrNotDisconnected
	}
	return c.handshake(props, callback)
}

func (c *Client) handshake(props Props, callback MessageHandler) error {
	c.mu.Lock()
	disconnected := c.status == StatusDisconnected
	c.clientID = ""
	c.clearSubscriptionsLocked()
	if disconnected {
		c.advice = c.config.advice()
	}
	c.batch = 0
	c.internalBatch = true
	c.handshakeProps = props
	c.handshakeCallback = callback
	url := c.config.URL
	crossDomain := c.crossDomain
	advice := c.advice
	c.mu.Unlock()

	if disconnected {
		c.registry.Reset(true)
	}

	types := c.registry.FindTransportTypes(protocol.Version, crossDomain, url)
	id := c.nextMessageID()
	m := &protocol.Message{
		ID:                       id,
		Channel:                  protocol.MetaHandshake,
		Version:                  protocol.Version,
		MinimumVersion:           protocol.Version,
		SupportedConnectionTypes: types,
		Advice: &protocol.Advice{
			Timeout:  advice.Timeout,
			Interval: advice.Interval,
		},
	}
	applyProps(m, props)

	c.mu.RLock()
	current := c.transport
	c.mu.RUnlock()
	if current == nil {
		current = c.registry.NegotiateTransport(types, protocol.Version, crossDomain, url)
		if current == nil {
			c.mu.Lock()
			c.internalBatch = false
			c.mu.Unlock()
			c.log.Warn().Strs("transports", c.registry.Types()).Msg("could not find initial transport")
			return fmt.Errorf("%w: registered %v", protocol.ErrNoTransport, c.registry.Types())
		}
		c.mu.Lock()
		c.transport = current
		c.mu.Unlock()
	}
	c.log.Debug().Str("transport", current.Type()).Msg("initial transport")

	c.putCallback(id, callback)
	c.mu.Lock()
	c.setStatusLocked(StatusHandshaking)
	c.handshakeSent = c.scheduler.Now()
	c.mu.Unlock()

	c.send([]*protocol.Message{m}, false, "handshake")
	return nil
}

// Disconnect asks the server to end the session. The session is torn down
// when the reply arrives or the request fails.
func (c *Client) Disconnect(props Props, callback MessageHandler) {
	c.mu.Lock()
	if c.isDisconnectedLocked() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	id := c.nextMessageID()
	m := &protocol.Message{ID: id, Channel: protocol.MetaDisconnect}
	applyProps(m, props)
	c.putCallback(id, callback)
	c.setStatus(StatusDisconnecting)
	c.send([]*protocol.Message{m}, false, "disconnect")
}

// Abort tears the session down at once, without a /meta/disconnect round
// trip. Everything in flight or queued fails.
func (c *Client) Abort() {
	c.disconnect(true)
}

// disconnect resets the session state. Queued messages fail with reason
// "Disconnected".
func (c *Client) disconnect(abort bool) {
	c.mu.Lock()
	if c.scheduledSend != nil {
		c.scheduledSend.Stop()
		c.scheduledSend = nil
	}
	t := c.transport
	c.transport = nil
	c.setStatusLocked(StatusDisconnected)
	c.clientID = ""
	c.batch = 0
	c.resetBackoffLocked()
	c.reestablish = false
	c.connected = false
	c.unconnectTime = time.Time{}
	c.metaConnect = nil
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	if abort && t != nil {
		t.Abort()
	}
	if len(queued) > 0 {
		c.handleFailure(queued, &protocol.Failure{Reason: protocol.ReasonDisconnected})
	}
}

// delayedSend runs op after the advice interval plus delay, replacing any
// operation already scheduled.
func (c *Client) delayedSend(op func(), delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduledSend != nil {
		c.scheduledSend.Stop()
	}
	wait := c.advice.IntervalDuration() + delay
	var timer transport.Timer
	timer = c.scheduler.After(wait, func() {
		c.eventMu.Lock()
		defer c.eventMu.Unlock()
		c.mu.Lock()
		current := c.scheduledSend == timer
		if current {
			c.scheduledSend = nil
		}
		c.mu.Unlock()
		if current {
			op()
		}
	})
	c.scheduledSend = timer
}

func (c *Client) delayedConnect(delay time.Duration) {
	c.setStatus(StatusConnecting)
	c.delayedSend(func() {
		if err := c.connect(); err != nil {
			c.log.Error().Err(err).Msg("connect")
		}
	}, delay)
}

func (c *Client) delayedHandshake(delay time.Duration) {
	c.mu.Lock()
	c.setStatusLocked(StatusHandshaking)
	c.internalBatch = true
	props, callback := c.handshakeProps, c.handshakeCallback
	c.mu.Unlock()

	c.delayedSend(func() {
		if err := c.handshake(props, callback); err != nil {
			c.log.Error().Err(err).Msg("handshake")
		}
	}, delay)
}

// connect sends one /meta/connect. A second connect while one is
// outstanding is a programming error.
func (c *Client) connect() error {
	c.mu.Lock()
	if c.isDisconnectedLocked() {
		c.mu.Unlock()
		return nil
	}
	if c.metaConnect != nil {
		id := c.metaConnect.ID
		c.mu.Unlock()
		return fmt.Errorf("%w: connect %s outstanding", protocol.ErrConcurrentConnect, id)
	}
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return protocol.ErrNoTransport
	}
	first := !c.connected
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	m := &protocol.Message{
		ID:             c.nextMessageID(),
		Channel:        protocol.MetaConnect,
		ConnectionType: t.Type(),
	}
	if first {
		m.Advice = &protocol.Advice{Timeout: protocol.Millis(0)}
	}
	c.send([]*protocol.Message{m}, true, "connect")

	c.mu.Lock()
	if c.status == StatusConnecting {
		c.setStatusLocked(StatusConnected)
	}
	c.mu.Unlock()
	return nil
}

// receive runs one inbound message through the incoming extensions and
// dispatches it by kind.
func (c *Client) receive(m *protocol.Message) {
	c.mu.Lock()
	c.unconnectTime = time.Time{}
	c.mu.Unlock()

	m = c.applyIncomingExtensions(m)
	if m == nil {
		return
	}

	c.mu.Lock()
	c.updateAdviceLocked(m.Advice)
	c.mu.Unlock()

	kind := m.Kind()
	c.metrics.MessageReceived(kind.String())

	switch kind {
	case protocol.KindHandshake:
		c.handshakeResponse(m)
	case protocol.KindConnect:
		c.connectResponse(m)
	case protocol.KindDisconnect:
		c.disconnectResponse(m)
	case protocol.KindSubscribe:
		c.subscribeResponse(m)
	case protocol.KindUnsubscribe:
		c.unsubscribeResponse(m)
	default:
		c.messageResponse(m)
	}
}

// handleFailure turns a transport failure into one failure message per sent
// message and dispatches each by kind.
func (c *Client) handleFailure(msgs []*protocol.Message, failure *protocol.Failure) {
	c.log.Debug().Err(failure).Int("messages", len(msgs)).Msg("transport failure")
	for _, m := range msgs {
		f := failure.Clone()
		f.Message = m
		fm := &protocol.Message{ID: m.ID, Channel: m.Channel, Failure: f}
		fm.SetSuccessful(false)

		kind := m.Kind()
		c.metrics.Failure(kind.String(), protocol.CauseFailure)

		switch kind {
		case protocol.KindHandshake:
			c.failHandshake(fm, failureInfo{cause: protocol.CauseFailure, action: protocol.ReconnectHandshake})
		case protocol.KindConnect:
			c.connectFailure(fm)
		case protocol.KindDisconnect:
			c.failDisconnect(fm)
		case protocol.KindSubscribe:
			fm.Subscription = m.Subscription
			c.failSubscribe(fm)
		case protocol.KindUnsubscribe:
			fm.Subscription = m.Subscription
			c.failUnsubscribe(fm)
		default:
			c.failMessage(fm)
		}
	}
}

// describeFailure records the policy inputs on the message listeners see.
func (c *Client) describeFailure(m *protocol.Message, info failureInfo) {
	if m.Failure == nil {
		m.Failure = &protocol.Failure{Reason: m.Error}
	}
	m.Failure.Cause = info.cause
	m.Failure.Action = info.action
	if m.Failure.ConnectionType == "" {
		m.Failure.ConnectionType = c.TransportType()
	}
}

func (c *Client) reconnectAdvice(fallback protocol.Reconnect) protocol.Reconnect {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.advice.Reconnect != "" {
		return c.advice.Reconnect
	}
	return fallback
}

func (c *Client) handshakeResponse(m *protocol.Message) {
	c.mu.RLock()
	url := c.config.URL
	crossDomain := c.crossDomain
	current := c.transport
	took := c.scheduler.Now().Sub(c.handshakeSent)
	c.mu.RUnlock()

	if !m.IsSuccessful() {
		c.metrics.Handshake(false, took)
		c.failHandshake(m, failureInfo{
			cause:     protocol.CauseUnsuccessful,
			action:    c.reconnectAdvice(protocol.ReconnectHandshake),
			transport: current,
		})
		return
	}

	negotiated := c.registry.NegotiateTransport(m.SupportedConnectionTypes, m.Version, crossDomain, url)
	if negotiated == nil {
		m.SetSuccessful(false)
		c.metrics.Handshake(false, took)
		c.failHandshake(m, failureInfo{cause: protocol.CauseNegotiation, action: protocol.ReconnectNone})
		return
	}
	if negotiated != current {
		from := ""
		if current != nil {
			from = current.Type()
		}
		c.log.Debug().Str("from", from).Str("to", negotiated.Type()).Msg("transport changed")
	}
	c.metrics.Handshake(true, took)

	c.mu.Lock()
	c.transport = negotiated
	c.clientID = m.ClientID
	c.internalBatch = false
	m.Reestablish = c.reestablish
	c.reestablish = true
	c.mu.Unlock()

	c.flushBatch()

	c.handleCallback(m)
	c.notifyListeners(protocol.MetaHandshake, m)

	handshakeMessages, _ := m.ExtraInt("x-messages")

	c.mu.Lock()
	c.handshakeMessages = handshakeMessages
	action := protocol.ReconnectNone
	if !c.isDisconnectedLocked() {
		action = c.advice.Reconnect
		if action == "" {
			action = protocol.ReconnectRetry
		}
	}
	c.mu.Unlock()

	switch action {
	case protocol.ReconnectRetry:
		c.mu.Lock()
		c.resetBackoffLocked()
		c.mu.Unlock()
		if handshakeMessages == 0 {
			c.delayedConnect(0)
		} else {
			c.log.Debug().Int("messages", handshakeMessages).Msg("processing handshake-delivered messages")
		}
	case protocol.ReconnectNone:
		c.disconnect(true)
	default:
		c.log.Warn().Str("action", string(action)).Msg("unrecognized advice action after handshake")
		c.disconnect(true)
	}
}

func (c *Client) failHandshake(m *protocol.Message, info failureInfo) {
	c.describeFailure(m, info)
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaHandshake, m)
	c.notifyListeners(protocol.MetaUnsuccessful, m)

	// Listeners may have disconnected.
	if c.IsDisconnected() {
		info.action = protocol.ReconnectNone
	}
	c.onTransportFailure(m, info)
}

// matchMetaConnect reports whether m answers the outstanding /meta/connect,
// releasing it if so.
func (c *Client) matchMetaConnect(m *protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusDisconnected {
		return true
	}
	if c.metaConnect != nil && c.metaConnect.ID == m.ID {
		c.metaConnect = nil
		return true
	}
	return false
}

func (c *Client) connectResponse(m *protocol.Message) {
	if !c.matchMetaConnect(m) {
		c.log.Warn().Str("id", m.ID).Msg("mismatched /meta/connect reply")
		return
	}

	c.mu.Lock()
	c.connected = m.IsSuccessful()
	c.mu.Unlock()

	if !m.IsSuccessful() {
		c.failConnect(m, failureInfo{
			cause:     protocol.CauseUnsuccessful,
			action:    c.reconnectAdvice(protocol.ReconnectRetry),
			transport: c.Transport(),
		})
		return
	}

	c.notifyListeners(protocol.MetaConnect, m)

	c.mu.Lock()
	action := protocol.ReconnectNone
	if !c.isDisconnectedLocked() {
		action = c.advice.Reconnect
		if action == "" {
			action = protocol.ReconnectRetry
		}
	}
	c.mu.Unlock()

	switch action {
	case protocol.ReconnectRetry:
		c.mu.Lock()
		c.resetBackoffLocked()
		c.mu.Unlock()
		c.delayedConnect(0)
	case protocol.ReconnectHandshake:
		c.log.Debug().Msg("server advised handshake")
		c.registry.Reset(false)
		c.mu.Lock()
		c.resetBackoffLocked()
		c.mu.Unlock()
		c.delayedHandshake(0)
	default:
		c.disconnect(false)
	}
}

func (c *Client) connectFailure(m *protocol.Message) {
	if !c.matchMetaConnect(m) {
		c.log.Debug().Str("id", m.ID).Msg("mismatched /meta/connect failure")
		return
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.failConnect(m, failureInfo{cause: protocol.CauseFailure, action: protocol.ReconnectRetry})
}

func (c *Client) failConnect(m *protocol.Message, info failureInfo) {
	c.describeFailure(m, info)
	c.notifyListeners(protocol.MetaConnect, m)
	c.notifyListeners(protocol.MetaUnsuccessful, m)

	if c.IsDisconnected() {
		info.action = protocol.ReconnectNone
	}
	c.onTransportFailure(m, info)
}

func (c *Client) disconnectResponse(m *protocol.Message) {
	if !m.IsSuccessful() {
		c.failDisconnect(m)
		return
	}
	c.disconnect(false)
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaDisconnect, m)
}

func (c *Client) failDisconnect(m *protocol.Message) {
	c.describeFailure(m, failureInfo{cause: protocol.CauseFailure, action: protocol.ReconnectNone})
	c.disconnect(true)
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaDisconnect, m)
	c.notifyListeners(protocol.MetaUnsuccessful, m)
}

func (c *Client) subscribeResponse(m *protocol.Message) {
	if !m.IsSuccessful() {
		c.failSubscribe(m)
		return
	}
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaSubscribe, m)
}

func (c *Client) failSubscribe(m *protocol.Message) {
	c.removeFailedSubscriptions(m.Subscription)
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaSubscribe, m)
	c.notifyListeners(protocol.MetaUnsuccessful, m)
}

func (c *Client) unsubscribeResponse(m *protocol.Message) {
	if !m.IsSuccessful() {
		c.failUnsubscribe(m)
		return
	}
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaUnsubscribe, m)
}

func (c *Client) failUnsubscribe(m *protocol.Message) {
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaUnsubscribe, m)
	c.notifyListeners(protocol.MetaUnsuccessful, m)
}

func (c *Client) messageResponse(m *protocol.Message) {
	if m.HasData() {
		if c.handleRemoteCall(m) {
			return
		}
		c.notifyListeners(m.Channel, m)

		c.mu.Lock()
		connectNow := false
		if c.handshakeMessages > 0 {
			c.handshakeMessages--
			connectNow = c.handshakeMessages == 0
		}
		c.mu.Unlock()
		if connectNow {
			c.log.Debug().Msg("processed last handshake-delivered message")
			c.delayedConnect(0)
		}
		return
	}

	if m.Successful == nil {
		c.log.Warn().Str("channel", m.Channel).Str("id", m.ID).Msg("unknown bayeux message")
		return
	}
	if m.IsSuccessful() {
		c.handleCallback(m)
		c.notifyListeners(protocol.MetaPublish, m)
		return
	}
	c.failMessage(m)
}

func (c *Client) failMessage(m *protocol.Message) {
	if c.handleRemoteCall(m) {
		return
	}
	c.handleCallback(m)
	c.notifyListeners(protocol.MetaPublish, m)
	c.notifyListeners(protocol.MetaUnsuccessful, m)
}

// onTransportFailure decides how the session recovers from a failed
// handshake or connect, then acts on the decision.
func (c *Client) onTransportFailure(m *protocol.Message, info failureInfo) {
	c.mu.RLock()
	url := c.config.URL
	crossDomain := c.crossDomain
	current := c.transport
	c.mu.RUnlock()

	currentType := ""
	if current != nil {
		currentType = current.Type()
	}
	types := c.registry.FindTransportTypes(protocol.Version, crossDomain, url)

	switch {
	case info.action == protocol.ReconnectNone:
		if m.Channel == protocol.MetaHandshake && info.transport == nil {
			c.log.Warn().Strs("client", types).Strs("server", m.SupportedConnectionTypes).Msg("could not negotiate transport")
			failure := &protocol.Failure{
				Reason:         fmt.Sprintf("Could not negotiate transport, client=%v, server=%v", types, m.SupportedConnectionTypes),
				ConnectionType: currentType,
				Cause:          protocol.CauseNegotiation,
				Action:         protocol.ReconnectNone,
			}
			c.notifyTransportException(currentType, "", failure)
		}

	case m.Channel == protocol.MetaHandshake:
		info.delay = c.Backoff()
		if info.transport == nil {
			negotiated := c.registry.NegotiateTransport(types, protocol.Version, crossDomain, url)
			if negotiated == nil {
				c.log.Warn().Strs("client", types).Msg("could not negotiate transport")
				c.notifyTransportException(currentType, "", m.Failure)
				info.action = protocol.ReconnectNone
			} else {
				c.log.Debug().Str("from", currentType).Str("to", negotiated.Type()).Msg("transport")
				c.notifyTransportException(currentType, negotiated.Type(), m.Failure)
				info.action = protocol.ReconnectHandshake
				info.transport = negotiated
			}
		}
		if info.action != protocol.ReconnectNone {
			c.increaseBackoff()
		}

	default:
		now := c.scheduler.Now()
		c.mu.Lock()
		if c.unconnectTime.IsZero() {
			c.unconnectTime = now
		}
		unconnected := now.Sub(c.unconnectTime)
		c.mu.Unlock()

		info.delay = c.Backoff()
		if info.action == protocol.ReconnectRetry {
			info.delay = c.increaseBackoff()
			advice := c.Advice()
			if maxInterval := advice.MaxIntervalDuration(); maxInterval > 0 {
				expiration := advice.TimeoutDuration() + advice.IntervalDuration() + maxInterval
				if unconnected+info.delay > expiration {
					c.log.Debug().Dur("unconnected", unconnected).Dur("expiration", expiration).Msg("session likely expired, handshaking")
					info.action = protocol.ReconnectHandshake
				}
			}
		}
		if info.action == protocol.ReconnectHandshake {
			info.delay = 0
			c.registry.Reset(false)
			c.mu.Lock()
			c.resetBackoffLocked()
			c.mu.Unlock()
		}
	}

	c.handleTransportFailure(info)
}

func (c *Client) handleTransportFailure(info failureInfo) {
	c.log.Debug().Str("action", string(info.action)).Dur("delay", info.delay).Msg("transport failure handling")
	if info.transport != nil {
		c.mu.Lock()
		c.transport = info.transport
		c.mu.Unlock()
	}
	c.metrics.Reconnect(string(info.action))

	switch info.action {
	case protocol.ReconnectHandshake:
		c.delayedHandshake(info.delay)
	case protocol.ReconnectRetry:
		c.delayedConnect(info.delay)
	default:
		c.disconnect(true)
	}
}
