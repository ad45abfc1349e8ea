package cometd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

// applyProps merges props into m without touching protocol fields.
func applyProps(m *protocol.Message, props Props) {
	for k, v := range props {
		if k == "ext" {
			if ext, ok := v.(map[string]any); ok {
				if m.Ext == nil {
					m.Ext = make(map[string]any, len(ext))
				}
				for ek, ev := range ext {
					m.Ext[ek] = ev
				}
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
}

func encodeData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case json.RawMessage:
		if json.Valid(d) {
			return d, nil
		}
		return nil, fmt.Errorf("%w: data is not valid JSON", protocol.ErrInvalidMessage)
	case []byte:
		if json.Valid(d) {
			return json.RawMessage(d), nil
		}
		return nil, fmt.Errorf("%w: data is not valid JSON", protocol.ErrInvalidMessage)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidMessage, err)
	}
	return b, nil
}

func (c *Client) putCallback(id string, cb MessageHandler) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.callbacks[id] = cb
	c.mu.Unlock()
}

func (c *Client) handleCallback(m *protocol.Message) {
	c.mu.Lock()
	cb, ok := c.callbacks[m.ID]
	if ok {
		delete(c.callbacks, m.ID)
	}
	c.mu.Unlock()
	if ok {
		c.notifyCallback(cb, m)
	}
}

// Publish sends data on channel. Inside a batch the message is queued until
// the batch ends. callback receives the server's reply or the failure.
func (c *Client) Publish(channel string, data any, props Props, callback MessageHandler) error {
	if !protocol.ValidChannel(channel) {
		return fmt.Errorf("%w: %q", protocol.ErrInvalidChannel, channel)
	}
	if protocol.IsMeta(channel) {
		return fmt.Errorf("%w: cannot publish to %s", protocol.ErrMetaChannel, channel)
	}
	if c.IsDisconnected() {
		return fmt.Errorf("%w: publish to %s", protocol.ErrDisconnected, channel)
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}

	id := c.nextMessageID()
	m := &protocol.Message{ID: id, Channel: channel, Data: raw}
	applyProps(m, props)
	c.putCallback(id, callback)
	c.queueSend(m)
	return nil
}

// RemoteCall publishes data to /service/<target> and hands the reply to
// callback. If no reply arrives within timeout, callback receives a local
// failure and a late reply is dropped. A zero timeout uses MaxNetworkDelay;
// a negative one waits forever.
func (c *Client) RemoteCall(target string, data any, timeout time.Duration, props Props, callback MessageHandler) error {
	if callback == nil {
		return fmt.Errorf("%w: remote call to %s", protocol.ErrNilCallback, target)
	}
	channel := protocol.ServiceChannel(target)
	if !protocol.ValidChannel(channel) {
		return fmt.Errorf("%w: %q", protocol.ErrInvalidChannel, channel)
	}
	if c.IsDisconnected() {
		return fmt.Errorf("%w: remote call to %s", protocol.ErrDisconnected, channel)
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = c.Config().MaxNetworkDelay
	}

	id := c.nextMessageID()
	m := &protocol.Message{ID: id, Channel: channel, Data: raw}
	applyProps(m, props)

	call := &remoteCall{callback: callback}
	c.mu.Lock()
	c.remoteCalls[id] = call
	if timeout > 0 {
		sent := m
		call.timer = c.scheduler.After(timeout, func() {
			c.eventMu.Lock()
			defer c.eventMu.Unlock()

			// The reply may have been handled while this timer waited.
			c.mu.Lock()
			pending, ok := c.remoteCalls[id]
			if !ok {
				c.mu.Unlock()
				return
			}
			delete(c.remoteCalls, id)
			c.expiredCalls[id] = struct{}{}
			c.mu.Unlock()

			c.log.Debug().Str("id", id).Dur("timeout", timeout).Msg("remote call timed out")
			failed := &protocol.Message{
				ID:      id,
				Channel: channel,
				Error:   "406::timeout",
				Failure: &protocol.Failure{Reason: protocol.ReasonRemoteTimeout, Message: sent},
			}
			failed.SetSuccessful(false)
			c.notifyCallback(pending.callback, failed)
		})
	}
	c.mu.Unlock()

	c.queueSend(m)
	return nil
}

func (c *Client) handleRemoteCall(m *protocol.Message) bool {
	c.mu.Lock()
	call, ok := c.remoteCalls[m.ID]
	if ok {
		delete(c.remoteCalls, m.ID)
	}
	_, expired := c.expiredCalls[m.ID]
	if expired {
		delete(c.expiredCalls, m.ID)
	}
	c.mu.Unlock()
	if expired {
		c.log.Debug().Str("id", m.ID).Msg("dropping late remote call reply")
		return true
	}
	if !ok {
		return false
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	c.notifyCallback(call.callback, m)
	return true
}

// StartBatch opens a batch; messages are held until the matching EndBatch.
// Batches nest.
func (c *Client) StartBatch() {
	c.mu.Lock()
	c.batch++
	c.mu.Unlock()
}

// EndBatch closes a batch and sends everything queued once the outermost
// batch ends.
func (c *Client) EndBatch() error {
	c.mu.Lock()
	c.batch--
	if c.batch < 0 {
		c.batch = 0
		c.mu.Unlock()
		return protocol.ErrUnbalancedBatch
	}
	flush := c.batch == 0 && !c.isDisconnectedLocked() && !c.internalBatch
	c.mu.Unlock()

	if flush {
		c.flushBatch()
	}
	return nil
}

// Batch runs fn inside a batch.
func (c *Client) Batch(fn func()) (err error) {
	c.StartBatch()
	defer func() {
		if endErr := c.EndBatch(); err == nil {
			err = endErr
		}
	}()
	fn()
	return nil
}

func (c *Client) queueSend(m *protocol.Message) {
	c.mu.Lock()
	if c.batch > 0 || c.internalBatch {
		c.queue = append(c.queue, m)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.send([]*protocol.Message{m}, false, "")
}

func (c *Client) flushBatch() {
	c.mu.Lock()
	msgs := c.queue
	c.queue = nil
	c.mu.Unlock()
	if len(msgs) > 0 {
		c.send(msgs, false, "")
	}
}

// send runs the outgoing extensions and hands the surviving messages to the
// current transport as one envelope.
func (c *Client) send(msgs []*protocol.Message, metaConnect bool, extraPath string) {
	c.mu.RLock()
	clientID := c.clientID
	t := c.transport
	url := c.config.URL
	appendType := c.config.AppendMessageTypeToURL
	crossDomain := c.crossDomain
	c.mu.RUnlock()

	out := make([]*protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		id := m.ID
		if clientID != "" {
			m.ClientID = clientID
		}
		m = c.applyOutgoingExtensions(m)
		if m == nil {
			c.mu.Lock()
			delete(c.callbacks, id)
			c.mu.Unlock()
			continue
		}
		m.ID = id
		out = append(out, m)
	}
	if len(out) == 0 {
		return
	}

	if t == nil {
		c.log.Warn().Int("messages", len(out)).Msg("no transport, failing messages")
		c.scheduler.After(0, func() {
			c.eventMu.Lock()
			defer c.eventMu.Unlock()
			c.handleFailure(out, &protocol.Failure{Reason: "No transport", Exception: protocol.ErrNoTransport})
		})
		return
	}

	if metaConnect {
		c.mu.Lock()
		c.metaConnect = out[0]
		c.mu.Unlock()
	}

	if appendType {
		if url[len(url)-1] != '/' {
			url += "/"
		}
		url += extraPath
	}

	env := &transport.Envelope{
		URL:         url,
		CrossDomain: crossDomain,
		Messages:    out,
		Complete:    c.envelopeComplete,
	}
	for _, m := range out {
		c.metrics.MessageSent(m.Kind().String())
	}
	c.log.Debug().Str("transport", t.Type()).Int("messages", len(out)).Str("url", url).Msg("sending")

	if err := t.Send(env, metaConnect); err != nil {
		c.log.Error().Err(err).Msg("transport refused envelope")
		c.scheduler.After(0, func() {
			c.eventMu.Lock()
			defer c.eventMu.Unlock()
			c.handleFailure(out, &protocol.Failure{Reason: "Send refused", Exception: err, ConnectionType: t.Type()})
		})
	}
}

// envelopeComplete is the completion of every envelope the client sends.
func (c *Client) envelopeComplete(r transport.Result) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if r.Failure != nil {
		c.handleFailure(r.Sent, r.Failure)
		c.forgetExpiredCalls(r.Sent)
		return
	}
	for _, m := range r.Responses {
		c.receive(m)
	}
	c.forgetExpiredCalls(r.Sent)
}

// forgetExpiredCalls drops the timed out remote calls among sent once their
// exchange is over; no late reply can follow.
func (c *Client) forgetExpiredCalls(sent []*protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.expiredCalls) == 0 {
		return
	}
	for _, m := range sent {
		delete(c.expiredCalls, m.ID)
	}
}
