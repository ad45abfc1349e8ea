package cometd

import (
	"fmt"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// Subscription is a callback attached to a channel. Listeners are local
// only; subscriptions are also known to the server and are dropped when the
// session is re-established.
type Subscription struct {
	id       uint64
	channel  string
	callback MessageHandler
	listener bool
}

func (s *Subscription) Channel() string { return s.channel }

// Listener reports whether s was added with AddListener.
func (s *Subscription) Listener() bool { return s.listener }

func (c *Client) addListenerLocked(channel string, cb MessageHandler, listener bool) *Subscription {
	c.subscriptionID++
	sub := &Subscription{
		id:       c.subscriptionID,
		channel:  channel,
		callback: cb,
		listener: listener,
	}
	c.listeners[channel] = append(c.listeners[channel], sub)
	return sub
}

func (c *Client) removeListenerLocked(sub *Subscription) bool {
	subs := c.listeners[sub.channel]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(c.listeners, sub.channel)
			} else {
				c.listeners[sub.channel] = subs
			}
			return true
		}
	}
	return false
}

func (c *Client) hasSubscriptionsLocked(channel string) bool {
	for _, s := range c.listeners[channel] {
		if !s.listener {
			return true
		}
	}
	return false
}

func (c *Client) clearSubscriptionsLocked() {
	for channel, subs := range c.listeners {
		kept := subs[:0:0]
		for _, s := range subs {
			if s.listener {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(c.listeners, channel)
		} else {
			c.listeners[channel] = kept
		}
	}
}

// AddListener attaches cb to channel without telling the server. This is
// the way to observe meta channels.
func (c *Client) AddListener(channel string, cb MessageHandler) (*Subscription, error) {
	if !protocol.ValidChannel(channel) {
		return nil, fmt.Errorf("%w: %q", protocol.ErrInvalidChannel, channel)
	}
	if cb == nil {
		return nil, protocol.ErrNilCallback
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addListenerLocked(channel, cb, true), nil
}

func (c *Client) RemoveListener(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeListenerLocked(sub)
}

// ClearListeners removes every listener added with AddListener.
func (c *Client) ClearListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for channel, subs := range c.listeners {
		kept := subs[:0:0]
		for _, s := range subs {
			if !s.listener {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(c.listeners, channel)
		} else {
			c.listeners[channel] = kept
		}
	}
}

// ClearSubscriptions forgets every subscription locally, without sending
// unsubscribe messages.
func (c *Client) ClearSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearSubscriptionsLocked()
}

// Subscribe attaches cb to channel. The server is only asked to subscribe
// when this is the first subscription on the channel; otherwise callback is
// told of success asynchronously without a round trip.
func (c *Client) Subscribe(channel string, cb MessageHandler, props Props, callback MessageHandler) (*Subscription, error) {
	if !protocol.ValidChannel(channel) {
		return nil, fmt.Errorf("%w: %q", protocol.ErrInvalidChannel, channel)
	}
	if protocol.IsMeta(channel) {
		return nil, fmt.Errorf("%w: cannot subscribe to %s, use AddListener", protocol.ErrMetaChannel, channel)
	}
	if cb == nil {
		return nil, protocol.ErrNilCallback
	}

	c.mu.Lock()
	if c.isDisconnectedLocked() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: subscribe to %s", protocol.ErrDisconnected, channel)
	}
	send := !c.hasSubscriptionsLocked(channel)
	sub := c.addListenerLocked(channel, cb, false)
	c.mu.Unlock()

	id := c.nextMessageID()
	if send {
		m := &protocol.Message{ID: id, Channel: protocol.MetaSubscribe, Subscription: channel}
		applyProps(m, props)
		c.putCallback(id, callback)
		c.queueSend(m)
		return sub, nil
	}
	c.log.Debug().Str("channel", channel).Msg("already subscribed, not sending")
	if callback != nil {
		reply := &protocol.Message{ID: id, Channel: protocol.MetaSubscribe, Subscription: channel}
		reply.SetSuccessful(true)
		c.scheduler.After(0, func() { c.notifyCallback(callback, reply) })
	}
	return sub, nil
}

// Unsubscribe removes sub. The server is only told when sub was the last
// subscription on its channel. Unsubscribing a handle twice is a local no-op.
func (c *Client) Unsubscribe(sub *Subscription, props Props, callback MessageHandler) error {
	if sub == nil {
		return protocol.ErrNilCallback
	}
	if sub.listener {
		return fmt.Errorf("%w: %s", protocol.ErrListenerHandle, sub.channel)
	}

	c.mu.Lock()
	if c.isDisconnectedLocked() {
		c.mu.Unlock()
		return fmt.Errorf("%w: unsubscribe from %s", protocol.ErrDisconnected, sub.channel)
	}
	removed := c.removeListenerLocked(sub)
	send := removed && !c.hasSubscriptionsLocked(sub.channel)
	c.mu.Unlock()

	id := c.nextMessageID()
	if send {
		m := &protocol.Message{ID: id, Channel: protocol.MetaUnsubscribe, Subscription: sub.channel}
		applyProps(m, props)
		c.putCallback(id, callback)
		c.queueSend(m)
		return nil
	}
	if removed {
		c.log.Debug().Str("channel", sub.channel).Msg("subscriptions remain, not sending")
	}
	if callback != nil {
		reply := &protocol.Message{ID: id, Channel: protocol.MetaUnsubscribe, Subscription: sub.channel}
		reply.SetSuccessful(true)
		c.scheduler.After(0, func() { c.notifyCallback(callback, reply) })
	}
	return nil
}

// Resubscribe drops sub locally and subscribes its callback again, typically
// from a /meta/handshake listener after the session was re-established.
func (c *Client) Resubscribe(sub *Subscription, props Props) (*Subscription, error) {
	if sub == nil {
		return nil, protocol.ErrNilCallback
	}
	c.mu.Lock()
	c.removeListenerLocked(sub)
	c.mu.Unlock()
	return c.Subscribe(sub.channel, sub.callback, props, nil)
}

// notifyListeners delivers m to the listeners of channel and of every
// wildcard channel that matches it.
func (c *Client) notifyListeners(channel string, m *protocol.Message) {
	c.notify(channel, m)
	for _, glob := range protocol.Globs(channel) {
		c.notify(glob, m)
	}
}

func (c *Client) notify(channel string, m *protocol.Message) {
	c.mu.RLock()
	subs := append([]*Subscription(nil), c.listeners[channel]...)
	c.mu.RUnlock()

	for _, sub := range subs {
		c.notifyListener(sub, m)
	}
}

// removeFailedSubscriptions drops the subscriptions on channel after the
// server refused to subscribe; listeners stay.
func (c *Client) removeFailedSubscriptions(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.listeners[channel]
	kept := subs[:0:0]
	for _, s := range subs {
		if s.listener {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(subs) {
		return
	}
	c.log.Debug().Str("channel", channel).Int("removed", len(subs)-len(kept)).Msg("removed failed subscriptions")
	if len(kept) == 0 {
		delete(c.listeners, channel)
	} else {
		c.listeners[channel] = kept
	}
}
