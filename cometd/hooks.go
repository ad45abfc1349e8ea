package cometd

import (
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
)

type (
	ListenerExceptionHandler  func(sub *Subscription, m *protocol.Message, err error)
	CallbackExceptionHandler  func(m *protocol.Message, err error)
	ExtensionExceptionHandler func(name string, outgoing bool, m *protocol.Message, err error)
	// TransportExceptionHandler is told when the failure policy moves the
	// session from one transport to another; newType is "" when no
	// transport is left.
	TransportExceptionHandler func(oldType, newType string, failure *protocol.Failure)
	// TransportTimeoutHandler may extend a request that exceeded its network
	// delay by returning a positive duration.
	TransportTimeoutHandler func(msgs []*protocol.Message, elapsed time.Duration) time.Duration
)

type hooks struct {
	listener  ListenerExceptionHandler
	callback  CallbackExceptionHandler
	extension ExtensionExceptionHandler
	transport TransportExceptionHandler
	timeouts  []TransportTimeoutHandler
}

func (c *Client) OnListenerException(fn ListenerExceptionHandler) {
	c.mu.Lock()
	c.hooks.listener = fn
	c.mu.Unlock()
}

func (c *Client) OnCallbackException(fn CallbackExceptionHandler) {
	c.mu.Lock()
	c.hooks.callback = fn
	c.mu.Unlock()
}

func (c *Client) OnExtensionException(fn ExtensionExceptionHandler) {
	c.mu.Lock()
	c.hooks.extension = fn
	c.mu.Unlock()
}

func (c *Client) OnTransportException(fn TransportExceptionHandler) {
	c.mu.Lock()
	c.hooks.transport = fn
	c.mu.Unlock()
}

// OnTransportTimeout adds a handler consulted, in registration order, when a
// request exceeds its network delay. The first positive answer wins.
func (c *Client) OnTransportTimeout(fn TransportTimeoutHandler) {
	c.mu.Lock()
	c.hooks.timeouts = append(c.hooks.timeouts, fn)
	c.mu.Unlock()
}

func (c *Client) transportTimeout(msgs []*protocol.Message, elapsed time.Duration) (extra time.Duration) {
	c.mu.RLock()
	handlers := append([]TransportTimeoutHandler(nil), c.hooks.timeouts...)
	c.mu.RUnlock()

	for _, fn := range handlers {
		d := c.safeTimeout(fn, msgs, elapsed)
		if d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) safeTimeout(fn TransportTimeoutHandler, msgs []*protocol.Message, elapsed time.Duration) (d time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Err(panicError(r)).Msg("transport timeout handler panicked")
			d = 0
		}
	}()
	return fn(msgs, elapsed)
}

func (c *Client) notifyTransportException(oldType, newType string, failure *protocol.Failure) {
	c.mu.RLock()
	fn := c.hooks.transport
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Err(panicError(r)).Msg("transport exception handler panicked")
		}
	}()
	fn(oldType, newType, failure)
}

// notifyCallback runs a per-operation callback, routing a panic to the
// callback exception hook.
func (c *Client) notifyCallback(cb MessageHandler, m *protocol.Message) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := panicError(r)
		c.log.Warn().Err(err).Str("channel", m.Channel).Msg("callback panicked")
		c.mu.RLock()
		handler := c.hooks.callback
		c.mu.RUnlock()
		if handler == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.log.Warn().Err(panicError(r)).Msg("callback exception handler panicked")
			}
		}()
		handler(m, err)
	}()
	cb(m)
}

func (c *Client) notifyListener(sub *Subscription, m *protocol.Message) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := panicError(r)
		c.log.Warn().Err(err).Str("channel", sub.channel).Msg("listener panicked")
		c.mu.RLock()
		handler := c.hooks.listener
		c.mu.RUnlock()
		if handler == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.log.Warn().Err(panicError(r)).Msg("listener exception handler panicked")
			}
		}()
		handler(sub, m, err)
	}()
	sub.callback(m)
}
