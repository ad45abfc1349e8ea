package cometd

import (
	"fmt"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// Extension intercepts messages. Returning nil drops the message.
// Incoming extensions run in registration order, outgoing ones in reverse.
type Extension interface {
	Incoming(m *protocol.Message) *protocol.Message
	Outgoing(m *protocol.Message) *protocol.Message
}

// Registrar is implemented by extensions that want to know the client they
// were registered with.
type Registrar interface {
	Registered(name string, c *Client)
	Unregistered()
}

// ExtensionFuncs adapts plain functions to Extension; nil funcs pass
// messages through.
type ExtensionFuncs struct {
	In  func(m *protocol.Message) *protocol.Message
	Out func(m *protocol.Message) *protocol.Message
}

func (e ExtensionFuncs) Incoming(m *protocol.Message) *protocol.Message {
	if e.In == nil {
		return m
	}
	return e.In(m)
}

func (e ExtensionFuncs) Outgoing(m *protocol.Message) *protocol.Message {
	if e.Out == nil {
		return m
	}
	return e.Out(m)
}

type namedExtension struct {
	name string
	ext  Extension
}

// RegisterExtension adds ext under name. Names are unique.
func (c *Client) RegisterExtension(name string, ext Extension) error {
	if ext == nil {
		return fmt.Errorf("%w: extension %q", protocol.ErrNilCallback, name)
	}
	c.mu.Lock()
	for _, e := range c.extensions {
		if e.name == name {
			c.mu.Unlock()
			return fmt.Errorf("cometd: extension %q already registered", name)
		}
	}
	c.extensions = append(c.extensions, namedExtension{name: name, ext: ext})
	c.mu.Unlock()

	c.log.Debug().Str("extension", name).Msg("registered extension")
	if r, ok := ext.(Registrar); ok {
		r.Registered(name, c)
	}
	return nil
}

// UnregisterExtension removes the extension registered under name and
// reports whether there was one.
func (c *Client) UnregisterExtension(name string) bool {
	c.mu.Lock()
	var removed Extension
	for i, e := range c.extensions {
		if e.name == name {
			removed = e.ext
			c.extensions = append(c.extensions[:i], c.extensions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if removed == nil {
		return false
	}
	c.log.Debug().Str("extension", name).Msg("unregistered extension")
	if r, ok := removed.(Registrar); ok {
		r.Unregistered()
	}
	return true
}

func (c *Client) Extension(name string) Extension {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.extensions {
		if e.name == name {
			return e.ext
		}
	}
	return nil
}

func (c *Client) applyIncomingExtensions(m *protocol.Message) *protocol.Message {
	c.mu.RLock()
	exts := append([]namedExtension(nil), c.extensions...)
	c.mu.RUnlock()

	for _, e := range exts {
		m = c.applyExtension(e, false, m)
		if m == nil {
			return nil
		}
	}
	return m
}

func (c *Client) applyOutgoingExtensions(m *protocol.Message) *protocol.Message {
	c.mu.RLock()
	exts := append([]namedExtension(nil), c.extensions...)
	c.mu.RUnlock()

	for i := len(exts) - 1; i >= 0; i-- {
		m = c.applyExtension(exts[i], true, m)
		if m == nil {
			return nil
		}
	}
	return m
}

// applyExtension runs one extension; a panicking extension leaves the
// message untouched.
func (c *Client) applyExtension(e namedExtension, outgoing bool, m *protocol.Message) (out *protocol.Message) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		out = m
		err := panicError(r)
		c.log.Warn().Err(err).Str("extension", e.name).Bool("outgoing", outgoing).Msg("extension panicked")
		c.mu.RLock()
		handler := c.hooks.extension
		c.mu.RUnlock()
		if handler == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.log.Warn().Err(panicError(r)).Msg("extension exception handler panicked")
			}
		}()
		handler(e.name, outgoing, m, err)
	}()
	if outgoing {
		return e.ext.Outgoing(m)
	}
	return e.ext.Incoming(m)
}
