// Package ext holds extensions that plug into a cometd.Client.
package ext

import (
	"sync"

	"github.com/kleeedolinux/cometd.go/cometd"
	"github.com/kleeedolinux/cometd.go/protocol"
)

// Ack asks the server to acknowledge delivery: it advertises ack support on
// handshake and echoes the last batch number seen on /meta/connect, so that
// a server holding unacknowledged messages can redeliver them after a
// reconnect.
type Ack struct {
	mu             sync.Mutex
	serverSupports bool
	batch          int64
	disabled       bool
}

func NewAck() *Ack {
	return &Ack{batch: -1}
}

var _ cometd.Extension = (*Ack)(nil)

// SetEnabled controls whether the next handshake asks for acknowledgement.
func (a *Ack) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.disabled = !enabled
	a.mu.Unlock()
}

// ServerSupportsAcks reports what the server answered on the last handshake.
func (a *Ack) ServerSupportsAcks() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverSupports
}

func (a *Ack) Batch() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batch
}

func (a *Ack) Incoming(m *protocol.Message) *protocol.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch m.Channel {
	case protocol.MetaHandshake:
		a.serverSupports = false
		switch v := m.Ext["ack"].(type) {
		case bool:
			a.serverSupports = v
		case map[string]any:
			enabled, _ := v["enabled"].(bool)
			a.serverSupports = enabled
		}
	case protocol.MetaConnect:
		if m.IsSuccessful() && a.serverSupports {
			if n, ok := number(m.Ext["ack"]); ok {
				a.batch = n
			}
		}
	}
	return m
}

func (a *Ack) Outgoing(m *protocol.Message) *protocol.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch m.Channel {
	case protocol.MetaHandshake:
		if m.Ext == nil {
			m.Ext = make(map[string]any)
		}
		m.Ext["ack"] = !a.disabled
		a.serverSupports = false
		a.batch = -1
	case protocol.MetaConnect:
		if a.serverSupports {
			if m.Ext == nil {
				m.Ext = make(map[string]any)
			}
			m.Ext["ack"] = a.batch
		}
	}
	return m
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
