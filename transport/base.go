package transport

import (
	"sync"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// Base holds the registration state shared by every transport.
type Base struct {
	hostMu sync.RWMutex
	typ    string
	host   Host
}

func (b *Base) Type() string {
	b.hostMu.RLock()
	defer b.hostMu.RUnlock()
	return b.typ
}

func (b *Base) Registered(typ string, host Host) {
	b.hostMu.Lock()
	defer b.hostMu.Unlock()
	b.typ = typ
	b.host = host
}

func (b *Base) Unregistered() {
	b.hostMu.Lock()
	defer b.hostMu.Unlock()
	b.host = nil
}

func (b *Base) options() Options {
	b.hostMu.RLock()
	h := b.host
	b.hostMu.RUnlock()
	if h == nil {
		return DefaultOptions()
	}
	return h.Options()
}

func (b *Base) scheduler() Scheduler {
	b.hostMu.RLock()
	h := b.host
	b.hostMu.RUnlock()
	if h == nil {
		return RealScheduler()
	}
	return h.Scheduler()
}

func (b *Base) adviceTimeout() time.Duration {
	b.hostMu.RLock()
	h := b.host
	b.hostMu.RUnlock()
	if h == nil {
		return 0
	}
	return h.Advice().TimeoutDuration()
}

func (b *Base) transportTimeout(msgs []*protocol.Message, elapsed time.Duration) time.Duration {
	b.hostMu.RLock()
	h := b.host
	b.hostMu.RUnlock()
	if h == nil {
		return 0
	}
	return h.TransportTimeout(msgs, elapsed)
}

// networkDelay is how long a request may stay unanswered.
func (b *Base) networkDelay(metaConnect bool) time.Duration {
	delay := b.options().MaxNetworkDelay
	if metaConnect {
		delay += b.adviceTimeout()
	}
	return delay
}

// fail delivers a failure asynchronously so callers never see a completion
// before their own call returns.
func (b *Base) fail(env *Envelope, sent []*protocol.Message, failure *protocol.Failure) {
	if failure.ConnectionType == "" {
		failure.ConnectionType = b.Type()
	}
	b.scheduler().After(0, func() {
		env.Complete(Result{Sent: sent, Failure: failure})
	})
}
