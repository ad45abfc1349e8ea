package transport

import (
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
)

const (
	TypeWebSocket       = "websocket"
	TypeLongPolling     = "long-polling"
	TypeCallbackPolling = "callback-polling"
)

// Transport moves envelopes of Bayeux messages over one wire mechanism.
//
// Send never invokes the envelope completion synchronously; the only errors
// it returns are programming errors such as a second outstanding
// /meta/connect.
type Transport interface {
	Type() string
	Registered(typ string, host Host)
	Unregistered()
	Accept(version string, crossDomain bool, url string) bool
	Send(env *Envelope, metaConnect bool) error
	Reset(initial bool)
	Abort()
}

// Host is the view of the owning client a transport needs.
type Host interface {
	Options() Options
	Advice() protocol.Advice
	Scheduler() Scheduler
	// TransportTimeout is consulted when a request exceeds its network delay;
	// a positive return value extends the wait by that much.
	TransportTimeout(msgs []*protocol.Message, elapsed time.Duration) time.Duration
}

type Options struct {
	MaxConnections           int
	MaxNetworkDelay          time.Duration
	MaxURILength             int
	MaxSendBayeuxMessageSize int
	AutoBatch                bool
	StickyReconnect          bool
	ConnectTimeout           time.Duration
	RequestHeaders           map[string]string
}

func DefaultOptions() Options {
	return Options{
		MaxConnections:           2,
		MaxNetworkDelay:          10 * time.Second,
		MaxURILength:             2000,
		MaxSendBayeuxMessageSize: 8192,
		StickyReconnect:          true,
	}
}

// Envelope is a batch of messages bound for a single wire exchange.
type Envelope struct {
	URL         string
	CrossDomain bool
	Sync        bool
	Messages    []*protocol.Message
	// Complete receives exactly one Result for every message set the
	// transport dispatches from this envelope. The websocket transport also
	// hands it frames the server pushes on its own.
	Complete func(Result)
}

// Result reports the outcome of one wire exchange. Failure is nil on
// success; Sent holds the messages the exchange carried.
type Result struct {
	Sent      []*protocol.Message
	Responses []*protocol.Message
	Failure   *protocol.Failure
}

func (r Result) OK() bool { return r.Failure == nil }

func (e *Envelope) withMessages(msgs []*protocol.Message) *Envelope {
	out := *e
	out.Messages = msgs
	return &out
}
