package protocol

import "time"

type Reconnect string

const (
	ReconnectRetry     Reconnect = "retry"
	ReconnectHandshake Reconnect = "handshake"
	ReconnectNone      Reconnect = "none"
)

// Advice carries the server's reconnection parameters. Numeric fields are
// milliseconds and are pointers so that a reply can override a single field
// without resetting the others.
type Advice struct {
	Reconnect       Reconnect `json:"reconnect,omitempty"`
	Timeout         *int64    `json:"timeout,omitempty"`
	Interval        *int64    `json:"interval,omitempty"`
	MaxInterval     *int64    `json:"maxInterval,omitempty"`
	MultipleClients bool      `json:"multiple-clients,omitempty"`
	Hosts           []string  `json:"hosts,omitempty"`
}

func Millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

// Merge returns a copy of a with every field present in o overriding it.
func (a Advice) Merge(o *Advice) Advice {
	if o == nil {
		return a
	}
	if o.Reconnect != "" {
		a.Reconnect = o.Reconnect
	}
	if o.Timeout != nil {
		v := *o.Timeout
		a.Timeout = &v
	}
	if o.Interval != nil {
		v := *o.Interval
		a.Interval = &v
	}
	if o.MaxInterval != nil {
		v := *o.MaxInterval
		a.MaxInterval = &v
	}
	if o.MultipleClients {
		a.MultipleClients = true
	}
	if o.Hosts != nil {
		a.Hosts = append([]string(nil), o.Hosts...)
	}
	return a
}

func (a Advice) TimeoutDuration() time.Duration     { return duration(a.Timeout) }
func (a Advice) IntervalDuration() time.Duration    { return duration(a.Interval) }
func (a Advice) MaxIntervalDuration() time.Duration { return duration(a.MaxInterval) }

func duration(ms *int64) time.Duration {
	if ms == nil || *ms < 0 {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}
