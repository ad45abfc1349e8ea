package ext

import (
	"net/http"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// Timestamp stamps every outgoing message with the time it was sent, in
// HTTP date format.
type Timestamp struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

func (t Timestamp) Incoming(m *protocol.Message) *protocol.Message {
	return m
}

func (t Timestamp) Outgoing(m *protocol.Message) *protocol.Message {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	m.Timestamp = now().UTC().Format(http.TimeFormat)
	return m
}
