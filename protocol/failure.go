package protocol

import (
	"fmt"
	"strings"
)

const (
	CauseFailure      = "failure"
	CauseUnsuccessful = "unsuccessful"
	CauseNegotiation  = "negotiation"

	ReasonAbort          = "abort"
	ReasonDisconnected   = "Disconnected"
	ReasonPreviousFailed = "Previous request failed"
	ReasonRemoteTimeout  = "Remote Call Timeout"
)

// Failure describes why a message did not reach a successful reply.
type Failure struct {
	Reason         string
	Exception      error
	HTTPCode       int
	WebSocketCode  int
	ConnectionType string
	// Fatal marks failures that retrying cannot fix, such as a single message
	// larger than the transport allows.
	Fatal bool

	Cause   string
	Action  Reconnect
	Message *Message
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(f.Reason)
	if f.HTTPCode > 0 {
		fmt.Fprintf(&b, " (http %d)", f.HTTPCode)
	}
	if f.WebSocketCode > 0 {
		fmt.Fprintf(&b, " (websocket %d)", f.WebSocketCode)
	}
	if f.Exception != nil {
		b.WriteString(": ")
		b.WriteString(f.Exception.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Exception
}

func (f *Failure) Clone() *Failure {
	if f == nil {
		return nil
	}
	out := *f
	return &out
}
