package transport_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

type testHost struct {
	opts   transport.Options
	advice protocol.Advice
	sched  transport.Scheduler
	extend func(msgs []*protocol.Message, elapsed time.Duration) time.Duration
}

func newTestHost() *testHost {
	return &testHost{opts: transport.DefaultOptions(), sched: transport.RealScheduler()}
}

func (h *testHost) Options() transport.Options { return h.opts }
func (h *testHost) Advice() protocol.Advice { return h.advice }
func (h *testHost) Scheduler() transport.Scheduler { return h.sched }

func (h *testHost) TransportTimeout(msgs []*protocol.Message, elapsed time.Duration) time.Duration {
	if h.extend == nil {
		return 0
	}
	return h.extend(msgs, elapsed)
}

func collect(url string, msgs ...*protocol.Message) (*transport.Envelope, chan transport.Result) {
	results := make(chan transport.Result, 8)
	return &transport.Envelope{
		URL:      url,
		Messages: msgs,
		Complete: func(r transport.Result) { results <- r },
	}, results
}

func waitResult(t *testing.T, results chan transport.Result) transport.Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return transport.Result{}
}

func publish(id, channel, data string) *protocol.Message {
	b, _ := json.Marshal(data)
	return &protocol.Message{ID: id, Channel: channel, Data: b}
}

// replies answers every message successfully on the same channel and id.
func replies(msgs []*protocol.Message) []*protocol.Message {
	out := make([]*protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		r := &protocol.Message{ID: m.ID, Channel: m.Channel, ClientID: "client-1"}
		r.SetSuccessful(true)
		out = append(out, r)
	}
	return out
}

func writeReplies(w http.ResponseWriter, msgs []*protocol.Message) {
	body, _ := protocol.Encode(replies(msgs))
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
