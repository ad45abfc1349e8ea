package cometd

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/kleeedolinux/cometd.go/internal/testutil/schedtest"
	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

type sentEnvelope struct {
	env         *transport.Envelope
	metaConnect bool
}

// fakeTransport records envelopes; tests answer them by hand.
type fakeTransport struct {
	transport.Base

	mu      sync.Mutex
	accept  bool
	sent    []sentEnvelope
	resets  []bool
	aborted int
}

func newFake() *fakeTransport {
	return &fakeTransport{accept: true}
}

func (f *fakeTransport) Accept(string, bool, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accept
}

func (f *fakeTransport) setAccept(v bool) {
	f.mu.Lock()
	f.accept = v
	f.mu.Unlock()
}

func (f *fakeTransport) Send(env *transport.Envelope, metaConnect bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEnvelope{env: env, metaConnect: metaConnect})
	return nil
}

func (f *fakeTransport) Reset(initial bool) {
	f.mu.Lock()
	f.resets = append(f.resets, initial)
	f.mu.Unlock()
}

func (f *fakeTransport) Abort() {
	f.mu.Lock()
	f.aborted++
	f.mu.Unlock()
}

func (f *fakeTransport) envelopes() []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEnvelope(nil), f.sent...)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) last(t *testing.T) sentEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

// countChannel counts messages sent on channel across all envelopes.
func (f *fakeTransport) countChannel(channel string) int {
	n := 0
	for _, s := range f.envelopes() {
		for _, m := range s.env.Messages {
			if m.Channel == channel {
				n++
			}
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	c     *Client
	sched *schedtest.Manual
	ws    *fakeTransport
	lp    *fakeTransport
	cp    *fakeTransport
}

func newHarness(t *testing.T, opts ...ClientOption) *harness {
	t.Helper()
	sched := schedtest.NewManual()
	opts = append([]ClientOption{WithScheduler(sched), WithoutDefaultTransports()}, opts...)
	c, err := NewClient("http://localhost:8080/cometd", opts...)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{t: t, c: c, sched: sched, ws: newFake(), lp: newFake(), cp: newFake()}
	c.RegisterTransport(transport.TypeWebSocket, h.ws, -1)
	c.RegisterTransport(transport.TypeLongPolling, h.lp, -1)
	c.RegisterTransport(transport.TypeCallbackPolling, h.cp, -1)
	return h
}

func success(req *protocol.Message) *protocol.Message {
	r := &protocol.Message{ID: req.ID, Channel: req.Channel, Subscription: req.Subscription}
	r.SetSuccessful(true)
	return r
}

func (h *harness) reply(s sentEnvelope, responses ...*protocol.Message) {
	s.env.Complete(transport.Result{Sent: s.env.Messages, Responses: responses})
}

func (h *harness) fail(s sentEnvelope, reason string) {
	s.env.Complete(transport.Result{Sent: s.env.Messages, Failure: &protocol.Failure{Reason: reason}})
}

// handshake completes a handshake in which the server only offers types,
// then lets the first connect go out.
func (h *harness) handshake(types ...string) *fakeTransport {
	h.t.Helper()
	if err := h.c.Handshake(nil, nil); err != nil {
		h.t.Fatal(err)
	}
	req := h.ws.last(h.t)
	r := success(req.env.Messages[0])
	r.ClientID = "client-1"
	r.Version = protocol.Version
	r.SupportedConnectionTypes = types
	h.reply(req, r)
	h.sched.RunPending()

	current := h.c.FindTransport(h.c.TransportType()).(*fakeTransport)
	return current
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
