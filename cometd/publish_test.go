package cometd

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kleeedolinux/cometd.go/internal/testutil/schedtest"
	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

func TestBatchFlushesOnceInOrder(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)
	before := h.lp.count()

	h.c.StartBatch()
	h.c.StartBatch()
	for i := 0; i < 3; i++ {
		if err := h.c.Publish(fmt.Sprintf("/batch/%d", i), i, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.c.EndBatch(); err != nil {
		t.Fatal(err)
	}
	if h.lp.count() != before {
		t.Fatal("inner EndBatch flushed")
	}
	if err := h.c.EndBatch(); err != nil {
		t.Fatal(err)
	}
	if h.lp.count() != before+1 {
		t.Fatalf("envelopes sent = %d", h.lp.count()-before)
	}
	msgs := h.lp.last(t).env.Messages
	if len(msgs) != 3 {
		t.Fatalf("batched messages = %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Channel != fmt.Sprintf("/batch/%d", i) {
			t.Errorf("message %d on %s", i, m.Channel)
		}
	}

	if err := h.c.EndBatch(); !errors.Is(err, protocol.ErrUnbalancedBatch) {
		t.Errorf("unbalanced EndBatch err = %v", err)
	}
	if err := h.c.Publish("/after", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if h.lp.count() != before+2 {
		t.Error("publish after an unbalanced EndBatch should send at once")
	}
}

func TestBatchFunc(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)
	before := h.lp.count()

	err := h.c.Batch(func() {
		h.c.Publish("/a", 1, nil, nil)
		h.c.Publish("/b", 2, nil, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.lp.count() != before+1 || len(h.lp.last(t).env.Messages) != 2 {
		t.Fatalf("batch sent %d envelopes", h.lp.count()-before)
	}
}

func TestPublishHeldUntilHandshake(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Handshake(nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.c.Publish("/early", "hi", nil, nil); err != nil {
		t.Fatal(err)
	}
	if h.ws.count() != 1 {
		t.Fatal("publish went out before the handshake reply")
	}

	req := h.ws.last(t)
	r := success(req.env.Messages[0])
	r.ClientID = "client-1"
	r.SupportedConnectionTypes = []string{transport.TypeLongPolling}
	h.reply(req, r)

	sent := h.lp.envelopes()
	if len(sent) != 1 {
		t.Fatalf("long-polling envelopes = %d", len(sent))
	}
	m := sent[0].env.Messages[0]
	if m.Channel != "/early" || m.ClientID != "client-1" {
		t.Errorf("flushed %+v", m)
	}
}

func TestPublishValidation(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Publish("/foo", 1, nil, nil); !errors.Is(err, protocol.ErrDisconnected) {
		t.Errorf("disconnected publish err = %v", err)
	}
	h.handshake(transport.TypeLongPolling)

	tests := []struct {
		channel string
		data    any
		want    error
	}{
		{"foo", 1, protocol.ErrInvalidChannel},
		{"/meta/connect", 1, protocol.ErrMetaChannel},
		{"/foo", []byte("{not json"), protocol.ErrInvalidMessage},
		{"/foo", func() {}, protocol.ErrInvalidMessage},
	}
	for _, tt := range tests {
		if err := h.c.Publish(tt.channel, tt.data, nil, nil); !errors.Is(err, tt.want) {
			t.Errorf("Publish(%q) err = %v, want %v", tt.channel, err, tt.want)
		}
	}
}

func TestPublishProps(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)

	props := Props{"ext": map[string]any{"auth": "token"}, "priority": 3}
	if err := h.c.Publish("/foo", rawJSON(t, []int{1, 2}), props, nil); err != nil {
		t.Fatal(err)
	}
	m := h.lp.last(t).env.Messages[0]
	if m.Ext["auth"] != "token" || m.Extra["priority"] != 3 {
		t.Errorf("props not applied: ext=%v extra=%v", m.Ext, m.Extra)
	}
	if string(m.Data) != "[1,2]" {
		t.Errorf("data = %s", m.Data)
	}
}

func TestPublishCallback(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)

	var got *protocol.Message
	h.c.Publish("/foo", 1, nil, func(m *protocol.Message) { got = m })
	pub := h.lp.last(t)
	h.reply(pub, success(pub.env.Messages[0]))
	if got == nil || !got.IsSuccessful() {
		t.Fatalf("callback got %+v", got)
	}

	got = nil
	var unsuccessful int
	h.c.AddListener(protocol.MetaUnsuccessful, func(*protocol.Message) { unsuccessful++ })
	h.c.Publish("/foo", 2, nil, func(m *protocol.Message) { got = m })
	h.fail(h.lp.last(t), "gone")
	if got == nil || got.IsSuccessful() || got.Failure.Reason != "gone" {
		t.Fatalf("callback got %+v", got)
	}
	if unsuccessful != 1 {
		t.Errorf("unsuccessful listener calls = %d", unsuccessful)
	}
}

func TestRemoteCallTimeout(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)

	var calls []*protocol.Message
	err := h.c.RemoteCall("echo", map[string]string{"q": "ping"}, 2*time.Second, nil, func(m *protocol.Message) {
		calls = append(calls, m)
	})
	if err != nil {
		t.Fatal(err)
	}
	req := h.lp.last(t)
	if req.env.Messages[0].Channel != "/service/echo" {
		t.Fatalf("remote call on %s", req.env.Messages[0].Channel)
	}
	var serviceListener int
	h.c.AddListener("/service/echo", func(*protocol.Message) { serviceListener++ })

	h.sched.Advance(2 * time.Second)
	if len(calls) != 1 {
		t.Fatalf("callback calls = %d", len(calls))
	}
	if calls[0].IsSuccessful() || calls[0].Failure.Reason != protocol.ReasonRemoteTimeout {
		t.Errorf("timeout reply = %+v", calls[0])
	}

	late := &protocol.Message{ID: req.env.Messages[0].ID, Channel: "/service/echo", Data: rawJSON(t, "pong")}
	h.reply(req, late)
	if len(calls) != 1 || serviceListener != 0 {
		t.Errorf("late reply delivered: callbacks=%d listener=%d", len(calls), serviceListener)
	}
	if n := h.expiredCalls(); n != 0 {
		t.Errorf("expired calls kept after the late reply: %d", n)
	}
}

func TestRemoteCallReply(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)

	var calls []*protocol.Message
	if err := h.c.RemoteCall("echo", "ping", 0, nil, func(m *protocol.Message) { calls = append(calls, m) }); err != nil {
		t.Fatal(err)
	}
	req := h.lp.last(t)
	h.reply(req, &protocol.Message{ID: req.env.Messages[0].ID, Channel: "/service/echo", Data: rawJSON(t, "pong")})
	if len(calls) != 1 || string(calls[0].Data) != `"pong"` {
		t.Fatalf("callback got %+v", calls)
	}

	h.sched.Advance(time.Minute)
	if len(calls) != 1 {
		t.Errorf("timeout fired after the reply")
	}

	if err := h.c.RemoteCall("echo", 1, 0, nil, nil); !errors.Is(err, protocol.ErrNilCallback) {
		t.Errorf("nil callback err = %v", err)
	}
}

func (h *harness) expiredCalls() int {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	return len(h.c.expiredCalls)
}

// lateScheduler hands out timers that cannot be stopped while late is set,
// like a real timer that already fired and waits for the event lock.
type lateScheduler struct {
	*schedtest.Manual
	late bool
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

func (s *lateScheduler) After(d time.Duration, fn func()) transport.Timer {
	t := s.Manual.After(d, fn)
	if s.late {
		return firedTimer{}
	}
	return t
}

func TestRemoteCallTimerAfterReply(t *testing.T) {
	sched := &lateScheduler{Manual: schedtest.NewManual()}
	h := newHarness(t, WithScheduler(sched))
	h.sched = sched.Manual
	h.handshake(transport.TypeLongPolling)

	var calls []*protocol.Message
	unsuccessful := 0
	h.c.AddListener(protocol.MetaUnsuccessful, func(*protocol.Message) { unsuccessful++ })

	sched.late = true
	err := h.c.RemoteCall("echo", "ping", 2*time.Second, nil, func(m *protocol.Message) { calls = append(calls, m) })
	sched.late = false
	if err != nil {
		t.Fatal(err)
	}
	req := h.lp.last(t)
	h.reply(req, &protocol.Message{ID: req.env.Messages[0].ID, Channel: "/service/echo", Data: rawJSON(t, "pong")})

	h.sched.Advance(2 * time.Second)
	if len(calls) != 1 || !calls[0].HasData() {
		t.Fatalf("callback calls = %+v", calls)
	}
	if unsuccessful != 0 {
		t.Errorf("/meta/unsuccessful notified %d times", unsuccessful)
	}
	if n := h.expiredCalls(); n != 0 {
		t.Errorf("expired calls = %d", n)
	}
}

func TestRemoteCallExpiredForgottenOnFailure(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)

	calls := 0
	for i := 0; i < 3; i++ {
		if err := h.c.RemoteCall("echo", i, time.Second, nil, func(*protocol.Message) { calls++ }); err != nil {
			t.Fatal(err)
		}
	}
	var pending []sentEnvelope
	for _, s := range h.lp.envelopes() {
		if s.env.Messages[0].Channel == "/service/echo" {
			pending = append(pending, s)
		}
	}
	if len(pending) != 3 {
		t.Fatalf("remote call envelopes = %d", len(pending))
	}

	h.sched.Advance(time.Second)
	if calls != 3 || h.expiredCalls() != 3 {
		t.Fatalf("calls = %d, expired = %d", calls, h.expiredCalls())
	}

	unsuccessful := 0
	h.c.AddListener(protocol.MetaUnsuccessful, func(*protocol.Message) { unsuccessful++ })
	for _, s := range pending {
		h.fail(s, "server down")
	}
	if calls != 3 || unsuccessful != 0 {
		t.Errorf("failures after timeout: calls = %d, unsuccessful = %d", calls, unsuccessful)
	}
	if n := h.expiredCalls(); n != 0 {
		t.Errorf("expired calls = %d", n)
	}
}
