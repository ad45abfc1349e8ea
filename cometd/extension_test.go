package cometd

import (
	"testing"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

type recordingExtension struct {
	name  string
	trace *[]string
	c     *Client
	gone  bool
}

func (e *recordingExtension) Incoming(m *protocol.Message) *protocol.Message {
	*e.trace = append(*e.trace, "in:"+e.name)
	return m
}

func (e *recordingExtension) Outgoing(m *protocol.Message) *protocol.Message {
	*e.trace = append(*e.trace, "out:"+e.name)
	return m
}

func (e *recordingExtension) Registered(_ string, c *Client) { e.c = c }
func (e *recordingExtension) Unregistered() { e.gone = true }

func TestExtensionOrder(t *testing.T) {
	h := newHarness(t)
	var trace []string
	first := &recordingExtension{name: "first", trace: &trace}
	second := &recordingExtension{name: "second", trace: &trace}
	if err := h.c.RegisterExtension("first", first); err != nil {
		t.Fatal(err)
	}
	if err := h.c.RegisterExtension("second", second); err != nil {
		t.Fatal(err)
	}
	if err := h.c.RegisterExtension("first", first); err == nil {
		t.Error("duplicate name accepted")
	}
	if first.c != h.c {
		t.Error("Registered not called")
	}

	h.c.Handshake(nil, nil)
	if len(trace) != 2 || trace[0] != "out:second" || trace[1] != "out:first" {
		t.Fatalf("outgoing trace = %v", trace)
	}
	trace = nil
	req := h.ws.last(t)
	r := success(req.env.Messages[0])
	r.SupportedConnectionTypes = []string{transport.TypeLongPolling}
	h.reply(req, r)
	if len(trace) < 2 || trace[0] != "in:first" || trace[1] != "in:second" {
		t.Fatalf("incoming trace = %v", trace)
	}

	if h.c.Extension("second") != second {
		t.Error("Extension lookup failed")
	}
	if !h.c.UnregisterExtension("second") || !second.gone {
		t.Error("unregister failed")
	}
	if h.c.UnregisterExtension("second") {
		t.Error("unregistered twice")
	}
}

func TestExtensionDropsMessage(t *testing.T) {
	h := newHarness(t)
	h.handshake(transport.TypeLongPolling)

	h.c.RegisterExtension("filter", ExtensionFuncs{
		Out: func(m *protocol.Message) *protocol.Message {
			if m.Channel == "/private" {
				return nil
			}
			return m
		},
		In: func(m *protocol.Message) *protocol.Message {
			if m.Channel == "/noise" {
				return nil
			}
			return m
		},
	})
	before := h.lp.count()
	if err := h.c.Publish("/private", 1, nil, func(*protocol.Message) { t.Error("callback for dropped message") }); err != nil {
		t.Fatal(err)
	}
	if h.lp.count() != before {
		t.Error("dropped message was sent")
	}

	var noise int
	h.c.AddListener("/noise", func(*protocol.Message) { noise++ })
	h.deliver("/noise", 1)
	if noise != 0 {
		t.Error("dropped incoming message reached listener")
	}
}

func TestExtensionPanicKeepsMessage(t *testing.T) {
	h := newHarness(t)
	var name string
	var outgoing bool
	h.c.OnExtensionException(func(n string, out bool, _ *protocol.Message, err error) {
		name, outgoing = n, out
		if err == nil {
			t.Error("nil error")
		}
	})
	h.c.RegisterExtension("broken", ExtensionFuncs{
		Out: func(*protocol.Message) *protocol.Message { panic("boom") },
	})

	if err := h.c.Handshake(nil, nil); err != nil {
		t.Fatal(err)
	}
	if name != "broken" || !outgoing {
		t.Errorf("hook got %q outgoing=%v", name, outgoing)
	}
	if h.ws.count() != 1 || h.ws.last(t).env.Messages[0].Channel != protocol.MetaHandshake {
		t.Error("handshake not sent after extension panic")
	}
}

func TestCallbackPanicIsReported(t *testing.T) {
	h := newHarness(t)
	var reported *protocol.Message
	h.c.OnCallbackException(func(m *protocol.Message, err error) { reported = m })

	h.c.Handshake(nil, func(*protocol.Message) { panic("callback bug") })
	req := h.ws.last(t)
	r := success(req.env.Messages[0])
	r.SupportedConnectionTypes = []string{transport.TypeLongPolling}
	h.reply(req, r)

	if reported == nil || reported.Channel != protocol.MetaHandshake {
		t.Fatalf("reported %+v", reported)
	}
	h.sched.RunPending()
	if h.lp.countChannel(protocol.MetaConnect) != 1 {
		t.Error("session did not continue after callback panic")
	}
}

func TestTransportTimeoutHandlers(t *testing.T) {
	h := newHarness(t)
	h.c.OnTransportTimeout(func([]*protocol.Message, time.Duration) time.Duration { panic("bad handler") })
	h.c.OnTransportTimeout(func([]*protocol.Message, time.Duration) time.Duration { return 0 })
	h.c.OnTransportTimeout(func(_ []*protocol.Message, elapsed time.Duration) time.Duration { return elapsed / 2 })
	h.c.OnTransportTimeout(func([]*protocol.Message, time.Duration) time.Duration { return time.Hour })

	if d := h.c.transportTimeout(nil, 4*time.Second); d != 2*time.Second {
		t.Errorf("extension = %v", d)
	}
}
