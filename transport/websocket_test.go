package transport_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/cometd.go/internal/testutil/schedtest"
	"github.com/kleeedolinux/cometd.go/protocol"
	"github.com/kleeedolinux/cometd.go/transport"
)

// bayeuxSocket answers every message except those on /ignored.
func bayeuxSocket(t *testing.T, received chan<- []*protocol.Message) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs, err := protocol.Decode(data)
			if err != nil {
				t.Errorf("server could not decode %q", data)
				return
			}
			if received != nil {
				received <- msgs
			}
			var answer []*protocol.Message
			for _, m := range msgs {
				if m.Channel != "/ignored" {
					answer = append(answer, m)
				}
			}
			if len(answer) == 0 {
				continue
			}
			body, _ := protocol.Encode(replies(answer))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	})
}

func newWebSocket(host *testHost) *transport.WebSocketTransport {
	ws := transport.NewWebSocketTransport()
	ws.Registered(transport.TypeWebSocket, host)
	return ws
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := httptest.NewServer(bayeuxSocket(t, nil))
	defer srv.Close()

	ws := newWebSocket(newTestHost())
	defer ws.Abort()

	env, results := collect(srv.URL, &protocol.Message{ID: "1", Channel: protocol.MetaHandshake})
	if err := ws.Send(env, false); err != nil {
		t.Fatal(err)
	}
	r := waitResult(t, results)
	if !r.OK() || len(r.Responses) != 1 || r.Responses[0].ID != "1" {
		t.Fatalf("unexpected result %+v %v", r.Responses, r.Failure)
	}
	if len(r.Sent) != 1 || r.Sent[0].ID != "1" {
		t.Fatalf("reply not correlated with the sent message: %+v", r.Sent)
	}
	if !ws.Connected() {
		t.Fatal("socket should stay open")
	}

	env, results = collect(srv.URL, publish("2", "/chat", "hello"))
	ws.Send(env, false)
	if r := waitResult(t, results); !r.OK() || r.Responses[0].ID != "2" {
		t.Fatalf("publish reply %+v %v", r.Responses, r.Failure)
	}
}

func TestWebSocketMessageTimeout(t *testing.T) {
	received := make(chan []*protocol.Message, 4)
	srv := httptest.NewServer(bayeuxSocket(t, received))
	defer srv.Close()

	sched := schedtest.NewManual()
	host := newTestHost()
	host.sched = sched
	host.opts.MaxNetworkDelay = 2 * time.Second

	ws := newWebSocket(host)
	env, results := collect(srv.URL, publish("1", "/ignored", "x"))
	ws.Send(env, false)

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the message")
	}
	sched.Advance(2 * time.Second)

	r := waitResult(t, results)
	if r.OK() || r.Failure.Reason != "Message Timeout" {
		t.Fatalf("expected message timeout, got %+v", r.Failure)
	}
	if r.Failure.WebSocketCode != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d", r.Failure.WebSocketCode)
	}
	if ws.Connected() {
		t.Fatal("socket should be closed after a message timeout")
	}
}

func TestWebSocketDialFailureDisablesTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ws := newWebSocket(newTestHost())
	if !ws.Accept("1.0", false, srv.URL) {
		t.Fatal("fresh transport should accept")
	}
	env, results := collect(srv.URL, &protocol.Message{ID: "1", Channel: protocol.MetaHandshake})
	ws.Send(env, false)

	r := waitResult(t, results)
	if r.OK() || r.Failure.WebSocketCode != websocket.CloseAbnormalClosure {
		t.Fatalf("expected abnormal closure, got %+v", r.Failure)
	}
	if r.Failure.HTTPCode != http.StatusNotFound {
		t.Fatalf("HTTPCode = %d", r.Failure.HTTPCode)
	}
	if ws.Accept("1.0", false, srv.URL) {
		t.Fatal("transport that never connected should stop accepting")
	}
	ws.Reset(true)
	if !ws.Accept("1.0", false, srv.URL) {
		t.Fatal("initial reset should re-enable the transport")
	}
}

func TestWebSocketOversizedMessageFailsAlone(t *testing.T) {
	srv := httptest.NewServer(bayeuxSocket(t, nil))
	defer srv.Close()

	host := newTestHost()
	host.opts.MaxSendBayeuxMessageSize = 128
	ws := newWebSocket(host)
	defer ws.Abort()

	env, results := collect(srv.URL,
		publish("1", "/chat", strings.Repeat("x", 500)),
		publish("2", "/chat", "small"),
	)
	ws.Send(env, false)

	var failed, answered bool
	for i := 0; i < 2; i++ {
		r := waitResult(t, results)
		switch {
		case !r.OK():
			if !r.Failure.Fatal || r.Sent[0].ID != "1" {
				t.Fatalf("unexpected failure %+v", r.Failure)
			}
			failed = true
		default:
			if r.Responses[0].ID != "2" {
				t.Fatalf("unexpected reply %+v", r.Responses)
			}
			answered = true
		}
	}
	if !failed || !answered {
		t.Fatalf("failed=%v answered=%v", failed, answered)
	}
}

func TestWebSocketAbortFailsPending(t *testing.T) {
	received := make(chan []*protocol.Message, 4)
	srv := httptest.NewServer(bayeuxSocket(t, received))
	defer srv.Close()

	sched := schedtest.NewManual()
	host := newTestHost()
	host.sched = sched
	ws := newWebSocket(host)

	env, results := collect(srv.URL, &protocol.Message{ID: "1", Channel: "/ignored"})
	ws.Send(env, false)
	<-received

	ws.Abort()
	sched.RunPending()
	r := waitResult(t, results)
	if r.OK() || r.Failure.Reason != protocol.ReasonAbort {
		t.Fatalf("expected abort, got %+v", r.Failure)
	}
}
