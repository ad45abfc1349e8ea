package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// LongPollingTransport posts JSON message arrays and reads the replies from
// the response body. The server holds /meta/connect requests open until it
// has something to deliver.
type LongPollingTransport struct {
	*RequestTransport

	client  *http.Client
	headers http.Header

	crossMu             sync.Mutex
	supportsCrossDomain bool
}

type LongPollingOption func(*LongPollingTransport)

func WithLongPollingHeaders(headers http.Header) LongPollingOption {
	return func(t *LongPollingTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

// WithHTTPClient replaces the default client, which keeps cookies so the
// server's session cookie travels with every request.
func WithHTTPClient(client *http.Client) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.client = client
	}
}

func NewLongPollingTransport(opts ...LongPollingOption) *LongPollingTransport {
	jar, _ := cookiejar.New(nil)
	t := &LongPollingTransport{
		client:              &http.Client{Jar: jar},
		headers:             make(http.Header),
		supportsCrossDomain: true,
	}
	t.RequestTransport = newRequestTransport(t.transportSend, t.reset)

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *LongPollingTransport) Accept(version string, crossDomain bool, url string) bool {
	t.crossMu.Lock()
	defer t.crossMu.Unlock()
	return t.supportsCrossDomain || !crossDomain
}

func (t *LongPollingTransport) reset(initial bool) {
	if initial {
		t.crossMu.Lock()
		t.supportsCrossDomain = true
		t.crossMu.Unlock()
	}
}

func (t *LongPollingTransport) transportSend(req *Request) {
	env := t.envelope(req)
	limit := t.options().MaxSendBayeuxMessageSize

	n, length, err := largestPrefix(env.Messages, limit, encodedSize)
	if err != nil {
		t.failLater(req, &protocol.Failure{Reason: "could not encode messages", Exception: err, Fatal: true})
		return
	}
	if n == 0 {
		t.failLater(req, tooBig(t.Type(), length, limit))
		return
	}

	var rest *Envelope
	if n < len(env.Messages) {
		rest = env.withMessages(env.Messages[n:])
		env = env.withMessages(env.Messages[:n])
		t.setEnvelope(req, env)
	}

	body, err := protocol.Encode(env.Messages)
	if err != nil {
		t.failLater(req, &protocol.Failure{Reason: "could not encode messages", Exception: err, Fatal: true})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.setCancel(req, cancel)
	go t.post(ctx, cancel, req, env, body)

	if rest != nil {
		t.sendRemainder(rest)
	}
}

func (t *LongPollingTransport) post(ctx context.Context, cancel context.CancelFunc, req *Request, env *Envelope, body []byte) {
	defer cancel()
	log := transportLogger(t.Type())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, env.URL, bytes.NewReader(body))
	if err != nil {
		t.transportFailure(req, &protocol.Failure{Reason: "invalid request", Exception: err, Fatal: true})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json;charset=UTF-8")
	for k, v := range t.options().RequestHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, values := range t.headers {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	log.Debug().Int("request", req.ID).Str("url", env.URL).Bytes("body", body).Msg("sending")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if env.CrossDomain {
			t.crossMu.Lock()
			t.supportsCrossDomain = false
			t.crossMu.Unlock()
		}
		log.Debug().Int("request", req.ID).Err(err).Msg("request failed")
		t.transportFailure(req, &protocol.Failure{Reason: "error", Exception: err})
		return
	}
	defer resp.Body.Close()

	t.setStatus(req, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.transportFailure(req, &protocol.Failure{
			Reason:   fmt.Sprintf("unexpected response status %s", resp.Status),
			HTTPCode: resp.StatusCode,
		})
		return
	}
	if err != nil {
		t.transportFailure(req, &protocol.Failure{Reason: "error", Exception: err, HTTPCode: resp.StatusCode})
		return
	}

	log.Debug().Int("request", req.ID).Bytes("body", data).Msg("received")

	if len(bytes.TrimSpace(data)) == 0 {
		t.transportSuccess(req, nil)
		return
	}
	msgs, err := protocol.Decode(data)
	if err != nil {
		t.transportFailure(req, &protocol.Failure{Reason: "invalid response", Exception: err, HTTPCode: resp.StatusCode})
		return
	}
	t.transportSuccess(req, msgs)
}
