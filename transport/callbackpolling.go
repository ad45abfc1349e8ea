package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/kleeedolinux/cometd.go/protocol"
)

const jsonpPrefix = "_cometd_jsonp_"

// CallbackPollingTransport sends messages as a URL-encoded query parameter of
// a GET request and expects the reply wrapped in a JSONP callback. It works
// across domains where plain long-polling does not, at the price of a hard
// limit on the URL length.
type CallbackPollingTransport struct {
	*RequestTransport

	client  *http.Client
	headers http.Header
}

type CallbackPollingOption func(*CallbackPollingTransport)

func WithCallbackPollingClient(client *http.Client) CallbackPollingOption {
	return func(t *CallbackPollingTransport) {
		t.client = client
	}
}

func WithCallbackPollingHeaders(headers http.Header) CallbackPollingOption {
	return func(t *CallbackPollingTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func NewCallbackPollingTransport(opts ...CallbackPollingOption) *CallbackPollingTransport {
	jar, _ := cookiejar.New(nil)
	t := &CallbackPollingTransport{
		client:  &http.Client{Jar: jar},
		headers: make(http.Header),
	}
	t.RequestTransport = newRequestTransport(t.transportSend, nil)

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *CallbackPollingTransport) Accept(version string, crossDomain bool, url string) bool {
	return true
}

func callbackName() string {
	return jsonpPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func buildJSONPURL(base, callback string, msgs []*protocol.Message) (string, error) {
	body, err := protocol.Encode(msgs)
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("jsonp", callback)
	query.Set("message", string(body))

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + query.Encode(), nil
}

func (t *CallbackPollingTransport) transportSend(req *Request) {
	env := t.envelope(req)
	limit := t.options().MaxURILength
	callback := callbackName()

	urlLength := func(msgs []*protocol.Message) (int, error) {
		u, err := buildJSONPURL(env.URL, callback, msgs)
		return len(u), err
	}
	n, length, err := largestPrefix(env.Messages, limit, urlLength)
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

	target, err := buildJSONPURL(env.URL, callback, env.Messages)
	if err != nil {
		t.failLater(req, &protocol.Failure{Reason: "could not encode messages", Exception: err, Fatal: true})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.setCancel(req, cancel)
	go t.get(ctx, cancel, req, target, callback)

	if rest != nil {
		t.sendRemainder(rest)
	}
}

func (t *CallbackPollingTransport) get(ctx context.Context, cancel context.CancelFunc, req *Request, target, callback string) {
	defer cancel()
	log := transportLogger(t.Type())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		t.transportFailure(req, &protocol.Failure{Reason: "invalid request", Exception: err, Fatal: true})
		return
	}
	for k, v := range t.options().RequestHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, values := range t.headers {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	log.Debug().Int("request", req.ID).Str("url", target).Msg("sending")

	resp, err := t.client.Do(httpReq)
	if err != nil {
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

	payload, err := unwrapJSONP(data, callback)
	if err != nil {
		t.transportFailure(req, &protocol.Failure{Reason: "invalid response", Exception: err, HTTPCode: resp.StatusCode})
		return
	}
	if len(payload) == 0 {
		t.transportSuccess(req, nil)
		return
	}
	msgs, err := protocol.Decode(payload)
	if err != nil {
		t.transportFailure(req, &protocol.Failure{Reason: "invalid response", Exception: err, HTTPCode: resp.StatusCode})
		return
	}
	t.transportSuccess(req, msgs)
}

// unwrapJSONP strips callback(...) from a JSONP body.
func unwrapJSONP(data []byte, callback string) ([]byte, error) {
	body := bytes.TrimSpace(data)
	body = bytes.TrimPrefix(body, []byte("/**/"))
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !bytes.HasPrefix(body, []byte(callback+"(")) {
		return nil, fmt.Errorf("%w: response is not wrapped in %s()", protocol.ErrInvalidMessage, callback)
	}
	body = body[len(callback)+1:]
	body = bytes.TrimSpace(bytes.TrimSuffix(bytes.TrimSpace(body), []byte(";")))
	if !bytes.HasSuffix(body, []byte(")")) {
		return nil, fmt.Errorf("%w: unterminated JSONP callback", protocol.ErrInvalidMessage)
	}
	return bytes.TrimSpace(body[:len(body)-1]), nil
}
