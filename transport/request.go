package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// Request is the bookkeeping for one envelope handed to a request-based
// transport.
type Request struct {
	ID          int
	MetaConnect bool
	Envelope    *Envelope

	timer   Timer
	expired bool
	done    bool
	cancel  context.CancelFunc
	status  int
}

// RequestTransport is the connection discipline shared by the HTTP
// transports: at most MaxConnections-1 ordinary requests in flight, plus one
// slot reserved for the held /meta/connect request. Excess envelopes queue
// FIFO.
//
// Envelopes coalesced by AutoBatch share the Complete of the first one.
type RequestTransport struct {
	Base

	mu            sync.Mutex
	transportSend func(req *Request)
	onReset       func(initial bool)
	requestIDs    int
	requests      []*Request
	metaConnect   *Request
	queue         []*Request
}

func newRequestTransport(send func(req *Request), onReset func(initial bool)) *RequestTransport {
	return &RequestTransport{transportSend: send, onReset: onReset}
}

func (t *RequestTransport) Send(env *Envelope, metaConnect bool) error {
	maxConnections := t.options().MaxConnections

	t.mu.Lock()
	t.requestIDs++
	req := &Request{ID: t.requestIDs, MetaConnect: metaConnect, Envelope: env}

	if metaConnect {
		if t.metaConnect != nil {
			inFlight := t.metaConnect.ID
			t.mu.Unlock()
			return fmt.Errorf("%w: request %d still in flight", protocol.ErrConcurrentConnect, inFlight)
		}
		t.metaConnect = req
		t.mu.Unlock()
		t.dispatch(req)
		return nil
	}

	if len(t.requests) < maxConnections-1 {
		t.requests = append(t.requests, req)
		t.mu.Unlock()
		t.dispatch(req)
		return nil
	}

	t.queue = append(t.queue, req)
	queued := len(t.queue)
	t.mu.Unlock()
	log := transportLogger(t.Type())
	log.Debug().Int("request", req.ID).Int("queued", queued).Msg("queueing request")
	return nil
}

// sendRemainder sends what did not fit in a split envelope ahead of anything
// already queued, so the halves reach the server in order.
func (t *RequestTransport) sendRemainder(env *Envelope) {
	maxConnections := t.options().MaxConnections

	t.mu.Lock()
	t.requestIDs++
	req := &Request{ID: t.requestIDs, Envelope: env}
	if len(t.queue) == 0 && len(t.requests) < maxConnections-1 {
		t.requests = append(t.requests, req)
		t.mu.Unlock()
		t.dispatch(req)
		return
	}
	t.queue = append([]*Request{req}, t.queue...)
	queued := len(t.queue)
	t.mu.Unlock()
	log := transportLogger(t.Type())
	log.Debug().Int("request", req.ID).Int("queued", queued).Msg("queueing split remainder")
}

// dispatch arms the expiry timer and hands the request to the wire.
func (t *RequestTransport) dispatch(req *Request) {
	if !req.Envelope.Sync {
		delay := t.networkDelay(req.MetaConnect)
		sched := t.scheduler()
		t.mu.Lock()
		if !req.done {
			req.timer = sched.After(delay, func() { t.expire(req, delay) })
		}
		t.mu.Unlock()
	}
	t.transportSend(req)
}

func (t *RequestTransport) expire(req *Request, elapsed time.Duration) {
	t.mu.Lock()
	if req.done {
		t.mu.Unlock()
		return
	}
	env := req.Envelope
	t.mu.Unlock()

	if extra := t.transportTimeout(env.Messages, elapsed); extra > 0 {
		sched := t.scheduler()
		t.mu.Lock()
		if !req.done {
			req.timer = sched.After(extra, func() { t.expire(req, elapsed+extra) })
		}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	if req.done {
		t.mu.Unlock()
		return
	}
	req.done = true
	req.expired = true
	cancel := req.cancel
	status := req.status
	env = req.Envelope
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	failure := &protocol.Failure{
		Reason:         fmt.Sprintf("Request %d of transport %s exceeded %d ms max network delay", req.ID, t.Type(), elapsed.Milliseconds()),
		HTTPCode:       status,
		ConnectionType: t.Type(),
	}
	t.complete(req, false)
	env.Complete(Result{Sent: env.Messages, Failure: failure})
}

// finish marks req as completed; only the first caller wins.
func (t *RequestTransport) finish(req *Request) (*Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req.done {
		return nil, false
	}
	req.done = true
	stopTimer(req.timer)
	return req.Envelope, true
}

func (t *RequestTransport) transportSuccess(req *Request, responses []*protocol.Message) {
	env, ok := t.finish(req)
	if !ok {
		return
	}
	t.complete(req, true)
	if len(responses) > 0 {
		env.Complete(Result{Sent: env.Messages, Responses: responses})
		return
	}
	env.Complete(Result{Sent: env.Messages, Failure: &protocol.Failure{
		Reason:         "Empty response",
		HTTPCode:       204,
		ConnectionType: t.Type(),
	}})
}

func (t *RequestTransport) transportFailure(req *Request, failure *protocol.Failure) {
	env, ok := t.finish(req)
	if !ok {
		return
	}
	if failure.ConnectionType == "" {
		failure.ConnectionType = t.Type()
	}
	t.complete(req, false)
	env.Complete(Result{Sent: env.Messages, Failure: failure})
}

// failLater reports a failure for req from a scheduler callback; used when
// the failure is known while still inside Send.
func (t *RequestTransport) failLater(req *Request, failure *protocol.Failure) {
	t.scheduler().After(0, func() { t.transportFailure(req, failure) })
}

// complete releases req's slot. On success the next queued envelope is sent;
// on failure it is failed asynchronously instead of being sent to a server
// that just rejected a request.
func (t *RequestTransport) complete(req *Request, success bool) {
	autoBatch := t.options().AutoBatch

	t.mu.Lock()
	if req.MetaConnect {
		if t.metaConnect == req {
			t.metaConnect = nil
		}
		t.mu.Unlock()
		return
	}

	for i, r := range t.requests {
		if r == req {
			t.requests = append(t.requests[:i], t.requests[i+1:]...)
			break
		}
	}
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return
	}

	next := t.queue[0]
	t.queue = t.queue[1:]
	if success {
		if autoBatch {
			t.coalesceLocked(next)
		}
		t.requests = append(t.requests, next)
		t.mu.Unlock()
		t.dispatch(next)
		return
	}
	status := req.status
	t.mu.Unlock()

	t.scheduler().After(0, func() {
		env, ok := t.finish(next)
		if !ok {
			return
		}
		t.complete(next, false)
		env.Complete(Result{Sent: env.Messages, Failure: &protocol.Failure{
			Reason:         protocol.ReasonPreviousFailed,
			HTTPCode:       status,
			ConnectionType: t.Type(),
		}})
	})
}

// coalesceLocked folds queued envelopes for the same URL and sync mode into
// next.
func (t *RequestTransport) coalesceLocked(next *Request) {
	for len(t.queue) > 0 {
		q := t.queue[0]
		if q.Envelope.URL != next.Envelope.URL || q.Envelope.Sync != next.Envelope.Sync {
			return
		}
		t.queue = t.queue[1:]
		msgs := make([]*protocol.Message, 0, len(next.Envelope.Messages)+len(q.Envelope.Messages))
		msgs = append(msgs, next.Envelope.Messages...)
		msgs = append(msgs, q.Envelope.Messages...)
		next.Envelope = next.Envelope.withMessages(msgs)
	}
}

func (t *RequestTransport) setCancel(req *Request, cancel context.CancelFunc) {
	t.mu.Lock()
	if req.done {
		t.mu.Unlock()
		cancel()
		return
	}
	req.cancel = cancel
	t.mu.Unlock()
}

func (t *RequestTransport) setStatus(req *Request, status int) {
	t.mu.Lock()
	req.status = status
	t.mu.Unlock()
}

func (t *RequestTransport) setEnvelope(req *Request, env *Envelope) {
	t.mu.Lock()
	req.Envelope = env
	t.mu.Unlock()
}

func (t *RequestTransport) envelope(req *Request) *Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return req.Envelope
}

// Abort fails every outstanding and queued request with reason "abort" and
// then performs a full reset.
func (t *RequestTransport) Abort() {
	t.mu.Lock()
	pending := append([]*Request(nil), t.requests...)
	if t.metaConnect != nil {
		pending = append(pending, t.metaConnect)
	}
	pending = append(pending, t.queue...)
	t.requests = nil
	t.metaConnect = nil
	t.queue = nil

	type aborted struct {
		env    *Envelope
		cancel context.CancelFunc
	}
	var victims []aborted
	for _, req := range pending {
		if req.done {
			continue
		}
		req.done = true
		stopTimer(req.timer)
		victims = append(victims, aborted{env: req.Envelope, cancel: req.cancel})
	}
	t.mu.Unlock()

	for _, v := range victims {
		if v.cancel != nil {
			v.cancel()
		}
		t.fail(v.env, v.env.Messages, &protocol.Failure{Reason: protocol.ReasonAbort})
	}
	t.Reset(true)
}

// Reset forgets the pool state. Queued envelopes that never reached the
// wire are failed so that none is silently dropped.
func (t *RequestTransport) Reset(initial bool) {
	t.mu.Lock()
	queued := t.queue
	t.metaConnect = nil
	t.requests = nil
	t.queue = nil
	var dropped []*Envelope
	for _, req := range queued {
		if !req.done {
			req.done = true
			dropped = append(dropped, req.Envelope)
		}
	}
	t.mu.Unlock()
	for _, env := range dropped {
		t.fail(env, env.Messages, &protocol.Failure{Reason: "Transport reset"})
	}
	if t.onReset != nil {
		t.onReset(initial)
	}
}

// InFlight reports ordinary requests in flight, queued envelopes and whether
// the /meta/connect slot is taken.
func (t *RequestTransport) InFlight() (requests, queued int, metaConnect bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests), len(t.queue), t.metaConnect != nil
}
