package transport

import "sync"

// Registry is the ordered set of transports a client may negotiate.
// Registration order is the negotiation priority.
type Registry struct {
	mu         sync.RWMutex
	types      []string
	transports map[string]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Add registers t under typ at index, or appends when index is out of range.
// It returns false when typ is already registered.
func (r *Registry) Add(typ string, t Transport, index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[typ]; exists {
		return false
	}
	if index < 0 || index >= len(r.types) {
		r.types = append(r.types, typ)
	} else {
		r.types = append(r.types, "")
		copy(r.types[index+1:], r.types[index:])
		r.types[index] = typ
	}
	r.transports[typ] = t
	return true
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.types...)
}

func (r *Registry) Find(typ string) Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transports[typ]
}

// FindTransportTypes lists, in priority order, the types whose transport
// accepts the given version, cross-domain flag and URL.
func (r *Registry) FindTransportTypes(version string, crossDomain bool, url string) []string {
	r.mu.RLock()
	types, transports := r.snapshot()
	r.mu.RUnlock()

	result := make([]string, 0, len(types))
	for i, typ := range types {
		if transports[i].Accept(version, crossDomain, url) {
			result = append(result, typ)
		}
	}
	return result
}

// NegotiateTransport walks the registry in priority order and returns the
// first transport whose type is in candidates and that accepts the request.
func (r *Registry) NegotiateTransport(candidates []string, version string, crossDomain bool, url string) Transport {
	r.mu.RLock()
	types, transports := r.snapshot()
	r.mu.RUnlock()

	offered := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		offered[c] = true
	}
	for i, typ := range types {
		if offered[typ] && transports[i].Accept(version, crossDomain, url) {
			return transports[i]
		}
	}
	return nil
}

func (r *Registry) Remove(typ string) Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.transports[typ]
	if !exists {
		return nil
	}
	delete(r.transports, typ)
	for i, name := range r.types {
		if name == typ {
			r.types = append(r.types[:i], r.types[i+1:]...)
			break
		}
	}
	return t
}

func (r *Registry) Clear() []Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, removed := r.snapshot()
	r.types = nil
	r.transports = make(map[string]Transport)
	return removed
}

func (r *Registry) Reset(initial bool) {
	r.mu.RLock()
	_, transports := r.snapshot()
	r.mu.RUnlock()

	for _, t := range transports {
		t.Reset(initial)
	}
}

// snapshot must be called with r.mu held; Accept and Reset run on the copy
// so transports never execute under the registry lock.
func (r *Registry) snapshot() ([]string, []Transport) {
	types := append([]string(nil), r.types...)
	transports := make([]Transport, len(types))
	for i, typ := range types {
		transports[i] = r.transports[typ]
	}
	return types, transports
}
