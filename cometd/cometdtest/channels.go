package cometdtest

import (
	"sync"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// channel is the set of sessions subscribed to one channel name, which may
// be a wildcard.
type channel struct {
	name     string
	sessions map[string]*session
	mu       sync.RWMutex
}

func newChannel(name string) *channel {
	return &channel{
		name:     name,
		sessions: make(map[string]*session),
	}
}

func (c *channel) add(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
}

func (c *channel) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

func (c *channel) has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.sessions[id]
	return exists
}

func (c *channel) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *channel) members() []*session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

type channelManager struct {
	channels map[string]*channel
	mu       sync.RWMutex
}

func newChannelManager() *channelManager {
	return &channelManager{
		channels: make(map[string]*channel),
	}
}

func (cm *channelManager) get(name string) *channel {
	cm.mu.RLock()
	ch, exists := cm.channels[name]
	cm.mu.RUnlock()

	if !exists {
		cm.mu.Lock()
		if ch, exists = cm.channels[name]; !exists {
			ch = newChannel(name)
			cm.channels[name] = ch
		}
		cm.mu.Unlock()
	}
	return ch
}

func (cm *channelManager) subscribe(name string, s *session) {
	cm.get(name).add(s)
}

func (cm *channelManager) unsubscribe(name, sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ch, exists := cm.channels[name]
	if !exists {
		return
	}
	ch.remove(sessionID)
	if ch.count() == 0 {
		delete(cm.channels, name)
	}
}

func (cm *channelManager) unsubscribeAll(sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for name, ch := range cm.channels {
		if ch.has(sessionID) {
			ch.remove(sessionID)
			if ch.count() == 0 {
				delete(cm.channels, name)
			}
		}
	}
}

func (cm *channelManager) subscriberCount(name string) int {
	cm.mu.RLock()
	ch, exists := cm.channels[name]
	cm.mu.RUnlock()
	if !exists {
		return 0
	}
	return ch.count()
}

// subscribers returns every session subscribed to name directly or through
// a wildcard, each once.
func (cm *channelManager) subscribers(name string) []*session {
	names := append([]string{name}, protocol.Globs(name)...)

	cm.mu.RLock()
	matched := make([]*channel, 0, len(names))
	for _, n := range names {
		if ch, exists := cm.channels[n]; exists {
			matched = append(matched, ch)
		}
	}
	cm.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*session
	for _, ch := range matched {
		for _, s := range ch.members() {
			if !seen[s.id] {
				seen[s.id] = true
				out = append(out, s)
			}
		}
	}
	return out
}
