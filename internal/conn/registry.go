package conn

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel names one logical concern carried on its own connection. Each
// channel reconnects independently.
type Channel string

const (
	ChannelVoice         Channel = "voice"
	ChannelNotifications Channel = "notifications"
	ChannelAnalytics     Channel = "analytics"
	ChannelLeads         Channel = "leads"
	ChannelProperties    Channel = "properties"
	ChannelMarket        Channel = "market"
)

// Channels lists every defined concern.
func Channels() []Channel {
	return []Channel{
		ChannelVoice, ChannelNotifications, ChannelAnalytics,
		ChannelLeads, ChannelProperties, ChannelMarket,
	}
}

// entry tracks one channel's manager together with its in-flight dial, so
// concurrent Open callers wait for the handshake instead of receiving a
// manager that is still Connecting.
type entry struct {
	m     *Manager
	ready chan struct{} // closed once the dial resolved
	err   error         // valid after ready is closed
}

// Registry owns one Manager per channel. It is an explicit object with its
// lifetime tied to whatever creates sessions, not a module-level global, so
// shutdown stays deterministic and tests share no hidden state.
type Registry struct {
	baseURL string
	token   TokenProvider
	tmpl    Config

	mu      sync.Mutex
	entries map[Channel]*entry
}

// NewRegistry creates a registry dialing channels under baseURL
// (e.g. ws://host:8000). The template supplies timing and callback defaults
// for every channel.
func NewRegistry(baseURL string, token TokenProvider, template Config) *Registry {
	return &Registry{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		tmpl:    template,
		entries: make(map[Channel]*entry),
	}
}

// Open dials the channel's endpoint and returns its manager, reusing an
// existing one that is not Closed. Concurrent callers for the same channel
// share a single dial and all see its outcome.
func (r *Registry) Open(ctx context.Context, ch Channel) (*Manager, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[ch]
		if ok {
			r.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err == nil && e.m.State() != StateClosed {
				return e.m, nil
			}
			// Dial failed or the manager was closed since; replace the
			// entry unless another caller already has.
			r.mu.Lock()
			if r.entries[ch] == e {
				delete(r.entries, ch)
			}
			r.mu.Unlock()
			continue
		}

		cfg := r.tmpl
		cfg.URL = fmt.Sprintf("%s/ws/%s", r.baseURL, ch)
		cfg.Channel = string(ch)
		cfg.Token = r.token
		e = &entry{m: NewManager(cfg), ready: make(chan struct{})}
		r.entries[ch] = e
		r.mu.Unlock()

		e.err = e.m.Open(ctx)
		close(e.ready)
		if e.err != nil {
			r.mu.Lock()
			if r.entries[ch] == e {
				delete(r.entries, ch)
			}
			r.mu.Unlock()
			return nil, e.err
		}
		return e.m, nil
	}
}

// Get returns the manager for a channel, or false if never opened.
func (r *Registry) Get(ch Channel) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ch]
	if !ok {
		return nil, false
	}
	return e.m, true
}

// CloseAll closes every channel with a normal close code.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.entries))
	for _, e := range r.entries {
		managers = append(managers, e.m)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.Close(websocket.CloseNormalClosure, reason)
	}
}
