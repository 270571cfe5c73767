package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/app/call"
	"github.com/dkeye/VoiceCall/internal/core"
)

type callEntry struct {
	Session  *call.Session
	Provider core.Provider
	// Cancel tears down the client's UI connection, if one is bound.
	Cancel context.CancelFunc
}

// Registry maps browser clients to their call session.
type Registry struct {
	mu    sync.RWMutex
	calls map[core.SessionID]*callEntry
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[core.SessionID]*callEntry)}
}

// GetOrCreate returns the client's session, building it with create on
// first use. create runs under the registry lock.
func (r *Registry) GetOrCreate(
	sid core.SessionID,
	create func() (*call.Session, core.Provider, error),
) (*call.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.calls[sid]; ok && e.Session != nil {
		return e.Session, nil
	}
	sess, provider, err := create()
	if err != nil {
		return nil, err
	}
	e, ok := r.calls[sid]
	if !ok {
		e = &callEntry{}
		r.calls[sid] = e
	}
	e.Session = sess
	e.Provider = provider
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("created call session")
	return sess, nil
}

func (r *Registry) Get(sid core.SessionID) (*call.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.calls[sid]; ok && e.Session != nil {
		return e.Session, true
	}
	return nil, false
}

// Provider returns the provider behind the client's session.
func (r *Registry) Provider(sid core.SessionID) (core.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.calls[sid]; ok && e.Provider != nil {
		return e.Provider, true
	}
	return nil, false
}

// BindSignal records the cancel func of the client's UI connection.
func (r *Registry) BindSignal(sid core.SessionID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[sid]
	if !ok {
		e = &callEntry{}
		r.calls[sid] = e
	}
	e.Cancel = cancel
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) UnbindSignal(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.calls[sid]; ok {
		e.Cancel = nil
		if e.Session == nil {
			delete(r.calls, sid)
		}
	}
}

// Unbind forgets the client and returns its session for cleanup.
func (r *Registry) Unbind(sid core.SessionID) (*call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[sid]
	if !ok {
		return nil, false
	}
	delete(r.calls, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.Session, e.Session != nil
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.calls[sid]
	var cancel context.CancelFunc
	if ok {
		cancel = e.Cancel
	}
	r.mu.RUnlock()
	if !ok || cancel == nil {
		return false
	}
	cancel()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled signal")
	return true
}

type regSnap struct {
	SID     core.SessionID
	Session *call.Session
}

// All lists the clients that own a session, ordered by id.
func (r *Registry) All() []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.calls))
	for sid, e := range r.calls {
		if e.Session != nil {
			out = append(out, regSnap{SID: sid, Session: e.Session})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
