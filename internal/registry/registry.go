// Package registry maintains the bidirectional index from call identifiers to
// sessions. Four typed keyspaces map identifier values back to the owning
// conferenceName; reads are cache-first with a single durable-store fallback
// per miss. An identifier never remaps to a different session — the first
// binding wins and conflicting inserts fail loudly.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/metrics"
	"github.com/nightclinic/callbridge/internal/redact"
	"github.com/nightclinic/callbridge/internal/session"
)

// Kind names one identifier keyspace. Values match the durable store's
// identifier column mapping.
type Kind string

const (
	KindConference   Kind = "conferenceName"
	KindCarrierLeg   Kind = "carrierLegId"
	KindMixer        Kind = "mixerId"
	KindRealtimeCall Kind = "realtimeCallId"
)

var kinds = []Kind{KindConference, KindCarrierLeg, KindMixer, KindRealtimeCall}

// SessionSource supplies canonical session records: the live cache first,
// the durable store on miss.
type SessionSource interface {
	Get(conferenceName string) (*session.Session, bool)
	FetchDurable(ctx context.Context, kind, value string) (*session.Session, error)
}

type pendingBinding struct {
	kind  Kind
	value string
}

type Registry struct {
	mu    sync.Mutex
	index map[Kind]map[string]string // identifier value → conferenceName
	// Bindings that arrived before their session finished registering,
	// keyed by conferenceName and applied at Put time.
	pending map[string][]pendingBinding

	source SessionSource
	log    zerolog.Logger
}

func New(source SessionSource, log zerolog.Logger) *Registry {
	idx := make(map[Kind]map[string]string, len(kinds))
	for _, k := range kinds {
		idx[k] = make(map[string]string)
	}
	return &Registry{
		index:   idx,
		pending: make(map[string][]pendingBinding),
		source:  source,
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Put inserts all known identifiers of the session, then applies any queued
// pending bindings for it. Conflicting identifiers are rejected individually;
// the first error is returned after all non-conflicting bindings applied.
func (r *Registry) Put(s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	bind := func(kind Kind, value string) {
		if value == "" {
			return
		}
		if err := r.bindLocked(kind, value, s.ConferenceName); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	bind(KindConference, s.ConferenceName)
	bind(KindCarrierLeg, s.CarrierLegID)
	bind(KindMixer, s.MixerID)
	bind(KindRealtimeCall, s.RealtimeCallID)

	for _, p := range r.pending[s.ConferenceName] {
		bind(p.kind, p.value)
	}
	delete(r.pending, s.ConferenceName)

	return firstErr
}

// MergeIdentifier adds a late-arriving identifier atomically. If the session
// has not yet been registered, the binding is queued and applied at Put time.
func (r *Registry) MergeIdentifier(sessionKey string, kind Kind, value string) error {
	if value == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, registered := r.index[KindConference][sessionKey]; !registered {
		r.pending[sessionKey] = append(r.pending[sessionKey], pendingBinding{kind: kind, value: value})
		r.log.Debug().
			Str("session", sessionKey).
			Str("kind", string(kind)).
			Msg("queued pending identifier binding")
		return nil
	}
	return r.bindLocked(kind, value, sessionKey)
}

// bindLocked inserts one index entry. The first binding wins: a conflicting
// insert fails loudly and leaves the existing entry untouched.
func (r *Registry) bindLocked(kind Kind, value, conferenceName string) error {
	if existing, ok := r.index[kind][value]; ok {
		if existing == conferenceName {
			return nil
		}
		metrics.IdentifierCollisionsTotal.Inc()
		r.log.Warn().
			Str("kind", string(kind)).
			Str("value", redact.Identifier(value)).
			Str("owner", existing).
			Str("rejected", conferenceName).
			Msg("identifier collision — first binding wins")
		return fmt.Errorf("identifier %s=%s already bound to %s", kind, value, existing)
	}
	r.index[kind][value] = conferenceName
	return nil
}

// Resolve returns the session owning the identifier, or nil. The in-memory
// index is consulted first; on a miss the durable store is queried exactly
// once and the index repopulated, merging any late identifiers found there.
func (r *Registry) Resolve(ctx context.Context, kind Kind, value string) (*session.Session, bool) {
	if value == "" {
		return nil, false
	}

	r.mu.Lock()
	conferenceName, hit := r.index[kind][value]
	r.mu.Unlock()

	if hit {
		if s, ok := r.source.Get(conferenceName); ok {
			return s, true
		}
		// Index entry outlived the cache (restart mid-call) — fall through
		// to the durable store.
	}

	s, err := r.source.FetchDurable(ctx, string(kind), value)
	if err != nil {
		return nil, false
	}
	if err := r.Put(s); err != nil {
		r.log.Warn().Err(err).Str("session", s.ConferenceName).Msg("repopulation binding conflict")
	}
	return s, true
}

// Reindex merges the session's current identifiers into the index. It is the
// session store's post-write hook; collisions are logged, not returned.
func (r *Registry) Reindex(s *session.Session) {
	if err := r.Put(s); err != nil {
		r.log.Warn().Err(err).Str("session", s.ConferenceName).Msg("reindex binding conflict")
	}
}

// Drop removes every index entry referring to the session.
func (r *Registry) Drop(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kind := range kinds {
		for value, owner := range r.index[kind] {
			if owner == sessionKey {
				delete(r.index[kind], value)
			}
		}
	}
	delete(r.pending, sessionKey)
}

// Len returns the total number of index entries, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, kind := range kinds {
		n += len(r.index[kind])
	}
	return n
}
