package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/metrics"
)

const (
	// TTL extends on every write; the sweeper reaps expired terminal rows.
	sessionTTL = 30 * time.Minute
	// Hard expiry regardless of state — safety net for leaked records.
	sessionMaxAge = 1 * time.Hour
	sweepInterval = 60 * time.Second
)

// ErrTerminal is returned when a patch attempts to mutate a session already
// in a terminal state.
var ErrTerminal = errors.New("session is terminal")

// DurableStore is the subset of the database layer the store persists through.
type DurableStore interface {
	UpsertSession(ctx context.Context, s *database.SessionRow) error
	DeleteSession(ctx context.Context, conferenceName string) error
	LoadActiveSessions(ctx context.Context) ([]*database.SessionRow, error)
	FindSessionByIdentifier(ctx context.Context, kind, value string) (*database.SessionRow, error)
	SweepSessions(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Indexer receives session snapshots after each write so the identifier
// registry can merge late-arriving identifiers.
type Indexer interface {
	Reindex(s *Session)
	Drop(conferenceName string)
}

// Store is the dual-write session store: an authoritative in-memory cache
// with background durable persistence. Cache writes are synchronous; DB
// upserts are enqueued and never block call handling.
type Store struct {
	mu    sync.Mutex
	cache map[string]*Session

	db      DurableStore
	indexer Indexer // optional, set before Start

	persistCh chan *database.SessionRow
	dbErrors  atomic.Int64

	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStore(db DurableStore, log zerolog.Logger) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		cache:     make(map[string]*Session),
		db:        db,
		persistCh: make(chan *database.SessionRow, 256),
		log:       log.With().Str("component", "session-store").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetIndexer wires the identifier registry. Must be called before Start.
func (st *Store) SetIndexer(ix Indexer) {
	st.indexer = ix
}

// Start reloads in-flight sessions from the durable store so live calls
// survive a process restart, then begins the persistence writer and sweeper.
func (st *Store) Start(ctx context.Context) error {
	rows, err := st.db.LoadActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("reload active sessions: %w", err)
	}

	st.mu.Lock()
	for _, row := range rows {
		s := fromRow(row)
		st.cache[s.ConferenceName] = s
	}
	count := len(st.cache)
	st.mu.Unlock()

	if st.indexer != nil {
		for _, row := range rows {
			st.indexer.Reindex(fromRow(row))
		}
	}

	metrics.ActiveSessions.Set(float64(count))
	if count > 0 {
		st.log.Info().Int("sessions", count).Msg("reloaded in-flight sessions from durable store")
	}

	st.wg.Add(2)
	go st.persistLoop()
	go st.sweepLoop()
	return nil
}

// Stop drains the persistence queue and stops background loops.
func (st *Store) Stop() {
	st.cancel()
	st.wg.Wait()
}

// Create inserts a new session into the cache, pushes indexes, and schedules
// the durable insert.
func (st *Store) Create(s *Session) error {
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(sessionTTL)
	if s.State == "" {
		s.State = StateInitializing
	}

	st.mu.Lock()
	if _, exists := st.cache[s.ConferenceName]; exists {
		st.mu.Unlock()
		return fmt.Errorf("session %s already exists", s.ConferenceName)
	}
	st.cache[s.ConferenceName] = s.Clone()
	active := len(st.cache)
	st.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))
	if st.indexer != nil {
		st.indexer.Reindex(s.Clone())
	}
	st.enqueue(toRow(s))
	return nil
}

// Get returns a copy of the cached session.
func (st *Store) Get(conferenceName string) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.cache[conferenceName]
	if !ok {
		st.mu.Unlock()
		return nil, false
	}
	cp := s.Clone()
	st.mu.Unlock()
	return cp, true
}

// Upsert merges the patch onto the cached record under the store lock (the
// single-writer discipline for a conferenceName), extends the TTL, pushes
// indexes, and enqueues the durable write. Terminal sessions reject state
// mutations.
func (st *Store) Upsert(conferenceName string, patch Patch) (*Session, error) {
	st.mu.Lock()
	s, ok := st.cache[conferenceName]
	if !ok {
		st.mu.Unlock()
		return nil, database.ErrNotFound
	}
	if s.State.Terminal() && patch.State != nil && *patch.State != s.State {
		st.mu.Unlock()
		return nil, ErrTerminal
	}
	patch.apply(s)
	s.UpdatedAt = time.Now()
	s.ExpiresAt = s.UpdatedAt.Add(sessionTTL)
	cp := s.Clone()
	st.mu.Unlock()

	if st.indexer != nil {
		st.indexer.Reindex(cp.Clone())
	}
	st.enqueue(toRow(cp))
	return cp, nil
}

// Delete removes the session from the cache and durable store (terminal
// transition) and drops its registry entries.
func (st *Store) Delete(conferenceName string) {
	st.mu.Lock()
	_, ok := st.cache[conferenceName]
	delete(st.cache, conferenceName)
	active := len(st.cache)
	st.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveSessions.Set(float64(active))
	if st.indexer != nil {
		st.indexer.Drop(conferenceName)
	}

	ctx, cancel := context.WithTimeout(st.ctx, 5*time.Second)
	defer cancel()
	if err := st.db.DeleteSession(ctx, conferenceName); err != nil {
		st.dbErrors.Add(1)
		metrics.DBWriteFailuresTotal.Inc()
		st.log.Warn().Err(err).Str("conference", conferenceName).Msg("durable session delete failed")
	}
}

// FetchDurable loads a session from the durable store by identifier,
// repopulating the cache. Used by the registry's one-shot miss fallback.
func (st *Store) FetchDurable(ctx context.Context, kind, value string) (*Session, error) {
	row, err := st.db.FindSessionByIdentifier(ctx, kind, value)
	if err != nil {
		return nil, err
	}
	s := fromRow(row)

	st.mu.Lock()
	if cached, ok := st.cache[s.ConferenceName]; ok {
		// The cache is the live truth — prefer it over a possibly stale row.
		s = cached.Clone()
	} else {
		st.cache[s.ConferenceName] = s.Clone()
	}
	st.mu.Unlock()
	return s, nil
}

// All returns copies of all cached sessions.
func (st *Store) All() []*Session {
	st.mu.Lock()
	out := make([]*Session, 0, len(st.cache))
	for _, s := range st.cache {
		out = append(out, s.Clone())
	}
	st.mu.Unlock()
	return out
}

// ActiveCount returns the number of cached sessions.
func (st *Store) ActiveCount() int {
	st.mu.Lock()
	n := len(st.cache)
	st.mu.Unlock()
	return n
}

// DBErrorCount returns the number of failed durable writes, surfaced on the
// health endpoint.
func (st *Store) DBErrorCount() int64 {
	return st.dbErrors.Load()
}

// enqueue schedules a durable upsert without blocking the caller. On queue
// overflow the write happens on its own goroutine instead of being dropped.
func (st *Store) enqueue(row *database.SessionRow) {
	select {
	case st.persistCh <- row:
	default:
		st.log.Warn().Str("conference", row.ConferenceName).Msg("persist queue full, writing out of band")
		go st.persist(row)
	}
}

func (st *Store) persistLoop() {
	defer st.wg.Done()
	for {
		select {
		case row := <-st.persistCh:
			st.persist(row)
		case <-st.ctx.Done():
			// Drain what's left so a clean shutdown loses nothing.
			for {
				select {
				case row := <-st.persistCh:
					st.persist(row)
				default:
					return
				}
			}
		}
	}
}

func (st *Store) persist(row *database.SessionRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.db.UpsertSession(ctx, row); err != nil {
		st.dbErrors.Add(1)
		metrics.DBWriteFailuresTotal.Inc()
		st.log.Warn().Err(err).Str("conference", row.ConferenceName).Msg("durable session write failed")
	}
}

func (st *Store) sweepLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(st.ctx, 30*time.Second)
			n, err := st.db.SweepSessions(ctx, sessionMaxAge)
			cancel()
			if err != nil {
				st.log.Warn().Err(err).Msg("session sweep failed")
			} else if n > 0 {
				st.log.Info().Int64("deleted", n).Msg("swept expired sessions")
			}
		}
	}
}

func toRow(s *Session) *database.SessionRow {
	return &database.SessionRow{
		ConferenceName:         s.ConferenceName,
		CarrierLegID:           s.CarrierLegID,
		RealtimeCallID:         s.RealtimeCallID,
		MixerID:                s.MixerID,
		CallLogID:              s.CallLogID,
		CallerE164:             s.CallerE164,
		DialedE164:             s.DialedE164,
		CallToken:              s.CallToken,
		AgentSlug:              s.AgentSlug,
		State:                  string(s.State),
		RealtimeEstablished:    s.RealtimeEstablished,
		HumanTransferInitiated: s.HumanTransferInitiated,
		TransferredToHuman:     s.TransferredToHuman,
		LastError:              s.LastError,
		RetryCount:             s.RetryCount,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
		ExpiresAt:              s.ExpiresAt,
	}
}

func fromRow(r *database.SessionRow) *Session {
	return &Session{
		ConferenceName:         r.ConferenceName,
		CarrierLegID:           r.CarrierLegID,
		RealtimeCallID:         r.RealtimeCallID,
		MixerID:                r.MixerID,
		CallLogID:              r.CallLogID,
		CallerE164:             r.CallerE164,
		DialedE164:             r.DialedE164,
		CallToken:              r.CallToken,
		AgentSlug:              r.AgentSlug,
		State:                  State(r.State),
		RealtimeEstablished:    r.RealtimeEstablished,
		HumanTransferInitiated: r.HumanTransferInitiated,
		TransferredToHuman:     r.TransferredToHuman,
		LastError:              r.LastError,
		RetryCount:             r.RetryCount,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		ExpiresAt:              r.ExpiresAt,
	}
}
