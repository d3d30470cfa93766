package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/session"
)

// fakeSource is an in-memory SessionSource with a fetch counter.
type fakeSource struct {
	mu      sync.Mutex
	cache   map[string]*session.Session
	durable map[string]*session.Session // keyed by conferenceName
	fetches int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		cache:   make(map[string]*session.Session),
		durable: make(map[string]*session.Session),
	}
}

func (f *fakeSource) Get(conferenceName string) (*session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.cache[conferenceName]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (f *fakeSource) FetchDurable(ctx context.Context, kind, value string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	for _, s := range f.durable {
		match := false
		switch kind {
		case "conferenceName":
			match = s.ConferenceName == value
		case "carrierLegId":
			match = s.CarrierLegID == value
		case "mixerId":
			match = s.MixerID == value
		case "realtimeCallId":
			match = s.RealtimeCallID == value
		}
		if match {
			return s.Clone(), nil
		}
	}
	return nil, database.ErrNotFound
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("put_and_resolve_all_kinds", func(t *testing.T) {
		src := newFakeSource()
		r := New(src, zerolog.Nop())

		s := &session.Session{
			ConferenceName: "conf_CA1",
			CarrierLegID:   "CA1",
			MixerID:        "CF1",
			RealtimeCallID: "rc_1",
		}
		src.cache["conf_CA1"] = s
		if err := r.Put(s); err != nil {
			t.Fatalf("Put: %v", err)
		}

		for kind, value := range map[Kind]string{
			KindConference:   "conf_CA1",
			KindCarrierLeg:   "CA1",
			KindMixer:        "CF1",
			KindRealtimeCall: "rc_1",
		} {
			got, ok := r.Resolve(ctx, kind, value)
			if !ok {
				t.Fatalf("Resolve(%s, %s): not found", kind, value)
			}
			if got.ConferenceName != "conf_CA1" {
				t.Errorf("Resolve(%s) = %s, want conf_CA1", kind, got.ConferenceName)
			}
		}
		if src.fetches != 0 {
			t.Errorf("durable fetches = %d, want 0 (cache hit path)", src.fetches)
		}
	})

	t.Run("collision_first_binding_wins", func(t *testing.T) {
		src := newFakeSource()
		r := New(src, zerolog.Nop())

		a := &session.Session{ConferenceName: "conf_A", CarrierLegID: "CAX"}
		b := &session.Session{ConferenceName: "conf_B", CarrierLegID: "CAX"}
		src.cache["conf_A"] = a
		src.cache["conf_B"] = b

		if err := r.Put(a); err != nil {
			t.Fatalf("Put(a): %v", err)
		}
		if err := r.Put(b); err == nil {
			t.Fatal("Put(b) with conflicting carrierLegId should fail")
		}

		got, ok := r.Resolve(ctx, KindCarrierLeg, "CAX")
		if !ok || got.ConferenceName != "conf_A" {
			t.Errorf("CAX resolved to %v, want first binder conf_A", got)
		}
	})

	t.Run("pending_binding_applied_at_put", func(t *testing.T) {
		src := newFakeSource()
		r := New(src, zerolog.Nop())

		// mixerId arrives before the session finishes registering.
		if err := r.MergeIdentifier("conf_CA2", KindMixer, "CF2"); err != nil {
			t.Fatalf("MergeIdentifier pending: %v", err)
		}
		if _, ok := r.Resolve(ctx, KindMixer, "CF2"); ok {
			t.Fatal("pending binding should not resolve before Put")
		}

		s := &session.Session{ConferenceName: "conf_CA2", CarrierLegID: "CA2"}
		src.cache["conf_CA2"] = s
		if err := r.Put(s); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, ok := r.Resolve(ctx, KindMixer, "CF2")
		if !ok || got.ConferenceName != "conf_CA2" {
			t.Error("pending mixer binding not applied at Put time")
		}
	})

	t.Run("merge_late_identifier", func(t *testing.T) {
		src := newFakeSource()
		r := New(src, zerolog.Nop())
		s := &session.Session{ConferenceName: "conf_CA3"}
		src.cache["conf_CA3"] = s
		_ = r.Put(s)

		if err := r.MergeIdentifier("conf_CA3", KindRealtimeCall, "rc_3"); err != nil {
			t.Fatalf("MergeIdentifier: %v", err)
		}
		if got, ok := r.Resolve(ctx, KindRealtimeCall, "rc_3"); !ok || got.ConferenceName != "conf_CA3" {
			t.Error("late identifier not resolvable")
		}
	})

	t.Run("miss_falls_back_to_durable_once", func(t *testing.T) {
		src := newFakeSource()
		r := New(src, zerolog.Nop())

		s := &session.Session{
			ConferenceName: "conf_CA4",
			CarrierLegID:   "CA4",
			MixerID:        "CF4",
		}
		src.durable["conf_CA4"] = s
		src.cache["conf_CA4"] = s

		got, ok := r.Resolve(ctx, KindCarrierLeg, "CA4")
		if !ok || got.ConferenceName != "conf_CA4" {
			t.Fatal("durable fallback failed")
		}
		if src.fetches != 1 {
			t.Errorf("fetches = %d, want 1", src.fetches)
		}

		// Repopulation merged the late mixer identifier from the durable row.
		if _, ok := r.Resolve(ctx, KindMixer, "CF4"); !ok {
			t.Error("late identifier from durable row not merged on repopulation")
		}
		if src.fetches != 1 {
			t.Errorf("fetches = %d, want still 1 (index repopulated)", src.fetches)
		}
	})

	t.Run("drop_removes_every_entry", func(t *testing.T) {
		src := newFakeSource()
		r := New(src, zerolog.Nop())
		s := &session.Session{
			ConferenceName: "conf_CA5",
			CarrierLegID:   "CA5",
			MixerID:        "CF5",
			RealtimeCallID: "rc_5",
		}
		src.cache["conf_CA5"] = s
		_ = r.Put(s)

		r.Drop("conf_CA5")
		if r.Len() != 0 {
			t.Errorf("Len = %d after Drop, want 0", r.Len())
		}
		if _, ok := r.Resolve(ctx, KindCarrierLeg, "CA5"); ok {
			t.Error("identifier still resolvable after Drop")
		}
	})

	t.Run("empty_value_ignored", func(t *testing.T) {
		src := newFakeSource()
		r := New(src, zerolog.Nop())
		if err := r.MergeIdentifier("conf_x", KindMixer, ""); err != nil {
			t.Errorf("empty value should be a no-op, got %v", err)
		}
		if _, ok := r.Resolve(ctx, KindMixer, ""); ok {
			t.Error("empty value should never resolve")
		}
	})
}
