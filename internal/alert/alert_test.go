package alert

import (
	"testing"
	"time"
)

type recordingSink struct {
	raises   []Alert
	resolves []Alert
}

func (r *recordingSink) OnRaise(a Alert)   { r.raises = append(r.raises, a) }
func (r *recordingSink) OnResolve(a Alert) { r.resolves = append(r.resolves, a) }

func TestEpisodeAccounting(t *testing.T) {
	e := New()

	e.Raise("METER_STALE", "stale 1", Error)
	e.Raise("METER_STALE", "stale 2", Error)
	e.Raise("METER_STALE", "stale 3", Error)
	e.Resolve("METER_STALE")

	snap := e.Snapshot()
	if len(snap.Active) != 0 {
		t.Fatalf("expected no active alerts after resolve, got %d", len(snap.Active))
	}

	// three raises + one resolve = 4 ring events
	if len(snap.Recent) != 4 {
		t.Fatalf("expected 4 recent events, got %d", len(snap.Recent))
	}
	if snap.Recent[0].Type != Resolve {
		t.Fatalf("expected newest-first ordering, got %v first", snap.Recent[0].Type)
	}

	deck := e.Deck(50)
	if len(deck) != 1 {
		t.Fatalf("expected exactly one resolved episode in the deck, got %d", len(deck))
	}
	if deck[0].Count != 3 {
		t.Fatalf("expected episode count 3, got %d", deck[0].Count)
	}
}

func TestResolveBelowWarnNotInHistory(t *testing.T) {
	e := New()
	e.Raise("INFO_ONLY", "fyi", Info)
	e.Resolve("INFO_ONLY")

	if len(e.Deck(50)) != 0 {
		t.Fatalf("info-severity episodes must not enter history")
	}
}

func TestEventRingCapacity(t *testing.T) {
	e := New()
	for i := 0; i < 80; i++ {
		e.Raise("K", "m", Warn)
		e.Resolve("K")
	}
	snap := e.Snapshot()
	if len(snap.Recent) != eventRingCapacity {
		t.Fatalf("expected ring capped at %d, got %d", eventRingCapacity, len(snap.Recent))
	}
}

func TestDeckCapAndDedup(t *testing.T) {
	e := New()
	for i := 0; i < 10; i++ {
		key := "K"
		e.Raise(key, "m", Warn)
		e.Resolve(key)
	}

	deck := e.Deck(3)
	if len(deck) > 3 {
		t.Fatalf("deck exceeded requested limit: %d", len(deck))
	}

	seen := map[deckKey]bool{}
	for _, ep := range deck {
		k := deckKey{ep.Key, ep.StartedAt}
		if seen[k] {
			t.Fatalf("duplicate (key, started_at) in deck: %+v", k)
		}
		seen[k] = true
	}
}

func TestSinkNotifiedAfterCommit(t *testing.T) {
	e := New()
	sink := &recordingSink{}
	e.AddSink(sink)

	e.Raise("K", "m", Error)
	if len(sink.raises) != 1 {
		t.Fatalf("expected one raise notification, got %d", len(sink.raises))
	}
	if !e.IsActive("K") {
		t.Fatalf("alert should be active at the time sink is notified")
	}

	e.Resolve("K")
	if len(sink.resolves) != 1 {
		t.Fatalf("expected one resolve notification, got %d", len(sink.resolves))
	}
}

func TestResolveUnknownKeyIsNoop(t *testing.T) {
	e := New()
	e.Resolve("NEVER_RAISED") // must not panic
	if len(e.Snapshot().Recent) != 0 {
		t.Fatalf("resolving an unknown key must not append an event")
	}
}

func TestLatestCollapsed(t *testing.T) {
	e := New()
	base := time.Unix(1000, 0)
	e.withClock(func() time.Time { return base })
	e.Raise("K", "m", Warn)

	e.withClock(func() time.Time { return base.Add(1 * time.Second) })
	e.Raise("K", "m", Warn)

	e.withClock(func() time.Time { return base.Add(2 * time.Second) })
	e.Raise("K", "m", Warn)

	collapsed := e.LatestCollapsed(5 * time.Second)
	if collapsed == nil {
		t.Fatal("expected a collapsed event")
	}
	if collapsed.Count != 3 {
		t.Fatalf("expected collapsed count 3, got %d", collapsed.Count)
	}
	if !collapsed.OldestAt.Equal(base) {
		t.Fatalf("expected oldest timestamp %v, got %v", base, collapsed.OldestAt)
	}
}
