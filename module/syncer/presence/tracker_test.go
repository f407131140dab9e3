package presence

import (
	"context"
	"testing"
	"time"
)

// fakeClock steps time manually.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newFakeClock(startMS int64) *fakeClock { return &fakeClock{now: time.UnixMilli(startMS)} }

func TestEventBeatsOlderSnapshot(t *testing.T) {
	tr := NewTracker(Conf{})

	// push arrives while a page fetch is in flight
	if !tr.ApplyEvent("alice", false, 1000) {
		t.Fatal("event rejected")
	}
	// page snapshot was taken before the event
	tr.ApplySnapshot([]Entry{{FriendUserID: "alice", Online: true, SinceMS: 500}}, 900)

	e, ok := tr.Get("alice")
	if !ok || e.Online {
		t.Fatalf("entry = %+v, want offline (pushed state is fresher)", e)
	}
}

func TestSnapshotBeatsOlderEvent(t *testing.T) {
	tr := NewTracker(Conf{})
	tr.ApplyEvent("alice", true, 500)
	tr.ApplySnapshot([]Entry{{FriendUserID: "alice", Online: false, SinceMS: 800}}, 1000)

	e, _ := tr.Get("alice")
	if e.Online {
		t.Fatal("older pushed state survived a newer snapshot")
	}
}

func TestApplyEventLastWriterWins(t *testing.T) {
	tr := NewTracker(Conf{})
	tr.ApplyEvent("bob", true, 2000)
	if tr.ApplyEvent("bob", false, 1500) {
		t.Fatal("older event applied over newer state")
	}
	e, _ := tr.Get("bob")
	if !e.Online {
		t.Fatal("newer state lost")
	}
}

func TestStaleWithinWindowDoesNotFlap(t *testing.T) {
	clk := newFakeClock(10_000)
	tr := NewTracker(Conf{StaleTimeout: 30 * time.Second, Clock: clk.Now})
	tr.ApplyEvent("alice", true, 9000)

	tr.MarkAllStale()
	e, _ := tr.Get("alice")
	if !e.Stale || !e.Online {
		t.Fatalf("entry = %+v, want stale but still online", e)
	}

	// a blip shorter than the timeout must not force anyone offline
	clk.Advance(10 * time.Second)
	if flipped := tr.ExpireStale(); len(flipped) != 0 {
		t.Fatalf("flipped = %v, want none within the window", flipped)
	}
	e, _ = tr.Get("alice")
	if !e.Online {
		t.Fatal("entry flapped offline within the staleness window")
	}
}

func TestStaleBeyondWindowForcesOffline(t *testing.T) {
	clk := newFakeClock(10_000)
	tr := NewTracker(Conf{StaleTimeout: 30 * time.Second, Clock: clk.Now})
	tr.ApplyEvent("alice", true, 9000)
	tr.ApplyEvent("bob", false, 9000)

	tr.MarkAllStale()
	clk.Advance(31 * time.Second)

	flipped := tr.ExpireStale()
	if len(flipped) != 1 || flipped[0] != "alice" {
		t.Fatalf("flipped = %v, want [alice] (bob was already offline)", flipped)
	}
	e, _ := tr.Get("alice")
	if e.Online || e.Stale {
		t.Fatalf("entry = %+v, want offline and not stale", e)
	}
}

func TestResyncClearsStaleness(t *testing.T) {
	clk := newFakeClock(10_000)
	tr := NewTracker(Conf{StaleTimeout: 30 * time.Second, Clock: clk.Now})
	tr.ApplyEvent("alice", true, 9000)
	tr.MarkAllStale()

	tr.ApplyFullSnapshot([]Entry{{FriendUserID: "alice", Online: true, SinceMS: 9500}}, 10_000)
	e, _ := tr.Get("alice")
	if e.Stale {
		t.Fatal("entry still stale after resync")
	}

	// the old stale flag must not fire later
	clk.Advance(time.Minute)
	if flipped := tr.ExpireStale(); len(flipped) != 0 {
		t.Fatalf("flipped = %v after resync, want none", flipped)
	}
}

func TestFullSnapshotForcesMissingOffline(t *testing.T) {
	tr := NewTracker(Conf{})
	tr.ApplyEvent("alice", true, 500)
	tr.ApplyEvent("bob", true, 500)
	tr.ApplyEvent("carol", true, 2000) // newer than the walk's snapshot

	tr.ApplyFullSnapshot([]Entry{{FriendUserID: "alice", Online: true, SinceMS: 900}}, 1000)

	if e, _ := tr.Get("bob"); e.Online {
		t.Fatal("bob missing from full walk but still online")
	}
	if e, _ := tr.Get("carol"); !e.Online {
		t.Fatal("carol's newer pushed state lost to an older walk")
	}
	if e, _ := tr.Get("alice"); !e.Online {
		t.Fatal("alice dropped by full walk")
	}
}

func TestFullSnapshotReportsOnlyMovedEntries(t *testing.T) {
	tr := NewTracker(Conf{})
	tr.ApplyEvent("alice", true, 900)
	tr.ApplyEvent("bob", true, 500)

	// the walk confirms alice as already shown and misses bob
	changed := tr.ApplyFullSnapshot([]Entry{{FriendUserID: "alice", Online: true, SinceMS: 900}}, 1000)
	if len(changed) != 1 || changed[0] != "bob" {
		t.Fatalf("changed = %v, want [bob]", changed)
	}

	// a repeat walk moves nothing and reports nothing
	changed = tr.ApplyFullSnapshot([]Entry{{FriendUserID: "alice", Online: true, SinceMS: 900}}, 1100)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none on a confirming walk", changed)
	}
}

func TestRetainFriends(t *testing.T) {
	tr := NewTracker(Conf{})
	tr.ApplyEvent("alice", true, 1)
	tr.ApplyEvent("bob", true, 1)

	if pruned := tr.RetainFriends([]string{"alice"}); pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if _, ok := tr.Get("bob"); ok {
		t.Fatal("removed friend still tracked")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	tr := NewTracker(Conf{})
	tr.ApplyEvent("bob", true, 100)
	tr.ApplyEvent("alice", true, 200)
	tr.ApplyEvent("carol", true, 100)

	snap := tr.Snapshot()
	want := []string{"alice", "bob", "carol"} // newest first, ties by id
	if len(snap) != len(want) {
		t.Fatalf("snapshot size = %d, want %d", len(snap), len(want))
	}
	for i, w := range want {
		if snap[i].FriendUserID != w {
			t.Fatalf("snapshot[%d] = %s, want %s", i, snap[i].FriendUserID, w)
		}
	}
}

type fakePager struct {
	pages      map[string][]Entry // cursor -> page
	next       map[string]string
	snapshotMS int64
}

func (p *fakePager) OnlineFriends(_ context.Context, cursor string, _ int) ([]Entry, string, int64, error) {
	return p.pages[cursor], p.next[cursor], p.snapshotMS, nil
}

func TestFetchPageMergesOverRacedEvent(t *testing.T) {
	pager := &fakePager{
		pages:      map[string][]Entry{"": {{FriendUserID: "alice", Online: true, SinceMS: 500}}},
		next:       map[string]string{"": ""},
		snapshotMS: 900,
	}
	tr := NewTracker(Conf{Pager: pager})

	// event lands after the server computed the page but before we merge it
	tr.ApplyEvent("alice", false, 1000)

	out, next, err := tr.FetchPage(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if next != "" {
		t.Fatalf("next = %q, want empty", next)
	}
	if len(out) != 1 || out[0].Online {
		t.Fatalf("out = %+v, want alice offline (post-merge view)", out)
	}
}
