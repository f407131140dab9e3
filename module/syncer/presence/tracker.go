package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"PSync/tools/errs"
)

// Entry is the consumer-facing view of one friend's presence.
type Entry struct {
	FriendUserID string `json:"friend_user_id"`
	Online       bool   `json:"online"`
	SinceMS      int64  `json:"since_ms"` // event time of the last transition
	Stale        bool   `json:"stale"`    // true between a disconnect and the next resync
}

// Pager pulls pages of currently-online friends from the REST collaborator.
// snapshotMS is the server-side snapshot time of the page; merge decisions are
// made against it, not against arrival order.
type Pager interface {
	OnlineFriends(ctx context.Context, cursor string, limit int) (entries []Entry, next string, snapshotMS int64, err error)
}

type Conf struct {
	StaleTimeout time.Duration    // how long entries may stay stale before forced offline (default 30s)
	Clock        func() time.Time // injectable clock for tests
	Pager        Pager            // optional; FetchPage fails without it
}

func (c *Conf) norm() {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type entry struct {
	online       bool
	changedMS    int64
	stale        bool
	staleSinceMS int64
}

// Tracker keeps the live presence set for one session's friend list.
// Conflict rule: last writer wins by event time. A push event observed while a
// page fetch is in flight survives the page result whenever the event time is
// newer than the page's snapshot time.
type Tracker struct {
	mu      sync.RWMutex
	conf    Conf
	entries map[string]*entry
}

func NewTracker(conf Conf) *Tracker {
	conf.norm()
	return &Tracker{
		conf:    conf,
		entries: make(map[string]*entry),
	}
}

func (t *Tracker) nowMS() int64 { return t.conf.Clock().UnixMilli() }

// ApplyEvent applies one online/offline transition from the channel.
// Returns false when a newer state is already recorded.
func (t *Tracker) ApplyEvent(friendUserID string, online bool, tsMS int64) bool {
	if friendUserID == "" {
		return false
	}
	if tsMS <= 0 {
		tsMS = t.nowMS()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[friendUserID]
	if !ok {
		t.entries[friendUserID] = &entry{online: online, changedMS: tsMS}
		return true
	}
	if tsMS < e.changedMS {
		return false
	}
	e.online = online
	e.changedMS = tsMS
	e.stale = false
	return true
}

// ApplySnapshot merges one pulled page into the tracker. An entry whose last
// event is newer than the page snapshot keeps its pushed state. Returns the
// friend ids whose visible state actually moved.
func (t *Tracker) ApplySnapshot(entries []Entry, snapshotMS int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for _, in := range entries {
		if in.FriendUserID == "" {
			continue
		}
		e, ok := t.entries[in.FriendUserID]
		if ok && e.changedMS > snapshotMS {
			continue // pushed state is fresher than the snapshot
		}
		changedMS := in.SinceMS
		if changedMS <= 0 {
			changedMS = snapshotMS
		}
		if !ok {
			t.entries[in.FriendUserID] = &entry{online: in.Online, changedMS: changedMS}
			changed = append(changed, in.FriendUserID)
			continue
		}
		if e.online == in.Online && e.changedMS == changedMS && !e.stale {
			continue // snapshot confirms what we already show
		}
		e.online = in.Online
		e.changedMS = changedMS
		e.stale = false
		changed = append(changed, in.FriendUserID)
	}
	return changed
}

// ApplyFullSnapshot is ApplySnapshot for a complete resync walk: any tracked
// friend missing from the walk (and not refreshed by a newer event) is
// offline. Returns the friend ids whose visible state moved, sorted.
func (t *Tracker) ApplyFullSnapshot(entries []Entry, snapshotMS int64) []string {
	changed := t.ApplySnapshot(entries, snapshotMS)

	seen := make(map[string]struct{}, len(entries))
	for _, in := range entries {
		seen[in.FriendUserID] = struct{}{}
	}

	t.mu.Lock()
	for id, e := range t.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		if e.changedMS > snapshotMS {
			continue
		}
		if e.online {
			e.online = false
			e.changedMS = snapshotMS
			changed = append(changed, id)
		} else if e.stale {
			changed = append(changed, id)
		}
		e.stale = false
	}
	t.mu.Unlock()

	sort.Strings(changed)
	return changed
}

// MarkAllStale flags every entry on disconnect, instead of flashing friends
// offline during a brief network blip.
func (t *Tracker) MarkAllStale() {
	now := t.nowMS()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.stale {
			e.stale = true
			e.staleSinceMS = now
		}
	}
}

// ExpireStale forces entries offline once they have been stale past the
// configured timeout. Returns the friend ids that flipped, so the coordinator
// can surface them as state changes.
func (t *Tracker) ExpireStale() []string {
	now := t.nowMS()
	cutoff := t.conf.StaleTimeout.Milliseconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	var flipped []string
	for id, e := range t.entries {
		if !e.stale || now-e.staleSinceMS < cutoff {
			continue
		}
		e.stale = false
		if e.online {
			e.online = false
			e.changedMS = now
			flipped = append(flipped, id)
		}
	}
	sort.Strings(flipped)
	return flipped
}

// RetainFriends prunes entries whose friend relationship ended: the tracked
// key set stays a subset of the viewing user's friend list.
func (t *Tracker) RetainFriends(friendIDs []string) int {
	keep := make(map[string]struct{}, len(friendIDs))
	for _, id := range friendIDs {
		keep[id] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for id := range t.entries {
		if _, ok := keep[id]; !ok {
			delete(t.entries, id)
			pruned++
		}
	}
	return pruned
}

func (t *Tracker) Get(friendUserID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[friendUserID]
	if !ok {
		return Entry{}, false
	}
	return Entry{FriendUserID: friendUserID, Online: e.online, SinceMS: e.changedMS, Stale: e.stale}, true
}

// Snapshot returns all entries ordered most-recently-changed first, ties
// broken by friend id ascending (deterministic for tests and pagination).
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, Entry{FriendUserID: id, Online: e.online, SinceMS: e.changedMS, Stale: e.stale})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SinceMS != out[j].SinceMS {
			return out[i].SinceMS > out[j].SinceMS
		}
		return out[i].FriendUserID < out[j].FriendUserID
	})
	return out
}

// FetchPage pulls one page of online friends through the pager and merges it.
// The returned entries reflect the post-merge view, so a pushed transition
// that raced the fetch is not reported stale-first.
func (t *Tracker) FetchPage(ctx context.Context, cursor string, limit int) ([]Entry, string, error) {
	if t.conf.Pager == nil {
		return nil, "", errs.ErrInvalidArgument.WrapMsg("fetch page", "reason", "no pager configured")
	}
	entries, next, snapshotMS, err := t.conf.Pager.OnlineFriends(ctx, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	t.ApplySnapshot(entries, snapshotMS)

	out := make([]Entry, 0, len(entries))
	for _, in := range entries {
		if merged, ok := t.Get(in.FriendUserID); ok {
			out = append(out, merged)
		}
	}
	return out, next, nil
}
