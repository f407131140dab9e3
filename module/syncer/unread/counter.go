package unread

import (
	"sync"
)

// Counter tracks unseen messages per conversation for one session's user.
//
// Message ids are snowflakes: strictly increasing per conversation. Counting
// keeps a bounded set of the most recently applied ids, which makes
// out-of-order delivery safe: a late arrival is merged idempotently (the end
// state equals replay in increasing id order), a duplicate is a no-op, and a
// push older than everything still retained cannot be judged anymore, so a
// resync callback asks for an authoritative reconcile instead of guessing.

type Conf struct {
	// Window bounds how many recently applied message ids are retained for
	// duplicate detection (default 64). A push older than the oldest retained
	// id hands off to OnResync. A count of ids, not an id-space distance:
	// snowflakes jump by 2^22 per millisecond, so a delta-based window would
	// reject ordinary cross-node reordering.
	Window int
	// OnResync fires when a push falls outside the window and an
	// authoritative reconcile is needed. May be nil.
	OnResync func(convID string)
}

func (c *Conf) norm() {
	if c.Window <= 0 {
		c.Window = 64
	}
}

type convState struct {
	count     int
	lastAcked int64
	newest    int64 // highest message id applied or acknowledged
	floor     int64 // highest id dropped from the dedup set; at or below it is unjudgeable
	applied   map[int64]struct{}
}

type Counter struct {
	mu    sync.RWMutex
	conf  Conf
	convs map[string]*convState
}

func NewCounter(conf Conf) *Counter {
	conf.norm()
	return &Counter{
		conf:  conf,
		convs: make(map[string]*convState),
	}
}

func (c *Counter) state(convID string) *convState {
	st, ok := c.convs[convID]
	if !ok {
		st = &convState{applied: make(map[int64]struct{})}
		c.convs[convID] = st
	}
	return st
}

// Push applies one message push. Returns true when the count changed.
// Never decrements. Pushes at or below the ack watermark, duplicates, and
// out-of-window stragglers are all no-ops (the last one triggers OnResync).
func (c *Counter) Push(convID string, messageID int64) bool {
	if convID == "" || messageID <= 0 {
		return false
	}

	c.mu.Lock()
	st := c.state(convID)

	if messageID <= st.lastAcked {
		c.mu.Unlock()
		return false // acknowledged already; late redelivery
	}
	if _, dup := st.applied[messageID]; dup {
		c.mu.Unlock()
		return false
	}
	if st.floor > 0 && messageID <= st.floor {
		// The dedup record for this range is gone (evicted, or covered by an
		// authoritative snapshot); hand off to pull reconciliation.
		c.mu.Unlock()
		if c.conf.OnResync != nil {
			c.conf.OnResync(convID)
		}
		return false
	}

	st.applied[messageID] = struct{}{}
	st.count++
	if messageID > st.newest {
		st.newest = messageID
	}
	c.evictLocked(st)
	c.mu.Unlock()
	return true
}

// evictLocked trims the dedup set to the newest Window ids; evicted messages
// stay counted, only the record goes away and the floor rises to cover them.
func (c *Counter) evictLocked(st *convState) {
	for len(st.applied) > c.conf.Window {
		lowest := int64(0)
		for id := range st.applied {
			if lowest == 0 || id < lowest {
				lowest = id
			}
		}
		delete(st.applied, lowest)
		if lowest > st.floor {
			st.floor = lowest
		}
	}
}

// Reconcile replaces the local count with the authoritative pull value, but
// never loses a push that arrived after the pull's snapshot: every locally
// applied id newer than asOfMessageID is re-added on top. A snapshot at or
// below the ack watermark is discarded outright; it was taken before the ack
// landed and would resurrect a count the ack already cleared.
func (c *Counter) Reconcile(convID string, authoritativeCount int, asOfMessageID int64) int {
	if convID == "" {
		return 0
	}
	if authoritativeCount < 0 {
		authoritativeCount = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(convID)

	if st.lastAcked > 0 && asOfMessageID <= st.lastAcked {
		return st.count // stale snapshot, the local ack is newer
	}

	newer := 0
	for id := range st.applied {
		if id > asOfMessageID {
			newer++
		}
	}
	st.count = authoritativeCount + newer
	if asOfMessageID > st.newest {
		st.newest = asOfMessageID
	}
	if asOfMessageID > st.floor {
		// everything at or below the snapshot watermark is already inside the
		// authoritative count; a late push from that range must not re-count
		st.floor = asOfMessageID
	}
	return st.count
}

// Acknowledge resets the conversation through the given watermark: count
// drops to whatever was applied above it, and any push at or below it that
// shows up later (out-of-order delivery) is ignored.
func (c *Counter) Acknowledge(convID string, throughMessageID int64) {
	if convID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(convID)

	if throughMessageID > st.lastAcked {
		st.lastAcked = throughMessageID
	}
	if throughMessageID > st.newest {
		st.newest = throughMessageID
	}
	remaining := 0
	for id := range st.applied {
		if id <= st.lastAcked {
			delete(st.applied, id)
		} else {
			remaining++
		}
	}
	st.count = remaining
}

// Count returns the per-conversation unread count.
func (c *Counter) Count(convID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.convs[convID]; ok {
		return st.count
	}
	return 0
}

// NewestKnown returns the newest message id seen for the conversation; used
// as the watermark for mark-read.
func (c *Counter) NewestKnown(convID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.convs[convID]; ok {
		return st.newest
	}
	return 0
}

// LastAcked returns the current ack watermark.
func (c *Counter) LastAcked(convID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.convs[convID]; ok {
		return st.lastAcked
	}
	return 0
}

// Aggregate recomputes the total across conversations on every call; it is
// never stored, so it cannot drift from the per-conversation counters.
func (c *Counter) Aggregate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, st := range c.convs {
		total += st.count
	}
	return total
}

// Snapshot returns conv id -> count for all known conversations.
func (c *Counter) Snapshot() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.convs))
	for id, st := range c.convs {
		out[id] = st.count
	}
	return out
}
