package syncer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"PSync/logger"
	"PSync/module/syncer/channel"
	"PSync/module/syncer/conversation"
	"PSync/module/syncer/presence"
	"PSync/module/syncer/unread"
	"PSync/module/syncer/wire"
	"PSync/tools/errs"
	"PSync/tools/safe"
)

// UnreadSnapshot is one authoritative per-conversation count from the REST
// collaborator, with the message id its snapshot covers.
type UnreadSnapshot struct {
	ConvID        string `json:"conv_id"`
	Count         int    `json:"count"`
	AsOfMessageID int64  `json:"as_of_message_id"`
}

// RestAPI is the pull-based collaborator: paginated online friends, unread
// counts, and conversation identity by participant pair.
type RestAPI interface {
	presence.Pager
	UnreadCounts(ctx context.Context) ([]UnreadSnapshot, error)
	ResolveConversation(ctx context.Context, userA, userB string) (conversation.Conversation, error)
	ConversationByID(ctx context.Context, conversationID string) (*conversation.Conversation, error)
}

// TokenSource is the auth collaborator.
type TokenSource interface {
	AccessToken() (string, bool)
}

type Conf struct {
	UserID string
	Rest   RestAPI
	Tokens TokenSource

	Channel  channel.Conf
	Presence presence.Conf
	Unread   unread.Conf

	PageSize     int           // presence page size during resync (default 50)
	RetryMax     int           // REST retry budget (default 3)
	RetryBase    time.Duration // REST retry base delay (default 200ms)
	RetryMaxWait time.Duration // REST retry delay cap (default 2s)
	StaleSweep   time.Duration // stale presence sweep interval (default 5s)
	ApplyBuffer  int           // serialized mutation queue depth (default 256)
}

func (c *Conf) norm() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 2 * time.Second
	}
	if c.StaleSweep <= 0 {
		c.StaleSweep = 5 * time.Second
	}
	if c.ApplyBuffer <= 0 {
		c.ApplyBuffer = 256
	}
}

// Coordinator wires the channel, tracker, resolver and counter together for
// one session. All tracker/counter mutations funnel through a single
// event-processing goroutine: channel frames are dispatched there directly
// and REST results are enqueued onto the same queue, so no two mutations race
// on shared state. Closing the session cancels in-flight REST work; late
// responses find the queue closed and are discarded.
type Coordinator struct {
	conf Conf

	mgr      *channel.Manager
	handle   *channel.Handle
	tracker  *presence.Tracker
	counter  *unread.Counter
	resolver *conversation.Resolver

	apply chan func()

	ctx    context.Context
	cancel context.CancelFunc

	subMu        sync.Mutex
	presenceSubs []func(presence.Entry)
	unreadSubs   []func(convID string, count, total int)
}

func NewCoordinator(conf Conf) *Coordinator {
	conf.norm()
	safe.MustNotNil(conf.Rest, "conf.Rest")
	safe.MustNotNil(conf.Tokens, "conf.Tokens")

	c := &Coordinator{
		conf:  conf,
		mgr:   channel.NewManager(conf.Channel),
		apply: make(chan func(), conf.ApplyBuffer),
	}

	pc := conf.Presence
	pc.Pager = conf.Rest
	c.tracker = presence.NewTracker(pc)

	uc := conf.Unread
	uc.OnResync = func(convID string) {
		// Out-of-window push: fall back to authoritative pull.
		safe.SafeGo(func() { c.reconcileUnread() })
	}
	c.counter = unread.NewCounter(uc)

	c.resolver = conversation.NewResolver(&restStore{rest: conf.Rest})
	return c
}

// Start opens the session channel and kicks off the initial sync. Auth
// failures (missing or rejected token) surface immediately, with no reconnect
// attempts.
func (c *Coordinator) Start(ctx context.Context) error {
	token, ok := c.conf.Tokens.AccessToken()
	if !ok || token == "" {
		return errs.ErrAuth.WrapMsg("start", "reason", "no access token")
	}

	h, err := c.mgr.Open(ctx, c.conf.UserID, token)
	if err != nil {
		return err
	}
	c.handle = h
	c.ctx, c.cancel = context.WithCancel(context.Background())

	h.OnState(func(s channel.State) {
		switch s {
		case channel.StateReconnecting:
			// Blip: keep entries, mark them stale instead of flashing offline.
			c.enqueue(func() { c.tracker.MarkAllStale() })
		case channel.StateConnected:
			safe.SafeGo(c.resync)
		case channel.StateFailed:
			logger.Warnf("[syncer] channel failed user=%s, state left as last-known", c.conf.UserID)
		}
	})

	go c.loop()
	safe.SafeGo(c.resync)
	return nil
}

// loop is the single mutation point for tracker and counter state.
func (c *Coordinator) loop() {
	sweep := time.NewTicker(c.conf.StaleSweep)
	defer sweep.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.handle.Done():
			return
		case f := <-c.handle.Events():
			c.dispatch(f)
		case fn := <-c.apply:
			fn()
		case <-sweep.C:
			for _, id := range c.tracker.ExpireStale() {
				if e, ok := c.tracker.Get(id); ok {
					c.notifyPresence(e)
				}
			}
		}
	}
}

// enqueue hands a mutation to the serialized loop; dropped once the session
// is closed, so a REST response racing Close is never applied.
func (c *Coordinator) enqueue(fn func()) {
	select {
	case <-c.ctx.Done():
	case c.apply <- fn:
	}
}

func (c *Coordinator) dispatch(f *wire.Frame) {
	switch f.Type {
	case wire.TypePresence:
		p, err := wire.ExtractPresence(f)
		if err != nil {
			logger.Warnf("[syncer] bad presence payload: %v", err)
			return
		}
		if c.tracker.ApplyEvent(p.FriendUserID, p.Online, p.TS) {
			if e, ok := c.tracker.Get(p.FriendUserID); ok {
				c.notifyPresence(e)
			}
		}
	case wire.TypeMsg:
		m, err := wire.ExtractMsg(f)
		if err != nil {
			logger.Warnf("[syncer] bad msg payload: %v", err)
			return
		}
		if c.counter.Push(m.ConvID, m.MessageID) {
			c.notifyUnread(m.ConvID)
		}
	case wire.TypeErr:
		logger.Warnf("[syncer] channel error frame code=%d msg=%s", f.Code, f.Msg)
	default:
		// CONN/ACK duplicates after reconnect, nothing to apply
	}
}

// ===== pull reconciliation =====

// resync refreshes presence and unread state from the REST collaborator.
// Failures leave the last-known state in place: stale-but-present beats
// absent.
func (c *Coordinator) resync() {
	c.resyncPresence()
	c.reconcileUnread()
}

func (c *Coordinator) resyncPresence() {
	var (
		all        []presence.Entry
		snapshotMS int64
		cursor     string
	)
	for {
		var (
			page []presence.Entry
			next string
			ts   int64
		)
		err := c.withRetry("presence page", func(ctx context.Context) error {
			var e error
			page, next, ts, e = c.conf.Rest.OnlineFriends(ctx, cursor, c.conf.PageSize)
			return e
		})
		if err != nil {
			logger.Warnf("[syncer] presence resync aborted: %v", err)
			return
		}
		if snapshotMS == 0 {
			snapshotMS = ts
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	snap := snapshotMS
	entries := all
	c.enqueue(func() {
		// notify only the entries the walk actually moved, not the whole set
		for _, id := range c.tracker.ApplyFullSnapshot(entries, snap) {
			if e, ok := c.tracker.Get(id); ok {
				c.notifyPresence(e)
			}
		}
	})
}

func (c *Coordinator) reconcileUnread() {
	var snaps []UnreadSnapshot
	err := c.withRetry("unread counts", func(ctx context.Context) error {
		var e error
		snaps, e = c.conf.Rest.UnreadCounts(ctx)
		return e
	})
	if err != nil {
		logger.Warnf("[syncer] unread reconcile aborted: %v", err)
		return
	}
	c.enqueue(func() {
		for _, s := range snaps {
			c.counter.Reconcile(s.ConvID, s.Count, s.AsOfMessageID)
			c.notifyUnread(s.ConvID)
		}
	})
}

// withRetry applies the uniform REST retry policy: bounded attempts with
// exponential backoff + jitter; auth errors are never retried.
func (c *Coordinator) withRetry(name string, op func(ctx context.Context) error) error {
	var last error
	for i := 0; i < c.conf.RetryMax; i++ {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		last = op(c.ctx)
		if last == nil {
			return nil
		}
		if errs.IsAuth(last) {
			return last
		}
		d := c.conf.RetryBase << uint(i)
		if d > c.conf.RetryMaxWait || d <= 0 {
			d = c.conf.RetryMaxWait
		}
		d -= time.Duration(rand.Int63n(int64(d/5) + 1))
		logger.Infof("[syncer] %s retry=%d err=%v", name, i+1, last)
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(d):
		}
	}
	return last
}

// ===== consumer surface =====

// PresenceSnapshot is a synchronous read of current presence state, ordered
// most-recently-changed first.
func (c *Coordinator) PresenceSnapshot() []presence.Entry {
	return c.tracker.Snapshot()
}

// FetchPresencePage pulls one more page of online friends ("load more").
func (c *Coordinator) FetchPresencePage(ctx context.Context, cursor string, limit int) ([]presence.Entry, string, error) {
	return c.tracker.FetchPage(ctx, cursor, limit)
}

// SetFriends prunes presence state for ended friendships: the tracked set
// stays a subset of the current friend list.
func (c *Coordinator) SetFriends(friendIDs []string) {
	ids := make([]string, len(friendIDs))
	copy(ids, friendIDs)
	c.enqueue(func() { c.tracker.RetainFriends(ids) })
}

// SubscribePresence registers a callback invoked on every applied presence
// mutation; never batched.
func (c *Coordinator) SubscribePresence(fn func(presence.Entry)) {
	c.subMu.Lock()
	c.presenceSubs = append(c.presenceSubs, fn)
	c.subMu.Unlock()
}

// SubscribeUnread registers a callback invoked on every applied unread
// mutation with the fresh per-conversation and aggregate counts.
func (c *Coordinator) SubscribeUnread(fn func(convID string, count, total int)) {
	c.subMu.Lock()
	c.unreadSubs = append(c.unreadSubs, fn)
	c.subMu.Unlock()
}

// OnChannelState exposes connection state transitions (connected,
// reconnecting, failed, ...) to the consumer.
func (c *Coordinator) OnChannelState(fn func(channel.State)) {
	c.handle.OnState(fn)
}

// OpenConversationWith resolves the canonical conversation with a friend,
// creating it on first contact.
func (c *Coordinator) OpenConversationWith(ctx context.Context, friendUserID string) (string, error) {
	return c.resolver.Resolve(ctx, c.conf.UserID, friendUserID)
}

// LookupConversation fetches a known conversation by id.
func (c *Coordinator) LookupConversation(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	return c.resolver.LookupExisting(ctx, conversationID)
}

// MarkRead acknowledges a conversation through its newest known message and
// forwards the watermark upstream so other devices converge.
func (c *Coordinator) MarkRead(convID string) {
	through := c.counter.NewestKnown(convID)
	if through == 0 {
		return
	}
	c.enqueue(func() {
		c.counter.Acknowledge(convID, through)
		c.notifyUnread(convID)
	})
	if err := c.handle.Send(wire.BuildCack(convID, through)); err != nil {
		// Not fatal: the next reconcile converges the server side.
		logger.Infof("[syncer] cack send deferred conv=%s: %v", convID, err)
	}
}

func (c *Coordinator) Unread(convID string) int { return c.counter.Count(convID) }

// UnreadTotal is the aggregate across all conversations, always derived.
func (c *Coordinator) UnreadTotal() int { return c.counter.Aggregate() }

// ChannelState reports the current connection state.
func (c *Coordinator) ChannelState() channel.State { return c.handle.State() }

// Close tears the session down: the reconnect loop stops, in-flight REST
// reconciliation is cancelled and its late results discarded. Idempotent.
// Call it on logout or token invalidation.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.handle != nil {
		c.handle.Close()
	}
	c.mgr.Close()
}

func (c *Coordinator) notifyPresence(e presence.Entry) {
	c.subMu.Lock()
	subs := make([]func(presence.Entry), len(c.presenceSubs))
	copy(subs, c.presenceSubs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (c *Coordinator) notifyUnread(convID string) {
	count := c.counter.Count(convID)
	total := c.counter.Aggregate()
	c.subMu.Lock()
	subs := make([]func(string, int, int), len(c.unreadSubs))
	copy(subs, c.unreadSubs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(convID, count, total)
	}
}

// restStore adapts the REST collaborator to the resolver's Store interface.
type restStore struct {
	rest RestAPI
}

func (s *restStore) CreateIfAbsent(ctx context.Context, lo, hi string) (conversation.Conversation, error) {
	return s.rest.ResolveConversation(ctx, lo, hi)
}

func (s *restStore) FindByID(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	return s.rest.ConversationByID(ctx, conversationID)
}
