package unread

import (
	"testing"
)

func TestPushOutOfOrderMatchesInOrderReplay(t *testing.T) {
	c := NewCounter(Conf{Window: 64})

	for _, id := range []int64{5, 3, 4} {
		if !c.Push("conv1", id) {
			t.Fatalf("push %d rejected", id)
		}
	}
	if got := c.Count("conv1"); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	if got := c.NewestKnown("conv1"); got != 5 {
		t.Fatalf("newest = %d, want 5", got)
	}
}

func TestPushDuplicateIsNoop(t *testing.T) {
	c := NewCounter(Conf{})
	c.Push("conv1", 10)
	if c.Push("conv1", 10) {
		t.Fatal("duplicate push counted")
	}
	if got := c.Count("conv1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestPushBelowAckWatermarkIgnored(t *testing.T) {
	c := NewCounter(Conf{})
	c.Push("conv1", 10)
	c.Push("conv1", 11)
	c.Acknowledge("conv1", 11)

	if got := c.Count("conv1"); got != 0 {
		t.Fatalf("count after ack = %d, want 0", got)
	}
	// late redelivery of an already-read message
	if c.Push("conv1", 9) {
		t.Fatal("stale push counted after ack")
	}
	if got := c.Count("conv1"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestPushOutsideWindowTriggersResync(t *testing.T) {
	var resynced []string
	c := NewCounter(Conf{
		Window:   4,
		OnResync: func(convID string) { resynced = append(resynced, convID) },
	})

	// saturate the window so id 10 loses its dedup record
	for _, id := range []int64{10, 20, 30, 40, 50} {
		c.Push("conv1", id)
	}
	if c.Push("conv1", 10) {
		t.Fatal("push below the retained window applied locally")
	}
	if len(resynced) != 1 || resynced[0] != "conv1" {
		t.Fatalf("resynced = %v, want [conv1]", resynced)
	}
	// the local count must not have guessed
	if got := c.Count("conv1"); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestPushReorderedByMillisecondsStaysLocal(t *testing.T) {
	// snowflake ids jump by 2^22 per millisecond; a push a few milliseconds
	// older than the newest is ordinary cross-node reordering and must merge
	// locally while the window is not saturated
	resyncs := 0
	c := NewCounter(Conf{
		Window:   64,
		OnResync: func(string) { resyncs++ },
	})

	const base = int64(881360567644721152)
	const perMS = int64(1) << 22
	c.Push("conv1", base)
	if !c.Push("conv1", base-perMS) {
		t.Fatal("push one millisecond older than newest rejected")
	}
	if !c.Push("conv1", base-5*perMS) {
		t.Fatal("push five milliseconds older than newest rejected")
	}
	if resyncs != 0 {
		t.Fatalf("resyncs = %d, want 0", resyncs)
	}
	if got := c.Count("conv1"); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
}

func TestReconcileKeepsPushesNewerThanSnapshot(t *testing.T) {
	c := NewCounter(Conf{})
	// a push lands after the server snapshot at id 100
	c.Push("conv1", 101)

	if got := c.Reconcile("conv1", 5, 100); got != 6 {
		t.Fatalf("reconcile = %d, want 6 (authoritative 5 + 1 newer push)", got)
	}
	if got := c.Count("conv1"); got != 6 {
		t.Fatalf("count = %d, want 6", got)
	}
}

func TestReconcileOlderThanAckDiscarded(t *testing.T) {
	c := NewCounter(Conf{})
	c.Push("conv1", 50)
	c.Acknowledge("conv1", 50)

	// snapshot taken before the ack must not resurrect the count
	if got := c.Reconcile("conv1", 3, 40); got != 0 {
		t.Fatalf("reconcile = %d, want 0", got)
	}
}

func TestReconcileAtAckWatermarkDiscarded(t *testing.T) {
	c := NewCounter(Conf{})
	c.Push("conv1", 100)
	c.Acknowledge("conv1", 100)

	// a pull that raced the ack reports the pre-ack count with the snapshot
	// taken exactly at the watermark; the ack is the newer fact
	if got := c.Reconcile("conv1", 1, 100); got != 0 {
		t.Fatalf("reconcile = %d, want 0", got)
	}
	if got := c.Count("conv1"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestReconcileClosesDedupBehindSnapshot(t *testing.T) {
	resyncs := 0
	c := NewCounter(Conf{OnResync: func(string) { resyncs++ }})

	if got := c.Reconcile("conv1", 5, 100); got != 5 {
		t.Fatalf("reconcile = %d, want 5", got)
	}
	// id 90 is inside the authoritative count already; applying it locally
	// would double-count, so it hands off instead
	if c.Push("conv1", 90) {
		t.Fatal("push below the snapshot watermark applied locally")
	}
	if resyncs != 1 {
		t.Fatalf("resyncs = %d, want 1", resyncs)
	}
	if got := c.Count("conv1"); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestAcknowledgeKeepsNewerApplied(t *testing.T) {
	c := NewCounter(Conf{})
	c.Push("conv1", 10)
	c.Push("conv1", 11)
	c.Push("conv1", 12)
	c.Acknowledge("conv1", 11)

	if got := c.Count("conv1"); got != 1 {
		t.Fatalf("count = %d, want 1 (only id 12 unread)", got)
	}
	if got := c.LastAcked("conv1"); got != 11 {
		t.Fatalf("lastAcked = %d, want 11", got)
	}
}

func TestAggregateIsAlwaysDerived(t *testing.T) {
	c := NewCounter(Conf{})
	c.Push("a", 1)
	c.Push("a", 2)
	c.Push("b", 3)

	if got := c.Aggregate(); got != 3 {
		t.Fatalf("aggregate = %d, want 3", got)
	}
	c.Acknowledge("a", 2)
	if got := c.Aggregate(); got != 1 {
		t.Fatalf("aggregate after ack = %d, want 1", got)
	}
	c.Reconcile("b", 7, 10)
	if got := c.Aggregate(); got != 7 {
		t.Fatalf("aggregate after reconcile = %d, want 7", got)
	}

	snap := c.Snapshot()
	sum := 0
	for _, n := range snap {
		sum += n
	}
	if sum != c.Aggregate() {
		t.Fatalf("aggregate %d != sum of snapshot %d", c.Aggregate(), sum)
	}
}

func TestWindowEvictionStillDedupes(t *testing.T) {
	c := NewCounter(Conf{Window: 4})
	for id := int64(1); id <= 10; id++ {
		c.Push("conv1", id)
	}
	if got := c.Count("conv1"); got != 10 {
		t.Fatalf("count = %d, want 10", got)
	}
	// id 2 fell out of the dedup window; it must not be re-counted, the
	// window check rejects it
	if c.Push("conv1", 2) {
		t.Fatal("evicted id re-counted")
	}
	if got := c.Count("conv1"); got != 10 {
		t.Fatalf("count = %d, want 10", got)
	}
}
