package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	rds "PSync/service/storage/redis"
)

func redisOrSkip(t *testing.T) {
	t.Helper()
	if err := rds.InitRedis(rds.Config{Addr: "127.0.0.1:6379"}); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
}

func snapshotFor(t *testing.T, viewer, convID string) (int, int64) {
	t.Helper()
	snaps, err := UnreadSnapshots(context.Background(), viewer)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	for _, s := range snaps {
		if s.ConvID == convID {
			return s.Count, s.AsOfMessageID
		}
	}
	t.Fatalf("conv %s missing from snapshots %+v", convID, snaps)
	return 0, 0
}

func TestAckUnreadStaleAckKeepsCount(t *testing.T) {
	redisOrSkip(t)
	ctx := context.Background()
	viewer := fmt.Sprintf("t-ack-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		rds.GetRedis().Del(context.Background(), unreadKey(viewer), unreadMaxKey(viewer))
	})

	const base = int64(881360567644721152)
	if err := IncrUnread(ctx, viewer, "c1", base); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if err := IncrUnread(ctx, viewer, "c1", base+1); err != nil {
		t.Fatalf("incr: %v", err)
	}

	// the client acks through the first message while the second is already
	// counted; the newer increment must survive untouched
	if err := AckUnread(ctx, viewer, "c1", base); err != nil {
		t.Fatalf("ack: %v", err)
	}
	count, asOf := snapshotFor(t, viewer, "c1")
	if count != 2 {
		t.Fatalf("count after stale ack = %d, want 2", count)
	}
	if asOf != base+1 {
		t.Fatalf("asOf = %d, want %d (watermark is raise-only)", asOf, base+1)
	}

	// acking through the recorded max clears the conversation
	if err := AckUnread(ctx, viewer, "c1", base+1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	count, asOf = snapshotFor(t, viewer, "c1")
	if count != 0 || asOf != base+1 {
		t.Fatalf("after full ack count=%d asOf=%d, want 0/%d", count, asOf, base+1)
	}
}
