package conversation

import (
	"context"
	"sync"
	"testing"

	"PSync/tools/errs"
)

func TestCanonicalPairOrdering(t *testing.T) {
	lo, hi, err := CanonicalPair("bob", "alice")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if lo != "alice" || hi != "bob" {
		t.Fatalf("pair = (%s,%s), want (alice,bob)", lo, hi)
	}

	lo2, hi2, _ := CanonicalPair("alice", "bob")
	if lo2 != lo || hi2 != hi {
		t.Fatal("ordering not symmetric")
	}
}

func TestCanonicalPairRejectsBadInput(t *testing.T) {
	if _, _, err := CanonicalPair("alice", "alice"); !errs.Is(err, errs.ErrInvalidParticipants) {
		t.Fatalf("self pair err = %v, want invalid participants", err)
	}
	if _, _, err := CanonicalPair("", "bob"); !errs.Is(err, errs.ErrInvalidParticipants) {
		t.Fatalf("empty participant err = %v, want invalid participants", err)
	}
}

func TestResolveSymmetric(t *testing.T) {
	r := NewResolver(NewMemStore())
	ctx := context.Background()

	id1, err := r.Resolve(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	id2, err := r.Resolve(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("resolve reversed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
}

func TestResolveIdempotent(t *testing.T) {
	r := NewResolver(NewMemStore())
	ctx := context.Background()

	id1, _ := r.Resolve(ctx, "alice", "bob")
	id2, _ := r.Resolve(ctx, "alice", "bob")
	if id1 != id2 {
		t.Fatalf("second resolve changed the id: %s vs %s", id1, id2)
	}
}

func TestResolveConcurrentFirstContact(t *testing.T) {
	r := NewResolver(NewMemStore())
	ctx := context.Background()

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			id, err := r.Resolve(ctx, a, b)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing resolutions produced different ids: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestResolveFullReturnsCanonicalRecord(t *testing.T) {
	r := NewResolver(NewMemStore())
	conv, err := r.ResolveFull(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("resolve full: %v", err)
	}
	if conv.ParticipantLo != "alice" || conv.ParticipantHi != "bob" {
		t.Fatalf("record pair = (%s,%s), want canonical (alice,bob)", conv.ParticipantLo, conv.ParticipantHi)
	}
	if conv.ConversationID == "" {
		t.Fatal("empty conversation id")
	}
}

func TestLookupExisting(t *testing.T) {
	r := NewResolver(NewMemStore())
	ctx := context.Background()

	id, _ := r.Resolve(ctx, "alice", "bob")
	conv, err := r.LookupExisting(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if conv.ConversationID != id {
		t.Fatalf("lookup id = %s, want %s", conv.ConversationID, id)
	}

	if _, err := r.LookupExisting(ctx, "c_missing"); !errs.Is(err, errs.ErrRecordNotFound) {
		t.Fatalf("missing lookup err = %v, want not found", err)
	}
}
