package conversation

import (
	"context"
	"sync"

	"PSync/tools/errs"
)

// Conversation is the canonical identity of a two-party thread. Participants
// are stored as the canonically ordered pair, so (A,B) and (B,A) are the same
// record.
type Conversation struct {
	ConversationID string `json:"conversation_id" bson:"conversation_id"`
	ParticipantLo  string `json:"participant_lo" bson:"participant_lo"`
	ParticipantHi  string `json:"participant_hi" bson:"participant_hi"`
	CreatedAtMS    int64  `json:"created_at_ms" bson:"created_at_ms"`
}

// Store is the backing store for conversation identity. CreateIfAbsent must be
// atomic at the store: two racing first-contact resolutions for the same pair
// get the same record back, never two records.
type Store interface {
	CreateIfAbsent(ctx context.Context, lo, hi string) (Conversation, error)
	FindByID(ctx context.Context, conversationID string) (*Conversation, error)
}

// CanonicalPair orders an unordered participant pair by a fixed total order
// (lexicographic), which is what makes Resolve(A,B) == Resolve(B,A).
func CanonicalPair(userA, userB string) (lo, hi string, err error) {
	if userA == "" || userB == "" {
		return "", "", errs.ErrInvalidParticipants.WrapMsg("canonical pair", "a", userA, "b", userB)
	}
	if userA == userB {
		return "", "", errs.ErrInvalidParticipants.WrapMsg("canonical pair", "reason", "self pair", "user", userA)
	}
	if userA < userB {
		return userA, userB, nil
	}
	return userB, userA, nil
}

// Resolver maps unordered participant pairs to stable conversation ids,
// creating lazily on first contact. Resolved ids are cached per pair; the
// cache is safe because a conversation id never changes once assigned.
type Resolver struct {
	store Store

	mu    sync.RWMutex
	byKey map[string]string // "lo|hi" -> conversation id
}

func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		byKey: make(map[string]string),
	}
}

func pairKey(lo, hi string) string { return lo + "|" + hi }

// Resolve returns the conversation id for the unordered pair (userA, userB),
// idempotent under either ordering.
func (r *Resolver) Resolve(ctx context.Context, userA, userB string) (string, error) {
	lo, hi, err := CanonicalPair(userA, userB)
	if err != nil {
		return "", err
	}

	key := pairKey(lo, hi)
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	conv, err := r.store.CreateIfAbsent(ctx, lo, hi)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.byKey[key] = conv.ConversationID
	r.mu.Unlock()
	return conv.ConversationID, nil
}

// ResolveFull returns the whole conversation record for the unordered pair,
// creating on first contact. Same semantics as Resolve, used by callers that
// need more than the id.
func (r *Resolver) ResolveFull(ctx context.Context, userA, userB string) (Conversation, error) {
	lo, hi, err := CanonicalPair(userA, userB)
	if err != nil {
		return Conversation{}, err
	}
	conv, err := r.store.CreateIfAbsent(ctx, lo, hi)
	if err != nil {
		return Conversation{}, err
	}
	r.mu.Lock()
	r.byKey[pairKey(lo, hi)] = conv.ConversationID
	r.mu.Unlock()
	return conv, nil
}

// LookupExisting fetches a known conversation; ErrRecordNotFound when absent.
func (r *Resolver) LookupExisting(ctx context.Context, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("lookup", "reason", "empty id")
	}
	return r.store.FindByID(ctx, conversationID)
}
