package conversation

import (
	"context"
	"sync"
	"time"

	"PSync/tools/errs"
	"PSync/tools/ids"
)

// memStore is the in-memory Store used by tests and single-node setups.
// Create-if-absent is atomic under one mutex.
type memStore struct {
	mu     sync.Mutex
	byPair map[string]*Conversation
	byID   map[string]*Conversation
}

func NewMemStore() Store {
	return &memStore{
		byPair: make(map[string]*Conversation),
		byID:   make(map[string]*Conversation),
	}
}

func (s *memStore) CreateIfAbsent(ctx context.Context, lo, hi string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(lo, hi)
	if c, ok := s.byPair[key]; ok {
		return *c, nil
	}
	c := &Conversation{
		ConversationID: "c_" + ids.GenerateString(),
		ParticipantLo:  lo,
		ParticipantHi:  hi,
		CreatedAtMS:    time.Now().UnixMilli(),
	}
	s.byPair[key] = c
	s.byID[c.ConversationID] = c
	return *c, nil
}

func (s *memStore) FindByID(ctx context.Context, conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[conversationID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, errs.ErrRecordNotFound.WrapMsg("conversation", "id", conversationID)
}
