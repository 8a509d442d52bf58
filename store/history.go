package store

import "sync"

// HistoryStore is the memory private history store.
// A conversation is kept as one sequence under its unordered pair key, so the views of
// both participants can not diverge.
type HistoryStore struct {
	sync.RWMutex
	kv map[pairKey][]PrivateMessage
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		kv: make(map[pairKey][]PrivateMessage),
	}
}

func (s *HistoryStore) Append(sender, recipient string, msg PrivateMessage) {
	key := makePairKey(sender, recipient)
	s.Lock()
	s.kv[key] = append(s.kv[key], msg)
	s.Unlock()
}

func (s *HistoryStore) History(owner, other string) []PrivateMessage {
	s.RLock()
	defer s.RUnlock()
	v := s.kv[makePairKey(owner, other)]
	out := make([]PrivateMessage, len(v))
	copy(out, v)
	return out
}
