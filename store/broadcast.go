package store

import "sync"

// GroupLog is the memory broadcast log. Messages are never evicted.
type GroupLog struct {
	sync.RWMutex
	messages []GroupMessage
}

func NewGroupLog() *GroupLog {
	return &GroupLog{}
}

func (l *GroupLog) Append(msg GroupMessage) {
	l.Lock()
	l.messages = append(l.messages, msg)
	l.Unlock()
}

func (l *GroupLog) Snapshot() []GroupMessage {
	l.RLock()
	defer l.RUnlock()
	out := make([]GroupMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *GroupLog) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.messages)
}
