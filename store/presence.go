package store

import (
	"sort"
	"sync"
)

type presence struct {
	PresenceEntry
	seq uint64 // registration order
}

// PresenceRegistry is the memory presence store, keyed by username.
type PresenceRegistry struct {
	sync.RWMutex

	kv      map[string]*presence
	handles map[string]string // handle -> username
	seq     uint64
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		kv:      make(map[string]*presence),
		handles: make(map[string]string),
	}
}

func (r *PresenceRegistry) Register(username, handle string) PresenceEntry {
	r.Lock()
	defer r.Unlock()

	if old, ok := r.kv[username]; ok && old.Handle != "" {
		delete(r.handles, old.Handle)
	}

	r.seq++
	p := &presence{
		PresenceEntry: PresenceEntry{
			Username: username,
			Handle:   handle,
			Online:   true,
		},
		seq: r.seq,
	}
	r.kv[username] = p
	r.handles[handle] = username
	return p.PresenceEntry
}

func (r *PresenceRegistry) MarkOffline(handle string) bool {
	r.Lock()
	defer r.Unlock()

	username, ok := r.handles[handle]
	if !ok {
		return false
	}
	delete(r.handles, handle)

	p := r.kv[username]
	p.Online = false
	p.Handle = ""
	return true
}

func (r *PresenceRegistry) Lookup(username string) (PresenceEntry, bool) {
	r.RLock()
	defer r.RUnlock()

	if p, ok := r.kv[username]; ok {
		return p.PresenceEntry, true
	}
	return PresenceEntry{}, false
}

func (r *PresenceRegistry) SnapshotAll() []PresenceEntry {
	r.RLock()
	slice := make([]*presence, 0, len(r.kv))
	for _, p := range r.kv {
		slice = append(slice, p)
	}
	out := make([]PresenceEntry, 0, len(slice))
	sort.Slice(slice, func(i, j int) bool {
		return slice[i].seq < slice[j].seq
	})
	for _, p := range slice {
		out = append(out, p.PresenceEntry)
	}
	r.RUnlock()
	return out
}

// CountOnline counts online users.
func (r *PresenceRegistry) CountOnline() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.handles)
}
