package ws

import (
	"sync"
)

// memory handler store for active sessions, keyed by sid.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
	}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.session.Sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) shallowCopy() []*Handler {
	hs.RLock()
	defer hs.RUnlock()
	out := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		out = append(out, h)
	}
	return out
}

func (hs *HandlerStore) len() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// broadcast pushes msg to every handler. Closed handlers are skipped.
func (hs *HandlerStore) broadcast(msg *ServerMsg) int {
	var n int
	for _, h := range hs.shallowCopy() {
		if h.push(msg) {
			n++
		}
	}
	return n
}

func (hs *HandlerStore) close() {
	for _, h := range hs.shallowCopy() {
		h.close(ServerStop)
	}
}
