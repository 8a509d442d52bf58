package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	SlowConsumer SessionError = 4
	ServerStop   SessionError = 5
)

// State is the lifecycle state of a connection. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to configured origins once the demo is served from its own host.
		return true
	},
}

// Handler manages an active connection to end user.
// Every new websocket connection creates a new handler.
type Handler struct {
	sync.Mutex

	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *ServerMsg
	state    State
	overflow bool
}

func newHandler(hub *Hub, sess *Session, conn *websocket.Conn, queueSize int) *Handler {
	return &Handler{
		hub:      hub,
		session:  sess,
		conn:     conn,
		dataChan: make(chan *ServerMsg, queueSize),
		state:    StateAuthenticated,
	}
}

func (h *Handler) String() string {
	return h.session.String()
}

func (h *Handler) State() State {
	h.Lock()
	defer h.Unlock()
	return h.state
}

// activate moves an authenticated handler to active.
func (h *Handler) activate() bool {
	h.Lock()
	defer h.Unlock()
	if h.state != StateAuthenticated {
		return false
	}
	h.state = StateActive
	return true
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.state == StateClosed {
		h.Unlock()
		return
	}
	wasActive := h.state == StateActive
	h.state = StateClosed
	close(h.dataChan)
	h.Unlock()

	_ = h.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
	h.conn.Close()

	glog.V(5).Infof("session closed, cause: %d, %s", cause, h)

	if cause != ServerStop && wasActive {
		// Ask hub to mark the user offline.
		h.hub.deactivate(h)
	}
}

// push enqueues msg without blocking. A closed handler ignores it; a full queue closes
// the handler.
func (h *Handler) push(msg *ServerMsg) bool {
	h.Lock()
	defer h.Unlock()
	if h.state == StateClosed || h.overflow {
		return false
	}
	select {
	case h.dataChan <- msg:
		return true
	default:
		h.overflow = true
		glog.Errorf("push(): send queue full, closing session: %s", h)
		h.hub.metrics.slowConsumers.Inc()
		go h.close(SlowConsumer)
		return false
	}
}

func (h *Handler) recvLoop(readLimit int64) {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Errorf("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.close(ReadError)
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if msgType != websocket.TextMessage {
			glog.V(5).Infof("recvLoop(): drop message type: %d, session: %s", msgType, h)
			h.hub.metrics.dropped.WithLabelValues("frame").Inc()
			continue
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.V(5).Infof("recvLoop(): drop message: %s, err: %v", msg, err)
			h.hub.metrics.dropped.WithLabelValues("json").Inc()
			continue
		}

		if s := h.State(); s != StateActive {
			glog.V(5).Infof("recvLoop(): ignore message in state %d, session: %s", s, h)
			continue
		}

		h.hub.dispatch(h, &req)
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			out, err := json.Marshal(v)
			if err != nil {
				glog.Errorf("sendLoop(): marshal error: %v, session: %s", err, h)
				continue
			}

			if glog.V(5) {
				logValue := string(out)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(): send: %s, session: %s", logValue, h)
			}

			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, out); err != nil {
				glog.Errorf("sendLoop(): error write message, session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping message, session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
