package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/presencehub/auth"
	"github.com/mqy/presencehub/cluster"
	"github.com/mqy/presencehub/store"
)

const (
	DefaultReadLimit = 1 << 20
	DefaultSendQueue = 256

	// MaxTextLen bounds the text of a message, in characters. Longer text is dropped as
	// malformed; a frame over the read limit closes the connection.
	MaxTextLen = 64 << 10
)

// Conf configures a Hub. Zero values take defaults.
type Conf struct {
	// websocket max message size to read.
	ReadLimit int64
	// per session outbound queue size.
	SendQueue int

	Registerer prometheus.Registerer
	Journal    cluster.IJournal
	NowFn      func() time.Time
}

// Stores are the shared states of a hub. Nil fields take memory implementations.
type Stores struct {
	Presence store.IPresenceRegistry
	Groups   store.IGroupLog
	History  store.IHistoryStore
}

// Hub authenticates websocket connections, tracks presence and routes messages.
//
// All activation, group message, private message and disconnect handling is serialized
// by one mutex, so the group log order is the order every session observes, and the
// backlog of a new session is always pushed before any later broadcast.
type Hub struct {
	cluster.IHub

	mu sync.Mutex

	conf       Conf
	eventApi   *EventApi
	authClient auth.Client
	presence   store.IPresenceRegistry
	groups     store.IGroupLog
	history    store.IHistoryStore
	journal    cluster.IJournal
	metrics    *hubMetrics
	hstore     *HandlerStore
	online     atomic.Bool
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, stores Stores, conf Conf) *Hub {
	if conf.ReadLimit <= 0 {
		conf.ReadLimit = DefaultReadLimit
	}
	if conf.SendQueue <= 0 {
		conf.SendQueue = DefaultSendQueue
	}
	if stores.Presence == nil {
		stores.Presence = store.NewPresenceRegistry()
	}
	if stores.Groups == nil {
		stores.Groups = store.NewGroupLog()
	}
	if stores.History == nil {
		stores.History = store.NewHistoryStore()
	}

	return &Hub{
		conf:       conf,
		eventApi:   NewApi(conf.NowFn),
		authClient: authClient,
		presence:   stores.Presence,
		groups:     stores.Groups,
		history:    stores.History,
		journal:    conf.Journal,
		metrics:    newHubMetrics(conf.Registerer),
		hstore:     newHandlerStore(),
	}
}

// Run implements `cluster.IHub.Run`. It blocks until ctx is done, then closes all sessions.
// Connections accepted after that are closed by activate.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	glog.Infof("close connections ...")
	h.mu.Lock()
	h.online.Store(false)
	h.hstore.close()
	h.mu.Unlock()
	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

// Online implements `cluster.IHub.Online`.
func (h *Hub) Online() {
	glog.Infof("Online()")
	h.online.Store(true)
}

// Offline implements `cluster.IHub.Offline`.
func (h *Hub) Offline() {
	glog.Infof("Offline()")
	h.online.Store(false)
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() {
		http.Error(w, "This node is temporarily offline", http.StatusServiceUnavailable)
		return
	}

	username, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		h.metrics.authFailures.Inc()
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Username:   username,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, username: %s, err: %s", username, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, sess, conn, h.conf.SendQueue)
	if !h.activate(handler) {
		return
	}

	go handler.recvLoop(h.conf.ReadLimit)
	go handler.sendLoop()
}

// activate registers the user, replays the backlog and the user list to the new session,
// then broadcasts presence to everyone. A handler arriving while the hub is offline is
// closed without touching the registry.
func (h *Hub) activate(handler *Handler) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.online.Load() {
		glog.Infof("activate(): hub is offline, close session: %s", handler)
		handler.close(ServerStop)
		return false
	}
	if !handler.activate() {
		return false
	}

	sess := handler.session
	h.presence.Register(sess.Username, sess.Sid)

	handler.push(&ServerMsg{InitialMessages: &Backlog{Messages: h.groups.Snapshot()}})
	handler.push(&ServerMsg{UserList: &UserList{Users: h.presence.SnapshotAll()}})
	h.hstore.add(handler)

	h.broadcastPresence()

	h.updateGauges()
	h.metrics.sessionTotal.Inc()
	glog.Infof("session active: %s", sess)
	return true
}

// deactivate marks the user of handler offline and broadcasts presence to the remaining
// sessions. A superseded session leaves the registry untouched but still broadcasts.
func (h *Hub) deactivate(handler *Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sid := handler.session.Sid
	if !h.hstore.del(sid) {
		return
	}
	if !h.presence.MarkOffline(sid) {
		glog.V(5).Infof("deactivate(): session was superseded: %s", handler)
	}
	h.broadcastPresence()

	h.updateGauges()
	glog.Infof("session closed: %s", handler)
}

func (h *Hub) updateGauges() {
	h.metrics.activeSessions.Set(float64(h.hstore.len()))
	h.metrics.usersOnline.Set(float64(h.presence.CountOnline()))
}

func (h *Hub) broadcastPresence() {
	h.hstore.broadcast(&ServerMsg{UserList: &UserList{Users: h.presence.SnapshotAll()}})
}

func (h *Hub) dispatch(src *Handler, req *ClientMsg) {
	if v := req.ChatMessage; v != nil {
		h.onGroupMessage(src, v)
	} else if v := req.PrivateMessage; v != nil {
		h.onPrivateMessage(src, v)
	} else if v := req.GetPrivateHistory; v != nil {
		h.onHistoryRequest(src, v)
	} else {
		glog.V(5).Infof("dispatch(): drop unsupported request, session: %s", src)
		h.metrics.dropped.WithLabelValues("unsupported").Inc()
	}
}

func (h *Hub) onGroupMessage(src *Handler, req *GroupMessageReq) {
	msg, err := h.eventApi.GroupMessage(src.session.Username, req)
	if err != nil {
		glog.V(5).Infof("onGroupMessage(): drop: %v, session: %s", err, src)
		h.metrics.dropped.WithLabelValues("invalid").Inc()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.groups.Append(msg)
	n := h.hstore.broadcast(&ServerMsg{Message: &msg})
	h.publish(&cluster.Record{Kind: cluster.RecordGroup, Group: &msg})

	h.metrics.events.WithLabelValues("group").Inc()
	h.metrics.groupLogSize.Set(float64(h.groups.Len()))
	glog.V(5).Infof("onGroupMessage(): delivered to %d sessions, from: %s", n, src)
}

func (h *Hub) onPrivateMessage(src *Handler, req *PrivateMessageReq) {
	msg, err := h.eventApi.PrivateMessage(src.session.Username, req)
	if err != nil {
		glog.V(5).Infof("onPrivateMessage(): drop: %v, session: %s", err, src)
		h.metrics.dropped.WithLabelValues("invalid").Inc()
		return
	}

	sender := src.session.Username

	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics.events.WithLabelValues("private").Inc()

	entry, found := h.presence.Lookup(req.To)
	if found && entry.Online && entry.Handle == src.session.Sid {
		// Talking to the very same connection is not a conversation.
		glog.V(5).Infof("onPrivateMessage(): reject send to own session: %s", src)
		h.metrics.unavailable.Inc()
		src.push(&ServerMsg{Error: newNotFoundError(recipientUnavailable)})
		return
	}

	// History is authoritative regardless of delivery.
	h.history.Append(sender, req.To, msg)
	h.publish(&cluster.Record{Kind: cluster.RecordPrivate, Private: &msg})

	if !found || !entry.Online {
		glog.V(5).Infof("onPrivateMessage(): recipient unavailable: %s, from: %s", req.To, src)
		h.metrics.unavailable.Inc()
		src.push(&ServerMsg{Error: newNotFoundError(recipientUnavailable)})
		return
	}

	if dst := h.hstore.get(entry.Handle); dst != nil {
		dst.push(&ServerMsg{PrivateMessage: &PrivateDelivery{From: sender, Message: msg}})
	}
	src.push(&ServerMsg{PrivateMessage: &PrivateDelivery{From: req.To, Message: msg}})
}

func (h *Hub) onHistoryRequest(src *Handler, req *HistoryReq) {
	if err := h.eventApi.CheckHistoryReq(req); err != nil {
		glog.V(5).Infof("onHistoryRequest(): drop: %v, session: %s", err, src)
		h.metrics.dropped.WithLabelValues("invalid").Inc()
		return
	}

	h.metrics.events.WithLabelValues("history").Inc()
	src.push(&ServerMsg{PrivateHistory: &PrivateHistory{
		WithUser: req.WithUser,
		Messages: h.history.History(src.session.Username, req.WithUser),
	}})
}

func (h *Hub) publish(rec *cluster.Record) {
	if h.journal != nil {
		h.journal.Publish(rec)
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
