package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/presencehub/auth"
	"github.com/mqy/presencehub/store"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

type testClient struct {
	t    *testing.T
	name string
	conn *websocket.Conn
}

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	hub := NewHub(&auth.MockClient{}, Stores{}, Conf{
		NowFn: func() time.Time { return fixedNow },
	})
	hub.Online()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server, name string) *testClient {
	header := http.Header{"Cookie": []string{"x-user=" + name}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, name: name, conn: conn}
}

// join dials and consumes the backlog, the user list and the presence broadcast.
func join(t *testing.T, srv *httptest.Server, name string) (*testClient, []store.GroupMessage) {
	c := dial(t, srv, name)
	backlog := c.next().InitialMessages
	require.NotNil(t, backlog)
	require.NotNil(t, c.next().UserList)
	require.NotNil(t, c.next().UserList)
	return c, backlog.Messages
}

func (c *testClient) send(v interface{}) {
	out, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, out))
}

func (c *testClient) next() *ServerMsg {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "%s: read", c.name)
	require.Equal(c.t, websocket.TextMessage, msgType)
	msg := &ServerMsg{}
	require.NoError(c.t, json.Unmarshal(data, msg))
	return msg
}

func (c *testClient) nextUserList() []store.PresenceEntry {
	msg := c.next()
	require.NotNil(c.t, msg.UserList, "%s: expect user_list, got %+v", c.name, msg)
	return msg.UserList.Users
}

func online(names ...string) []store.PresenceEntry {
	out := make([]store.PresenceEntry, 0, len(names))
	for _, name := range names {
		out = append(out, store.PresenceEntry{Username: name, Online: true})
	}
	return out
}

func TestConversation(t *testing.T) {
	_, srv := newTestServer(t)

	alice := dial(t, srv, "alice")
	msg := alice.next()
	require.NotNil(t, msg.InitialMessages)
	assert.Empty(t, msg.InitialMessages.Messages)
	assert.Equal(t, online("alice"), alice.nextUserList())
	assert.Equal(t, online("alice"), alice.nextUserList())

	alice.send(&ClientMsg{ChatMessage: &GroupMessageReq{Text: "hi"}})
	msg = alice.next()
	require.NotNil(t, msg.Message)
	assert.Equal(t, store.GroupMessage{Author: "alice", Text: "hi", Timestamp: fixedNow.Format(store.TimestampLayout)}, *msg.Message)

	bob := dial(t, srv, "bob")
	msg = bob.next()
	require.NotNil(t, msg.InitialMessages)
	require.Len(t, msg.InitialMessages.Messages, 1)
	assert.Equal(t, "hi", msg.InitialMessages.Messages[0].Text)
	assert.Equal(t, online("alice", "bob"), bob.nextUserList())
	assert.Equal(t, online("alice", "bob"), bob.nextUserList())
	assert.Equal(t, online("alice", "bob"), alice.nextUserList())

	bob.send(&ClientMsg{PrivateMessage: &PrivateMessageReq{To: "alice", Text: "yo", Timestamp: "10:00:00"}})

	want := store.PrivateMessage{Author: "bob", Recipient: "alice", Text: "yo", Timestamp: "10:00:00", IsPrivate: true}

	msg = alice.next()
	require.NotNil(t, msg.PrivateMessage)
	assert.Equal(t, "bob", msg.PrivateMessage.From)
	assert.Equal(t, want, msg.PrivateMessage.Message)

	msg = bob.next()
	require.NotNil(t, msg.PrivateMessage)
	assert.Equal(t, "alice", msg.PrivateMessage.From)
	assert.Equal(t, want, msg.PrivateMessage.Message)

	for _, c := range []struct {
		client *testClient
		other  string
	}{{alice, "bob"}, {bob, "alice"}} {
		c.client.send(&ClientMsg{GetPrivateHistory: &HistoryReq{WithUser: c.other}})
		msg = c.client.next()
		require.NotNil(t, msg.PrivateHistory)
		assert.Equal(t, c.other, msg.PrivateHistory.WithUser)
		assert.Equal(t, []store.PrivateMessage{want}, msg.PrivateHistory.Messages)
	}
}

func TestRecipientUnavailable(t *testing.T) {
	hub, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")
	alice.send(&ClientMsg{PrivateMessage: &PrivateMessageReq{To: "carol", Text: "anyone?"}})

	msg := alice.next()
	require.NotNil(t, msg.Error)
	assert.EqualValues(t, ErrorCodeNotFound, msg.Error.Code)
	assert.Equal(t, []string{"User not found or offline"}, msg.Error.Params)

	// still recorded
	alice.send(&ClientMsg{GetPrivateHistory: &HistoryReq{WithUser: "carol"}})
	msg = alice.next()
	require.NotNil(t, msg.PrivateHistory)
	require.Len(t, msg.PrivateHistory.Messages, 1)
	assert.Equal(t, "anyone?", msg.PrivateHistory.Messages[0].Text)
	assert.Len(t, hub.history.History("carol", "alice"), 1)
}

func TestRecipientOffline(t *testing.T) {
	hub, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")
	bob, _ := join(t, srv, "bob")
	alice.nextUserList()

	bob.conn.Close()
	assert.Equal(t, []store.PresenceEntry{
		{Username: "alice", Online: true},
		{Username: "bob", Online: false},
	}, alice.nextUserList())

	alice.send(&ClientMsg{PrivateMessage: &PrivateMessageReq{To: "bob", Text: "later"}})
	msg := alice.next()
	require.NotNil(t, msg.Error)
	assert.EqualValues(t, ErrorCodeNotFound, msg.Error.Code)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(hub.metrics.usersOnline) == 1 &&
			testutil.ToFloat64(hub.metrics.activeSessions) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, testutil.ToFloat64(hub.metrics.sessionTotal))
	assert.EqualValues(t, 1, testutil.ToFloat64(hub.metrics.unavailable))
}

func TestSendToSelf(t *testing.T) {
	hub, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")
	alice.send(&ClientMsg{PrivateMessage: &PrivateMessageReq{To: "alice", Text: "me"}})

	msg := alice.next()
	require.NotNil(t, msg.Error)
	assert.EqualValues(t, ErrorCodeNotFound, msg.Error.Code)
	assert.Empty(t, hub.history.History("alice", "alice"))
}

func TestReconnect(t *testing.T) {
	hub, srv := newTestServer(t)

	first, _ := join(t, srv, "alice")
	second, _ := join(t, srv, "alice")
	assert.Equal(t, online("alice"), first.nextUserList())

	entries := hub.presence.SnapshotAll()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Username)

	// The superseded connection still receives broadcasts.
	bob, _ := join(t, srv, "bob")
	assert.Equal(t, online("alice", "bob"), first.nextUserList())
	assert.Equal(t, online("alice", "bob"), second.nextUserList())

	// Private messages go to the latest connection only.
	bob.send(&ClientMsg{PrivateMessage: &PrivateMessageReq{To: "alice", Text: "which one?"}})
	msg := second.next()
	require.NotNil(t, msg.PrivateMessage)
	assert.Equal(t, "which one?", msg.PrivateMessage.Message.Text)

	// Closing the superseded connection leaves alice online.
	first.conn.Close()
	assert.Equal(t, online("alice", "bob"), second.nextUserList())
	entry, ok := hub.presence.Lookup("alice")
	require.True(t, ok)
	assert.True(t, entry.Online)
}

func TestMalformedEvents(t *testing.T) {
	_, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, alice.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	alice.send(map[string]interface{}{})
	alice.send(&ClientMsg{ChatMessage: &GroupMessageReq{}})
	alice.send(&ClientMsg{PrivateMessage: &PrivateMessageReq{Text: "nobody"}})
	alice.send(&ClientMsg{GetPrivateHistory: &HistoryReq{}})
	alice.send(&ClientMsg{ChatMessage: &GroupMessageReq{Text: "still here"}})

	msg := alice.next()
	require.NotNil(t, msg.Message)
	assert.Equal(t, "still here", msg.Message.Text)
}

func TestRejected(t *testing.T) {
	hub, srv := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hub.Offline()
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Cookie": []string{"x-user=alice"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.Empty(t, hub.presence.SnapshotAll())
}

func TestGroupOrder(t *testing.T) {
	hub, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")
	bob, _ := join(t, srv, "bob")
	alice.nextUserList()

	const n = 10
	var wg sync.WaitGroup
	for _, c := range []*testClient{alice, bob} {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				out, _ := json.Marshal(&ClientMsg{ChatMessage: &GroupMessageReq{Text: fmt.Sprintf("%s-%d", c.name, i)}})
				if err := c.conn.WriteMessage(websocket.TextMessage, out); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	var seen [2][]string
	for i, c := range []*testClient{alice, bob} {
		for j := 0; j < 2*n; j++ {
			msg := c.next()
			require.NotNil(t, msg.Message)
			seen[i] = append(seen[i], msg.Message.Text)
		}
	}
	assert.Equal(t, seen[0], seen[1])

	var logged []string
	for _, m := range hub.groups.Snapshot() {
		logged = append(logged, m.Text)
	}
	assert.Equal(t, seen[0], logged)

	// new sessions replay the same order.
	_, backlog := join(t, srv, "carol")
	require.Len(t, backlog, 2*n)
	for i, m := range backlog {
		assert.Equal(t, logged[i], m.Text)
	}
}

func TestServerStop(t *testing.T) {
	hub, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	stopDoneC := make(chan struct{}, 1)
	go hub.Run(ctx, stopDoneC)
	cancel()

	select {
	case <-stopDoneC:
	case <-time.After(3 * time.Second):
		t.Fatal("hub did not stop")
	}

	alice.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := alice.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "err: %v", err)
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}

func TestSlowConsumer(t *testing.T) {
	hub := NewHub(&auth.MockClient{}, Stores{}, Conf{})
	hub.Online()

	// No sendLoop: the queue holds the backlog only, the user list overflows it.
	h := newHandler(hub, &Session{Username: "alice", Sid: "s1"}, serverConn(t), 1)
	hub.activate(h)

	assert.Eventually(t, func() bool {
		entry, ok := hub.presence.Lookup("alice")
		return ok && !entry.Online && h.State() == StateClosed && hub.hstore.len() == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, testutil.ToFloat64(hub.metrics.slowConsumers))
	assert.False(t, h.push(&ServerMsg{}))
}

// serverConn returns the server side of a websocket pair, without hub loops.
func serverConn(t *testing.T) *websocket.Conn {
	connC := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connC <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return <-connC
}

func TestLongMessage(t *testing.T) {
	_, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")
	bob, _ := join(t, srv, "bob")
	alice.nextUserList()

	long := strings.Repeat("x", 5000)
	alice.send(&ClientMsg{ChatMessage: &GroupMessageReq{Text: long}})
	for _, c := range []*testClient{alice, bob} {
		msg := c.next()
		require.NotNil(t, msg.Message, "%s: got %+v", c.name, msg)
		assert.Equal(t, long, msg.Message.Text)
	}

	// Text over MaxTextLen is dropped, the connection stays up.
	alice.send(&ClientMsg{ChatMessage: &GroupMessageReq{Text: strings.Repeat("x", MaxTextLen+1)}})
	alice.send(&ClientMsg{PrivateMessage: &PrivateMessageReq{To: "bob", Text: strings.Repeat("x", MaxTextLen+1)}})
	alice.send(&ClientMsg{ChatMessage: &GroupMessageReq{Text: "after"}})
	for _, c := range []*testClient{alice, bob} {
		msg := c.next()
		require.NotNil(t, msg.Message, "%s: got %+v", c.name, msg)
		assert.Equal(t, "after", msg.Message.Text)
	}
}

func TestDisconnectRejoin(t *testing.T) {
	hub, srv := newTestServer(t)

	alice, _ := join(t, srv, "alice")
	bob, _ := join(t, srv, "bob")
	alice.nextUserList()

	alice.conn.Close()
	assert.Equal(t, []store.PresenceEntry{
		{Username: "alice", Online: false},
		{Username: "bob", Online: true},
	}, bob.nextUserList())

	join(t, srv, "alice")
	assert.Equal(t, online("bob", "alice"), bob.nextUserList())

	entries := hub.presence.SnapshotAll()
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[1].Username)
	assert.True(t, entries[1].Online)
}

func TestActivateAfterStop(t *testing.T) {
	hub, srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	stopDoneC := make(chan struct{}, 1)
	go hub.Run(ctx, stopDoneC)
	cancel()
	<-stopDoneC

	// A connection that passed the online check before the stop.
	h := newHandler(hub, &Session{Username: "alice", Sid: "late"}, serverConn(t), 4)
	assert.False(t, hub.activate(h))
	assert.Equal(t, StateClosed, h.State())
	assert.Equal(t, 0, hub.hstore.len())
	_, ok := hub.presence.Lookup("alice")
	assert.False(t, ok)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Cookie": []string{"x-user=alice"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
