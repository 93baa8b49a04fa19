package rooms

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/broker"
)

func testServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project")
		userID := r.URL.Query().Get("user")
		require.NoError(t, hub.Join(w, r, projectID, userID))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, project, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?project=" + project + "&user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame returns the next frame's type and raw payload.
func readFrame(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var probe struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(payload, &probe))
	return probe.Type, payload
}

// waitFrame reads until a frame of the wanted type arrives.
func waitFrame(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	for i := 0; i < 10; i++ {
		typ, payload := readFrame(t, conn)
		if typ == want {
			return payload
		}
	}
	t.Fatalf("frame %q never arrived", want)
	return nil
}

func TestPresenceAndBridge(t *testing.T) {
	bus := broker.New()
	hub := NewHub(bus, nil)
	srv := testServer(t, hub)

	alice := dial(t, srv, "p1", "alice")
	payload := waitFrame(t, alice, "presence.joined")
	assert.Contains(t, string(payload), "alice")

	bob := dial(t, srv, "p1", "bob")
	payload = waitFrame(t, alice, "presence.joined")
	assert.Contains(t, string(payload), "bob")
	waitFrame(t, bob, "presence.joined")

	require.Eventually(t, func() bool { return hub.MemberCount("p1") == 2 },
		time.Second, 10*time.Millisecond)

	// Broker events on the project channel reach both members.
	bus.Emit("project:p1", "boq.item.updated", map[string]interface{}{"item_id": "i1"})
	assert.Contains(t, string(waitFrame(t, alice, "boq.item.updated")), "i1")
	assert.Contains(t, string(waitFrame(t, bob, "boq.item.updated")), "i1")
}

func TestRoomsAreIsolated(t *testing.T) {
	bus := broker.New()
	hub := NewHub(bus, nil)
	srv := testServer(t, hub)

	alice := dial(t, srv, "p1", "alice")
	waitFrame(t, alice, "presence.joined")
	carol := dial(t, srv, "p2", "carol")
	waitFrame(t, carol, "presence.joined")

	bus.Emit("project:p2", "comment.added", map[string]interface{}{"comment_id": "c1"})
	assert.Contains(t, string(waitFrame(t, carol, "comment.added")), "c1")

	// Alice must not see p2 traffic.
	alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, payload, err := alice.ReadMessage()
	if err == nil {
		assert.NotContains(t, string(payload), "comment.added")
	}
}

func TestLeaveEmptiesRoom(t *testing.T) {
	bus := broker.New()
	hub := NewHub(bus, nil)
	srv := testServer(t, hub)

	alice := dial(t, srv, "p1", "alice")
	waitFrame(t, alice, "presence.joined")
	bob := dial(t, srv, "p1", "bob")
	waitFrame(t, bob, "presence.joined")

	require.NoError(t, bob.Close())
	payload := waitFrame(t, alice, "presence.left")
	assert.Contains(t, string(payload), "bob")

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool { return hub.MemberCount("p1") == 0 },
		time.Second, 10*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	bus := broker.New()
	hub := NewHub(bus, nil)
	srv := testServer(t, hub)

	alice := dial(t, srv, "p1", "alice")
	waitFrame(t, alice, "presence.joined")

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "ping"}))
	waitFrame(t, alice, "pong")
}
