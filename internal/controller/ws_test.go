package controller

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connInmemory "github.com/watchwithmi/server/internal/repository/connection/inmemory"
	roomInmemory "github.com/watchwithmi/server/internal/repository/room/inmemory"
	"github.com/watchwithmi/server/internal/service/room"
)

type wireMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newWSTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.Default()
	roomService := room.NewService(
		roomInmemory.NewRepo(16, logger),
		connInmemory.NewRepo(),
		logger,
	)
	c := NewController(roomService, readyStreamer(), &fakeSearcher{}, logger)

	srv := httptest.NewServer(c.Router())
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": eventType, "payload": payload}))
}

func recvEvent(t *testing.T, conn *websocket.Conn) wireMsg {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMsg
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func recvEventOfType(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()

	msg := recvEvent(t, conn)
	require.Equal(t, eventType, msg.Type)
	return msg.Payload
}

func payloadField[T any](t *testing.T, payload json.RawMessage, field string) T {
	t.Helper()

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Contains(t, decoded, field)

	var value T
	require.NoError(t, json.Unmarshal(decoded[field], &value))
	return value
}

func TestWebsocketSession(t *testing.T) {
	srv := newWSTestServer(t)

	// alice creates a room
	alice := dialWS(t, srv)
	sendEvent(t, alice, "create_room", map[string]any{"name": "Alice"})

	created := recvEventOfType(t, alice, "room_created")
	roomCode := payloadField[string](t, created, "room_code")
	aliceId := payloadField[string](t, created, "user_id")
	assert.Len(t, roomCode, 6)
	t.Log("room created")

	// bob joins with a lowercase code
	bob := dialWS(t, srv)
	sendEvent(t, bob, "join_room", map[string]any{
		"room_code": strings.ToLower(roomCode),
		"name":      "Bob",
	})

	joined := recvEventOfType(t, bob, "room_joined")
	assert.Equal(t, roomCode, payloadField[string](t, joined, "room_code"))
	bobId := payloadField[string](t, joined, "user_id")

	aliceSawJoin := recvEventOfType(t, alice, "user_joined")
	assert.Equal(t, "Bob", payloadField[string](t, aliceSawJoin, "user_name"))
	assert.Equal(t, aliceId, payloadField[string](t, aliceSawJoin, "host"))
	recvEventOfType(t, alice, "users_updated")
	recvEventOfType(t, bob, "users_updated")
	t.Log("member joined")

	// chat reaches both, including the sender
	sendEvent(t, bob, "send_message", map[string]any{"message": "hello"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := recvEventOfType(t, conn, "new_message")
		assert.Equal(t, "hello", payloadField[string](t, msg, "message"))
		assert.Equal(t, "Bob", payloadField[string](t, msg, "user_name"))
	}

	// pause is not echoed back to its origin
	sendEvent(t, alice, "media_control", map[string]any{"action": "pause", "timestamp": 42.5})
	paused := recvEventOfType(t, bob, "media_pause")
	assert.Equal(t, 42.5, payloadField[float64](t, paused, "timestamp"))
	assert.Equal(t, "Alice", payloadField[string](t, paused, "user_name"))

	sendEvent(t, alice, "send_message", map[string]any{"message": "after pause"})
	next := recvEvent(t, alice)
	assert.Equal(t, "new_message", next.Type, "origin must not receive its own media_pause")
	recvEventOfType(t, bob, "new_message")

	// webrtc offer is relayed to exactly the target with sender identity
	sendEvent(t, alice, "webrtc_offer", map[string]any{
		"target_user_id": bobId,
		"offer":          map[string]any{"sdp": "v=0"},
	})
	offer := recvEventOfType(t, bob, "webrtc_offer")
	assert.Equal(t, aliceId, payloadField[string](t, offer, "from_user_id"))
	assert.Equal(t, "Alice", payloadField[string](t, offer, "from_user_name"))
	var sdp map[string]string
	require.NoError(t, json.Unmarshal([]byte(payloadField[json.RawMessage](t, offer, "offer")), &sdp))
	assert.Equal(t, "v=0", sdp["sdp"])

	sendEvent(t, bob, "webrtc_ice_candidate", map[string]any{
		"target_user_id": aliceId,
		"candidate":      map[string]any{"sdpMid": "0"},
	})
	candidate := recvEventOfType(t, alice, "webrtc_ice_candidate")
	assert.Equal(t, bobId, payloadField[string](t, candidate, "from_user_id"))

	// disconnect hands host to bob
	alice.Close()
	left := recvEventOfType(t, bob, "user_left")
	assert.Equal(t, "Alice", payloadField[string](t, left, "user_name"))
	assert.Equal(t, bobId, payloadField[string](t, left, "new_host"))
	updated := recvEventOfType(t, bob, "users_updated")
	assert.Equal(t, bobId, payloadField[string](t, updated, "host"))
	t.Log("host left")
}

func TestWebsocketSameNameRejoin(t *testing.T) {
	srv := newWSTestServer(t)

	alice := dialWS(t, srv)
	sendEvent(t, alice, "create_room", map[string]any{"name": "Alice"})
	created := recvEventOfType(t, alice, "room_created")
	roomCode := payloadField[string](t, created, "room_code")

	bob := dialWS(t, srv)
	sendEvent(t, bob, "join_room", map[string]any{"room_code": roomCode, "name": "Bob"})
	recvEventOfType(t, bob, "room_joined")
	recvEventOfType(t, alice, "user_joined")
	recvEventOfType(t, alice, "users_updated")
	recvEventOfType(t, bob, "users_updated")

	// bob opens a fresh connection under the same name, replacing the
	// stale session
	bob2 := dialWS(t, srv)
	sendEvent(t, bob2, "join_room", map[string]any{"room_code": roomCode, "name": "Bob"})
	rejoined := recvEventOfType(t, bob2, "room_joined")
	assert.Equal(t, roomCode, payloadField[string](t, rejoined, "room_code"))

	// alice sees a roster refresh but no join notice; the member never
	// left as far as the room is concerned
	updated := recvEventOfType(t, alice, "users_updated")
	users := payloadField[[]map[string]any](t, updated, "users")
	assert.Len(t, users, 2)
}

func TestWebsocketErrors(t *testing.T) {
	srv := newWSTestServer(t)
	conn := dialWS(t, srv)

	// unknown event type
	sendEvent(t, conn, "make_coffee", map[string]any{})
	errMsg := recvEventOfType(t, conn, "error")
	assert.NotEmpty(t, payloadField[string](t, errMsg, "message"))

	// validation failure names the offending field
	sendEvent(t, conn, "create_room", map[string]any{})
	errMsg = recvEventOfType(t, conn, "error")
	assert.Contains(t, payloadField[string](t, errMsg, "message"), "name")

	// room-scoped events require a room
	sendEvent(t, conn, "send_message", map[string]any{"message": "hi"})
	errMsg = recvEventOfType(t, conn, "error")
	assert.Equal(t, "not in a room", payloadField[string](t, errMsg, "message"))

	// the connection survives all of the above
	sendEvent(t, conn, "create_room", map[string]any{"name": "Alice"})
	recvEventOfType(t, conn, "room_created")
}

func TestWebsocketChangeMediaBroadcast(t *testing.T) {
	srv := newWSTestServer(t)

	alice := dialWS(t, srv)
	sendEvent(t, alice, "create_room", map[string]any{"name": "Alice"})
	recvEventOfType(t, alice, "room_created")

	sendEvent(t, alice, "media_control", map[string]any{
		"action":     "change_media",
		"url":        "magnet:?xt=urn:btih:deadbeef",
		"media_type": "torrent",
		"title":      "Some Movie",
	})

	changed := recvEventOfType(t, alice, "media_changed")
	assert.Equal(t, "torrent", payloadField[string](t, changed, "media_type"))
	assert.Equal(t, "Some Movie", payloadField[string](t, changed, "title"))
	assert.Equal(t, "Alice", payloadField[string](t, changed, "user_name"))

	sendEvent(t, alice, "media_control", map[string]any{"action": "start_loading"})
	loading := recvEventOfType(t, alice, "media_loading")
	assert.Equal(t, "torrent", payloadField[string](t, loading, "media_type"))

	sendEvent(t, alice, "media_control", map[string]any{
		"action": "torrent_progress",
		"status": map[string]any{"progress": 0.4},
	})
	progress := recvEventOfType(t, alice, "torrent_progress")
	assert.Equal(t, "Alice", payloadField[string](t, progress, "user_name"))
}
