package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomRepo "github.com/watchwithmi/server/internal/repository/room"
	roomService "github.com/watchwithmi/server/internal/service/room"
	"github.com/watchwithmi/server/pkg/ctxlogger"
	"github.com/watchwithmi/server/pkg/rest"
	"github.com/watchwithmi/server/pkg/wsrouter"
)

// Inbound event types.
const (
	evCreateRoom   = "create_room"
	evJoinRoom     = "join_room"
	evSendMessage  = "send_message"
	evMediaControl = "media_control"
	evWebRTCOffer  = "webrtc_offer"
	evWebRTCAnswer = "webrtc_answer"
	evICECandidate = "webrtc_ice_candidate"
	evToggleVideo  = "toggle_video"
	evToggleAudio  = "toggle_audio"
)

// Outbound event types.
const (
	evRoomCreated     = "room_created"
	evRoomJoined      = "room_joined"
	evUserJoined      = "user_joined"
	evUserLeft        = "user_left"
	evUsersUpdated    = "users_updated"
	evNewMessage      = "new_message"
	evMediaChanged    = "media_changed"
	evMediaLoading    = "media_loading"
	evTorrentProgress = "torrent_progress"
	evError           = "error"
)

// Output is the wire shape of every server-to-client event.
type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (c *controller) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}

	client, err := c.roomService.Connect(conn)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to register connection", "error", err)
		conn.Close()
		return
	}

	ctx = ctxlogger.AppendCtx(ctx, slog.String("conn_id", uuid.NewString()))
	c.logger.InfoContext(ctx, "websocket connected", "remote_addr", r.RemoteAddr)

	defer func() {
		c.disconnect(ctx, client)
		conn.Close()
		c.logger.InfoContext(ctx, "websocket closed")
	}()

	mux := c.newWSMux(client)
	if err := mux.ServeConn(ctx, conn); err != nil &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.logger.DebugContext(ctx, "websocket read loop ended", "error", err)
	}
}

func (c *controller) newWSMux(client *connection.Client) *wsrouter.WSRouter {
	mux := wsrouter.New()

	mux.Handle(evCreateRoom, c.handleCreateRoom(client))
	mux.Handle(evJoinRoom, c.handleJoinRoom(client))
	mux.Handle(evSendMessage, c.handleSendMessage(client))
	mux.Handle(evMediaControl, c.handleMediaControl(client))
	mux.Handle(evWebRTCOffer, c.handleSignal(client, evWebRTCOffer))
	mux.Handle(evWebRTCAnswer, c.handleSignal(client, evWebRTCAnswer))
	mux.Handle(evICECandidate, c.handleSignal(client, evICECandidate))
	mux.Handle(evToggleVideo, c.handleToggleMedia(client, "video"))
	mux.Handle(evToggleAudio, c.handleToggleMedia(client, "audio"))

	mux.HandleError(func(ctx context.Context, _ *websocket.Conn, err error) {
		c.writeError(ctx, client, err)
	})

	return mux
}

// disconnect runs exactly once per connection and is the only place the
// departure of a member is announced.
func (c *controller) disconnect(ctx context.Context, client *connection.Client) {
	resp, err := c.roomService.Disconnect(ctx, client)
	if err != nil {
		c.logger.ErrorContext(ctx, "disconnect cleanup failed", "error", err)
		return
	}
	if !resp.WasInRoom || resp.RoomEmpty {
		return
	}

	c.broadcast(resp.Clients, evUserLeft, rest.Envelope{
		"user_name": resp.Left.Username,
		"new_host":  resp.NewHostId,
	})
	c.broadcast(resp.Clients, evUsersUpdated, rest.Envelope{
		"users": resp.Users,
		"host":  resp.HostId,
	})
}

func (c *controller) broadcast(clients []*connection.Client, event string, payload any) {
	out := Output{Type: event, Payload: payload}
	for _, client := range clients {
		if err := client.WriteJSON(out); err != nil {
			// A dead receiver cleans itself up via its own read loop.
			c.logger.Debug("broadcast write failed", "event", event, "error", err)
		}
	}
}

func (c *controller) send(client *connection.Client, event string, payload any) error {
	return client.WriteJSON(Output{Type: event, Payload: payload})
}

var clientErrors = []error{
	roomService.ErrEmptyUsername,
	roomService.ErrInvalidRoomCode,
	roomService.ErrNotInRoom,
	roomService.ErrEmptyMessage,
	roomService.ErrEmptyMediaURL,
	roomService.ErrInvalidMediaKind,
	roomService.ErrInvalidAction,
	roomService.ErrRoomFull,
	roomRepo.ErrRoomNotFound,
	roomRepo.ErrMemberNotFound,
	wsrouter.ErrUnknownMessageType,
}

// writeError reports a failed event to its sender. Client mistakes echo
// their message verbatim; anything else is masked and logged.
func (c *controller) writeError(ctx context.Context, client *connection.Client, err error) {
	message := "internal server error"

	var valErr *inputError
	switch {
	case errors.As(err, &valErr):
		message = valErr.message
	default:
		for _, known := range clientErrors {
			if errors.Is(err, known) {
				message = err.Error()
				break
			}
		}
	}

	if message == "internal server error" {
		c.logger.ErrorContext(ctx, "event handler failed", "error", err)
	} else {
		c.logger.DebugContext(ctx, "event rejected", "reason", message)
	}

	if werr := c.send(client, evError, rest.Envelope{"message": message}); werr != nil {
		c.logger.DebugContext(ctx, "failed to write error event", "error", werr)
	}
}

type inputError struct {
	message string
}

func (e *inputError) Error() string { return e.message }

// decode unmarshals an event payload and runs struct validation, turning
// the first violation into a client-facing message.
func (c *controller) decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return &inputError{message: "malformed payload"}
	}

	if violations, ok := c.validate.Validate(dst); !ok {
		return &inputError{message: violations[0].Message}
	}
	return nil
}

func wsHandler[T any](c *controller, handle func(ctx context.Context, input T) error) wsrouter.HandlerFunc {
	return func(ctx context.Context, _ *websocket.Conn, payload json.RawMessage) error {
		var input T
		if err := c.decode(payload, &input); err != nil {
			return err
		}
		return handle(ctx, input)
	}
}

func fmtUnknownAction(action string) error {
	return &inputError{message: fmt.Sprintf("unknown media action %q", action)}
}
