package controller

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomService "github.com/watchwithmi/server/internal/service/room"
	"github.com/watchwithmi/server/pkg/rest"
	"github.com/watchwithmi/server/pkg/wsrouter"
)

type createRoomInput struct {
	Name string `json:"name" validate:"required,max=50"`
}

func (c *controller) handleCreateRoom(client *connection.Client) wsrouter.HandlerFunc {
	return wsHandler(c, func(ctx context.Context, input createRoomInput) error {
		resp, err := c.roomService.CreateRoom(ctx, &roomService.CreateRoomParams{
			Client:   client,
			Username: input.Name,
		})
		if err != nil {
			return err
		}

		return c.send(client, evRoomCreated, rest.Envelope{
			"room_code": resp.RoomCode,
			"user_id":   resp.MemberId,
			"state":     resp.State,
		})
	})
}

type joinRoomInput struct {
	RoomCode string `json:"room_code" validate:"required,min=6,max=6"`
	Name     string `json:"name" validate:"required,max=50"`
}

func (c *controller) handleJoinRoom(client *connection.Client) wsrouter.HandlerFunc {
	return wsHandler(c, func(ctx context.Context, input joinRoomInput) error {
		resp, err := c.roomService.JoinRoom(ctx, &roomService.JoinRoomParams{
			Client:   client,
			RoomCode: input.RoomCode,
			Username: input.Name,
		})
		if err != nil {
			return err
		}

		// Stale same-name sessions were unbound by the join; closing
		// their sockets lets the old tabs notice immediately.
		for _, stale := range resp.DroppedClients {
			stale.Close()
		}

		if err := c.send(client, evRoomJoined, rest.Envelope{
			"room_code": resp.RoomCode,
			"user_id":   resp.MemberId,
			"state":     resp.State,
		}); err != nil {
			return err
		}

		// A same-name rejoin replaces a stale session; the member never
		// left from the room's point of view, so no join notice.
		if !resp.Reconnected {
			c.broadcast(resp.OtherClients, evUserJoined, rest.Envelope{
				"user_id":   resp.MemberId,
				"user_name": resp.JoinedMember.Username,
				"users":     resp.Users,
				"host":      resp.HostId,
			})
		}
		c.broadcast(resp.AllClients, evUsersUpdated, rest.Envelope{
			"users": resp.Users,
			"host":  resp.HostId,
		})
		return nil
	})
}

type sendMessageInput struct {
	Message string `json:"message" validate:"required,max=2000"`
}

func (c *controller) handleSendMessage(client *connection.Client) wsrouter.HandlerFunc {
	return wsHandler(c, func(ctx context.Context, input sendMessageInput) error {
		resp, err := c.roomService.SendMessage(ctx, &roomService.SendMessageParams{
			Client:  client,
			Message: input.Message,
		})
		if err != nil {
			return err
		}

		// The sender receives its own message from the broadcast, so
		// every member orders chat identically.
		c.broadcast(resp.Clients, evNewMessage, resp.Message)
		return nil
	})
}

type mediaControlInput struct {
	Action    string `json:"action" validate:"required,oneof=play pause seek change_media start_loading torrent_progress"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Title     string `json:"title,omitempty"`
	// Timestamp is the playback position for play/pause/seek.
	Timestamp float64         `json:"timestamp,omitempty"`
	Position  float64         `json:"position,omitempty"`
	Status    json.RawMessage `json:"status,omitempty"`
}

func (c *controller) handleMediaControl(client *connection.Client) wsrouter.HandlerFunc {
	return wsHandler(c, func(ctx context.Context, input mediaControlInput) error {
		switch input.Action {
		case roomService.ActionPlay, roomService.ActionPause, roomService.ActionSeek:
			return c.controlPlayback(ctx, client, input)
		case "change_media":
			return c.changeMedia(ctx, client, input)
		case "start_loading":
			return c.startLoading(ctx, client, input)
		case "torrent_progress":
			return c.relayTorrentProgress(ctx, client, input)
		default:
			return fmtUnknownAction(input.Action)
		}
	})
}

func (c *controller) controlPlayback(ctx context.Context, client *connection.Client, input mediaControlInput) error {
	resp, err := c.roomService.ControlPlayback(ctx, &roomService.ControlPlaybackParams{
		Client:   client,
		Action:   input.Action,
		Position: input.Timestamp,
	})
	if err != nil {
		return err
	}

	// The origin already applied the action locally and is excluded,
	// otherwise its own echo would fight the user's player.
	c.broadcast(resp.OtherClients, "media_"+resp.Action, rest.Envelope{
		"timestamp": resp.Media.Position,
		"user_name": resp.Username,
	})
	return nil
}

func (c *controller) changeMedia(ctx context.Context, client *connection.Client, input mediaControlInput) error {
	resp, err := c.roomService.ChangeMedia(ctx, &roomService.ChangeMediaParams{
		Client:   client,
		URL:      input.URL,
		Kind:     input.MediaType,
		Title:    input.Title,
		Position: input.Position,
	})
	if err != nil {
		return err
	}

	c.broadcast(resp.Clients, evMediaChanged, rest.Envelope{
		"url":        resp.Media.URL,
		"media_type": resp.Media.Kind,
		"title":      resp.Media.Title,
		"position":   resp.Media.Position,
		"user_name":  resp.Username,
	})
	return nil
}

func (c *controller) startLoading(ctx context.Context, client *connection.Client, input mediaControlInput) error {
	resp, err := c.roomService.SetLoading(ctx, &roomService.SetLoadingParams{
		Client: client,
		Kind:   input.MediaType,
		Title:  input.Title,
	})
	if err != nil {
		return err
	}

	c.broadcast(resp.Clients, evMediaLoading, rest.Envelope{
		"media_type": resp.Kind,
		"title":      resp.Title,
		"user_name":  resp.Username,
	})
	return nil
}

func (c *controller) relayTorrentProgress(ctx context.Context, client *connection.Client, input mediaControlInput) error {
	resp, err := c.roomService.RelayTorrentProgress(ctx, &roomService.RelayTorrentProgressParams{
		Client: client,
		Status: input.Status,
	})
	if err != nil {
		return err
	}

	c.broadcast(resp.Clients, evTorrentProgress, rest.Envelope{
		"status":    resp.Status,
		"user_name": resp.Username,
	})
	return nil
}

type signalInput struct {
	Target string `json:"target_user_id" validate:"required"`
}

// handleSignal relays one WebRTC payload to exactly one member of the same
// room. Unknown or departed targets are dropped without an error event, the
// peer connection state machine handles the silence.
func (c *controller) handleSignal(client *connection.Client, event string) wsrouter.HandlerFunc {
	return func(ctx context.Context, _ *websocket.Conn, payload json.RawMessage) error {
		var input signalInput
		if err := c.decode(payload, &input); err != nil {
			return err
		}

		resp, err := c.roomService.Signal(ctx, &roomService.SignalParams{
			Client:       client,
			TargetUserId: input.Target,
			Payload:      payload,
		})
		if err != nil {
			if errors.Is(err, roomService.ErrTargetNotFound) {
				c.logger.DebugContext(ctx, "signal target gone", "event", event)
				return nil
			}
			return err
		}

		// Forward the payload as sent, minus the routing field, plus
		// the verified sender identity.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(resp.Payload, &fields); err != nil {
			return &inputError{message: "malformed payload"}
		}
		delete(fields, "target_user_id")

		out := rest.Envelope{
			"from_user_id":   resp.FromId,
			"from_user_name": resp.FromName,
		}
		for key, value := range fields {
			out[key] = value
		}

		if err := c.send(resp.Target, event, out); err != nil {
			c.logger.DebugContext(ctx, "signal delivery failed", "event", event, "error", err)
		}
		return nil
	}
}

type toggleMediaInput struct {
	Enabled bool `json:"enabled"`
}

func (c *controller) handleToggleMedia(client *connection.Client, kind string) wsrouter.HandlerFunc {
	return wsHandler(c, func(ctx context.Context, input toggleMediaInput) error {
		resp, err := c.roomService.ToggleMedia(ctx, &roomService.ToggleMediaParams{
			Client:  client,
			Kind:    kind,
			Enabled: input.Enabled,
		})
		if err != nil {
			return err
		}

		c.broadcast(resp.Clients, evUsersUpdated, rest.Envelope{
			"users": resp.Users,
			"host":  resp.HostId,
		})
		return nil
	})
}
