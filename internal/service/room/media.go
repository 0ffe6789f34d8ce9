package room

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomRepo "github.com/watchwithmi/server/internal/repository/room"
)

const (
	ActionPlay  = "play"
	ActionPause = "pause"
	ActionSeek  = "seek"
)

type ChangeMediaParams struct {
	Client   *connection.Client
	URL      string
	Kind     string
	Title    string
	Position float64
}

type ChangeMediaResponse struct {
	RoomCode string
	Media    roomRepo.MediaState
	Username string
	Clients  []*connection.Client
}

// ChangeMedia replaces the room's media. Any member may do this, host
// status carries no extra permission here.
func (s service) ChangeMedia(ctx context.Context, params *ChangeMediaParams) (ChangeMediaResponse, error) {
	session, err := s.session(params.Client)
	if err != nil {
		return ChangeMediaResponse{}, err
	}

	url := strings.TrimSpace(params.URL)
	if url == "" {
		return ChangeMediaResponse{}, ErrEmptyMediaURL
	}

	switch params.Kind {
	case roomRepo.MediaKindYoutube, roomRepo.MediaKindTorrent, roomRepo.MediaKindDirect:
	default:
		return ChangeMediaResponse{}, ErrInvalidMediaKind
	}

	media, err := s.roomRepo.SetMedia(ctx, &roomRepo.SetMediaParams{
		RoomCode: session.RoomCode,
		URL:      url,
		Kind:     params.Kind,
		Title:    params.Title,
		Position: params.Position,
	})
	if err != nil {
		return ChangeMediaResponse{}, err
	}

	clients, err := s.clientsForRoom(ctx, session.RoomCode, "")
	if err != nil {
		return ChangeMediaResponse{}, err
	}

	s.logger.InfoContext(ctx, "media changed",
		"room_code", session.RoomCode,
		"kind", params.Kind,
		"url", url,
	)

	return ChangeMediaResponse{
		RoomCode: session.RoomCode,
		Media:    media,
		Username: session.Username,
		Clients:  clients,
	}, nil
}

type SetLoadingParams struct {
	Client *connection.Client
	Kind   string
	Title  string
}

type SetLoadingResponse struct {
	RoomCode string
	Kind     string
	Title    string
	Username string
	Clients  []*connection.Client
}

// SetLoading produces a transient loading notice. Committed media state is
// untouched; nothing persists past the broadcast.
func (s service) SetLoading(ctx context.Context, params *SetLoadingParams) (SetLoadingResponse, error) {
	session, err := s.session(params.Client)
	if err != nil {
		return SetLoadingResponse{}, err
	}

	kind := params.Kind
	if kind == "" {
		kind = roomRepo.MediaKindTorrent
	}
	title := params.Title
	if title == "" {
		title = "Loading media..."
	}

	clients, err := s.clientsForRoom(ctx, session.RoomCode, "")
	if err != nil {
		return SetLoadingResponse{}, err
	}

	return SetLoadingResponse{
		RoomCode: session.RoomCode,
		Kind:     kind,
		Title:    title,
		Username: session.Username,
		Clients:  clients,
	}, nil
}

type ControlPlaybackParams struct {
	Client   *connection.Client
	Action   string
	Position float64
}

type ControlPlaybackResponse struct {
	RoomCode string
	Action   string
	Media    roomRepo.MediaState
	Username string
	// OtherClients excludes the origin connection: the sender applied
	// the action locally already and must not receive its own echo.
	OtherClients []*connection.Client
}

func (s service) ControlPlayback(ctx context.Context, params *ControlPlaybackParams) (ControlPlaybackResponse, error) {
	session, err := s.session(params.Client)
	if err != nil {
		return ControlPlaybackResponse{}, err
	}

	var status string
	switch params.Action {
	case ActionPlay:
		status = roomRepo.PlaybackPlaying
	case ActionPause:
		status = roomRepo.PlaybackPaused
	case ActionSeek:
		// seek moves the position, status stays as it was
	default:
		return ControlPlaybackResponse{}, ErrInvalidAction
	}

	media, err := s.roomRepo.UpdatePlayback(ctx, &roomRepo.UpdatePlaybackParams{
		RoomCode: session.RoomCode,
		Status:   status,
		Position: params.Position,
	})
	if err != nil {
		return ControlPlaybackResponse{}, err
	}

	others, err := s.clientsForRoom(ctx, session.RoomCode, session.MemberId)
	if err != nil {
		return ControlPlaybackResponse{}, err
	}

	s.logger.DebugContext(ctx, "playback control",
		"room_code", session.RoomCode,
		"action", params.Action,
		"position", params.Position,
		"username", session.Username,
	)

	return ControlPlaybackResponse{
		RoomCode:     session.RoomCode,
		Action:       params.Action,
		Media:        media,
		Username:     session.Username,
		OtherClients: others,
	}, nil
}

type RelayTorrentProgressParams struct {
	Client *connection.Client
	Status json.RawMessage
}

type RelayTorrentProgressResponse struct {
	RoomCode string
	Status   json.RawMessage
	Username string
	Clients  []*connection.Client
}

// RelayTorrentProgress re-broadcasts a progress snapshot so every member's
// progress UI stays in sync. The room is a relay here, not a source of
// truth; the fetch adapter owns actual progress.
func (s service) RelayTorrentProgress(ctx context.Context, params *RelayTorrentProgressParams) (RelayTorrentProgressResponse, error) {
	session, err := s.session(params.Client)
	if err != nil {
		return RelayTorrentProgressResponse{}, err
	}

	clients, err := s.clientsForRoom(ctx, session.RoomCode, "")
	if err != nil {
		return RelayTorrentProgressResponse{}, err
	}

	return RelayTorrentProgressResponse{
		RoomCode: session.RoomCode,
		Status:   params.Status,
		Username: session.Username,
		Clients:  clients,
	}, nil
}
