// Package controller is the transport edge: it upgrades websocket
// connections, translates wire events into service calls, fans results back
// out to the affected connections, and serves the REST surface for torrent
// streaming. It holds no room state of its own.
package controller

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomRepo "github.com/watchwithmi/server/internal/repository/room"
	roomService "github.com/watchwithmi/server/internal/service/room"
	"github.com/watchwithmi/server/internal/torrents"
	"github.com/watchwithmi/server/pkg/validator"
)

type iRoomService interface {
	Connect(conn *websocket.Conn) (*connection.Client, error)
	Disconnect(ctx context.Context, client *connection.Client) (roomService.DisconnectResponse, error)
	CreateRoom(ctx context.Context, params *roomService.CreateRoomParams) (roomService.CreateRoomResponse, error)
	JoinRoom(ctx context.Context, params *roomService.JoinRoomParams) (roomService.JoinRoomResponse, error)
	SendMessage(ctx context.Context, params *roomService.SendMessageParams) (roomService.SendMessageResponse, error)
	ChangeMedia(ctx context.Context, params *roomService.ChangeMediaParams) (roomService.ChangeMediaResponse, error)
	SetLoading(ctx context.Context, params *roomService.SetLoadingParams) (roomService.SetLoadingResponse, error)
	ControlPlayback(ctx context.Context, params *roomService.ControlPlaybackParams) (roomService.ControlPlaybackResponse, error)
	RelayTorrentProgress(ctx context.Context, params *roomService.RelayTorrentProgressParams) (roomService.RelayTorrentProgressResponse, error)
	ToggleMedia(ctx context.Context, params *roomService.ToggleMediaParams) (roomService.ToggleMediaResponse, error)
	Signal(ctx context.Context, params *roomService.SignalParams) (roomService.SignalResponse, error)
	Stats(ctx context.Context) roomRepo.Stats
}

type iStreamer interface {
	Available() bool
	Add(ctx context.Context, magnet string) (string, error)
	Status(ctx context.Context, jobId string) (torrents.Job, error)
	ReadRange(ctx context.Context, jobId string, fileIndex int, start, end int64) (io.ReadCloser, int64, error)
}

type iSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]torrents.SearchResult, error)
}

type controller struct {
	roomService iRoomService
	streamer    iStreamer
	searcher    iSearcher
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	logger      *slog.Logger
}

func NewController(roomService iRoomService, streamer iStreamer, searcher iSearcher, logger *slog.Logger) *controller {
	return &controller{
		roomService: roomService,
		streamer:    streamer,
		searcher:    searcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers send arbitrary origins; rooms are joinable by
			// code alone, so origin is not an auth boundary here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate: validator.NewValidator(),
		logger:   logger,
	}
}
