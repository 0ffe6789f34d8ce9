package room

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/gorilla/websocket"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomRepo "github.com/watchwithmi/server/internal/repository/room"
)

var (
	ErrEmptyUsername    = errors.New("name is required")
	ErrInvalidRoomCode  = errors.New("room code must be 6 letters or digits")
	ErrNotInRoom        = errors.New("not in a room")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrEmptyMediaURL    = errors.New("media url is required")
	ErrInvalidMediaKind = errors.New("unknown media kind")
	ErrInvalidAction    = errors.New("unknown playback action")
	ErrTargetNotFound   = errors.New("target member not found")
	ErrRoomFull         = errors.New("room is full")
)

var roomCodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

type iRoomRepo interface {
	Create(ctx context.Context) (string, error)
	CreateWithCode(ctx context.Context, code string) (bool, error)
	AddMember(ctx context.Context, params *roomRepo.AddMemberParams) (roomRepo.AddMemberResult, error)
	RemoveMember(ctx context.Context, params *roomRepo.RemoveMemberParams) (roomRepo.RemoveMemberResult, error)
	GetMembers(ctx context.Context, code string) ([]roomRepo.Member, error)
	AppendMessage(ctx context.Context, params *roomRepo.AppendMessageParams) (roomRepo.ChatMessage, error)
	SetMedia(ctx context.Context, params *roomRepo.SetMediaParams) (roomRepo.MediaState, error)
	UpdatePlayback(ctx context.Context, params *roomRepo.UpdatePlaybackParams) (roomRepo.MediaState, error)
	UpdateMemberMedia(ctx context.Context, params *roomRepo.UpdateMemberMediaParams) (roomRepo.Member, error)
	GetState(ctx context.Context, code string) (roomRepo.State, error)
	Stats(ctx context.Context) roomRepo.Stats
}

type iConnRepo interface {
	Add(conn *websocket.Conn) (*connection.Client, error)
	Bind(client *connection.Client, session connection.Session) error
	GetByMemberId(memberId string) (*connection.Client, error)
	Remove(client *connection.Client) (connection.Session, bool)
}

type service struct {
	roomRepo iRoomRepo
	connRepo iConnRepo
	logger   *slog.Logger
}

func NewService(roomRepo iRoomRepo, connRepo iConnRepo, logger *slog.Logger) *service {
	return &service{
		roomRepo: roomRepo,
		connRepo: connRepo,
		logger:   logger,
	}
}

// Connect registers a freshly upgraded connection. It has no room
// association until CreateRoom or JoinRoom binds one.
func (s service) Connect(conn *websocket.Conn) (*connection.Client, error) {
	return s.connRepo.Add(conn)
}

func (s service) Stats(ctx context.Context) roomRepo.Stats {
	return s.roomRepo.Stats(ctx)
}

func (s service) session(client *connection.Client) (connection.Session, error) {
	session, bound := client.Session()
	if !bound {
		return connection.Session{}, ErrNotInRoom
	}
	return session, nil
}

// clientsForRoom resolves live connections for every room member, optionally
// skipping one member id. Members whose connection already dropped are
// silently skipped; their cleanup is the disconnect handler's job.
func (s service) clientsForRoom(ctx context.Context, roomCode, excludeId string) ([]*connection.Client, error) {
	members, err := s.roomRepo.GetMembers(ctx, roomCode)
	if err != nil {
		return nil, err
	}

	clients := make([]*connection.Client, 0, len(members))
	for _, member := range members {
		if member.Id == excludeId {
			continue
		}

		client, err := s.connRepo.GetByMemberId(member.Id)
		if err != nil {
			continue
		}
		clients = append(clients, client)
	}

	return clients, nil
}

func usersByID(members []roomRepo.Member) (map[string]roomRepo.Member, string) {
	users := make(map[string]roomRepo.Member, len(members))
	hostId := ""
	for _, m := range members {
		users[m.Id] = m
		if m.IsHost {
			hostId = m.Id
		}
	}
	return users, hostId
}
