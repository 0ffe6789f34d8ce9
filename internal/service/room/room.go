package room

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomRepo "github.com/watchwithmi/server/internal/repository/room"
	"github.com/watchwithmi/server/internal/repository/room/inmemory"
)

type CreateRoomParams struct {
	Client   *connection.Client
	Username string
}

type CreateRoomResponse struct {
	RoomCode string
	MemberId string
	State    roomRepo.State
}

func (s service) CreateRoom(ctx context.Context, params *CreateRoomParams) (CreateRoomResponse, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return CreateRoomResponse{}, ErrEmptyUsername
	}

	roomCode, err := s.roomRepo.Create(ctx)
	if err != nil {
		return CreateRoomResponse{}, err
	}

	memberId := uuid.NewString()
	if _, err := s.roomRepo.AddMember(ctx, &roomRepo.AddMemberParams{
		RoomCode: roomCode,
		MemberId: memberId,
		Username: username,
	}); err != nil {
		return CreateRoomResponse{}, err
	}

	if err := s.connRepo.Bind(params.Client, connection.Session{
		RoomCode: roomCode,
		MemberId: memberId,
		Username: username,
	}); err != nil {
		return CreateRoomResponse{}, err
	}

	state, err := s.roomRepo.GetState(ctx, roomCode)
	if err != nil {
		return CreateRoomResponse{}, err
	}

	s.logger.InfoContext(ctx, "room created",
		"room_code", roomCode,
		"member_id", memberId,
		"username", username,
	)

	return CreateRoomResponse{
		RoomCode: roomCode,
		MemberId: memberId,
		State:    state,
	}, nil
}

type JoinRoomParams struct {
	Client   *connection.Client
	RoomCode string
	Username string
}

type JoinRoomResponse struct {
	RoomCode     string
	MemberId     string
	Created      bool
	Reconnected  bool
	JoinedMember roomRepo.Member
	State        roomRepo.State
	Users        map[string]roomRepo.Member
	HostId       string
	// OtherClients are the pre-existing members, targets of user_joined.
	OtherClients []*connection.Client
	AllClients   []*connection.Client
	// DroppedClients held stale same-name sessions replaced by this join.
	DroppedClients []*connection.Client
}

func (s service) JoinRoom(ctx context.Context, params *JoinRoomParams) (JoinRoomResponse, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return JoinRoomResponse{}, ErrEmptyUsername
	}

	roomCode := inmemory.NormalizeCode(params.RoomCode)
	if !roomCodePattern.MatchString(roomCode) {
		return JoinRoomResponse{}, ErrInvalidRoomCode
	}

	// Joining an unknown code creates the room instead of failing. A
	// deliberate relaxation kept from the original behavior; the log
	// line is the only trace of it.
	created, err := s.roomRepo.CreateWithCode(ctx, roomCode)
	if err != nil {
		return JoinRoomResponse{}, err
	}
	if created {
		s.logger.InfoContext(ctx, "room auto-created on join", "room_code", roomCode)
	}

	memberId := uuid.NewString()
	added, err := s.roomRepo.AddMember(ctx, &roomRepo.AddMemberParams{
		RoomCode: roomCode,
		MemberId: memberId,
		Username: username,
	})
	if err != nil {
		if errors.Is(err, roomRepo.ErrRoomFull) {
			return JoinRoomResponse{}, ErrRoomFull
		}
		return JoinRoomResponse{}, err
	}

	var dropped []*connection.Client
	for _, staleId := range added.ReplacedIds {
		client, err := s.connRepo.GetByMemberId(staleId)
		if err != nil {
			continue
		}
		s.connRepo.Remove(client)
		dropped = append(dropped, client)
	}

	if err := s.connRepo.Bind(params.Client, connection.Session{
		RoomCode: roomCode,
		MemberId: memberId,
		Username: username,
	}); err != nil {
		return JoinRoomResponse{}, err
	}

	state, err := s.roomRepo.GetState(ctx, roomCode)
	if err != nil {
		return JoinRoomResponse{}, err
	}

	members, err := s.roomRepo.GetMembers(ctx, roomCode)
	if err != nil {
		return JoinRoomResponse{}, err
	}
	users, hostId := usersByID(members)

	otherClients, err := s.clientsForRoom(ctx, roomCode, memberId)
	if err != nil {
		return JoinRoomResponse{}, err
	}
	allClients := append(append([]*connection.Client(nil), otherClients...), params.Client)

	s.logger.InfoContext(ctx, "member joined room",
		"room_code", roomCode,
		"member_id", memberId,
		"username", username,
		"is_host", added.Member.IsHost,
		"reconnected", added.Reconnected,
		"members_count", len(members),
	)

	return JoinRoomResponse{
		RoomCode:       roomCode,
		MemberId:       memberId,
		Created:        created,
		Reconnected:    added.Reconnected,
		JoinedMember:   added.Member,
		State:          state,
		Users:          users,
		HostId:         hostId,
		OtherClients:   otherClients,
		AllClients:     allClients,
		DroppedClients: dropped,
	}, nil
}

type DisconnectResponse struct {
	WasInRoom bool
	RoomCode  string
	Left      roomRepo.Member
	NewHostId string
	RoomEmpty bool
	Users     map[string]roomRepo.Member
	HostId    string
	Clients   []*connection.Client
}

// Disconnect is the implicit leave: it runs on every connection close and
// is the only place departed members are cleaned up. Idempotent, a second
// call for the same client is a no-op.
func (s service) Disconnect(ctx context.Context, client *connection.Client) (DisconnectResponse, error) {
	session, wasBound := s.connRepo.Remove(client)
	if !wasBound {
		return DisconnectResponse{}, nil
	}

	removed, err := s.roomRepo.RemoveMember(ctx, &roomRepo.RemoveMemberParams{
		RoomCode: session.RoomCode,
		MemberId: session.MemberId,
	})
	if err != nil {
		// The member may already be gone: room destroyed, or the
		// session was replaced by a reconnect. Nothing to announce.
		if errors.Is(err, roomRepo.ErrRoomNotFound) || errors.Is(err, roomRepo.ErrMemberNotFound) {
			return DisconnectResponse{}, nil
		}
		return DisconnectResponse{}, err
	}

	resp := DisconnectResponse{
		WasInRoom: true,
		RoomCode:  session.RoomCode,
		Left:      removed.Removed,
		NewHostId: removed.NewHostId,
		RoomEmpty: removed.Empty,
	}

	if removed.Empty {
		s.logger.InfoContext(ctx, "room destroyed", "room_code", session.RoomCode)
		return resp, nil
	}

	members, err := s.roomRepo.GetMembers(ctx, session.RoomCode)
	if err != nil {
		return DisconnectResponse{}, err
	}
	resp.Users, resp.HostId = usersByID(members)

	resp.Clients, err = s.clientsForRoom(ctx, session.RoomCode, "")
	if err != nil {
		return DisconnectResponse{}, err
	}

	s.logger.InfoContext(ctx, "member left room",
		"room_code", session.RoomCode,
		"member_id", session.MemberId,
		"new_host_id", removed.NewHostId,
		"members_count", len(members),
	)

	return resp, nil
}
