package room

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomRepo "github.com/watchwithmi/server/internal/repository/room"
)

type ToggleMediaParams struct {
	Client *connection.Client
	// Kind is "video" or "audio".
	Kind    string
	Enabled bool
}

type ToggleMediaResponse struct {
	RoomCode string
	Member   roomRepo.Member
	Users    map[string]roomRepo.Member
	HostId   string
	Clients  []*connection.Client
}

func (s service) ToggleMedia(ctx context.Context, params *ToggleMediaParams) (ToggleMediaResponse, error) {
	session, err := s.session(params.Client)
	if err != nil {
		return ToggleMediaResponse{}, err
	}

	member, err := s.roomRepo.UpdateMemberMedia(ctx, &roomRepo.UpdateMemberMediaParams{
		RoomCode: session.RoomCode,
		MemberId: session.MemberId,
		Kind:     params.Kind,
		Enabled:  params.Enabled,
	})
	if err != nil {
		return ToggleMediaResponse{}, err
	}

	members, err := s.roomRepo.GetMembers(ctx, session.RoomCode)
	if err != nil {
		return ToggleMediaResponse{}, err
	}
	users, hostId := usersByID(members)

	clients, err := s.clientsForRoom(ctx, session.RoomCode, "")
	if err != nil {
		return ToggleMediaResponse{}, err
	}

	return ToggleMediaResponse{
		RoomCode: session.RoomCode,
		Member:   member,
		Users:    users,
		HostId:   hostId,
		Clients:  clients,
	}, nil
}

type SignalParams struct {
	Client       *connection.Client
	TargetUserId string
	Payload      json.RawMessage
}

type SignalResponse struct {
	Target   *connection.Client
	FromId   string
	FromName string
	Payload  json.RawMessage
}

// Signal resolves the single connection owning the target member id for a
// WebRTC relay. The payload is opaque; delivery is at-most-once with no
// retry, the caller drops the message when the target is gone.
func (s service) Signal(ctx context.Context, params *SignalParams) (SignalResponse, error) {
	session, err := s.session(params.Client)
	if err != nil {
		return SignalResponse{}, err
	}

	target, err := s.connRepo.GetByMemberId(params.TargetUserId)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return SignalResponse{}, ErrTargetNotFound
		}
		return SignalResponse{}, err
	}

	// Signaling never crosses room boundaries.
	targetSession, bound := target.Session()
	if !bound || targetSession.RoomCode != session.RoomCode {
		return SignalResponse{}, ErrTargetNotFound
	}

	return SignalResponse{
		Target:   target,
		FromId:   session.MemberId,
		FromName: session.Username,
		Payload:  params.Payload,
	}, nil
}
