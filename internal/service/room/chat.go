package room

import (
	"context"
	"strings"

	"github.com/watchwithmi/server/internal/repository/connection"
	roomRepo "github.com/watchwithmi/server/internal/repository/room"
)

type SendMessageParams struct {
	Client  *connection.Client
	Message string
}

type SendMessageResponse struct {
	RoomCode string
	Message  roomRepo.ChatMessage
	// Clients includes the sender, so every client orders chat the
	// same way from the same broadcast.
	Clients []*connection.Client
}

func (s service) SendMessage(ctx context.Context, params *SendMessageParams) (SendMessageResponse, error) {
	session, err := s.session(params.Client)
	if err != nil {
		return SendMessageResponse{}, err
	}

	text := strings.TrimSpace(params.Message)
	if text == "" {
		return SendMessageResponse{}, ErrEmptyMessage
	}

	msg, err := s.roomRepo.AppendMessage(ctx, &roomRepo.AppendMessageParams{
		RoomCode: session.RoomCode,
		MemberId: session.MemberId,
		Message:  text,
	})
	if err != nil {
		return SendMessageResponse{}, err
	}

	clients, err := s.clientsForRoom(ctx, session.RoomCode, "")
	if err != nil {
		return SendMessageResponse{}, err
	}

	return SendMessageResponse{
		RoomCode: session.RoomCode,
		Message:  msg,
		Clients:  clients,
	}, nil
}
