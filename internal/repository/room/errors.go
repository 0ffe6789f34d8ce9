package room

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrMemberNotFound = errors.New("member not found")
	ErrRoomFull       = errors.New("room is full")
)
