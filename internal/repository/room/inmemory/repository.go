// Package inmemory holds the live room registry. Rooms exist only for the
// lifetime of the process; the map is the single structure shared between
// room lifecycles, everything inside a room is guarded by that room's own
// mutex so rooms never block each other.
package inmemory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/watchwithmi/server/internal/repository/room"
	"github.com/watchwithmi/server/pkg/randstr"
)

const (
	roomCodeLength  = 6
	roomCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	serverUsername = "Server"
)

type iGenerator interface {
	GenerateRandomString(length int) string
}

type roomState struct {
	mu           sync.Mutex
	code         string
	members      []room.Member
	chat         []room.ChatMessage
	media        room.MediaState
	createdAt    time.Time
	lastActivity time.Time
	// gone marks a room that was deleted from the registry while a
	// caller still held a pointer to it.
	gone bool
}

type repo struct {
	mu           sync.RWMutex
	rooms        map[string]*roomState
	generator    iGenerator
	membersLimit int
	logger       *slog.Logger
}

func NewRepo(membersLimit int, logger *slog.Logger) *repo {
	return &repo{
		rooms:        make(map[string]*roomState),
		generator:    randstr.New([]byte(roomCodeCharset)),
		membersLimit: membersLimit,
		logger:       logger,
	}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (r *repo) newRoomState(code string) *roomState {
	now := time.Now()
	return &roomState{
		code: code,
		media: room.MediaState{
			Kind:   room.MediaKindYoutube,
			Status: room.PlaybackPaused,
		},
		createdAt:    now,
		lastActivity: now,
	}
}

// Create generates a collision-checked room code and registers an empty
// room under it. Collisions are resolved by retrying, never assumed away.
func (r *repo) Create(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		code := r.generator.GenerateRandomString(roomCodeLength)
		if _, exists := r.rooms[code]; exists {
			continue
		}

		r.rooms[code] = r.newRoomState(code)
		r.logger.DebugContext(ctx, "room created", "room_code", code)
		return code, nil
	}
}

// CreateWithCode registers an empty room under the given code unless one
// already exists. Used by the auto-create-on-join fallback.
func (r *repo) CreateWithCode(ctx context.Context, code string) (bool, error) {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[code]; exists {
		return false, nil
	}

	r.rooms[code] = r.newRoomState(code)
	r.logger.DebugContext(ctx, "room auto-created", "room_code", code)
	return true, nil
}

func (r *repo) withRoom(code string, fn func(rs *roomState) error) error {
	code = NormalizeCode(code)

	for {
		r.mu.RLock()
		rs, ok := r.rooms[code]
		r.mu.RUnlock()
		if !ok {
			return room.ErrRoomNotFound
		}

		rs.mu.Lock()
		if rs.gone {
			// deleted between lookup and lock, look again
			rs.mu.Unlock()
			continue
		}

		rs.lastActivity = time.Now()
		err := fn(rs)
		rs.mu.Unlock()
		return err
	}
}

func (rs *roomState) hostId() string {
	for _, m := range rs.members {
		if m.IsHost {
			return m.Id
		}
	}
	return ""
}

func (rs *roomState) memberIndex(memberId string) int {
	for i, m := range rs.members {
		if m.Id == memberId {
			return i
		}
	}
	return -1
}

func (r *repo) AddMember(ctx context.Context, params *room.AddMemberParams) (room.AddMemberResult, error) {
	var result room.AddMemberResult

	err := r.withRoom(params.RoomCode, func(rs *roomState) error {
		// A rejoin under the same name replaces the stale session
		// instead of duplicating the member. Host status survives
		// the reconnect.
		wasHost := false
		kept := rs.members[:0]
		for _, m := range rs.members {
			if m.Username == params.Username && m.Id != params.MemberId {
				result.ReplacedIds = append(result.ReplacedIds, m.Id)
				result.Reconnected = true
				wasHost = wasHost || m.IsHost
				continue
			}
			kept = append(kept, m)
		}
		rs.members = kept

		if !result.Reconnected && r.membersLimit > 0 && len(rs.members) >= r.membersLimit {
			return room.ErrRoomFull
		}

		member := room.Member{
			Id:       params.MemberId,
			Username: params.Username,
			IsHost:   len(rs.members) == 0 || wasHost || rs.hostId() == "",
			JoinedAt: time.Now(),
		}
		rs.members = append(rs.members, member)

		result.Member = member
		return nil
	})
	if err != nil {
		return room.AddMemberResult{}, err
	}

	r.logger.DebugContext(ctx, "member added",
		"room_code", NormalizeCode(params.RoomCode),
		"member_id", params.MemberId,
		"is_host", result.Member.IsHost,
	)
	return result, nil
}

func (r *repo) RemoveMember(ctx context.Context, params *room.RemoveMemberParams) (room.RemoveMemberResult, error) {
	var result room.RemoveMemberResult
	code := NormalizeCode(params.RoomCode)

	err := r.withRoom(code, func(rs *roomState) error {
		idx := rs.memberIndex(params.MemberId)
		if idx < 0 {
			return room.ErrMemberNotFound
		}

		result.Removed = rs.members[idx]
		rs.members = append(rs.members[:idx], rs.members[idx+1:]...)

		// Host hand-off goes to the earliest-joined remaining member
		// so the exactly-one-host invariant holds deterministically.
		if result.Removed.IsHost && len(rs.members) > 0 {
			rs.members[0].IsHost = true
			result.NewHostId = rs.members[0].Id
		}

		result.Empty = len(rs.members) == 0
		return nil
	})
	if err != nil {
		return room.RemoveMemberResult{}, err
	}

	if result.Empty {
		r.removeIfEmpty(code)
	}

	r.logger.DebugContext(ctx, "member removed",
		"room_code", code,
		"member_id", params.MemberId,
		"new_host_id", result.NewHostId,
		"room_empty", result.Empty,
	)
	return result, nil
}

func (r *repo) removeIfEmpty(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[code]
	if !ok {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	// a join may have raced the last leave
	if len(rs.members) == 0 {
		rs.gone = true
		delete(r.rooms, code)
	}
}

func (r *repo) Remove(ctx context.Context, code string) error {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[code]
	if !ok {
		return room.ErrRoomNotFound
	}

	rs.mu.Lock()
	rs.gone = true
	rs.mu.Unlock()

	delete(r.rooms, code)
	return nil
}

func (r *repo) GetMembers(ctx context.Context, code string) ([]room.Member, error) {
	var members []room.Member
	err := r.withRoom(code, func(rs *roomState) error {
		members = append([]room.Member(nil), rs.members...)
		return nil
	})
	return members, err
}

func (r *repo) GetMember(ctx context.Context, code, memberId string) (room.Member, error) {
	var member room.Member
	err := r.withRoom(code, func(rs *roomState) error {
		idx := rs.memberIndex(memberId)
		if idx < 0 {
			return room.ErrMemberNotFound
		}
		member = rs.members[idx]
		return nil
	})
	return member, err
}

func (r *repo) AppendMessage(ctx context.Context, params *room.AppendMessageParams) (room.ChatMessage, error) {
	var msg room.ChatMessage
	err := r.withRoom(params.RoomCode, func(rs *roomState) error {
		username := serverUsername
		if !params.IsServer {
			idx := rs.memberIndex(params.MemberId)
			if idx < 0 {
				return room.ErrMemberNotFound
			}
			username = rs.members[idx].Username
		}

		msg = room.ChatMessage{
			UserId:    params.MemberId,
			Username:  username,
			Message:   params.Message,
			Timestamp: time.Now().Format(time.RFC3339),
			IsServer:  params.IsServer,
		}
		rs.chat = append(rs.chat, msg)
		return nil
	})
	return msg, err
}

func (r *repo) SetMedia(ctx context.Context, params *room.SetMediaParams) (room.MediaState, error) {
	var media room.MediaState
	err := r.withRoom(params.RoomCode, func(rs *roomState) error {
		rs.media = room.MediaState{
			URL:       params.URL,
			Kind:      params.Kind,
			Status:    room.PlaybackPaused,
			Position:  params.Position,
			Title:     params.Title,
			UpdatedAt: time.Now().Format(time.RFC3339),
		}
		media = rs.media
		return nil
	})
	return media, err
}

func (r *repo) UpdatePlayback(ctx context.Context, params *room.UpdatePlaybackParams) (room.MediaState, error) {
	var media room.MediaState
	err := r.withRoom(params.RoomCode, func(rs *roomState) error {
		if params.Status != "" {
			rs.media.Status = params.Status
		}
		rs.media.Position = params.Position
		rs.media.UpdatedAt = time.Now().Format(time.RFC3339)
		media = rs.media
		return nil
	})
	return media, err
}

func (r *repo) UpdateMemberMedia(ctx context.Context, params *room.UpdateMemberMediaParams) (room.Member, error) {
	var member room.Member
	err := r.withRoom(params.RoomCode, func(rs *roomState) error {
		idx := rs.memberIndex(params.MemberId)
		if idx < 0 {
			return room.ErrMemberNotFound
		}

		switch params.Kind {
		case "video":
			rs.members[idx].VideoEnabled = params.Enabled
		case "audio":
			rs.members[idx].AudioEnabled = params.Enabled
		}

		member = rs.members[idx]
		return nil
	})
	return member, err
}

func (r *repo) GetState(ctx context.Context, code string) (room.State, error) {
	var state room.State
	err := r.withRoom(code, func(rs *roomState) error {
		users := make(map[string]room.Member, len(rs.members))
		for _, m := range rs.members {
			users[m.Id] = m
		}

		state = room.State{
			RoomCode:  rs.code,
			HostId:    rs.hostId(),
			Users:     users,
			Media:     rs.media,
			Chat:      append([]room.ChatMessage(nil), rs.chat...),
			CreatedAt: rs.createdAt,
		}
		return nil
	})
	return state, err
}

func (r *repo) Stats(ctx context.Context) room.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := room.Stats{Rooms: make(map[string]int, len(r.rooms))}
	for code, rs := range r.rooms {
		rs.mu.Lock()
		count := len(rs.members)
		rs.mu.Unlock()

		stats.TotalRooms++
		stats.TotalUsers += count
		stats.Rooms[code] = count
	}

	return stats
}
