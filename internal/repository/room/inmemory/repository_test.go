package inmemory

import (
	"context"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchwithmi/server/internal/repository/room"
)

func newTestRepo(membersLimit int) *repo {
	return NewRepo(membersLimit, slog.Default())
}

func TestCreateGeneratesUniqueCodes(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()
	codePattern := regexp.MustCompile(`^[A-Z0-9]{6}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := r.Create(ctx)
		require.NoError(t, err)
		assert.Regexp(t, codePattern, code)
		assert.False(t, seen[code], "duplicate room code %s", code)
		seen[code] = true
	}
}

func TestCreateWithCode(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	created, err := r.CreateWithCode(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, created)

	// codes are case-insensitive on the way in
	created, err = r.CreateWithCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestFirstMemberBecomesHost(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	code, err := r.Create(ctx)
	require.NoError(t, err)

	first, err := r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m1", Username: "alice"})
	require.NoError(t, err)
	assert.True(t, first.Member.IsHost)

	second, err := r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m2", Username: "bob"})
	require.NoError(t, err)
	assert.False(t, second.Member.IsHost)
}

func TestHostHandOffToEarliestJoined(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	code, err := r.Create(ctx)
	require.NoError(t, err)

	for i, name := range []string{"alice", "bob", "carol"} {
		_, err := r.AddMember(ctx, &room.AddMemberParams{
			RoomCode: code,
			MemberId: []string{"m1", "m2", "m3"}[i],
			Username: name,
		})
		require.NoError(t, err)
	}

	removed, err := r.RemoveMember(ctx, &room.RemoveMemberParams{RoomCode: code, MemberId: "m1"})
	require.NoError(t, err)
	assert.True(t, removed.Removed.IsHost)
	assert.Equal(t, "m2", removed.NewHostId)
	assert.False(t, removed.Empty)

	// removing a non-host leaves the host alone
	removed, err = r.RemoveMember(ctx, &room.RemoveMemberParams{RoomCode: code, MemberId: "m3"})
	require.NoError(t, err)
	assert.Empty(t, removed.NewHostId)

	members, err := r.GetMembers(ctx, code)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].IsHost)
}

func TestEmptyRoomIsDestroyed(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	code, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m1", Username: "alice"})
	require.NoError(t, err)

	removed, err := r.RemoveMember(ctx, &room.RemoveMemberParams{RoomCode: code, MemberId: "m1"})
	require.NoError(t, err)
	assert.True(t, removed.Empty)

	_, err = r.GetState(ctx, code)
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestSameNameRejoinReplacesStaleSession(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	code, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m1", Username: "alice"})
	require.NoError(t, err)
	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m2", Username: "bob"})
	require.NoError(t, err)

	rejoined, err := r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m3", Username: "alice"})
	require.NoError(t, err)
	assert.True(t, rejoined.Reconnected)
	assert.Equal(t, []string{"m1"}, rejoined.ReplacedIds)
	// host status survives the reconnect
	assert.True(t, rejoined.Member.IsHost)

	members, err := r.GetMembers(ctx, code)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestMembersLimit(t *testing.T) {
	r := newTestRepo(2)
	ctx := context.Background()

	code, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m1", Username: "alice"})
	require.NoError(t, err)
	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m2", Username: "bob"})
	require.NoError(t, err)

	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m3", Username: "carol"})
	assert.ErrorIs(t, err, room.ErrRoomFull)

	// a same-name rejoin is not a new seat and passes the limit
	rejoined, err := r.AddMember(ctx, &room.AddMemberParams{RoomCode: code, MemberId: "m4", Username: "bob"})
	require.NoError(t, err)
	assert.True(t, rejoined.Reconnected)
}

func TestSeekKeepsPlaybackStatus(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	code, err := r.Create(ctx)
	require.NoError(t, err)

	_, err = r.SetMedia(ctx, &room.SetMediaParams{
		RoomCode: code,
		URL:      "https://example.com/video.mp4",
		Kind:     room.MediaKindDirect,
	})
	require.NoError(t, err)

	media, err := r.UpdatePlayback(ctx, &room.UpdatePlaybackParams{
		RoomCode: code,
		Status:   room.PlaybackPlaying,
		Position: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, room.PlaybackPlaying, media.Status)

	// empty status means seek: position moves, status stays
	media, err = r.UpdatePlayback(ctx, &room.UpdatePlaybackParams{RoomCode: code, Position: 120.5})
	require.NoError(t, err)
	assert.Equal(t, room.PlaybackPlaying, media.Status)
	assert.Equal(t, 120.5, media.Position)
}

func TestSetMediaResetsToPaused(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	code, err := r.Create(ctx)
	require.NoError(t, err)

	_, err = r.UpdatePlayback(ctx, &room.UpdatePlaybackParams{RoomCode: code, Status: room.PlaybackPlaying})
	require.NoError(t, err)

	media, err := r.SetMedia(ctx, &room.SetMediaParams{
		RoomCode: code,
		URL:      "magnet:?xt=urn:btih:deadbeef",
		Kind:     room.MediaKindTorrent,
		Title:    "Some Movie",
	})
	require.NoError(t, err)
	assert.Equal(t, room.PlaybackPaused, media.Status)
	assert.Equal(t, float64(0), media.Position)
}

func TestStats(t *testing.T) {
	r := newTestRepo(16)
	ctx := context.Background()

	codeA, err := r.Create(ctx)
	require.NoError(t, err)
	codeB, err := r.Create(ctx)
	require.NoError(t, err)

	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: codeA, MemberId: "m1", Username: "alice"})
	require.NoError(t, err)
	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: codeA, MemberId: "m2", Username: "bob"})
	require.NoError(t, err)
	_, err = r.AddMember(ctx, &room.AddMemberParams{RoomCode: codeB, MemberId: "m3", Username: "carol"})
	require.NoError(t, err)

	stats := r.Stats(ctx)
	assert.Equal(t, 2, stats.TotalRooms)
	assert.Equal(t, 3, stats.TotalUsers)
	assert.Equal(t, 2, stats.Rooms[codeA])
	assert.Equal(t, 1, stats.Rooms[codeB])
}
