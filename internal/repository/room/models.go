package room

import "time"

const (
	MediaKindYoutube = "youtube"
	MediaKindTorrent = "torrent"
	MediaKindDirect  = "direct"

	PlaybackPlaying = "playing"
	PlaybackPaused  = "paused"
)

type Member struct {
	Id           string    `json:"id"`
	Username     string    `json:"name"`
	IsHost       bool      `json:"is_host"`
	VideoEnabled bool      `json:"video_enabled"`
	AudioEnabled bool      `json:"audio_enabled"`
	JoinedAt     time.Time `json:"joined_at"`
}

type ChatMessage struct {
	UserId    string `json:"user_id"`
	Username  string `json:"user_name"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	IsServer  bool   `json:"is_server"`
}

// MediaState is authoritative only at the instant of the last accepted
// control event; Position does not advance server-side.
type MediaState struct {
	URL       string  `json:"url"`
	Kind      string  `json:"kind"`
	Status    string  `json:"status"`
	Position  float64 `json:"position"`
	Title     string  `json:"title"`
	UpdatedAt string  `json:"updated_at"`
}

type State struct {
	RoomCode  string            `json:"room_code"`
	HostId    string            `json:"host"`
	Users     map[string]Member `json:"users"`
	Media     MediaState        `json:"media"`
	Chat      []ChatMessage     `json:"chat"`
	CreatedAt time.Time         `json:"created_at"`
}

type Stats struct {
	TotalRooms int            `json:"total_rooms"`
	TotalUsers int            `json:"total_users"`
	Rooms      map[string]int `json:"rooms"`
}
