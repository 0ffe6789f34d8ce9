package room

type AddMemberParams struct {
	RoomCode string
	MemberId string
	Username string
}

type AddMemberResult struct {
	Member Member
	// ReplacedIds holds member ids of stale sessions with the same
	// username that were evicted in favour of this connection.
	ReplacedIds []string
	Reconnected bool
}

type RemoveMemberParams struct {
	RoomCode string
	MemberId string
}

type RemoveMemberResult struct {
	Removed   Member
	NewHostId string
	Empty     bool
}

type AppendMessageParams struct {
	RoomCode string
	MemberId string
	Message  string
	IsServer bool
}

type SetMediaParams struct {
	RoomCode string
	URL      string
	Kind     string
	Title    string
	Position float64
}

type UpdatePlaybackParams struct {
	RoomCode string
	// Status is "playing", "paused" or empty to leave the current
	// status untouched (seek).
	Status   string
	Position float64
}

type UpdateMemberMediaParams struct {
	RoomCode string
	MemberId string
	// Kind is "video" or "audio".
	Kind    string
	Enabled bool
}
