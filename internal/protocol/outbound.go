package protocol

// Participant is one roster entry.
type Participant struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// Joined is sent to every member when someone joins, including the joiner.
type Joined struct {
	Clients  []Participant `json:"clients"`
	Username string        `json:"username"`
	SocketID string        `json:"socketId"`
}

// Disconnected tells remaining members to drop a participant.
type Disconnected struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// SyncCode answers a sync-code-request with the room's current state.
type SyncCode struct {
	RoomID   string `json:"roomId"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
	Output   string `json:"output"`
}

// Message is a stored chat or AI assistant message. Messages are immutable
// once appended.
type Message struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId,omitempty"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	IsAI      bool   `json:"isAi"`
}

// History carries chat-history and ai-history-sync.
type History struct {
	Messages []Message `json:"messages"`
}

// DocResult answers ai-doc-request. Exactly one field is set.
type DocResult struct {
	Documentation string `json:"documentation,omitempty"`
	Error         string `json:"error,omitempty"`
}

// VideoState is the room's synchronized playback descriptor.
type VideoState struct {
	VideoURL     string  `json:"videoUrl"`
	IsPlaying    bool    `json:"isPlaying"`
	CurrentTime  float64 `json:"currentTime"`
	LastAction   Kind    `json:"lastAction,omitempty"`
	LastActionAt int64   `json:"lastActionAt,omitempty"`
}
