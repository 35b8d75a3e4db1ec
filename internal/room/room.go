package room

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
)

const (
	DefaultLanguage = "javascript"

	// MaxDocumentSize bounds a single document write.
	MaxDocumentSize = 512 * 1024

	// MaxOutputSize bounds retained run output; older bytes are dropped.
	MaxOutputSize = 64 * 1024

	DefaultChatCap = 50
	DefaultAICap   = 50
)

// State is the authoritative state of one room.
type State struct {
	Document  string
	Language  string
	Stdin     string
	Output    string
	Chat      []protocol.Message
	AI        []protocol.Message
	Video     *protocol.VideoState
	CreatedAt time.Time
	UpdatedAt time.Time
}

func newState(now time.Time) *State {
	return &State{
		Language:  DefaultLanguage,
		Chat:      make([]protocol.Message, 0),
		AI:        make([]protocol.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *State) clone() State {
	c := *s
	c.Chat = append([]protocol.Message(nil), s.Chat...)
	c.AI = append([]protocol.Message(nil), s.AI...)
	if s.Video != nil {
		v := *s.Video
		c.Video = &v
	}
	return c
}

// Options configures history retention. A cap of zero or less disables it.
type Options struct {
	ChatCap int
	AICap   int
}

func DefaultOptions() Options {
	return Options{ChatCap: DefaultChatCap, AICap: DefaultAICap}
}

// Store holds the state of every live room. Rooms exist from the first
// Ensure until Teardown. Mutations on a room that does not exist are no-ops
// and report false.
type Store struct {
	rooms map[string]*State
	opts  Options
	now   func() time.Time
	mu    sync.RWMutex
}

func NewStore(opts Options) *Store {
	return &Store{
		rooms: make(map[string]*State),
		opts:  opts,
		now:   time.Now,
	}
}

// Ensure creates default state for roomID if absent. It reports whether the
// room was created by this call.
func (s *Store) Ensure(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = newState(s.now())
	return true
}

func (s *Store) Exists(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Snapshot returns a copy of the room state. Unknown rooms yield the default
// empty state and false.
func (s *Store) Snapshot(roomID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return newState(time.Time{}).clone(), false
	}
	return st.clone(), true
}

func (s *Store) mutate(roomID string, fn func(*State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	fn(st)
	st.UpdatedAt = s.now()
	return true
}

// ApplyDocument overwrites the document. Content over MaxDocumentSize is
// refused.
func (s *Store) ApplyDocument(roomID, content string) bool {
	if len(content) > MaxDocumentSize {
		return false
	}
	return s.mutate(roomID, func(st *State) { st.Document = content })
}

// ApplyLanguage stores the language as given; unsupported values are only
// rejected when something tries to run them.
func (s *Store) ApplyLanguage(roomID, language string) bool {
	return s.mutate(roomID, func(st *State) { st.Language = language })
}

func (s *Store) ApplyStdin(roomID, text string) bool {
	return s.mutate(roomID, func(st *State) { st.Stdin = text })
}

// SetOutput replaces the last run output.
func (s *Store) SetOutput(roomID, output string) bool {
	return s.mutate(roomID, func(st *State) { st.Output = tail(output, MaxOutputSize) })
}

// AppendOutput adds a streamed chunk to the last run output.
func (s *Store) AppendOutput(roomID, chunk string) bool {
	return s.mutate(roomID, func(st *State) { st.Output = tail(st.Output+chunk, MaxOutputSize) })
}

func (s *Store) ResetOutput(roomID string) bool {
	return s.SetOutput(roomID, "")
}

func (s *Store) AppendChat(roomID string, msg protocol.Message) bool {
	return s.mutate(roomID, func(st *State) { st.Chat = appendCapped(st.Chat, msg, s.opts.ChatCap) })
}

func (s *Store) AppendAI(roomID string, msg protocol.Message) bool {
	return s.mutate(roomID, func(st *State) { st.AI = appendCapped(st.AI, msg, s.opts.AICap) })
}

// ApplyVideo updates playback state for a video action. Play and pause set
// the playing flag and position, seek moves the position only, and a source
// change loads the new url from the start and plays it.
func (s *Store) ApplyVideo(roomID string, action *protocol.VideoAction) bool {
	return s.mutate(roomID, func(st *State) {
		if st.Video == nil {
			st.Video = &protocol.VideoState{}
		}
		v := st.Video

		switch action.Kind() {
		case protocol.KindVideoPlay:
			v.IsPlaying = true
			v.CurrentTime = action.CurrentTime
		case protocol.KindVideoPause:
			v.IsPlaying = false
			v.CurrentTime = action.CurrentTime
		case protocol.KindVideoSeek:
			v.CurrentTime = action.CurrentTime
		case protocol.KindVideoChange:
			v.CurrentTime = 0
			v.IsPlaying = true
		default:
			return
		}
		if action.VideoURL != "" {
			v.VideoURL = action.VideoURL
		}

		v.LastAction = action.Kind()
		v.LastActionAt = action.Timestamp
		if v.LastActionAt == 0 {
			v.LastActionAt = s.now().UnixMilli()
		}
	})
}

// Video returns a copy of the playback state, or nil if none was started.
func (s *Store) Video(roomID string) *protocol.VideoState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	if !ok || st.Video == nil {
		return nil
	}
	v := *st.Video
	return &v
}

// Output returns the room's stored run output.
func (s *Store) Output(roomID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.rooms[roomID]; ok {
		return st.Output
	}
	return ""
}

// Teardown drops all state for the room.
func (s *Store) Teardown(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Rooms lists live room ids.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func appendCapped(log []protocol.Message, msg protocol.Message, limit int) []protocol.Message {
	log = append(log, msg)
	if limit > 0 && len(log) > limit {
		// Copy into a fresh slice so the evicted prefix can be collected.
		trimmed := make([]protocol.Message, limit)
		copy(trimmed, log[len(log)-limit:])
		log = trimmed
	}
	return log
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
