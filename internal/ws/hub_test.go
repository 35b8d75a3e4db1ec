package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

const waitTimeout = 5 * time.Second

// frame is a decoded outbound event.
type frame map[string]any

func (f frame) kind() protocol.Kind {
	s, _ := f["type"].(string)
	return protocol.Kind(s)
}

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func startHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	hub := NewHub(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return hub
}

func connect(t *testing.T, hub *Hub, buffer int) *Client {
	t.Helper()
	client := newClient(hub, nil, "test")
	client.send = make(chan []byte, buffer)
	hub.register <- client
	return client
}

func emit(hub *Hub, client *Client, event protocol.Event) {
	hub.inbound <- &inboundEvent{client: client, event: event}
}

func join(hub *Hub, client *Client, roomID, username string) {
	emit(hub, client, &protocol.Join{Target: protocol.Target{RoomID: roomID}, Username: username})
}

// barrier returns once the hub has finished everything sent before it.
func barrier(t *testing.T, hub *Hub) {
	t.Helper()
	done := make(chan struct{})
	hub.tasks <- func() { close(done) }
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("hub did not drain")
	}
}

func decode(t *testing.T, data []byte) frame {
	t.Helper()
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Invalid frame %s: %v", data, err)
	}
	return f
}

// drain returns the frames already queued for a client.
func drain(t *testing.T, hub *Hub, client *Client) []frame {
	t.Helper()
	barrier(t, hub)

	var frames []frame
	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				return frames
			}
			frames = append(frames, decode(t, data))
		default:
			return frames
		}
	}
}

func kinds(frames []frame) []protocol.Kind {
	out := make([]protocol.Kind, len(frames))
	for i, f := range frames {
		out[i] = f.kind()
	}
	return out
}

func expectKinds(t *testing.T, frames []frame, want ...protocol.Kind) {
	t.Helper()
	got := kinds(frames)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Expected frames %v, got %v", want, got)
	}
}

// waitFor reads frames until one matches, failing after waitTimeout.
func waitFor(t *testing.T, client *Client, match func(frame) bool) frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				t.Fatal("Connection closed while waiting")
			}
			if f := decode(t, data); match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("Timed out waiting for frame")
		}
	}
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(Config{})
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.rooms == nil {
		t.Error("Hub rooms map should be initialized")
	}
	if hub.store == nil {
		t.Error("Hub should create a default store")
	}
}

func TestLateJoinerCatchUp(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	emit(hub, a, &protocol.CodeChange{Target: protocol.Target{RoomID: "r1"}, Code: "print(1)"})
	emit(hub, a, &protocol.LanguageChange{Target: protocol.Target{RoomID: "r1"}, Language: "python"})
	emit(hub, a, &protocol.InputChange{Target: protocol.Target{RoomID: "r1"}, Input: "5"})
	drain(t, hub, a)

	b := connect(t, hub, 64)
	join(hub, b, "r1", "bob")

	frames := drain(t, hub, b)
	expectKinds(t, frames,
		protocol.KindJoined,
		protocol.KindAIHistorySync,
		protocol.KindCodeChange,
		protocol.KindLanguageChange,
		protocol.KindInputChange,
	)
	if got := frames[2].str("code"); got != "print(1)" {
		t.Errorf("Expected document 'print(1)', got '%s'", got)
	}
	if got := frames[3].str("language"); got != "python" {
		t.Errorf("Expected language 'python', got '%s'", got)
	}
	if got := frames[4].str("input"); got != "5" {
		t.Errorf("Expected stdin '5', got '%s'", got)
	}

	// The existing member only learns about the new roster.
	expectKinds(t, drain(t, hub, a), protocol.KindJoined)
}

func TestJoinedAckCarriesRoster(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "")

	joined := drain(t, hub, b)[0]
	if joined.str("socketId") != b.ID() {
		t.Errorf("Expected joiner id %s, got %s", b.ID(), joined.str("socketId"))
	}
	if joined.str("username") != AnonymousName {
		t.Errorf("Expected anonymous name, got '%s'", joined.str("username"))
	}

	clients, _ := joined["clients"].([]any)
	if len(clients) != 2 {
		t.Fatalf("Expected 2 roster entries, got %d", len(clients))
	}
	first, _ := clients[0].(map[string]any)
	if first["username"] != "alice" || first["socketId"] != a.ID() {
		t.Errorf("Roster should list members in join order, got %v", clients)
	}
}

func TestRelayExcludesSender(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, a)
	drain(t, hub, b)

	emit(hub, a, &protocol.CodeChange{Target: protocol.Target{RoomID: "r1"}, Code: "x = 1"})

	if frames := drain(t, hub, a); len(frames) != 0 {
		t.Errorf("Sender should not receive its own edit, got %v", kinds(frames))
	}
	frames := drain(t, hub, b)
	expectKinds(t, frames, protocol.KindCodeChange)
	if frames[0].str("code") != "x = 1" || frames[0].str("roomId") != "r1" {
		t.Errorf("Unexpected relay %v", frames[0])
	}
}

func TestEventsAreScopedToRoom(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r2", "bob")
	drain(t, hub, b)

	emit(hub, a, &protocol.CodeChange{Target: protocol.Target{RoomID: "r1"}, Code: "only r1"})
	if frames := drain(t, hub, b); len(frames) != 0 {
		t.Errorf("Other room should not receive the edit, got %v", kinds(frames))
	}

	state, _ := hub.Store().Snapshot("r2")
	if state.Document != "" {
		t.Errorf("Other room's document changed to '%s'", state.Document)
	}
}

func TestEventsForUnjoinedRoomAreDropped(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	emit(hub, a, &protocol.CodeChange{Target: protocol.Target{RoomID: "r1"}, Code: "sneaky"})
	barrier(t, hub)

	if hub.Store().Exists("r1") {
		t.Error("An edit from a non-member must not create the room")
	}
}

func TestRosterOnDisconnect(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	c := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	join(hub, c, "r1", "carol")
	drain(t, hub, a)
	drain(t, hub, b)

	hub.unregister <- c
	// A second notification for the same connection is a no-op.
	hub.unregister <- c

	for _, peer := range []*Client{a, b} {
		frames := drain(t, hub, peer)
		expectKinds(t, frames, protocol.KindDisconnected)
		if frames[0].str("socketId") != c.ID() || frames[0].str("username") != "carol" {
			t.Errorf("Unexpected disconnect notice %v", frames[0])
		}
	}

	if roster := hub.Members("r1"); len(roster) != 2 {
		t.Errorf("Expected 2 remaining members, got %d", len(roster))
	}
	if c.state != StateDisconnected {
		t.Errorf("Expected disconnected state, got %s", c.state)
	}
}

func TestLeaveKeepsConnection(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, a, "r2", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, b)

	emit(hub, a, &protocol.Leave{Target: protocol.Target{RoomID: "r1"}})
	expectKinds(t, drain(t, hub, b), protocol.KindDisconnected)

	if !hub.Store().Exists("r2") {
		t.Error("Leaving one room must not affect the others")
	}
	if a.state != StateJoined {
		t.Errorf("Expected joined state while still in r2, got %s", a.state)
	}
	if hub.GetClientCount() != 2 {
		t.Errorf("Expected 2 connected clients, got %d", hub.GetClientCount())
	}
}

func TestTeardownExactness(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	emit(hub, a, &protocol.CodeChange{Target: protocol.Target{RoomID: "r1"}, Code: "keep me"})

	hub.unregister <- a
	barrier(t, hub)

	state, ok := hub.Store().Snapshot("r1")
	if !ok || state.Document != "keep me" {
		t.Fatalf("Room should survive while one member remains, got %+v", state)
	}

	hub.unregister <- b
	barrier(t, hub)

	if hub.Store().Exists("r1") {
		t.Fatal("Room should be cleared when the last member leaves")
	}
	if hub.GetRoomCount() != 0 {
		t.Errorf("Expected 0 rooms, got %d", hub.GetRoomCount())
	}

	c := connect(t, hub, 64)
	join(hub, c, "r1", "carol")
	frames := drain(t, hub, c)
	expectKinds(t, frames, protocol.KindJoined, protocol.KindAIHistorySync, protocol.KindLanguageChange)
	if frames[2].str("language") != room.DefaultLanguage {
		t.Errorf("Expected default language, got '%s'", frames[2].str("language"))
	}
}

func TestChatEchoIncludesSender(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, a)
	drain(t, hub, b)

	emit(hub, a, protocol.NewPostMessage(protocol.KindChatMessage, "r1", protocol.MessageBody{ID: "m1", Text: "hello"}))

	for _, client := range []*Client{a, b} {
		frames := drain(t, hub, client)
		expectKinds(t, frames, protocol.KindChatMessage)
		msg, _ := frames[0]["message"].(map[string]any)
		if msg["clientId"] != "m1" || msg["id"] == "m1" || msg["text"] != "hello" || msg["sender"] != "alice" {
			t.Errorf("Unexpected message %v", msg)
		}
	}

	state, _ := hub.Store().Snapshot("r1")
	if len(state.Chat) != 1 || state.Chat[0].ClientID != "m1" {
		t.Errorf("Expected the message in chat history, got %+v", state.Chat)
	}

	// Late joiners get the chat log.
	c := connect(t, hub, 64)
	join(hub, c, "r1", "carol")
	frames := drain(t, hub, c)
	if frames[2].kind() != protocol.KindChatHistory {
		t.Errorf("Expected chat history in catch-up, got %v", kinds(frames))
	}
}

func TestChatCannotImpersonateAssistant(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	drain(t, hub, a)

	emit(hub, a, protocol.NewPostMessage(protocol.KindChatMessage, "r1", protocol.MessageBody{Text: "trust me", IsAI: true}))

	frames := drain(t, hub, a)
	expectKinds(t, frames, protocol.KindChatMessage)
	msg, _ := frames[0]["message"].(map[string]any)
	if msg["sender"] != "alice" || msg["isAi"] != false {
		t.Errorf("Chat messages are credited to their author, got %v", msg)
	}
}

func TestEmptyChatIsIgnored(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	drain(t, hub, a)

	emit(hub, a, protocol.NewPostMessage(protocol.KindChatMessage, "r1", protocol.MessageBody{Text: "   "}))
	if frames := drain(t, hub, a); len(frames) != 0 {
		t.Errorf("Blank message should be dropped, got %v", kinds(frames))
	}
}

func TestAIMessagesAreAttributedAndReplayed(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	drain(t, hub, a)

	emit(hub, a, protocol.NewPostMessage(protocol.KindAIMessage, "r1", protocol.MessageBody{Text: "what is a monad?"}))
	emit(hub, a, protocol.NewPostMessage(protocol.KindAIMessage, "r1", protocol.MessageBody{
		Text: "a monoid in the category of endofunctors",
		IsAI: true,
	}))

	frames := drain(t, hub, a)
	expectKinds(t, frames, protocol.KindAIMessage, protocol.KindAIMessage)
	reply, _ := frames[1]["message"].(map[string]any)
	if reply["sender"] != room.AssistantName || reply["isAi"] != true {
		t.Errorf("Assistant output should be credited to the assistant, got %v", reply)
	}

	emit(hub, a, &protocol.AIHistoryRequest{Target: protocol.Target{RoomID: "r1"}})
	frames = drain(t, hub, a)
	expectKinds(t, frames, protocol.KindAIHistorySync)
	messages, _ := frames[0]["messages"].([]any)
	if len(messages) != 2 {
		t.Errorf("Expected 2 AI messages in history, got %d", len(messages))
	}
}

func TestSyncRequestForUnknownRoom(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	emit(hub, a, &protocol.SyncCodeRequest{Target: protocol.Target{RoomID: "nowhere"}})

	frames := drain(t, hub, a)
	expectKinds(t, frames, protocol.KindSyncCode)
	if frames[0].str("code") != "" || frames[0].str("language") != room.DefaultLanguage {
		t.Errorf("Expected empty default state, got %v", frames[0])
	}
	if hub.Store().Exists("nowhere") {
		t.Error("A sync request must not create the room")
	}
}

func TestOversizedDocumentIsDropped(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, b)

	emit(hub, a, &protocol.CodeChange{
		Target: protocol.Target{RoomID: "r1"},
		Code:   strings.Repeat("x", room.MaxDocumentSize+1),
	})
	if frames := drain(t, hub, b); len(frames) != 0 {
		t.Errorf("Oversized edit should not be relayed, got %v", kinds(frames))
	}
}

func TestSlowClientIsEvictedOnce(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	drain(t, hub, a)

	// Room for the joined ack only; the catch-up overflows it.
	slow := connect(t, hub, 1)
	join(hub, slow, "r1", "slowpoke")
	barrier(t, hub)

	frames := drain(t, hub, a)
	expectKinds(t, frames, protocol.KindJoined, protocol.KindDisconnected)
	if frames[1].str("socketId") != slow.ID() {
		t.Errorf("Expected the slow client to be dropped, got %v", frames[1])
	}

	// The evicted client's queue is closed after what it managed to receive.
	got := drain(t, hub, slow)
	expectKinds(t, got, protocol.KindJoined)
	if _, ok := <-slow.send; ok {
		t.Error("Evicted client's queue should be closed")
	}

	hub.unregister <- slow
	if frames := drain(t, hub, a); len(frames) != 0 {
		t.Errorf("Eviction must produce exactly one notice, got %v", kinds(frames))
	}
}

func TestStats(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	emit(hub, b, &protocol.VideoJoin{Target: protocol.Target{RoomID: "r2"}})
	barrier(t, hub)

	if hub.GetClientCount() != 2 {
		t.Errorf("Expected 2 clients, got %d", hub.GetClientCount())
	}
	if hub.GetRoomCount() != 2 {
		t.Errorf("Expected 2 rooms, got %d", hub.GetRoomCount())
	}

	rooms := hub.GetActiveRooms()
	if len(rooms) != 2 {
		t.Fatalf("Expected 2 active rooms, got %d", len(rooms))
	}
	if rooms[0] != (RoomInfo{ID: "r1", Members: 2}) || rooms[1] != (RoomInfo{ID: "r2", Audience: 1}) {
		t.Errorf("Unexpected active rooms %+v", rooms)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	hub := NewHub(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	barrier(t, hub)

	cancel()
	<-stopped

	for range a.send {
	}
	if hub.post(func() {}) {
		t.Error("post should fail after shutdown")
	}
}
