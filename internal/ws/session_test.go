package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/coderoom/internal/assistant"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/runner"
)

func newBridge(t *testing.T) *runner.Bridge {
	t.Helper()
	bridge := runner.NewBridge(runner.Config{Backend: runner.NewLocal(t.TempDir())})
	t.Cleanup(bridge.Shutdown)
	return bridge
}

func isOutput(f frame) bool { return f.kind() == protocol.KindRunOutput }

func isDone(f frame) bool {
	done, _ := f["done"].(bool)
	return isOutput(f) && done
}

func TestRunStreamsToWholeRoom(t *testing.T) {
	hub := startHub(t, Config{Bridge: newBridge(t)})

	a := connect(t, hub, 256)
	b := connect(t, hub, 256)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, a)
	drain(t, hub, b)

	emit(hub, a, &protocol.RunStart{Target: protocol.Target{RoomID: "r1"}, Language: "bash", Code: "echo hi"})

	for _, client := range []*Client{a, b} {
		clear := waitFor(t, client, isOutput)
		if clear.str("output") != "" || clear["chunk"] != nil {
			t.Errorf("First run-output should clear the pane, got %v", clear)
		}

		var text strings.Builder
		done := waitFor(t, client, func(f frame) bool {
			if isOutput(f) {
				text.WriteString(f.str("output"))
			}
			return isDone(f)
		})
		if text.String() != "hi\n" {
			t.Errorf("Expected output 'hi\\n', got %q", text.String())
		}
		if code, _ := done["exitCode"].(float64); code != 0 || done["exitCode"] == nil {
			t.Errorf("Expected exit code 0 on the terminator, got %v", done["exitCode"])
		}
	}

	state, _ := hub.Store().Snapshot("r1")
	if state.Output != "hi\n" {
		t.Errorf("Expected stored output 'hi\\n', got %q", state.Output)
	}
}

func TestRunStartPreemptsPreviousRun(t *testing.T) {
	hub := startHub(t, Config{Bridge: newBridge(t)})

	a := connect(t, hub, 1024)
	join(hub, a, "r1", "alice")
	drain(t, hub, a)

	emit(hub, a, &protocol.RunStart{
		Target:   protocol.Target{RoomID: "r1"},
		Language: "bash",
		Code:     "while :; do echo one; sleep 0.01; done",
	})
	waitFor(t, a, func(f frame) bool { return strings.Contains(f.str("output"), "one") })

	emit(hub, a, &protocol.RunStart{Target: protocol.Target{RoomID: "r1"}, Language: "bash", Code: "echo 2"})

	// Everything after the second clear belongs to the second run.
	waitFor(t, a, func(f frame) bool { return isOutput(f) && f["chunk"] == nil })
	var text strings.Builder
	waitFor(t, a, func(f frame) bool {
		text.WriteString(f.str("output"))
		return isDone(f)
	})
	if text.String() != "2\n" {
		t.Errorf("Expected only the second program's output, got %q", text.String())
	}
}

func TestRunAdvisoriesGoToRequesterOnly(t *testing.T) {
	hub := startHub(t, Config{Bridge: newBridge(t)})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, a)
	drain(t, hub, b)

	emit(hub, a, &protocol.RunInput{Target: protocol.Target{RoomID: "r1"}, Input: "42"})
	emit(hub, a, &protocol.RunStop{Target: protocol.Target{RoomID: "r1"}})
	emit(hub, a, &protocol.RunStart{Target: protocol.Target{RoomID: "r1"}, Language: "cobol", Code: "x"})
	emit(hub, a, &protocol.RunStart{Target: protocol.Target{RoomID: "r1"}, Language: "bash", Code: "  "})

	frames := drain(t, hub, a)
	expectKinds(t, frames,
		protocol.KindRunOutput, protocol.KindRunOutput, protocol.KindRunOutput, protocol.KindRunOutput)
	if frames[0].str("output") != msgNoProcess || frames[1].str("output") != msgNoProcess {
		t.Errorf("Expected no-process advisories, got %v / %v", frames[0], frames[1])
	}
	if !strings.Contains(frames[2].str("output"), "cobol") {
		t.Errorf("Expected unsupported language advisory, got %v", frames[2])
	}
	if frames[3].str("output") != msgEmptySource {
		t.Errorf("Expected empty source advisory, got %v", frames[3])
	}

	if frames := drain(t, hub, b); len(frames) != 0 {
		t.Errorf("Advisories must not reach other members, got %v", kinds(frames))
	}
}

func TestRunInputAndStop(t *testing.T) {
	hub := startHub(t, Config{Bridge: newBridge(t)})

	a := connect(t, hub, 256)
	b := connect(t, hub, 256)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, a)
	drain(t, hub, b)

	emit(hub, a, &protocol.RunStart{
		Target:   protocol.Target{RoomID: "r1"},
		Language: "bash",
		Code:     "read name\necho \"hello $name\"\nsleep 30\n",
	})
	waitFor(t, b, func(f frame) bool { return isOutput(f) && f["chunk"] == nil })

	emit(hub, b, &protocol.RunInput{Target: protocol.Target{RoomID: "r1"}, Input: "bob"})
	waitFor(t, a, func(f frame) bool { return f.str("output") == "hello bob\n" })

	emit(hub, b, &protocol.RunStop{Target: protocol.Target{RoomID: "r1"}})
	for _, client := range []*Client{a, b} {
		stopped := waitFor(t, client, isDone)
		if stopped.str("output") != msgStopped {
			t.Errorf("Expected stop notice, got %v", stopped)
		}
	}
}

func TestRunWithoutBridge(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	drain(t, hub, a)

	emit(hub, a, &protocol.RunStart{Target: protocol.Target{RoomID: "r1"}, Language: "bash", Code: "echo"})
	frames := drain(t, hub, a)
	expectKinds(t, frames, protocol.KindRunOutput)
	if frames[0].str("output") != msgNoExecution {
		t.Errorf("Unexpected advisory %v", frames[0])
	}
}

func TestRelayedBatchOutput(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, b)

	emit(hub, a, &protocol.RunOutput{Target: protocol.Target{RoomID: "r1"}, Output: "3\n"})
	expectKinds(t, drain(t, hub, b), protocol.KindRunOutput)

	c := connect(t, hub, 64)
	join(hub, c, "r1", "carol")
	frames := drain(t, hub, c)
	found := false
	for _, f := range frames {
		if f.kind() == protocol.KindRunOutput && f.str("output") == "3\n" {
			found = true
		}
	}
	if !found {
		t.Errorf("Late joiner should see the last output, got %v", kinds(frames))
	}
}

func TestTeardownReleasesRun(t *testing.T) {
	bridge := newBridge(t)
	hub := startHub(t, Config{Bridge: bridge})

	a := connect(t, hub, 256)
	join(hub, a, "r1", "alice")
	emit(hub, a, &protocol.RunStart{Target: protocol.Target{RoomID: "r1"}, Language: "bash", Code: "sleep 30"})
	barrier(t, hub)
	if bridge.Active() != 1 {
		t.Fatalf("Expected 1 active session, got %d", bridge.Active())
	}

	hub.unregister <- a
	barrier(t, hub)

	deadline := time.Now().Add(waitTimeout)
	for bridge.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Session should be released with the room")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSlowReaderMissesOutputNotMembership(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 8)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, a)
	drain(t, hub, b)

	relay := func(text string) {
		emit(hub, b, &protocol.RunOutput{Target: protocol.Target{RoomID: "r1"}, Output: text, Chunk: true})
	}
	for i := 0; i < 20; i++ {
		relay("x")
	}
	emit(hub, b, protocol.NewPostMessage(protocol.KindChatMessage, "r1", protocol.MessageBody{Text: "still here"}))

	frames := drain(t, hub, a)
	if len(frames) != 7 {
		t.Fatalf("Expected 6 output frames and the chat message, got %v", kinds(frames))
	}
	for _, f := range frames[:6] {
		if !isOutput(f) || f.str("output") != "x" {
			t.Errorf("Unexpected frame %v", f)
		}
	}
	if frames[6].kind() != protocol.KindChatMessage {
		t.Errorf("Chat must still reach a lagging reader, got %v", frames[6])
	}
	if members := hub.Members("r1"); len(members) != 2 {
		t.Fatalf("Lagging reader must not be evicted, members %v", members)
	}

	// The next frame replaces the pane with everything it missed.
	relay("y")
	frames = drain(t, hub, a)
	expectKinds(t, frames, protocol.KindRunOutput)
	if frames[0]["chunk"] != nil || frames[0].str("output") != strings.Repeat("x", 20)+"y" {
		t.Errorf("Expected a full replacement, got %v", frames[0])
	}

	relay("z")
	frames = drain(t, hub, a)
	expectKinds(t, frames, protocol.KindRunOutput)
	if frames[0]["chunk"] != true || frames[0].str("output") != "z" {
		t.Errorf("Expected streaming to resume, got %v", frames[0])
	}
}

func TestFloodingRunOverWebSocket(t *testing.T) {
	hub := startHub(t, Config{Bridge: newBridge(t)})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer server.Close()

	alice := dial(t, server)
	alice.sendRaw(`{"type":"join","roomId":"r1","username":"alice"}`)
	alice.expect(protocol.KindJoined, protocol.KindAIHistorySync, protocol.KindLanguageChange)

	alice.sendRaw(`{"type":"run-start","roomId":"r1","language":"bash","code":"yes hello-world"}`)

	// Read slowly for a while; the server must neither evict nor tear down.
	frames := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f := alice.next(); !isOutput(f) {
			t.Fatalf("Unexpected frame %v", f)
		}
		frames++
		time.Sleep(time.Millisecond)
	}

	alice.sendRaw(`{"type":"run-stop","roomId":"r1"}`)
	for {
		if f := alice.next(); isDone(f) {
			break
		}
		frames++
	}

	if !hub.Store().Exists("r1") || hub.GetClientCount() != 1 {
		t.Fatalf("Room lost during flood: exists=%v clients=%d", hub.Store().Exists("r1"), hub.GetClientCount())
	}
	if frames > 100 {
		t.Errorf("Expected coalesced output, got %d frames", frames)
	}

	alice.sendRaw(`{"type":"sync-code-request","roomId":"r1"}`)
	for {
		if f := alice.next(); f.kind() == protocol.KindSyncCode {
			break
		}
	}
}

func TestVideoSubRoom(t *testing.T) {
	hub := startHub(t, Config{})
	hub.now = func() time.Time { return time.UnixMilli(10_000) }

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	emit(hub, a, &protocol.VideoJoin{Target: protocol.Target{RoomID: "r1"}})
	emit(hub, b, &protocol.VideoJoin{Target: protocol.Target{RoomID: "r1"}})
	if frames := drain(t, hub, b); len(frames) != 0 {
		t.Errorf("No state to sync before the first action, got %v", kinds(frames))
	}

	emit(hub, a, protocol.NewVideoAction(protocol.KindVideoChange, "r1", 0, "https://example.com/v.mp4", 10_000))
	emit(hub, a, protocol.NewVideoAction(protocol.KindVideoSeek, "r1", 30, "", 10_000))

	frames := drain(t, hub, b)
	expectKinds(t, frames, protocol.KindVideoChange, protocol.KindVideoSeek)
	if frames[0].str("videoUrl") != "https://example.com/v.mp4" {
		t.Errorf("Unexpected relay %v", frames[0])
	}
	if frames := drain(t, hub, a); len(frames) != 0 {
		t.Errorf("Sender should not get its own action, got %v", kinds(frames))
	}

	// Two seconds later a new viewer starts where playback is now.
	hub.now = func() time.Time { return time.UnixMilli(12_000) }
	c := connect(t, hub, 64)
	emit(hub, c, &protocol.VideoJoin{Target: protocol.Target{RoomID: "r1"}})
	frames = drain(t, hub, c)
	expectKinds(t, frames, protocol.KindVideoStateSync)
	if pos, _ := frames[0]["currentTime"].(float64); pos != 32 {
		t.Errorf("Expected position 32, got %v", frames[0]["currentTime"])
	}
	if playing, _ := frames[0]["isPlaying"].(bool); !playing {
		t.Error("Expected playing state")
	}

	emit(hub, a, protocol.NewVideoAction(protocol.KindVideoPause, "r1", 33, "", 13_000))
	emit(hub, c, &protocol.VideoSyncRequest{Target: protocol.Target{RoomID: "r1"}})
	frames = drain(t, hub, c)
	expectKinds(t, frames, protocol.KindVideoPause, protocol.KindVideoStateSync)
	if pos, _ := frames[1]["currentTime"].(float64); pos != 33 {
		t.Errorf("Paused video should not advance, got %v", frames[1]["currentTime"])
	}

	for _, client := range []*Client{a, b, c} {
		hub.unregister <- client
	}
	barrier(t, hub)
	if hub.Store().Exists("r1") {
		t.Error("Room should be cleared once the audience is empty")
	}
}

func TestVideoAudienceKeepsRoomAlive(t *testing.T) {
	hub := startHub(t, Config{})

	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	emit(hub, a, &protocol.CodeChange{Target: protocol.Target{RoomID: "r1"}, Code: "still here"})
	emit(hub, b, &protocol.VideoJoin{Target: protocol.Target{RoomID: "r1"}})

	hub.unregister <- a
	barrier(t, hub)

	state, ok := hub.Store().Snapshot("r1")
	if !ok || state.Document != "still here" {
		t.Error("Room should survive while someone is watching")
	}

	hub.unregister <- b
	barrier(t, hub)
	if hub.Store().Exists("r1") {
		t.Error("Room should be cleared when the last watcher leaves")
	}
}

func newDocumentStore(t *testing.T) *db.SQLite {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("Failed to open document store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewRoomLoadsSavedDocument(t *testing.T) {
	docs := newDocumentStore(t)
	err := docs.SaveDocument(context.Background(), db.Document{RoomID: "r1", Content: "saved()", Language: "python"})
	if err != nil {
		t.Fatalf("Failed to seed document: %v", err)
	}

	hub := startHub(t, Config{Documents: docs})
	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")

	code := waitFor(t, a, func(f frame) bool { return f.kind() == protocol.KindCodeChange })
	if code.str("code") != "saved()" {
		t.Errorf("Expected saved document, got %v", code)
	}
	waitFor(t, a, func(f frame) bool { return f.kind() == protocol.KindLanguageChange && f.str("language") == "python" })
}

func TestVideoJoinLoadsSavedDocument(t *testing.T) {
	docs := newDocumentStore(t)
	err := docs.SaveDocument(context.Background(), db.Document{RoomID: "r1", Content: "saved()", Language: "python"})
	if err != nil {
		t.Fatalf("Failed to seed document: %v", err)
	}

	hub := startHub(t, Config{Documents: docs})
	viewer := connect(t, hub, 64)
	emit(hub, viewer, &protocol.VideoJoin{Target: protocol.Target{RoomID: "r1"}})

	deadline := time.Now().Add(waitTimeout)
	for {
		state, _ := hub.Store().Snapshot("r1")
		if state.Document == "saved()" {
			if state.Language != "python" {
				t.Errorf("Expected language 'python', got '%s'", state.Language)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Saved document was not loaded for a room created by video-join")
		}
		time.Sleep(10 * time.Millisecond)
	}

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	code := waitFor(t, a, func(f frame) bool { return f.kind() == protocol.KindCodeChange })
	if code.str("code") != "saved()" {
		t.Errorf("Expected saved document in catch-up, got %v", code)
	}
}

func TestTeardownAutoSaves(t *testing.T) {
	docs := newDocumentStore(t)
	hub := startHub(t, Config{Documents: docs, AutoSave: true})

	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	emit(hub, a, &protocol.CodeChange{Target: protocol.Target{RoomID: "r1"}, Code: "keep()"})
	hub.unregister <- a
	barrier(t, hub)

	deadline := time.Now().Add(waitTimeout)
	for {
		doc, err := docs.GetDocument(context.Background(), "r1")
		if err != nil {
			t.Fatalf("Failed to read document: %v", err)
		}
		if doc != nil {
			if doc.Content != "keep()" {
				t.Errorf("Expected 'keep()', got '%s'", doc.Content)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Document was not saved on teardown")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDocRequest(t *testing.T) {
	const docs = "Error: handling is left to the caller.\n## add\nAdds numbers."
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": docs}}},
		})
	}))
	defer llm.Close()

	hub := startHub(t, Config{Assistant: assistant.New(assistant.Config{BaseURL: llm.URL, APIKey: "k"})})
	a := connect(t, hub, 64)
	b := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	join(hub, b, "r1", "bob")
	drain(t, hub, a)
	drain(t, hub, b)

	emit(hub, a, &protocol.AIDocRequest{Target: protocol.Target{RoomID: "r1"}, Code: "func add(a, b int) int", Language: "go"})
	result := waitFor(t, a, func(f frame) bool { return f.kind() == protocol.KindAIDocResult })
	if result.str("documentation") != docs || result["error"] != nil {
		t.Errorf("Unexpected result %v", result)
	}
	if frames := drain(t, hub, b); len(frames) != 0 {
		t.Errorf("Documentation goes to the requester only, got %v", kinds(frames))
	}
}

func TestDocRequestFailures(t *testing.T) {
	hub := startHub(t, Config{})
	a := connect(t, hub, 64)
	join(hub, a, "r1", "alice")
	drain(t, hub, a)

	emit(hub, a, &protocol.AIDocRequest{Target: protocol.Target{RoomID: "r1"}, Code: ""})
	emit(hub, a, &protocol.AIDocRequest{Target: protocol.Target{RoomID: "r1"}, Code: "x = 1"})

	frames := drain(t, hub, a)
	expectKinds(t, frames, protocol.KindAIDocResult, protocol.KindAIDocResult)
	if frames[0].str("error") != msgNothingToDocument {
		t.Errorf("Unexpected result %v", frames[0])
	}
	if frames[1].str("error") != assistant.NotConfigured {
		t.Errorf("Unexpected result %v", frames[1])
	}
}

// wsClient is a real websocket peer for end-to-end tests.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, server *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) sendRaw(data string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
}

func (c *wsClient) next() frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("Failed to read: %v", err)
	}
	return decode(c.t, data)
}

func (c *wsClient) expect(want ...protocol.Kind) []frame {
	c.t.Helper()
	frames := make([]frame, 0, len(want))
	for range want {
		frames = append(frames, c.next())
	}
	expectKinds(c.t, frames, want...)
	return frames
}

func TestWebSocketEndToEnd(t *testing.T) {
	hub := startHub(t, Config{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer server.Close()

	alice := dial(t, server)
	bob := dial(t, server)

	alice.sendRaw(`{"type":"join","roomId":"r1","username":"alice"}`)
	alice.expect(protocol.KindJoined, protocol.KindAIHistorySync, protocol.KindLanguageChange)

	bob.sendRaw(`{"type":"join","roomId":"r1","username":"bob"}`)
	bob.expect(protocol.KindJoined, protocol.KindAIHistorySync, protocol.KindLanguageChange)
	alice.expect(protocol.KindJoined)

	// Garbage, a frame without a room and an unknown kind are all skipped.
	alice.sendRaw(`not json`)
	alice.sendRaw(`{"type":"code-change","code":"lost"}`)
	alice.sendRaw(`{"type":"cursor-move","roomId":"r1","line":3}`)
	alice.sendRaw(`{"type":"code-change","roomId":"r1","code":"kept","extra":true}`)

	frames := bob.expect(protocol.KindCodeChange)
	if frames[0].str("code") != "kept" {
		t.Errorf("Expected 'kept', got %v", frames[0])
	}

	alice.sendRaw(`{"type":"chat-message","roomId":"r1","message":{"id":1712345678901.42,"text":"hi"}}`)
	for _, peer := range []*wsClient{alice, bob} {
		msg, _ := peer.expect(protocol.KindChatMessage)[0]["message"].(map[string]any)
		if msg["clientId"] != "1712345678901.42" || msg["id"] == msg["clientId"] || msg["sender"] != "alice" {
			t.Errorf("Unexpected chat echo %v", msg)
		}
	}

	alice.conn.Close()
	notice := bob.expect(protocol.KindDisconnected)[0]
	if notice.str("username") != "alice" {
		t.Errorf("Unexpected disconnect notice %v", notice)
	}
}
