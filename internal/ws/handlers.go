package ws

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/assistant"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
	"github.com/manpreetbhatti/coderoom/internal/runner"
)

// Advisory texts shown in the requester's output pane.
const (
	msgNoProcess         = "No active process. Run your code first.\n"
	msgStopped           = "\nProcess stopped.\n"
	msgNoInput           = "This execution mode does not accept input while the program runs.\n"
	msgInputBusy         = "Input ignored: the program is not reading fast enough.\n"
	msgNoExecution       = "Code execution is not available on this server.\n"
	msgEmptySource       = "No code to run.\n"
	msgUnsupportedLang   = "Unsupported language: "
	msgNothingToDocument = "There is no code to document."
)

const assistantTimeout = 60 * time.Second

func (h *Hub) handle(client *Client, event protocol.Event) {
	if client.state == StateDisconnected || client.state == StateDisconnecting {
		return
	}
	roomID := event.Room()

	switch ev := event.(type) {
	case *protocol.Join:
		h.join(client, ev)
		return
	case *protocol.SyncCodeRequest:
		h.syncCode(client, roomID)
		return
	case *protocol.AIHistoryRequest:
		state, _ := h.store.Snapshot(roomID)
		h.unicast(client, protocol.KindAIHistorySync, protocol.History{Messages: state.AI})
		return
	case *protocol.VideoJoin:
		h.videoJoin(client, roomID)
		return
	case *protocol.VideoSyncRequest:
		h.unicast(client, protocol.KindVideoStateSync, h.videoState(roomID))
		return
	case *protocol.VideoAction:
		if !client.rooms[roomID] && !client.videoRooms[roomID] {
			h.logger.Debug("dropping video event from outsider", "room", roomID, "client", client.id)
			return
		}
		h.video(client, ev)
		return
	}

	// Everything below mutates a room the client must have joined.
	if !client.rooms[roomID] {
		h.logger.Debug("dropping event for unjoined room", "room", roomID, "client", client.id, "kind", event.Kind())
		return
	}

	switch ev := event.(type) {
	case *protocol.Leave:
		h.leave(client, roomID)
		if len(client.rooms) == 0 && len(client.videoRooms) == 0 {
			client.state = StateConnected
		}

	case *protocol.CodeChange:
		if !h.store.ApplyDocument(roomID, ev.Code) {
			h.logger.Warn("dropping oversized document", "room", roomID, "client", client.id, "size", len(ev.Code))
			return
		}
		h.broadcast(roomID, client, protocol.KindCodeChange, ev)

	case *protocol.LanguageChange:
		h.store.ApplyLanguage(roomID, ev.Language)
		h.broadcast(roomID, client, protocol.KindLanguageChange, ev)

	case *protocol.InputChange:
		h.store.ApplyStdin(roomID, ev.Input)
		h.broadcast(roomID, client, protocol.KindInputChange, ev)

	case *protocol.RunStart:
		h.runStart(client, ev)

	case *protocol.RunInput:
		h.runInput(client, ev)

	case *protocol.RunStop:
		h.runStop(client, roomID)

	case *protocol.RunOutput:
		if ev.Chunk {
			h.store.AppendOutput(roomID, ev.Output)
		} else {
			h.store.SetOutput(roomID, ev.Output)
		}
		h.broadcastOutput(roomID, client, *ev)

	case *protocol.PostMessage:
		h.postMessage(client, ev)

	case *protocol.AIDocRequest:
		h.document(client, ev)

	default:
		h.logger.Debug("ignoring event", "kind", event.Kind(), "room", roomID)
	}
}

func (h *Hub) join(client *Client, ev *protocol.Join) {
	roomID := ev.RoomID
	name := strings.TrimSpace(ev.Username)
	if name == "" {
		name = AnonymousName
	}

	created := h.store.Ensure(roomID)

	h.mu.Lock()
	h.names[client.id] = name
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]uint64)
		h.rooms[roomID] = members
	}
	if _, already := members[client]; !already {
		h.joinSeq++
		members[client] = h.joinSeq
	}
	client.rooms[roomID] = true
	client.state = StateJoined
	h.mu.Unlock()

	h.logger.Info("client joined room", "room", roomID, "client", client.id, "username", name, "members", len(members))

	h.broadcast(roomID, nil, protocol.KindJoined, protocol.Joined{
		Clients:  h.roster(roomID),
		Username: name,
		SocketID: client.id,
	})
	h.catchUp(client, roomID)

	if created && h.docs != nil {
		go h.loadDocument(roomID)
	}
}

// catchUp replays the room's current state to a new member.
func (h *Hub) catchUp(client *Client, roomID string) {
	state, _ := h.store.Snapshot(roomID)

	h.unicast(client, protocol.KindAIHistorySync, protocol.History{Messages: state.AI})
	if len(state.Chat) > 0 {
		h.unicast(client, protocol.KindChatHistory, protocol.History{Messages: state.Chat})
	}
	if state.Document != "" {
		h.unicast(client, protocol.KindCodeChange, protocol.CodeChange{
			Target: protocol.Target{RoomID: roomID},
			Code:   state.Document,
		})
	}
	h.unicast(client, protocol.KindLanguageChange, protocol.LanguageChange{
		Target:   protocol.Target{RoomID: roomID},
		Language: state.Language,
	})
	if state.Output != "" {
		h.unicast(client, protocol.KindRunOutput, protocol.RunOutput{
			Target: protocol.Target{RoomID: roomID},
			Output: state.Output,
		})
	}
	if state.Stdin != "" {
		h.unicast(client, protocol.KindInputChange, protocol.InputChange{
			Target: protocol.Target{RoomID: roomID},
			Input:  state.Stdin,
		})
	}
	if state.Video != nil {
		h.unicast(client, protocol.KindVideoStateSync, h.extrapolate(*state.Video))
	}
}

// loadDocument seeds a freshly created room from the document store. Live
// edits made while the load was in flight win.
func (h *Hub) loadDocument(roomID string) {
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	doc, err := h.docs.GetDocument(ctx, roomID)
	if err != nil {
		h.logger.Error("failed to load document", "room", roomID, "error", err)
		return
	}
	if doc == nil || doc.Content == "" {
		return
	}

	h.post(func() {
		state, ok := h.store.Snapshot(roomID)
		if !ok || state.Document != "" {
			return
		}
		h.store.ApplyDocument(roomID, doc.Content)
		h.broadcast(roomID, nil, protocol.KindCodeChange, protocol.CodeChange{
			Target: protocol.Target{RoomID: roomID},
			Code:   doc.Content,
		})
		if doc.Language != "" {
			h.store.ApplyLanguage(roomID, doc.Language)
			h.broadcast(roomID, nil, protocol.KindLanguageChange, protocol.LanguageChange{
				Target:   protocol.Target{RoomID: roomID},
				Language: doc.Language,
			})
		}
		h.logger.Debug("loaded saved document", "room", roomID, "size", len(doc.Content))
	})
}

func (h *Hub) syncCode(client *Client, roomID string) {
	state, _ := h.store.Snapshot(roomID)
	h.unicast(client, protocol.KindSyncCode, protocol.SyncCode{
		RoomID:   roomID,
		Code:     state.Document,
		Language: state.Language,
		Input:    state.Stdin,
		Output:   state.Output,
	})
}

func (h *Hub) postMessage(client *Client, ev *protocol.PostMessage) {
	body := ev.Body()
	if strings.TrimSpace(body.Text) == "" {
		return
	}
	// Only the assistant transcript carries assistant output.
	if ev.Kind() != protocol.KindAIMessage {
		body.IsAI = false
	}
	msg := room.NewMessage(body, h.name(client), h.now())
	if ev.Kind() == protocol.KindAIMessage {
		h.store.AppendAI(ev.RoomID, msg)
	} else {
		h.store.AppendChat(ev.RoomID, msg)
	}

	// Sent back to the author too so it can replace its optimistic copy.
	h.broadcast(ev.RoomID, nil, ev.Kind(), struct {
		RoomID  string           `json:"roomId"`
		Message protocol.Message `json:"message"`
	}{ev.RoomID, msg})
}

// document asks the assistant for documentation off the hub goroutine and
// replies to the requester only.
func (h *Hub) document(client *Client, ev *protocol.AIDocRequest) {
	if strings.TrimSpace(ev.Code) == "" {
		h.unicast(client, protocol.KindAIDocResult, protocol.DocResult{Error: msgNothingToDocument})
		return
	}
	if !h.assistant.Configured() {
		h.unicast(client, protocol.KindAIDocResult, protocol.DocResult{Error: assistant.NotConfigured})
		return
	}

	code, language := ev.Code, ev.Language
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, assistantTimeout)
		defer cancel()

		reply := h.assistant.Document(ctx, code, language)
		result := protocol.DocResult{Documentation: reply.Text}
		if reply.Failed() {
			result = protocol.DocResult{Error: reply.Text}
		}
		h.post(func() { h.unicast(client, protocol.KindAIDocResult, result) })
	}()
}

func (h *Hub) advise(client *Client, roomID, text string, done bool) {
	h.unicast(client, protocol.KindRunOutput, protocol.RunOutput{
		Target: protocol.Target{RoomID: roomID},
		Output: text,
		Chunk:  true,
		Done:   done,
	})
}

func (h *Hub) runStart(client *Client, ev *protocol.RunStart) {
	roomID := ev.RoomID
	if h.bridge == nil {
		h.advise(client, roomID, msgNoExecution, true)
		return
	}

	gen, err := h.bridge.Start(roomID, runner.Request{
		Language: ev.Language,
		Source:   ev.Code,
		Stdin:    ev.Input,
	})
	switch {
	case errors.Is(err, runner.ErrEmptySource):
		h.advise(client, roomID, msgEmptySource, true)
		return
	case errors.Is(err, runner.ErrUnsupportedLanguage):
		h.advise(client, roomID, msgUnsupportedLang+ev.Language+"\n", true)
		return
	case err != nil:
		h.advise(client, roomID, "Error: "+err.Error()+"\n", true)
		return
	}

	h.logger.Info("run started", "room", roomID, "client", client.id, "language", ev.Language, "generation", gen)

	// Clear every pane before the new run's output arrives.
	h.store.ResetOutput(roomID)
	h.broadcastOutput(roomID, nil, protocol.RunOutput{
		Target: protocol.Target{RoomID: roomID},
	})
}

func (h *Hub) runInput(client *Client, ev *protocol.RunInput) {
	if h.bridge == nil {
		h.advise(client, ev.RoomID, msgNoProcess, false)
		return
	}

	err := h.bridge.ForwardStdin(ev.RoomID, ev.Input)
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrNoSession):
		h.advise(client, ev.RoomID, msgNoProcess, false)
	case errors.Is(err, runner.ErrStdinUnsupported):
		h.advise(client, ev.RoomID, msgNoInput, false)
	case errors.Is(err, runner.ErrInputBusy):
		h.advise(client, ev.RoomID, msgInputBusy, false)
	default:
		h.advise(client, ev.RoomID, "Error: "+err.Error()+"\n", false)
	}
}

func (h *Hub) runStop(client *Client, roomID string) {
	if h.bridge == nil || h.bridge.Stop(roomID) != nil {
		h.advise(client, roomID, msgNoProcess, false)
		return
	}

	h.store.AppendOutput(roomID, msgStopped)
	h.broadcastOutput(roomID, nil, protocol.RunOutput{
		Target: protocol.Target{RoomID: roomID},
		Output: msgStopped,
		Chunk:  true,
		Done:   true,
	})
}

// RunOutput receives execution output from the bridge and hands it to the
// hub goroutine. Output from a superseded run is dropped there, after any
// Start or Stop that preceded it has been applied.
func (h *Hub) RunOutput(roomID string, out runner.Output) {
	h.post(func() {
		if !h.bridge.Current(roomID, out.Generation) {
			return
		}
		if out.Chunk != "" && !h.store.AppendOutput(roomID, out.Chunk) {
			return
		}
		h.broadcastOutput(roomID, nil, protocol.RunOutput{
			Target:   protocol.Target{RoomID: roomID},
			Output:   out.Chunk,
			Chunk:    true,
			Done:     out.Done,
			ExitCode: out.ExitCode,
		})
	})
}

func (h *Hub) videoJoin(client *Client, roomID string) {
	if created := h.store.Ensure(roomID); created && h.docs != nil {
		go h.loadDocument(roomID)
	}

	h.mu.Lock()
	audience, ok := h.audiences[roomID]
	if !ok {
		audience = make(map[*Client]bool)
		h.audiences[roomID] = audience
	}
	audience[client] = true
	client.videoRooms[roomID] = true
	if client.state == StateConnected {
		client.state = StateJoined
	}
	h.mu.Unlock()

	if video := h.store.Video(roomID); video != nil {
		h.unicast(client, protocol.KindVideoStateSync, h.extrapolate(*video))
	}
}

func (h *Hub) video(client *Client, ev *protocol.VideoAction) {
	if ev.Timestamp == 0 {
		ev.Timestamp = h.now().UnixMilli()
	}
	h.store.ApplyVideo(ev.RoomID, ev)
	h.broadcastAudience(ev.RoomID, client, ev.Kind(), ev)
}

func (h *Hub) videoState(roomID string) protocol.VideoState {
	video := h.store.Video(roomID)
	if video == nil {
		return protocol.VideoState{}
	}
	return h.extrapolate(*video)
}

// extrapolate advances a playing video's position to now so that late
// viewers start in sync.
func (h *Hub) extrapolate(v protocol.VideoState) protocol.VideoState {
	if v.IsPlaying && v.LastActionAt > 0 {
		elapsed := h.now().UnixMilli() - v.LastActionAt
		if elapsed > 0 {
			v.CurrentTime += float64(elapsed) / 1000
		}
	}
	return v
}
