package ws

import (
	"context"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/assistant"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
	"github.com/manpreetbhatti/coderoom/internal/runner"
)

const (
	// AnonymousName attributes clients that joined without a display name.
	AnonymousName = "Anonymous"

	storeTimeout = 5 * time.Second
)

type Config struct {
	Store     *room.Store
	Bridge    *runner.Bridge
	Assistant *assistant.Client

	// Documents, when set, seeds new rooms with their saved document.
	Documents db.DocumentRepository

	// AutoSave writes a room's document to Documents when the room is torn
	// down.
	AutoSave bool

	Logger *slog.Logger
}

// Hub owns every room's membership and serializes all room mutations on the
// goroutine running Run.
type Hub struct {
	store     *room.Store
	bridge    *runner.Bridge
	assistant *assistant.Client
	docs      db.DocumentRepository
	autoSave  bool
	logger    *slog.Logger
	now       func() time.Time

	// Owned by the Run goroutine. Writes also take mu so that stats getters
	// can read from other goroutines.
	clients   map[*Client]bool
	rooms     map[string]map[*Client]uint64
	audiences map[string]map[*Client]bool
	names     map[string]string
	joinSeq   uint64
	evictions []*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan *inboundEvent
	tasks      chan func()

	ctx  context.Context
	done chan struct{}
	once sync.Once

	mu sync.RWMutex
}

type inboundEvent struct {
	client *Client
	event  protocol.Event
}

func NewHub(cfg Config) *Hub {
	if cfg.Store == nil {
		cfg.Store = room.NewStore(room.DefaultOptions())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Hub{
		store:      cfg.Store,
		bridge:     cfg.Bridge,
		assistant:  cfg.Assistant,
		docs:       cfg.Documents,
		autoSave:   cfg.AutoSave,
		logger:     cfg.Logger,
		now:        time.Now,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]uint64),
		audiences:  make(map[string]map[*Client]bool),
		names:      make(map[string]string),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inboundEvent),
		tasks:      make(chan func(), 256),
		ctx:        context.Background(),
		done:       make(chan struct{}),
	}
	if h.bridge != nil {
		h.bridge.SetSink(h)
	}
	return h
}

// Store exposes the room state for read-only HTTP handlers.
func (h *Hub) Store() *room.Store { return h.store }

// Run processes membership changes, inbound events and async results until
// ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "client", client.id, "remote", client.remote)

		case client := <-h.unregister:
			h.dispatch(func() { h.disconnect(client) })

		case in := <-h.inbound:
			h.dispatch(func() { h.handle(in.client, in.event) })

		case task := <-h.tasks:
			h.dispatch(task)
		}
	}
}

// dispatch runs one handler to completion. A panic is contained to the event
// that caused it.
func (h *Hub) dispatch(fn func()) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("event handler panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()

	for len(h.evictions) > 0 {
		client := h.evictions[0]
		h.evictions = h.evictions[1:]
		h.logger.Warn("evicting slow client", "client", client.id)
		h.disconnect(client)
	}
}

// post queues fn to run on the hub goroutine. It gives up once the hub has
// stopped.
func (h *Hub) post(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.tasks <- fn:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) shutdown() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.state != StateDisconnected {
			client.state = StateDisconnected
			close(client.send)
		}
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]uint64)
	h.audiences = make(map[string]map[*Client]bool)
	h.names = make(map[string]string)
}

// send queues a frame for one client. A full queue marks the client for
// eviction after the current event.
func (h *Hub) send(client *Client, frame []byte) {
	if frame == nil || client.state == StateDisconnected || client.evicting {
		return
	}
	select {
	case client.send <- frame:
	default:
		client.evicting = true
		h.evictions = append(h.evictions, client)
	}
}

// sendOutput queues a run-output frame unless the client's queue is past the
// output share, keeping the rest free for membership traffic. It never
// evicts.
func (h *Hub) sendOutput(client *Client, frame []byte) bool {
	if frame == nil || client.state == StateDisconnected || client.evicting {
		return false
	}
	if len(client.send) >= cap(client.send)*outputShare/100 {
		return false
	}
	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// broadcastOutput relays run output to the room. A member that misses a
// frame is marked behind and gets the room's whole output as a replacement
// with the next frame that fits.
func (h *Hub) broadcastOutput(roomID string, except *Client, ev protocol.RunOutput) {
	frame := h.frame(protocol.KindRunOutput, ev)
	var resync []byte

	for client := range h.rooms[roomID] {
		if client == except {
			continue
		}
		if !client.behind[roomID] {
			if !h.sendOutput(client, frame) {
				client.behind[roomID] = true
				h.logger.Debug("client fell behind on run output", "room", roomID, "client", client.id)
			}
			continue
		}

		if resync == nil {
			resync = h.frame(protocol.KindRunOutput, protocol.RunOutput{
				Target:   protocol.Target{RoomID: roomID},
				Output:   h.store.Output(roomID),
				Done:     ev.Done,
				ExitCode: ev.ExitCode,
			})
		}
		if h.sendOutput(client, resync) {
			delete(client.behind, roomID)
		}
	}
}

func (h *Hub) unicast(client *Client, kind protocol.Kind, payload any) {
	h.send(client, h.frame(kind, payload))
}

// broadcast sends to every member of the room except the one passed as
// except, which may be nil.
func (h *Hub) broadcast(roomID string, except *Client, kind protocol.Kind, payload any) {
	frame := h.frame(kind, payload)
	for client := range h.rooms[roomID] {
		if client != except {
			h.send(client, frame)
		}
	}
}

func (h *Hub) broadcastAudience(roomID string, except *Client, kind protocol.Kind, payload any) {
	frame := h.frame(kind, payload)
	for client := range h.audiences[roomID] {
		if client != except {
			h.send(client, frame)
		}
	}
}

func (h *Hub) frame(kind protocol.Kind, payload any) []byte {
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		h.logger.Error("failed to encode frame", "kind", kind, "error", err)
		return nil
	}
	return data
}

// roster lists a room's members in join order.
func (h *Hub) roster(roomID string) []protocol.Participant {
	members := h.rooms[roomID]
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return members[clients[i]] < members[clients[j]] })

	roster := make([]protocol.Participant, 0, len(clients))
	for _, client := range clients {
		roster = append(roster, protocol.Participant{SocketID: client.id, Username: h.names[client.id]})
	}
	return roster
}

func (h *Hub) name(client *Client) string {
	if name, ok := h.names[client.id]; ok {
		return name
	}
	return AnonymousName
}

// disconnect runs the leave path for every room the client is in, exactly
// once per client.
func (h *Hub) disconnect(client *Client) {
	if client.state == StateDisconnected || client.state == StateDisconnecting {
		return
	}
	client.state = StateDisconnecting

	for roomID := range client.rooms {
		h.leave(client, roomID)
	}
	for roomID := range client.videoRooms {
		h.leaveAudience(client, roomID)
	}

	h.mu.Lock()
	delete(h.names, client.id)
	delete(h.clients, client)
	client.state = StateDisconnected
	close(client.send)
	h.mu.Unlock()

	h.logger.Debug("client disconnected", "client", client.id)
}

// leave removes a member, tells the rest and tears the room down when nobody
// is left.
func (h *Hub) leave(client *Client, roomID string) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := members[client]; !ok {
		return
	}

	h.mu.Lock()
	delete(members, client)
	delete(client.rooms, roomID)
	delete(client.behind, roomID)
	h.mu.Unlock()

	h.broadcast(roomID, nil, protocol.KindDisconnected, protocol.Disconnected{
		SocketID: client.id,
		Username: h.name(client),
	})

	h.logger.Info("client left room", "room", roomID, "client", client.id, "remaining", len(members))
	h.maybeTeardown(roomID)
}

func (h *Hub) leaveAudience(client *Client, roomID string) {
	h.mu.Lock()
	if audience, ok := h.audiences[roomID]; ok {
		delete(audience, client)
	}
	delete(client.videoRooms, roomID)
	h.mu.Unlock()

	h.maybeTeardown(roomID)
}

// maybeTeardown clears a room once both its members and its video audience
// are empty.
func (h *Hub) maybeTeardown(roomID string) {
	if len(h.rooms[roomID]) > 0 || len(h.audiences[roomID]) > 0 {
		return
	}

	h.mu.Lock()
	delete(h.rooms, roomID)
	delete(h.audiences, roomID)
	h.mu.Unlock()

	if h.autoSave && h.docs != nil {
		if state, ok := h.store.Snapshot(roomID); ok && state.Document != "" {
			go h.saveDocument(roomID, state.Document, state.Language)
		}
	}

	if h.bridge != nil {
		h.bridge.Release(roomID)
	}
	if h.store.Teardown(roomID) {
		h.logger.Info("room closed", "room", roomID)
	}
}

func (h *Hub) saveDocument(roomID, content, language string) {
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	err := h.docs.SaveDocument(ctx, db.Document{RoomID: roomID, Content: content, Language: language})
	if err != nil {
		h.logger.Error("failed to save document", "room", roomID, "error", err)
	}
}

// RoomInfo summarizes an active room.
type RoomInfo struct {
	ID       string `json:"id"`
	Members  int    `json:"members"`
	Audience int    `json:"audience"`
}

func (h *Hub) GetRoomCount() int {
	return h.store.Len()
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) GetActiveRooms() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]*RoomInfo)
	for id, members := range h.rooms {
		seen[id] = &RoomInfo{ID: id, Members: len(members)}
	}
	for id, audience := range h.audiences {
		info, ok := seen[id]
		if !ok {
			info = &RoomInfo{ID: id}
			seen[id] = info
		}
		info.Audience = len(audience)
	}

	rooms := make([]RoomInfo, 0, len(seen))
	for _, info := range seen {
		rooms = append(rooms, *info)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Members returns the roster of a room, empty if nobody is in it.
func (h *Hub) Members(roomID string) []protocol.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.roster(roomID)
}
