// Package checkpoint periodically copies live room documents into the
// document store so a crash loses at most one interval of edits.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

type Config struct {
	Interval    time.Duration
	SaveTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		SaveTimeout: 5 * time.Second,
	}
}

type Service struct {
	rooms  *room.Store
	docs   db.DocumentRepository
	config Config
	logger *slog.Logger

	// Hash of the last saved content per room. Guarded by mu.
	saved map[string]string
	mu    sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(rooms *room.Store, docs db.DocumentRepository, config Config, logger *slog.Logger) *Service {
	if config.SaveTimeout <= 0 {
		config.SaveTimeout = DefaultConfig().SaveTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		rooms:  rooms,
		docs:   docs,
		config: config,
		logger: logger,
		saved:  make(map[string]string),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("checkpoint service started", "interval", s.config.Interval)
}

// Stop takes a final checkpoint and waits for the service to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("checkpoint service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.checkpointAll()
			return
		case <-ticker.C:
			s.checkpointAll()
		}
	}
}

func (s *Service) checkpointAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool)
	savedCount := 0
	for _, roomID := range s.rooms.Rooms() {
		live[roomID] = true
		saved, err := s.checkpointRoom(roomID)
		if err != nil {
			s.logger.Error("checkpoint failed", "room", roomID, "error", err)
			continue
		}
		if saved {
			savedCount++
		}
	}

	// Forget rooms that have been torn down.
	for roomID := range s.saved {
		if !live[roomID] {
			delete(s.saved, roomID)
		}
	}

	if savedCount > 0 {
		s.logger.Debug("checkpointed rooms", "count", savedCount)
	}
}

func hashContent(content, language string) string {
	h := sha256.Sum256([]byte(language + "\x00" + content))
	return hex.EncodeToString(h[:8])
}

// checkpointRoom saves the room's document if it changed since the last
// save. It reports whether anything was written.
func (s *Service) checkpointRoom(roomID string) (bool, error) {
	state, ok := s.rooms.Snapshot(roomID)
	if !ok || state.Document == "" {
		return false, nil
	}

	hash := hashContent(state.Document, state.Language)
	if s.saved[roomID] == hash {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
	defer cancel()

	doc := db.Document{RoomID: roomID, Content: state.Document, Language: state.Language}
	if err := s.docs.SaveDocument(ctx, doc); err != nil {
		return false, err
	}
	s.saved[roomID] = hash
	return true, nil
}

// CheckpointNow saves one room immediately.
func (s *Service) CheckpointNow(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.checkpointRoom(roomID)
	return err
}
