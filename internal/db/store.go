package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Room records a room id handed out by the API.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Document is the saved editor content of a room.
type Document struct {
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RoomRepository interface {
	CreateRoom(ctx context.Context, id, name string) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)
	DeleteRoom(ctx context.Context, id string) error
}

// DocumentRepository getters return (nil, nil) when nothing is stored.
type DocumentRepository interface {
	GetDocument(ctx context.Context, roomID string) (*Document, error)
	SaveDocument(ctx context.Context, doc Document) error
	DeleteDocument(ctx context.Context, roomID string) error
	ListDocuments(ctx context.Context, limit, offset int) ([]Document, error)
	CountDocuments(ctx context.Context) (int, error)
}

type Store interface {
	RoomRepository
	DocumentRepository
	Close() error
}

// Open picks a backend by driver name: "sqlite" takes a file path,
// "postgres" a connection URL.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3", "":
		return NewSQLite(dsn)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
