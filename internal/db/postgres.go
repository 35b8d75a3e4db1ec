package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS documents (
		room_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at DESC);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) CreateRoom(ctx context.Context, id, name string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rooms (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, name,
	)
	return err
}

func (p *Postgres) GetRoom(ctx context.Context, id string) (*Room, error) {
	room := &Room{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *Postgres) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, created_at, updated_at FROM rooms ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (p *Postgres) DeleteRoom(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	return err
}

func (p *Postgres) GetDocument(ctx context.Context, roomID string) (*Document, error) {
	doc := &Document{}
	err := p.pool.QueryRow(ctx,
		`SELECT room_id, content, language, updated_at FROM documents WHERE room_id = $1`, roomID,
	).Scan(&doc.RoomID, &doc.Content, &doc.Language, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Postgres) SaveDocument(ctx context.Context, doc Document) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (room_id, content, language, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (room_id) DO UPDATE SET
			content = EXCLUDED.content,
			language = EXCLUDED.language,
			updated_at = NOW()`,
		doc.RoomID, doc.Content, doc.Language,
	)
	return err
}

func (p *Postgres) DeleteDocument(ctx context.Context, roomID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE room_id = $1`, roomID)
	return err
}

func (p *Postgres) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT room_id, content, language, updated_at
		FROM documents
		ORDER BY updated_at DESC, room_id
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.RoomID, &doc.Content, &doc.Language, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (p *Postgres) CountDocuments(ctx context.Context) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}
