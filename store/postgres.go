package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id    TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps room snapshots in the room_snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to databaseURL and ensures the table exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, roomID string) (*Snapshot, error) {
	snap := Snapshot{RoomID: roomID}
	err := s.pool.QueryRow(ctx,
		`SELECT data, updated_at FROM room_snapshots WHERE room_id = $1`, roomID,
	).Scan(&snap.Data, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(roomID)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) Put(ctx context.Context, roomID string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (room_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		roomID, data, time.Now().UTC())
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, roomID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM room_snapshots WHERE room_id = $1`, roomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(roomID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room_id, data, updated_at FROM room_snapshots ORDER BY room_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.RoomID, &snap.Data, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
