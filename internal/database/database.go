package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/models"
)

type Database struct {
	pool *pgxpool.Pool
}

func New(cfg *config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{pool: pool}, nil
}

func (db *Database) Close() {
	db.pool.Close()
}

func (db *Database) Pool() *pgxpool.Pool {
	return db.pool
}

// Migrate runs database migrations
func (db *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS read_messages (
			owner VARCHAR(255) NOT NULL,
			chat_kind VARCHAR(20) NOT NULL,
			chat_id VARCHAR(255) NOT NULL,
			message_id VARCHAR(255) NOT NULL,
			read_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (owner, chat_kind, chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pinned_chats (
			owner VARCHAR(255) NOT NULL,
			chat_key VARCHAR(300) NOT NULL,
			pinned_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (owner, chat_key)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// ReadCacheRepository handles the per-chat read message ids
type ReadCacheRepository struct {
	db *Database
}

func NewReadCacheRepository(db *Database) *ReadCacheRepository {
	return &ReadCacheRepository{db: db}
}

func (r *ReadCacheRepository) ReadIDs(ctx context.Context, owner string, chat models.ChatKey) ([]string, error) {
	query := `
		SELECT message_id FROM read_messages
		WHERE owner = $1 AND chat_kind = $2 AND chat_id = $3
		ORDER BY message_id
	`
	rows, err := r.db.pool.Query(ctx, query, owner, string(chat.Kind), chat.ID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *ReadCacheRepository) AddReadIDs(ctx context.Context, owner string, chat models.ChatKey, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO read_messages (owner, chat_kind, chat_id, message_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(query, owner, string(chat.Kind), chat.ID, id)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store read ids: %w", err)
	}

	return tx.Commit(ctx)
}

// PinRepository handles pinned chat operations
type PinRepository struct {
	db *Database
}

func NewPinRepository(db *Database) *PinRepository {
	return &PinRepository{db: db}
}

func (r *PinRepository) Pins(ctx context.Context, owner string) (map[models.ChatKey]time.Time, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT chat_key, pinned_at FROM pinned_chats WHERE owner = $1`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pins := make(map[models.ChatKey]time.Time)
	for rows.Next() {
		var raw string
		var at time.Time
		if err := rows.Scan(&raw, &at); err != nil {
			return nil, err
		}
		key, err := models.ParseChatKey(raw)
		if err != nil {
			continue
		}
		pins[key] = at
	}

	return pins, rows.Err()
}

func (r *PinRepository) SetPin(ctx context.Context, owner string, chat models.ChatKey, at time.Time) error {
	query := `
		INSERT INTO pinned_chats (owner, chat_key, pinned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, chat_key) DO UPDATE SET pinned_at = $3
	`
	_, err := r.db.pool.Exec(ctx, query, owner, chat.String(), at)
	return err
}

func (r *PinRepository) DeletePin(ctx context.Context, owner string, chat models.ChatKey) error {
	_, err := r.db.pool.Exec(ctx, `DELETE FROM pinned_chats WHERE owner = $1 AND chat_key = $2`, owner, chat.String())
	return err
}

// Store serves both persistence contracts from one database.
type Store struct {
	*ReadCacheRepository
	*PinRepository
}

func NewStore(db *Database) *Store {
	return &Store{
		ReadCacheRepository: NewReadCacheRepository(db),
		PinRepository:       NewPinRepository(db),
	}
}
