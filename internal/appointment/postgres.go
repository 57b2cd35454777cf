package appointment

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists appointments in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO appointments (id, customer_name, email, preferred_day, preferred_time, phone, notes, stream_sid, tool_call_id, confirmation_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID,
		record.CustomerName,
		record.Email,
		record.PreferredDay,
		record.PreferredTime,
		record.Phone,
		record.Notes,
		record.StreamSID,
		record.ToolCallID,
		record.ConfirmationCode,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save appointment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}
