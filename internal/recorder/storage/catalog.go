package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
)

// UploadStatus is the outcome recorded for one upload attempt.
type UploadStatus string

const (
	UploadSucceeded UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// UploadRecord is one row of upload history.
type UploadRecord struct {
	ID         int64        `db:"id" json:"id"`
	DeviceID   string       `db:"device_id" json:"device_id"`
	ClipName   string       `db:"clip_name" json:"clip_name"`
	Backend    string       `db:"backend" json:"backend"`
	Status     UploadStatus `db:"status" json:"status"`
	SizeBytes  int64        `db:"size_bytes" json:"size_bytes"`
	DurationMS int64        `db:"duration_ms" json:"duration_ms"`
	LastError  string       `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// Catalog keeps a history of upload outcomes.
type Catalog interface {
	RecordUpload(ctx context.Context, rec *UploadRecord) error
	RecentUploads(ctx context.Context, limit int) ([]UploadRecord, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// NopCatalog discards history. It is used when no database is configured.
type NopCatalog struct{}

func (NopCatalog) RecordUpload(context.Context, *UploadRecord) error { return nil }
func (NopCatalog) RecentUploads(context.Context, int) ([]UploadRecord, error) {
	return nil, nil
}
func (NopCatalog) HealthCheck(context.Context) error { return nil }
func (NopCatalog) Close() error                      { return nil }

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// PostgresCatalog implements Catalog using PostgreSQL
type PostgresCatalog struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

// NewPostgresCatalog opens the database, pings it and creates the schema.
func NewPostgresCatalog(ctx context.Context, config PostgresConfig) (*PostgresCatalog, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("catalog: empty DSN")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 5 * time.Second
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &PostgresCatalog{
		db:     db,
		logger: recorderlog.L().Named("upload-catalog"),
	}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCatalog) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS clip_uploads (
		id BIGSERIAL PRIMARY KEY,
		device_id VARCHAR(64) NOT NULL,
		clip_name VARCHAR(255) NOT NULL,
		backend VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('uploaded', 'failed')),
		size_bytes BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_clip_uploads_clip_name ON clip_uploads(clip_name);
	CREATE INDEX IF NOT EXISTS idx_clip_uploads_created_at ON clip_uploads(created_at DESC);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// RecordUpload inserts rec and fills in its ID and CreatedAt.
func (c *PostgresCatalog) RecordUpload(ctx context.Context, rec *UploadRecord) error {
	query := `
		INSERT INTO clip_uploads (
			device_id, clip_name, backend, status, size_bytes, duration_ms, last_error
		) VALUES (
			:device_id, :clip_name, :backend, :status, :size_bytes, :duration_ms, :last_error
		) RETURNING id, created_at`

	rows, err := c.db.NamedQueryContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan upload id: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}

	c.logger.Debug("upload recorded",
		recorderlog.String("clip", rec.ClipName),
		recorderlog.String("status", string(rec.Status)),
		recorderlog.Int64("id", rec.ID))
	return nil
}

// RecentUploads returns up to limit records, newest first.
func (c *PostgresCatalog) RecentUploads(ctx context.Context, limit int) ([]UploadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []UploadRecord
	err := c.db.SelectContext(ctx, &out, `
		SELECT id, device_id, clip_name, backend, status, size_bytes, duration_ms, last_error, created_at
		FROM clip_uploads
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	return out, nil
}

// HealthCheck pings the database.
func (c *PostgresCatalog) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database handle.
func (c *PostgresCatalog) Close() error {
	return c.db.Close()
}
