package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/aldav99/analystTelegram/pkg/analyzer"
)

// AnalysisRun is one recorded analysis request. Only operational history is
// kept; resolved comment linkages are never persisted.
type AnalysisRun struct {
	ID               int64     `db:"id" json:"id"`
	ChannelUsername  string    `db:"channel_username" json:"channel_username"`
	ChannelID        int64     `db:"channel_id" json:"channel_id"`
	PostsAnalyzed    int       `db:"posts_analyzed" json:"posts_analyzed"`
	CommentsResolved int       `db:"comments_resolved" json:"comments_resolved"`
	IncludeComments  bool      `db:"include_comments" json:"include_comments"`
	DurationMs       int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Storage manages database operations.
type Storage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStorage creates a new Storage instance and verifies the connection.
func NewStorage(dataSourceName string, logger *zap.Logger) (*Storage, error) {
	db, err := sqlx.Connect("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Storage{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// ApplyMigrations applies database migrations.
func ApplyMigrations(databaseURL, migrationsPath string, logger *zap.Logger) error {
	m, err := migrate.New(
		"file://"+migrationsPath,
		databaseURL,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			logger.Info("No new migrations to apply")
		} else {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	return nil
}

// SaveRun records one completed analysis. Implements analyzer.RunRecorder.
func (s *Storage) SaveRun(ctx context.Context, run analyzer.RunRecord) error {
	query := `
	INSERT INTO analysis_runs (
		channel_username, channel_id, posts_analyzed, comments_resolved,
		include_comments, duration_ms
	) VALUES ($1, $2, $3, $4, $5, $6);
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ChannelUsername,
		run.ChannelID,
		run.PostsAnalyzed,
		run.CommentsResolved,
		run.IncludeComments,
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent analysis runs, newest first.
func (s *Storage) RecentRuns(ctx context.Context, limit int) ([]AnalysisRun, error) {
	if limit <= 0 {
		limit = 20
	}

	runs := []AnalysisRun{}
	query := `
	SELECT id, channel_username, channel_id, posts_analyzed, comments_resolved,
	       include_comments, duration_ms, created_at
	FROM analysis_runs
	ORDER BY created_at DESC
	LIMIT $1;
	`
	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query analysis runs: %w", err)
	}
	return runs, nil
}
