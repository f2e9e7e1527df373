// Package postgres stores links in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/adapters/repository/migrations"
	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

const linkColumns = `id, original_url, short_code, custom_alias, created_at, expires_at, is_active, clicks, last_accessed_at`

// SQLSTATE codes treated as retryable: serialization_failure, deadlock_detected,
// lock_not_available, admin_shutdown, cannot_connect_now.
var transientCodes = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"55P03": {},
	"57P01": {},
	"57P03": {},
}

const uniqueViolation = "23505"

type PostgresRepository struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// NewPostgresRepository connects to dsn, verifies the connection and applies
// the schema migrations.
func NewPostgresRepository(ctx context.Context, dsn string, logger logrus.FieldLogger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Up(stdlib.OpenDBFromPool(pool), migrations.Postgres, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRepository{
		pool: pool,
		log:  logger.WithFields(logrus.Fields{"component": "repository", "driver": "pgx"}),
	}, nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, link *domain.Link) error {
	query := `
		INSERT INTO links (original_url, short_code, custom_alias, created_at, expires_at, is_active, clicks, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		link.OriginalURL,
		link.ShortCode,
		link.CustomAlias,
		link.CreatedAt,
		link.ExpiresAt,
		link.IsActive,
		link.Clicks,
		link.LastAccessedAt,
	).Scan(&link.ID)
	return translate(err)
}

func (r *PostgresRepository) GetByShortCode(ctx context.Context, code string) (*domain.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE short_code = $1`

	link, err := scanLink(r.pool.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return link, nil
}

func (r *PostgresRepository) SearchByURL(ctx context.Context, fragment string) ([]domain.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE strpos(original_url, $1) > 0 ORDER BY id ASC`
	return r.queryLinks(ctx, query, fragment)
}

func (r *PostgresRepository) IncrementClicks(ctx context.Context, code string, at time.Time) (*domain.Link, error) {
	query := `
		UPDATE links
		SET clicks = clicks + 1, last_accessed_at = $1
		WHERE short_code = $2
		  AND (expires_at IS NULL OR expires_at > $1)
		  AND (last_accessed_at IS NULL OR last_accessed_at > $3)
		RETURNING ` + linkColumns

	link, err := scanLink(r.pool.QueryRow(ctx, query, at, code, domain.StaleCutoff(at)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return link, nil
}

func (r *PostgresRepository) UpdateURL(ctx context.Context, code, originalURL string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE links SET original_url = $1 WHERE short_code = $2`, originalURL, code)
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, code string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM links WHERE short_code = $1`, code)
	return translate(err)
}

func (r *PostgresRepository) PurgeStale(ctx context.Context, now time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, translate(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM links
		WHERE expires_at <= $1
		   OR (last_accessed_at IS NOT NULL AND last_accessed_at <= $2)`,
		now, domain.StaleCutoff(now))
	if err != nil {
		return 0, translate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, translate(err)
	}
	r.log.WithField("purged", tag.RowsAffected()).Debug("stale links purged")
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) TopByClicks(ctx context.Context, now time.Time, limit int) ([]domain.Link, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM links
		WHERE (expires_at IS NULL OR expires_at > $1)
		  AND (last_accessed_at IS NULL OR last_accessed_at > $2)
		ORDER BY clicks DESC, created_at ASC, id ASC
		LIMIT $3`
	return r.queryLinks(ctx, query, now, domain.StaleCutoff(now), limit)
}

func (r *PostgresRepository) Dump(ctx context.Context) ([]domain.Link, error) {
	return r.queryLinks(ctx, `SELECT `+linkColumns+` FROM links ORDER BY id ASC`)
}

func (r *PostgresRepository) queryLinks(ctx context.Context, query string, args ...any) ([]domain.Link, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	links := []domain.Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, translate(err)
		}
		links = append(links, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return links, nil
}

func scanLink(row pgx.Row) (*domain.Link, error) {
	var link domain.Link
	err := row.Scan(
		&link.ID, &link.OriginalURL, &link.ShortCode, &link.CustomAlias, &link.CreatedAt,
		&link.ExpiresAt, &link.IsActive, &link.Clicks, &link.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	link.CreatedAt = link.CreatedAt.UTC()
	if link.ExpiresAt != nil {
		t := link.ExpiresAt.UTC()
		link.ExpiresAt = &t
	}
	if link.LastAccessedAt != nil {
		t := link.LastAccessedAt.UTC()
		link.LastAccessedAt = &t
	}
	return &link, nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		}
		if _, ok := transientCodes[pgErr.Code]; ok {
			return fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
	}
	return err
}

var _ ports.LinkRepository = (*PostgresRepository)(nil)
