package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/libsql-client-go/libsql" // Turso driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/wadjakorntonsri/linkshort/pkg/adapters/repository/migrations"
	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

// Timestamps are stored as unix milliseconds so range predicates compare numerically.
const linkColumns = `id, original_url, short_code, custom_alias, created_at, expires_at, is_active, clicks, last_accessed_at`

const busyTimeoutPragma = "_pragma=busy_timeout(5000)"

type SQLiteRepository struct {
	db  *sql.DB
	log logrus.FieldLogger
}

func NewSQLiteRepository(dbURL string, logger logrus.FieldLogger) (*SQLiteRepository, error) {
	driverName := "sqlite"
	if strings.Contains(dbURL, "libsql://") || strings.Contains(dbURL, "wss://") {
		driverName = "libsql"
	}

	dsn := dbURL
	if driverName == "sqlite" {
		dsn = withBusyTimeout(dbURL)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite" {
		// One connection serializes writers; concurrent callers queue in database/sql
		// instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrations.Up(db, migrations.SQLite, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepository{
		db:  db,
		log: logger.WithFields(logrus.Fields{"component": "repository", "driver": driverName}),
	}, nil
}

func withBusyTimeout(dbURL string) string {
	if strings.Contains(dbURL, "busy_timeout") {
		return dbURL
	}
	if strings.Contains(dbURL, "?") {
		return dbURL + "&" + busyTimeoutPragma
	}
	return dbURL + "?" + busyTimeoutPragma
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Create(ctx context.Context, link *domain.Link) error {
	query := `INSERT INTO links (original_url, short_code, custom_alias, created_at, expires_at, is_active, clicks, last_accessed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		link.OriginalURL,
		link.ShortCode,
		nullString(link.CustomAlias),
		link.CreatedAt.UnixMilli(),
		nullMillis(link.ExpiresAt),
		link.IsActive,
		link.Clicks,
		nullMillis(link.LastAccessedAt),
	)
	if err != nil {
		return translate(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	link.ID = id
	return nil
}

func (r *SQLiteRepository) GetByShortCode(ctx context.Context, code string) (*domain.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE short_code = ?`

	link, err := scanLink(r.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return link, nil
}

func (r *SQLiteRepository) SearchByURL(ctx context.Context, fragment string) ([]domain.Link, error) {
	// instr is case-sensitive, unlike LIKE for ASCII.
	query := `SELECT ` + linkColumns + ` FROM links WHERE instr(original_url, ?) > 0 ORDER BY id ASC`
	return r.queryLinks(ctx, query, fragment)
}

func (r *SQLiteRepository) IncrementClicks(ctx context.Context, code string, at time.Time) (*domain.Link, error) {
	// Stale rows are left untouched so an access cannot revive them.
	query := `UPDATE links SET clicks = clicks + 1, last_accessed_at = ?
			  WHERE short_code = ?
			    AND (expires_at IS NULL OR expires_at > ?)
			    AND (last_accessed_at IS NULL OR last_accessed_at > ?)
			  RETURNING ` + linkColumns

	link, err := scanLink(r.db.QueryRowContext(ctx, query,
		at.UnixMilli(), code, at.UnixMilli(), domain.StaleCutoff(at).UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return link, nil
}

func (r *SQLiteRepository) UpdateURL(ctx context.Context, code, originalURL string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE links SET original_url = ? WHERE short_code = ?`, originalURL, code)
	if err != nil {
		return false, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM links WHERE short_code = ?`, code)
	return translate(err)
}

func (r *SQLiteRepository) PurgeStale(ctx context.Context, now time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, translate(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM links
		WHERE expires_at <= ?
		   OR (last_accessed_at IS NOT NULL AND last_accessed_at <= ?)`,
		now.UnixMilli(), domain.StaleCutoff(now).UnixMilli())
	if err != nil {
		return 0, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, translate(err)
	}
	r.log.WithField("purged", n).Debug("stale links purged")
	return n, nil
}

func (r *SQLiteRepository) TopByClicks(ctx context.Context, now time.Time, limit int) ([]domain.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links
			  WHERE (expires_at IS NULL OR expires_at > ?)
			    AND (last_accessed_at IS NULL OR last_accessed_at > ?)
			  ORDER BY clicks DESC, created_at ASC, id ASC
			  LIMIT ?`
	return r.queryLinks(ctx, query, now.UnixMilli(), domain.StaleCutoff(now).UnixMilli(), limit)
}

func (r *SQLiteRepository) Dump(ctx context.Context) ([]domain.Link, error) {
	return r.queryLinks(ctx, `SELECT `+linkColumns+` FROM links ORDER BY id ASC`)
}

func (r *SQLiteRepository) queryLinks(ctx context.Context, query string, args ...any) ([]domain.Link, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*domain.Link, error) {
	var (
		link           domain.Link
		customAlias    sql.NullString
		createdAt      int64
		expiresAt      sql.NullInt64
		lastAccessedAt sql.NullInt64
	)
	err := row.Scan(
		&link.ID, &link.OriginalURL, &link.ShortCode, &customAlias, &createdAt,
		&expiresAt, &link.IsActive, &link.Clicks, &lastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	link.CreatedAt = time.UnixMilli(createdAt).UTC()
	if customAlias.Valid {
		link.CustomAlias = &customAlias.String
	}
	link.ExpiresAt = fromNullMillis(expiresAt)
	link.LastAccessedAt = fromNullMillis(lastAccessedAt)
	return &link, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// translate maps driver errors onto the domain taxonomy. The libsql driver
// does not expose typed errors, so messages are matched as a fallback.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(se.Error(), "UNIQUE") {
				return fmt.Errorf("%w: %w", domain.ErrConflict, err)
			}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
	}
	return err
}

// Ensure interface compliance
var _ ports.LinkRepository = (*SQLiteRepository)(nil)
