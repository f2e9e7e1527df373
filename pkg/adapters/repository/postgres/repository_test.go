package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
)

var (
	pgOnce      sync.Once
	pgContainer *tcpostgres.PostgresContainer
	pgDSN       string
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = tc.TerminateContainer(pgContainer)
	}
	os.Exit(code)
}

func startPostgres() {
	ctx := context.Background()
	pgContainer, pgErr = tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if pgErr != nil {
		return
	}
	pgDSN, pgErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
}

// setupTestRepo shares one container across the package and empties the
// links table before handing the repository to the test.
func setupTestRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	pgOnce.Do(startPostgres)
	require.NoError(t, pgErr, "failed to start postgres container")

	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	repo, err := NewPostgresRepository(ctx, pgDSN, logger)
	require.NoError(t, err)

	_, err = repo.pool.Exec(ctx, `TRUNCATE links RESTART IDENTITY`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func ptr[T any](v T) *T { return &v }

func newLink(code, url string, createdAt time.Time) *domain.Link {
	return &domain.Link{
		OriginalURL: url,
		ShortCode:   code,
		CreatedAt:   createdAt,
		IsActive:    true,
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, domain.ErrConflict},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, domain.ErrTransientStorage},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, domain.ErrTransientStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tt.err), tt.want)
		})
	}

	plain := errors.New("boom")
	assert.Equal(t, plain, translate(plain))
	syntax := &pgconn.PgError{Code: "42601"}
	got := translate(syntax)
	assert.NotErrorIs(t, got, domain.ErrConflict)
	assert.NotErrorIs(t, got, domain.ErrTransientStorage)
	assert.NoError(t, translate(nil))
}

func TestPostgresRepository_CreateGetConflict(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	alias := "custom"
	link := newLink(alias, "https://example.com", now)
	link.CustomAlias = &alias
	link.ExpiresAt = ptr(now.Add(7 * 24 * time.Hour))
	require.NoError(t, repo.Create(ctx, link))
	assert.NotZero(t, link.ID)

	got, err := repo.GetByShortCode(ctx, alias)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com", got.OriginalURL)
	require.NotNil(t, got.CustomAlias)
	assert.Equal(t, alias, *got.CustomAlias)
	assert.True(t, now.Equal(got.CreatedAt))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, link.ExpiresAt.Equal(*got.ExpiresAt))
	assert.Nil(t, got.LastAccessedAt)

	err = repo.Create(ctx, newLink(alias, "https://example.com/other", now))
	assert.ErrorIs(t, err, domain.ErrConflict)

	missing, err := repo.GetByShortCode(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresRepository_SearchByURL(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newLink("c1", "https://example.com/one", now)))
	require.NoError(t, repo.Create(ctx, newLink("c2", "https://other.org/Example", now)))

	links, err := repo.SearchByURL(ctx, "example")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "c1", links[0].ShortCode)

	links, err = repo.SearchByURL(ctx, "_")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestPostgresRepository_IncrementClicksConcurrent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newLink("hot", "https://example.com", time.Now())))

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.IncrementClicks(ctx, "hot", time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.GetByShortCode(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.Clicks)

	ghost, err := repo.IncrementClicks(ctx, "ghost", time.Now())
	require.NoError(t, err)
	assert.Nil(t, ghost)
}

func TestPostgresRepository_UpdateAndDelete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newLink("upd", "https://example.com", time.Now())))

	found, err := repo.UpdateURL(ctx, "upd", "https://updated-example.com")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = repo.UpdateURL(ctx, "ghost", "https://x.example")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Delete(ctx, "upd"))
	require.NoError(t, repo.Delete(ctx, "upd"))
	got, err := repo.GetByShortCode(ctx, "upd")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresRepository_PurgeAndTop(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	day := 24 * time.Hour

	expired := newLink("expired", "https://expired.com", now.Add(-10*day))
	expired.ExpiresAt = ptr(now.Add(-day))
	expired.Clicks = 1000
	idle91 := newLink("idle91", "https://idle91.com", now.Add(-200*day))
	idle91.LastAccessedAt = ptr(now.Add(-91 * day))
	idle89 := newLink("idle89", "https://idle89.com", now.Add(-200*day))
	idle89.LastAccessedAt = ptr(now.Add(-89 * day))
	idle89.Clicks = 50
	fresh := newLink("fresh", "https://fresh.com", now)
	fresh.Clicks = 100

	for _, l := range []*domain.Link{expired, idle91, idle89, fresh} {
		require.NoError(t, repo.Create(ctx, l))
	}

	top, err := repo.TopByClicks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "fresh", top[0].ShortCode)
	assert.Equal(t, "idle89", top[1].ShortCode)

	n, err := repo.PurgeStale(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := repo.Dump(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "idle89", remaining[0].ShortCode)
	assert.Equal(t, "fresh", remaining[1].ShortCode)
}

func TestPostgresRepository_IncrementClicksSkipsStale(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	day := 24 * time.Hour

	idle := newLink("idle", "https://idle.example", now.Add(-200*day))
	idle.LastAccessedAt = ptr(now.Add(-100 * day))
	expired := newLink("expired", "https://expired.example", now.Add(-2*day))
	expired.ExpiresAt = ptr(now.Add(-day))
	for _, l := range []*domain.Link{idle, expired} {
		require.NoError(t, repo.Create(ctx, l))
	}

	for _, code := range []string{"idle", "expired"} {
		link, err := repo.IncrementClicks(ctx, code, now)
		require.NoError(t, err)
		assert.Nil(t, link, code)

		got, err := repo.GetByShortCode(ctx, code)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Zero(t, got.Clicks, code)
		assert.True(t, got.IsStale(now), "%s must stay purgeable", code)
	}
}
