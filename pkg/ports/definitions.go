package ports

import (
	"context"
	"time"

	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
)

// LinkRepository defines storage operations for links.
// Implementations translate unique violations to domain.ErrConflict and
// retryable backend failures to domain.ErrTransientStorage.
type LinkRepository interface {
	Create(ctx context.Context, link *domain.Link) error
	GetByShortCode(ctx context.Context, code string) (*domain.Link, error) // nil, nil when absent
	SearchByURL(ctx context.Context, fragment string) ([]domain.Link, error)
	IncrementClicks(ctx context.Context, code string, at time.Time) (*domain.Link, error)
	UpdateURL(ctx context.Context, code, originalURL string) (bool, error)
	Delete(ctx context.Context, code string) error
	PurgeStale(ctx context.Context, now time.Time) (int64, error)
	TopByClicks(ctx context.Context, now time.Time, limit int) ([]domain.Link, error)
	Dump(ctx context.Context) ([]domain.Link, error) // For migration
	Close() error
}

// PopularEntry is one cached short_code -> original_url pair.
type PopularEntry struct {
	ShortCode   string
	OriginalURL string
	TTL         time.Duration
}

// PopularityCache is the disposable top-N read index.
type PopularityCache interface {
	// Replace atomically swaps the whole cache content for entries.
	Replace(ctx context.Context, entries []PopularEntry) error
	// Lookup never consults the store; ok is false on a miss.
	Lookup(ctx context.Context, code string) (url string, ok bool, err error)
	Evict(ctx context.Context, code string) error
}

// StatsCache holds serialized per-link stats snapshots under the stats: namespace.
type StatsCache interface {
	GetStats(ctx context.Context, code string) ([]byte, bool, error)
	SetStats(ctx context.Context, code string, snapshot []byte, ttl time.Duration) error
	DropStats(ctx context.Context, code string) error
	// InvalidateStats removes every stats snapshot and returns how many were removed.
	InvalidateStats(ctx context.Context) (int64, error)
}

// Cache is a backend serving both caches; Close releases it.
type Cache interface {
	PopularityCache
	StatsCache
	Close() error
}

// LinkService defines the business logic operations
type LinkService interface {
	Create(ctx context.Context, originalURL string, customAlias *string, expiresAt *time.Time) (string, error)
	FindByCode(ctx context.Context, code string) (*domain.Link, error)
	FindByURLSubstring(ctx context.Context, fragment string) ([]domain.Link, error)
	RecordAccess(ctx context.Context, link *domain.Link) (*domain.Link, error)
	Resolve(ctx context.Context, code string) (*domain.Link, error)
	Peek(ctx context.Context, code string) (string, error)
	Stats(ctx context.Context, code string) ([]byte, error)
	UpdateURL(ctx context.Context, code, newURL string) error
	Delete(ctx context.Context, code string) error
	PurgeStale(ctx context.Context) (int64, error)
	RebuildPopular(ctx context.Context) (int, error)
	InvalidateStats(ctx context.Context) (int64, error)
}
