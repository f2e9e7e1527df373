package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
	"github.com/wadjakorntonsri/linkshort/pkg/core/shortcode"
	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

// Aliases that would shadow fixed routes under /links/.
var reservedAliases = map[string]struct{}{
	"search":  {},
	"shorten": {},
}

// Options tunes a LinkService. Zero values fall back to the defaults below.
type Options struct {
	MaxCodeAttempts int
	PopularTopN     int
	PopularTTL      time.Duration
	StatsTTL        time.Duration

	Now      func() time.Time
	Generate func() (string, error)
}

const (
	DefaultMaxCodeAttempts = 5
	DefaultPopularTopN     = 100
	DefaultPopularTTL      = 24 * time.Hour
	DefaultStatsTTL        = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.MaxCodeAttempts <= 0 {
		o.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if o.PopularTopN <= 0 {
		o.PopularTopN = DefaultPopularTopN
	}
	if o.PopularTTL <= 0 {
		o.PopularTTL = DefaultPopularTTL
	}
	if o.StatsTTL <= 0 {
		o.StatsTTL = DefaultStatsTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Generate == nil {
		o.Generate = shortcode.Generate
	}
	return o
}

type LinkService struct {
	repo    ports.LinkRepository
	popular ports.PopularityCache
	stats   ports.StatsCache
	log     logrus.FieldLogger
	opts    Options
}

func NewLinkService(repo ports.LinkRepository, popular ports.PopularityCache, stats ports.StatsCache, logger logrus.FieldLogger, opts Options) *LinkService {
	return &LinkService{
		repo:    repo,
		popular: popular,
		stats:   stats,
		log:     logger.WithField("component", "link_service"),
		opts:    opts.withDefaults(),
	}
}

func (s *LinkService) now() time.Time {
	return s.opts.Now().UTC()
}

// Create stores a new link and returns its short code. A custom alias becomes
// the short code verbatim; otherwise codes are generated until the store
// accepts one or MaxCodeAttempts is reached.
func (s *LinkService) Create(ctx context.Context, originalURL string, customAlias *string, expiresAt *time.Time) (string, error) {
	if err := ValidateURL(originalURL); err != nil {
		return "", err
	}

	now := s.now()
	link := &domain.Link{
		OriginalURL: originalURL,
		CreatedAt:   now,
		IsActive:    true,
	}
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return "", fmt.Errorf("%w: expires_at must be in the future", domain.ErrValidation)
		}
		exp := expiresAt.UTC()
		link.ExpiresAt = &exp
	}

	if customAlias != nil {
		alias := *customAlias
		if !shortcode.Valid(alias) {
			return "", fmt.Errorf("%w: custom_alias must be 1-32 characters of letters, digits, '-' or '_'", domain.ErrValidation)
		}
		if _, reserved := reservedAliases[alias]; reserved {
			return "", fmt.Errorf("%w: custom_alias %q is reserved", domain.ErrValidation, alias)
		}
		link.ShortCode = alias
		link.CustomAlias = &alias
		if err := s.repo.Create(ctx, link); err != nil {
			return "", fmt.Errorf("create link %q: %w", alias, err)
		}
		return alias, nil
	}

	for attempt := 1; attempt <= s.opts.MaxCodeAttempts; attempt++ {
		code, err := s.opts.Generate()
		if err != nil {
			return "", fmt.Errorf("generate short code: %w", err)
		}
		link.ShortCode = code

		err = s.repo.Create(ctx, link)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return "", fmt.Errorf("create link: %w", err)
		}
		s.log.WithFields(logrus.Fields{"code": code, "attempt": attempt}).Debug("short code collision, retrying")
	}

	return "", fmt.Errorf("%w: no free code after %d attempts", domain.ErrExhausted, s.opts.MaxCodeAttempts)
}

// FindByCode returns the live link for code. Stale links that were not purged
// yet are reported as not found.
func (s *LinkService) FindByCode(ctx context.Context, code string) (*domain.Link, error) {
	link, err := s.repo.GetByShortCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("find link %q: %w", code, err)
	}
	if link == nil || link.IsStale(s.now()) {
		return nil, domain.ErrNotFound
	}
	return link, nil
}

// FindByURLSubstring returns live links whose original URL contains fragment,
// ordered by id. The result is empty, not nil, when nothing matches.
func (s *LinkService) FindByURLSubstring(ctx context.Context, fragment string) ([]domain.Link, error) {
	links, err := s.repo.SearchByURL(ctx, fragment)
	if err != nil {
		return nil, fmt.Errorf("search links: %w", err)
	}

	now := s.now()
	live := make([]domain.Link, 0, len(links))
	for i := range links {
		if !links[i].IsStale(now) {
			live = append(live, links[i])
		}
	}
	return live, nil
}

// RecordAccess increments the click counter and stamps the access time in a
// single atomic statement, returning the updated record.
func (s *LinkService) RecordAccess(ctx context.Context, link *domain.Link) (*domain.Link, error) {
	updated, err := s.repo.IncrementClicks(ctx, link.ShortCode, s.now())
	if err != nil {
		return nil, fmt.Errorf("record access %q: %w", link.ShortCode, err)
	}
	if updated == nil {
		return nil, domain.ErrNotFound
	}
	s.dropStats(ctx, link.ShortCode)
	return updated, nil
}

// Resolve looks up a live link and records one access to it.
func (s *LinkService) Resolve(ctx context.Context, code string) (*domain.Link, error) {
	link, err := s.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.RecordAccess(ctx, link)
}

// Peek returns the original URL without recording an access. The popularity
// cache is consulted first; a miss falls through to the store.
func (s *LinkService) Peek(ctx context.Context, code string) (string, error) {
	if s.popular != nil {
		u, ok, err := s.popular.Lookup(ctx, code)
		if err != nil {
			s.log.WithError(err).WithField("code", code).Warn("popularity cache lookup failed")
		} else if ok {
			return u, nil
		}
	}

	link, err := s.FindByCode(ctx, code)
	if err != nil {
		return "", err
	}
	return link.OriginalURL, nil
}

// Stats returns the JSON snapshot of a live link, served from the stats cache
// when present.
func (s *LinkService) Stats(ctx context.Context, code string) ([]byte, error) {
	if s.stats != nil {
		snapshot, ok, err := s.stats.GetStats(ctx, code)
		if err != nil {
			s.log.WithError(err).WithField("code", code).Warn("stats cache read failed")
		} else if ok {
			return snapshot, nil
		}
	}

	link, err := s.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(link)
	if err != nil {
		return nil, fmt.Errorf("encode stats %q: %w", code, err)
	}

	if s.stats != nil {
		ttl := s.opts.StatsTTL
		if staleAt := link.StaleAt(); staleAt != nil {
			ttl = min(ttl, staleAt.Sub(s.now()))
		}
		if ttl > 0 {
			if err := s.stats.SetStats(ctx, code, snapshot, ttl); err != nil {
				s.log.WithError(err).WithField("code", code).Warn("stats cache write failed")
			}
		}
	}
	return snapshot, nil
}

// UpdateURL replaces the original URL of a live link. Nothing else changes.
func (s *LinkService) UpdateURL(ctx context.Context, code, newURL string) error {
	if err := ValidateURL(newURL); err != nil {
		return err
	}
	if _, err := s.FindByCode(ctx, code); err != nil {
		return err
	}

	found, err := s.repo.UpdateURL(ctx, code, newURL)
	if err != nil {
		return fmt.Errorf("update link %q: %w", code, err)
	}
	if !found {
		return domain.ErrNotFound
	}
	s.forget(ctx, code)
	return nil
}

// Delete removes a link. Deleting an unknown code succeeds.
func (s *LinkService) Delete(ctx context.Context, code string) error {
	if err := s.repo.Delete(ctx, code); err != nil {
		return fmt.Errorf("delete link %q: %w", code, err)
	}
	s.forget(ctx, code)
	return nil
}

// PurgeStale deletes every stale link in one batch and returns how many went.
func (s *LinkService) PurgeStale(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeStale(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge stale links: %w", err)
	}
	return n, nil
}

// RebuildPopular replaces the popularity cache with the PopularTopN most
// clicked live links. Entry lifetimes never outlast the link itself.
func (s *LinkService) RebuildPopular(ctx context.Context) (int, error) {
	if s.popular == nil {
		return 0, nil
	}

	now := s.now()
	links, err := s.repo.TopByClicks(ctx, now, s.opts.PopularTopN)
	if err != nil {
		return 0, fmt.Errorf("load popular links: %w", err)
	}

	entries := make([]ports.PopularEntry, 0, len(links))
	for i := range links {
		ttl := s.opts.PopularTTL
		if staleAt := links[i].StaleAt(); staleAt != nil {
			ttl = min(ttl, staleAt.Sub(now))
		}
		if ttl <= 0 {
			continue
		}
		entries = append(entries, ports.PopularEntry{
			ShortCode:   links[i].ShortCode,
			OriginalURL: links[i].OriginalURL,
			TTL:         ttl,
		})
	}

	if err := s.popular.Replace(ctx, entries); err != nil {
		return 0, fmt.Errorf("replace popularity cache: %w", err)
	}
	return len(entries), nil
}

// InvalidateStats drops every cached stats snapshot.
func (s *LinkService) InvalidateStats(ctx context.Context) (int64, error) {
	if s.stats == nil {
		return 0, nil
	}
	n, err := s.stats.InvalidateStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("invalidate stats snapshots: %w", err)
	}
	return n, nil
}

func (s *LinkService) dropStats(ctx context.Context, code string) {
	if s.stats == nil {
		return
	}
	if err := s.stats.DropStats(ctx, code); err != nil {
		s.log.WithError(err).WithField("code", code).Warn("stats cache drop failed")
	}
}

func (s *LinkService) forget(ctx context.Context, code string) {
	s.dropStats(ctx, code)
	if s.popular == nil {
		return
	}
	if err := s.popular.Evict(ctx, code); err != nil {
		s.log.WithError(err).WithField("code", code).Warn("popularity cache evict failed")
	}
}

// urlRule is the validator tag HTTP request structs use for original_url.
const urlRule = "http_url"

var urlValidator = validator.New()

// ValidateURL accepts absolute http(s) URLs with a host, by the same rule
// request validation applies.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: original_url is required", domain.ErrValidation)
	}
	if err := urlValidator.Var(raw, urlRule); err != nil {
		return fmt.Errorf("%w: %q is not a valid http(s) URL", domain.ErrValidation, raw)
	}
	return nil
}

var _ ports.LinkService = (*LinkService)(nil)
