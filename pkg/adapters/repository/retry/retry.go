// Package retry wraps a LinkRepository so transient storage failures are
// retried with exponential backoff. Every other error, including conflicts,
// is returned on the first attempt.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

const DefaultMaxElapsed = 2 * time.Second

type Repository struct {
	next       ports.LinkRepository
	maxElapsed time.Duration
	log        logrus.FieldLogger
}

func New(next ports.LinkRepository, maxElapsed time.Duration, logger logrus.FieldLogger) *Repository {
	if maxElapsed <= 0 {
		maxElapsed = DefaultMaxElapsed
	}
	return &Repository{
		next:       next,
		maxElapsed: maxElapsed,
		log:        logger.WithField("component", "retry"),
	}
}

func (r *Repository) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = r.maxElapsed
	return backoff.WithContext(b, ctx)
}

func do[T any](ctx context.Context, r *Repository, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !errors.Is(err, domain.ErrTransientStorage) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.policy(ctx), func(err error, wait time.Duration) {
		r.log.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"wait":    wait,
		}).Warn("transient storage failure, retrying")
	})
}

func (r *Repository) Create(ctx context.Context, link *domain.Link) error {
	_, err := do(ctx, r, "create", func() (struct{}, error) {
		return struct{}{}, r.next.Create(ctx, link)
	})
	return err
}

func (r *Repository) GetByShortCode(ctx context.Context, code string) (*domain.Link, error) {
	return do(ctx, r, "get", func() (*domain.Link, error) {
		return r.next.GetByShortCode(ctx, code)
	})
}

func (r *Repository) SearchByURL(ctx context.Context, fragment string) ([]domain.Link, error) {
	return do(ctx, r, "search", func() ([]domain.Link, error) {
		return r.next.SearchByURL(ctx, fragment)
	})
}

func (r *Repository) IncrementClicks(ctx context.Context, code string, at time.Time) (*domain.Link, error) {
	return do(ctx, r, "increment", func() (*domain.Link, error) {
		return r.next.IncrementClicks(ctx, code, at)
	})
}

func (r *Repository) UpdateURL(ctx context.Context, code, originalURL string) (bool, error) {
	return do(ctx, r, "update", func() (bool, error) {
		return r.next.UpdateURL(ctx, code, originalURL)
	})
}

func (r *Repository) Delete(ctx context.Context, code string) error {
	_, err := do(ctx, r, "delete", func() (struct{}, error) {
		return struct{}{}, r.next.Delete(ctx, code)
	})
	return err
}

func (r *Repository) PurgeStale(ctx context.Context, now time.Time) (int64, error) {
	return do(ctx, r, "purge", func() (int64, error) {
		return r.next.PurgeStale(ctx, now)
	})
}

func (r *Repository) TopByClicks(ctx context.Context, now time.Time, limit int) ([]domain.Link, error) {
	return do(ctx, r, "top", func() ([]domain.Link, error) {
		return r.next.TopByClicks(ctx, now, limit)
	})
}

func (r *Repository) Dump(ctx context.Context) ([]domain.Link, error) {
	return do(ctx, r, "dump", func() ([]domain.Link, error) {
		return r.next.Dump(ctx)
	})
}

func (r *Repository) Close() error {
	return r.next.Close()
}

var _ ports.LinkRepository = (*Repository)(nil)
