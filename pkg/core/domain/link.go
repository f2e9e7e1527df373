package domain

import "time"

// StaleAfter is how long a link may go without being resolved before it is purged.
const StaleAfter = 90 * 24 * time.Hour

// Link represents a shortened URL
type Link struct {
	ID             int64      `json:"id"`
	OriginalURL    string     `json:"original_url"`
	ShortCode      string     `json:"short_code"`
	CustomAlias    *string    `json:"custom_alias"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	IsActive       bool       `json:"is_active"`
	Clicks         int64      `json:"clicks"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
}

// IsExpired reports whether the link has an expiry at or before now.
func (l *Link) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// IsStale reports whether the link is eligible for purge: expired, or resolved
// at least once but not within StaleAfter. Links never resolved are only
// purged through expiry.
func (l *Link) IsStale(now time.Time) bool {
	if l.IsExpired(now) {
		return true
	}
	return l.LastAccessedAt != nil && !l.LastAccessedAt.After(StaleCutoff(now))
}

// StaleCutoff is the last-access instant at or before which a link is stale.
func StaleCutoff(now time.Time) time.Time {
	return now.Add(-StaleAfter)
}

// StaleAt returns the instant the link becomes stale if it is not resolved
// again, or nil if it never does.
func (l *Link) StaleAt() *time.Time {
	var at *time.Time
	if l.LastAccessedAt != nil {
		t := l.LastAccessedAt.Add(StaleAfter)
		at = &t
	}
	if l.ExpiresAt != nil && (at == nil || l.ExpiresAt.Before(*at)) {
		t := *l.ExpiresAt
		at = &t
	}
	return at
}
