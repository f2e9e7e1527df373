package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinkIsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	day := 24 * time.Hour

	tests := []struct {
		name string
		link Link
		want bool
	}{
		{name: "fresh, never accessed", link: Link{}, want: false},
		{name: "expires in future", link: Link{ExpiresAt: at(7 * day)}, want: false},
		{name: "expired yesterday", link: Link{ExpiresAt: at(-day)}, want: true},
		{name: "expires exactly now", link: Link{ExpiresAt: at(0)}, want: true},
		{name: "accessed 89 days ago", link: Link{LastAccessedAt: at(-89 * day)}, want: false},
		{name: "accessed 91 days ago", link: Link{LastAccessedAt: at(-91 * day)}, want: true},
		{name: "accessed 91 days ago but expiry ahead", link: Link{LastAccessedAt: at(-91 * day), ExpiresAt: at(day)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.link.IsStale(now))
		})
	}
}
