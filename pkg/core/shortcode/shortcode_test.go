package shortcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code, err := Generate()
		require.NoError(t, err)
		require.Len(t, code, Length)
		for _, c := range code {
			isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			require.Truef(t, isAlnum, "unexpected character %q in %q", c, code)
		}
	}
}

func TestGenerateDistinct(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		code, err := Generate()
		require.NoError(t, err)
		_, dup := seen[code]
		require.False(t, dup, "duplicate code %s after %d draws", code, i)
		seen[code] = struct{}{}
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		alias string
		want  bool
	}{
		{"custom", true},
		{"my-link_2", true},
		{"", false},
		{"has space", false},
		{"slash/path", false},
		{"search", true},
		{"abcdefghijklmnopqrstuvwxyz0123456", false},
	}
	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.alias))
		})
	}
}
