// Package shortcode generates random short codes for links.
package shortcode

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	// Length of generated codes.
	Length = 6

	charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	charsetSize = big.NewInt(int64(len(charset)))
	aliasRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
)

// Generate returns a Length-character code drawn uniformly from [a-zA-Z0-9]
// using crypto/rand. It does not check for collisions.
func Generate() (string, error) {
	b := make([]byte, Length)
	for i := range b {
		num, err := rand.Int(rand.Reader, charsetSize)
		if err != nil {
			return "", err
		}
		b[i] = charset[num.Int64()]
	}
	return string(b), nil
}

// Valid reports whether s is usable as a custom alias.
func Valid(s string) bool {
	return aliasRe.MatchString(s)
}
