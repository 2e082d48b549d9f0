package invite

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Skotchmaster/kicklock/internal/models"
)

const (
	TokenLength = 16
	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewTokenString draws TokenLength characters from [A-Za-z0-9], one draw per
// character. intn defaults to math/rand/v2; the token is an invitation code,
// not a secret, so a non-cryptographic source is enough.
func NewTokenString(intn func(n int) int) string {
	if intn == nil {
		intn = rand.IntN
	}
	b := make([]byte, TokenLength)
	for i := range b {
		b[i] = alphabet[intn(len(alphabet))]
	}
	return string(b)
}

// ExpiryFor adds the duration in calendar terms using time.AddDate, which
// normalises overflowing days forward: Jan 31 + 1 month is Mar 3 (Mar 2 in
// a leap year) and Feb 29 + 1 year is Mar 1.
func ExpiryFor(createdAt time.Time, d models.TokenDuration) (time.Time, error) {
	switch d {
	case models.Duration3Months:
		return createdAt.AddDate(0, 3, 0), nil
	case models.Duration6Months:
		return createdAt.AddDate(0, 6, 0), nil
	case models.Duration1Year:
		return createdAt.AddDate(1, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown duration %q", ErrValidation, d)
}

func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
