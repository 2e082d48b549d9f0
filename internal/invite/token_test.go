package invite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/kicklock/internal/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func TestExpiryFor_CalendarArithmetic(t *testing.T) {
	tests := []struct {
		name    string
		created time.Time
		d       models.TokenDuration
		want    time.Time
	}{
		{"plain 3 months", date(2025, 3, 15), models.Duration3Months, date(2025, 6, 15)},
		{"plain 6 months across year", date(2025, 9, 10), models.Duration6Months, date(2026, 3, 10)},
		{"plain year", date(2025, 3, 15), models.Duration1Year, date(2026, 3, 15)},
		{"Jan 31 + 3 months overflows April", date(2025, 1, 31), models.Duration3Months, date(2025, 5, 1)},
		{"Nov 30 + 3 months overflows February", date(2025, 11, 30), models.Duration3Months, date(2026, 3, 2)},
		{"Aug 31 + 6 months, common year", date(2025, 8, 31), models.Duration6Months, date(2026, 3, 3)},
		{"Aug 31 + 6 months, leap year", date(2023, 8, 31), models.Duration6Months, date(2024, 3, 2)},
		{"Feb 29 + 1 year", date(2024, 2, 29), models.Duration1Year, date(2025, 3, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpiryFor(tt.created, tt.d)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}

	_, err := ExpiryFor(date(2025, 1, 1), "2weeks")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewTokenString(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := NewTokenString(nil)
		require.True(t, ValidToken(s), s)
	}

	calls := 0
	seq := func(n int) int {
		calls++
		assert.Equal(t, len(alphabet), n)
		return (calls - 1) % n
	}
	assert.Equal(t, "ABCDEFGHIJKLMNOP", NewTokenString(seq))
	assert.Equal(t, TokenLength, calls)
}

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken("abcDEF0123456789"))
	assert.False(t, ValidToken("short"))
	assert.False(t, ValidToken("abcDEF012345678!"))
}
