package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	t.Parallel()

	h, err := HashPassword("Secret123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h, "$argon2id$v=19$"))

	assert.True(t, CheckPassword(h, "Secret123"))
	assert.False(t, CheckPassword(h, "secret123"))
	assert.False(t, NeedsRehash(h))
}

func TestHashPassword_SaltsDiffer(t *testing.T) {
	t.Parallel()

	a, err := HashPassword("same")
	require.NoError(t, err)
	b, err := HashPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCheckPassword_LegacyBcrypt(t *testing.T) {
	t.Parallel()

	legacy, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, CheckPassword(string(legacy), "password"))
	assert.False(t, CheckPassword(string(legacy), "nope"))
	assert.True(t, NeedsRehash(string(legacy)))
}

func TestCheckPassword_RejectsPlaintextAndGarbage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hash string
	}{
		{name: "plaintext", hash: "password"},
		{name: "empty", hash: ""},
		{name: "truncated argon", hash: "$argon2id$v=19$m=65536,t=1,p=2$abc"},
		{name: "bad key encoding", hash: "$argon2id$v=19$m=65536,t=1,p=2$c2FsdA$!!!"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.False(t, CheckPassword(tt.hash, "password"))
		})
	}
}

func TestDummyHash_IsStableAndMatchesNothing(t *testing.T) {
	h := DummyHash()
	assert.Equal(t, h, DummyHash())
	assert.False(t, NeedsRehash(h))
	assert.False(t, CheckPassword(h, ""))
	assert.False(t, CheckPassword(h, "correct horse"))
}
