package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSV(t *testing.T) {
	assert.Nil(t, CSV(""))
	assert.Equal(t, []string{"a:9092", "b:9092"}, CSV(" a:9092 ,, b:9092 "))
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("KL_TEST_STR", "x")

	assert.Equal(t, "x", EnvDefault("KL_TEST_STR", "y"))
	assert.Equal(t, "y", EnvDefault("KL_TEST_UNSET", "y"))
}

func TestRequired_ListsEveryMissingKey(t *testing.T) {
	err := Required(map[string]string{
		"SESSION_SECRET":   "",
		"DATABASE_URL":     "postgres://x",
		"INTERNAL_API_KEY": " ",
	})
	require.Error(t, err)
	assert.Equal(t, "missing required env INTERNAL_API_KEY, SESSION_SECRET", err.Error())

	assert.NoError(t, Required(map[string]string{"A": "1"}))
}
