package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /alice-galaxy/action", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "start", in["action"])
		assert.Equal(t, "7", in["RC2"])
		_, _ = io.WriteString(w, `{"success":true,"state":"running"}`)
	})
	mux.HandleFunc("POST /gone-galaxy/action", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"session timer expired"}`)
	})
	mux.HandleFunc("POST /down-galaxy/action", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("POST /bad-galaxy/action", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/{logical}/action", time.Second)
	ctx := context.Background()

	out, err := c.Send(ctx, "alice-galaxy", map[string]any{"action": "start", "RC2": "7"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"state":"running"}`, string(out))

	_, err = c.Send(ctx, "gone-galaxy", map[string]any{"action": "stop"})
	assert.ErrorIs(t, err, ErrAutoUndeployed)
	assert.Contains(t, err.Error(), "session timer expired")

	_, err = c.Send(ctx, "down-galaxy", nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.Send(ctx, "bad-galaxy", nil)
	assert.ErrorIs(t, err, ErrUpstream)

	_, err = NewClient("", time.Second).Send(ctx, "x", nil)
	assert.ErrorIs(t, err, ErrNoTemplate)
}
