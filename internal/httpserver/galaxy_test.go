package httpserver

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/kicklock/internal/deploy"
	"github.com/Skotchmaster/kicklock/internal/gradio"
	"github.com/Skotchmaster/kicklock/internal/tunnel"
)

func bearer(key string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + key}
}

func TestAPIKey(t *testing.T) {
	s := newServer(t)
	body := map[string]string{"modal_name": "alice-galaxy"}

	rec := s.do(t, request{method: http.MethodPost, path: "/status", body: body})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, request{method: http.MethodPost, path: "/status", body: body, headers: bearer("nope")})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s.compute.deployed = true
	rec = s.do(t, request{method: http.MethodPost, path: "/status", body: body, headers: bearer(testAPIKey)})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, true, out["deployed"])
}

func TestDeploy_RequiresBrowserOrigin(t *testing.T) {
	s := newServer(t)
	body := map[string]string{"modal_name": "alice-galaxy"}

	rec := s.do(t, request{method: http.MethodPost, path: "/deploy", body: body, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h := bearer(testAPIKey)
	h["Origin"] = appOrigin
	rec = s.do(t, request{method: http.MethodPost, path: "/deploy", body: body, headers: h})
	assert.Equal(t, http.StatusForbidden, rec.Code, "non-browser user agent")

	h["User-Agent"] = browserUA
	rec = s.do(t, request{method: http.MethodPost, path: "/deploy", body: body, headers: h})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"deploy:alice-galaxy"}, s.compute.calls)
}

func TestUndeployAndStatus_UpstreamErrors(t *testing.T) {
	s := newServer(t)
	body := map[string]string{"modal_name": "alice-galaxy"}

	rec := s.do(t, request{method: http.MethodPost, path: "/undeploy", body: body, headers: bearer(testAPIKey)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"stopped": true}, decode[map[string]any](t, rec)["data"])

	s.compute.err = gradio.ErrTimeout
	rec = s.do(t, request{method: http.MethodPost, path: "/status", body: body, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	s.compute.err = gradio.ErrUpstream
	rec = s.do(t, request{method: http.MethodPost, path: "/undeploy", body: body, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "deploy service failure")

	rec = s.do(t, request{method: http.MethodPost, path: "/status", body: map[string]string{}, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActions_DecryptsAndRelays(t *testing.T) {
	s := newServer(t)
	s.signUp(t, "alice")
	envelope := s.box.EncryptString(`{"RC":"abc","Delay":3}`)

	rec := s.do(t, request{method: http.MethodPost, path: "/actions/start/2", headers: bearer(testAPIKey),
		body: map[string]string{"data": envelope, "username": "alice"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, s.tunnel.payloads, 1)
	assert.Equal(t, "alice-galaxy", s.tunnel.logicals[0])
	assert.Equal(t, map[string]any{
		"RC2":        "abc",
		"Delay2":     float64(3),
		"action":     "start",
		"formNumber": 2,
	}, s.tunnel.payloads[0])
}

func TestActions_Rejections(t *testing.T) {
	s := newServer(t)
	valid := s.box.EncryptString(`{"RC":"abc"}`)

	tests := []struct {
		name string
		path string
		body map[string]string
		code int
	}{
		{"unknown action", "/actions/restart/1", map[string]string{"data": valid, "username": "alice"}, http.StatusBadRequest},
		{"form out of range", "/actions/start/6", map[string]string{"data": valid, "username": "alice"}, http.StatusBadRequest},
		{"not base64", "/actions/start/1", map[string]string{"data": "%%%", "username": "alice"}, http.StatusBadRequest},
		{"wrong key", "/actions/start/1", map[string]string{"data": "AAAAAAAAAAAAAAAAAAAAAA==", "username": "alice"}, http.StatusBadRequest},
		{"not an object", "/actions/start/1", map[string]string{"data": s.box.EncryptString(`[1,2]`), "username": "alice"}, http.StatusBadRequest},
		{"missing username", "/actions/start/1", map[string]string{"data": valid}, http.StatusBadRequest},
		{"unknown user", "/actions/start/1", map[string]string{"data": valid, "username": "nobody"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, request{method: http.MethodPost, path: tt.path, body: tt.body, headers: bearer(testAPIKey)})
			assert.Equal(t, tt.code, rec.Code)
		})
	}
	assert.Empty(t, s.tunnel.payloads)
}

func TestActions_TunnelErrors(t *testing.T) {
	s := newServer(t)
	s.signUp(t, "alice")
	body := map[string]string{"data": s.box.EncryptString(`{"RC":"abc"}`), "username": "alice"}

	s.tunnel.err = tunnel.ErrUnavailable
	rec := s.do(t, request{method: http.MethodPost, path: "/actions/stop/1", body: body, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.tunnel.err = tunnel.ErrAutoUndeployed
	rec = s.do(t, request{method: http.MethodPost, path: "/actions/stop/1", body: body, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestActions_AutoUndeployResetsDeployment(t *testing.T) {
	s := newServer(t)
	s.signUp(t, "alice")
	u, err := s.repo.UserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	body := map[string]string{"data": s.box.EncryptString(`{"RC":"abc"}`), "username": "alice"}

	rec := s.do(t, request{method: http.MethodPost, path: "/actions/start/3", body: body, headers: bearer(testAPIKey)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	s.tunnel.err = tunnel.ErrAutoUndeployed
	rec = s.do(t, request{method: http.MethodPost, path: "/actions/stop/3", body: body, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusConflict, rec.Code)

	snap := s.orch.Machine(u.ID, "alice").Snapshot()
	assert.Equal(t, deploy.StateRedeployRequired, snap.State)
	assert.True(t, snap.AutoUndeployed)
	assert.True(t, snap.RedeployRequired)
	for _, f := range snap.Forms {
		assert.Equal(t, deploy.FormIdle, f.Status, "form %d", f.Number)
	}

	// further actions wait for the notice to be acknowledged
	s.tunnel.err = nil
	rec = s.do(t, request{method: http.MethodPost, path: "/actions/start/3", body: body, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, s.tunnel.payloads, 2)
}

func TestBodyLimit(t *testing.T) {
	s := newServer(t)
	big := `{"modal_name":"` + strings.Repeat("x", 20<<10) + `"}`

	rec := s.do(t, request{method: http.MethodPost, path: "/status", body: big, headers: bearer(testAPIKey)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload too large", message(t, rec))
}
