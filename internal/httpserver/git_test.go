package httpserver

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/kicklock/internal/github"
)

type fakeRuns struct {
	mu        sync.Mutex
	runs      []github.Run
	cancelled []int64
}

func (f *fakeRuns) ListRuns(_ context.Context, status string) ([]github.Run, error) {
	var out []github.Run
	for _, r := range f.runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) GetRun(_ context.Context, id int64) (*github.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, github.ErrNotFound
}

func (f *fakeRuns) ListJobs(_ context.Context, runID int64) ([]github.Job, error) {
	return []github.Job{{ID: runID * 10, RunID: runID, Name: "build", Status: github.StatusInProgress}}, nil
}

func (f *fakeRuns) CancelRun(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return http.StatusAccepted, nil
}

func (f *fakeRuns) Matches(_ context.Context, run github.Run, jobName string) (bool, error) {
	return run.Name == jobName, nil
}

func (f *fakeRuns) LatestRunFor(ctx context.Context, jobName string) (*github.Run, error) {
	for _, r := range f.runs {
		if r.Name == jobName {
			return &r, nil
		}
	}
	return nil, github.ErrNotFound
}

func TestGitProxy_ScopesRunsToCaller(t *testing.T) {
	s := newServer(t)
	s.runs.runs = []github.Run{
		{ID: 3, Name: "Run for bob-galaxy", Status: github.StatusInProgress},
		{ID: 2, Name: "Run for alice-galaxy", Status: github.StatusInProgress},
		{ID: 1, Name: "Run for alice-galaxy", Status: github.StatusCompleted},
	}
	s.signUp(t, "alice")
	in := s.signIn(t, "alice")

	rec := s.do(t, request{method: http.MethodGet, path: "/git/galaxyapi/runs?status=in_progress", headers: in.headers()})
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		WorkflowRuns []github.Run `json:"workflow_runs"`
	}](t, rec).WorkflowRuns
	require.Len(t, runs, 1)
	assert.Equal(t, int64(2), runs[0].ID)

	rec = s.do(t, request{method: http.MethodGet, path: "/git/galaxyapi/runs?runId=2", headers: in.headers()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[github.Run](t, rec).ID)

	rec = s.do(t, request{method: http.MethodGet, path: "/git/galaxyapi/runs?runId=3", headers: in.headers()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, request{method: http.MethodGet, path: "/git/galaxyapi/runs?jobsForRunId=2", headers: in.headers()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":2`)

	rec = s.do(t, request{method: http.MethodGet, path: "/git/galaxyapi/runs?status=bogus", headers: in.headers()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, request{method: http.MethodGet, path: "/git/galaxyapi/runs?runId=abc", headers: in.headers()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGitProxy_CancelOnlyOwnRun(t *testing.T) {
	s := newServer(t)
	s.runs.runs = []github.Run{
		{ID: 3, Name: "Run for bob-galaxy", Status: github.StatusInProgress},
		{ID: 2, Name: "Run for alice-galaxy", Status: github.StatusInProgress},
	}
	s.signUp(t, "alice")
	in := s.signIn(t, "alice")

	rec := s.do(t, request{method: http.MethodPost, path: "/git/galaxyapi/runs?cancelRunId=3", headers: in.headers()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, request{method: http.MethodPost, path: "/git/galaxyapi/runs?cancelRunId=2", headers: in.headers()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(http.StatusAccepted), decode[map[string]any](t, rec)["status"])
	assert.Equal(t, []int64{2}, s.runs.cancelled)
}

func TestGitProxy_LatestUserRun(t *testing.T) {
	s := newServer(t)
	s.runs.runs = []github.Run{{ID: 5, Name: "Run for alice-galaxy", Status: github.StatusQueued}}
	s.signUp(t, "alice")
	in := s.signIn(t, "alice")

	rec := s.do(t, request{method: http.MethodGet, path: "/git/latest-user-run?logicalUsername=alice-galaxy", headers: in.headers()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), decode[github.Run](t, rec).ID)

	rec = s.do(t, request{method: http.MethodGet, path: "/git/latest-user-run?logicalUsername=bob-galaxy", headers: in.headers()})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, request{method: http.MethodGet, path: "/git/latest-user-run"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
