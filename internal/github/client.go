package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Skotchmaster/kicklock/pkg/httpclient"
)

const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"

	ConclusionCancelled = "cancelled"

	DefaultAPIURL = "https://api.github.com"
	runsPerPage   = 30
)

var (
	ErrUpstream         = errors.New("workflow api failure")
	ErrDispatchRejected = errors.New("workflow dispatch rejected")
	ErrNotFound         = errors.New("workflow run not found")
)

type Config struct {
	APIURL       string
	Org          string
	Repo         string
	WorkflowFile string
	Ref          string
	Token        string
	Timeout      time.Duration
}

// Run is the narrowed workflow run shape exposed to browsers.
type Run struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DisplayTitle string    `json:"display_title,omitempty"`
	Status       string    `json:"status"`
	Conclusion   *string   `json:"conclusion"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	HTMLURL      string    `json:"html_url"`
	RunNumber    int       `json:"run_number"`
}

func (r *Run) Active() bool {
	return r.Status == StatusInProgress || r.Status == StatusQueued
}

func (r *Run) ConclusionOr(def string) string {
	if r.Conclusion == nil {
		return def
	}
	return *r.Conclusion
}

type Job struct {
	ID         int64   `json:"id"`
	RunID      int64   `json:"run_id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Conclusion *string `json:"conclusion"`
	HTMLURL    string  `json:"html_url"`
}

type Client struct {
	cfg  Config
	http *httpclient.Client
}

func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	hc := httpclient.NewClient(cfg.APIURL, cfg.Timeout).
		WithHeader("Accept", "application/vnd.github+json").
		WithHeader("X-GitHub-Api-Version", "2022-11-28")
	if cfg.Token != "" {
		hc.WithHeader("Authorization", "Bearer "+cfg.Token)
	}
	return &Client{cfg: cfg, http: hc}
}

// JobName is the run/job name the workflow uses for a logical user.
func JobName(logical string) string {
	return "Run for " + logical
}

func (c *Client) repoPath() string {
	return "/repos/" + url.PathEscape(c.cfg.Org) + "/" + url.PathEscape(c.cfg.Repo)
}

func wrap(op string, err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
}

// Dispatch triggers the workflow for logical. Only an accepted response with
// an empty body counts as success.
func (c *Client) Dispatch(ctx context.Context, logical string) error {
	path := c.repoPath() + "/actions/workflows/" + url.PathEscape(c.cfg.WorkflowFile) + "/dispatches"
	body := map[string]any{
		"ref":    c.cfg.Ref,
		"inputs": map[string]string{"username": logical},
	}
	status, resp, err := c.http.DoRaw(ctx, http.MethodPost, path, body)
	if err != nil {
		if status != 0 {
			return fmt.Errorf("%w: status %d", ErrDispatchRejected, status)
		}
		return fmt.Errorf("dispatch: %w: %v", ErrUpstream, err)
	}
	if status != http.StatusNoContent || len(resp) != 0 {
		return fmt.Errorf("%w: status %d", ErrDispatchRejected, status)
	}
	return nil
}

// ListRuns returns the newest runs of the repository, optionally filtered
// by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]Run, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(runsPerPage))
	if status != "" {
		q.Set("status", status)
	}
	var out struct {
		WorkflowRuns []Run `json:"workflow_runs"`
	}
	if _, err := c.http.Do(ctx, http.MethodGet, c.repoPath()+"/actions/runs?"+q.Encode(), nil, &out); err != nil {
		return nil, wrap("list runs", err)
	}
	return out.WorkflowRuns, nil
}

func (c *Client) GetRun(ctx context.Context, id int64) (*Run, error) {
	var run Run
	if _, err := c.http.Do(ctx, http.MethodGet, c.repoPath()+"/actions/runs/"+strconv.FormatInt(id, 10), nil, &run); err != nil {
		return nil, wrap("get run", err)
	}
	return &run, nil
}

func (c *Client) ListJobs(ctx context.Context, runID int64) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if _, err := c.http.Do(ctx, http.MethodGet, c.repoPath()+"/actions/runs/"+strconv.FormatInt(runID, 10)+"/jobs", nil, &out); err != nil {
		return nil, wrap("list jobs", err)
	}
	return out.Jobs, nil
}

// CancelRun asks for cancellation and returns the upstream status code;
// GitHub answers 202 when the request was accepted.
func (c *Client) CancelRun(ctx context.Context, id int64) (int, error) {
	status, err := c.http.Do(ctx, http.MethodPost, c.repoPath()+"/actions/runs/"+strconv.FormatInt(id, 10)+"/cancel", nil, nil)
	if err != nil {
		return status, wrap("cancel run", err)
	}
	return status, nil
}

// Matches reports whether run carries jobName as its title, name, or the name
// of one of its jobs.
func (c *Client) Matches(ctx context.Context, run Run, jobName string) (bool, error) {
	if run.DisplayTitle == jobName || run.Name == jobName {
		return true, nil
	}
	jobs, err := c.ListJobs(ctx, run.ID)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.Name == jobName {
			return true, nil
		}
	}
	return false, nil
}

// FindActiveRun returns the newest queued or in-progress run named jobName.
// Runs with other names are skipped, not treated as errors.
func (c *Client) FindActiveRun(ctx context.Context, jobName string) (*Run, error) {
	var active []Run
	for _, status := range []string{StatusInProgress, StatusQueued} {
		runs, err := c.ListRuns(ctx, status)
		if err != nil {
			return nil, err
		}
		active = append(active, runs...)
	}
	return c.first(ctx, active, jobName)
}

// LatestRunFor returns the newest run named jobName in any state.
func (c *Client) LatestRunFor(ctx context.Context, jobName string) (*Run, error) {
	runs, err := c.ListRuns(ctx, "")
	if err != nil {
		return nil, err
	}
	return c.first(ctx, runs, jobName)
}

// first picks the earliest run titled jobName. Job listings cost one request
// per run, so they are only fetched when no title matches.
func (c *Client) first(ctx context.Context, runs []Run, jobName string) (*Run, error) {
	for i := range runs {
		if runs[i].DisplayTitle == jobName || runs[i].Name == jobName {
			return &runs[i], nil
		}
	}
	for i := range runs {
		ok, err := c.Matches(ctx, runs[i], jobName)
		if err != nil {
			return nil, err
		}
		if ok {
			return &runs[i], nil
		}
	}
	return nil, ErrNotFound
}
