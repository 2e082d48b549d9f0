package gradio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Skotchmaster/kicklock/pkg/httpclient"
)

var (
	ErrUpstream = errors.New("deploy service failure")
	ErrTimeout  = errors.New("deploy service timeout")
)

type Config struct {
	DeployURL   string
	StatusURL   string
	UndeployURL string
	Timeout     time.Duration
}

// Client talks to the hosted deploy/status/undeploy service. Each operation
// has its own absolute URL.
type Client struct {
	cfg  Config
	http *httpclient.Client
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg, http: httpclient.NewClient("", cfg.Timeout)}
}

type request struct {
	ModalName string `json:"modal_name"`
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
}

func (c *Client) Deploy(ctx context.Context, modalName string) (json.RawMessage, error) {
	_, body, err := c.http.DoRaw(ctx, http.MethodPost, c.cfg.DeployURL, request{ModalName: modalName})
	if err != nil {
		return nil, classify("deploy", err)
	}
	return rawOrNull(body), nil
}

func (c *Client) Undeploy(ctx context.Context, modalName string) (json.RawMessage, error) {
	_, body, err := c.http.DoRaw(ctx, http.MethodPost, c.cfg.UndeployURL, request{ModalName: modalName})
	if err != nil {
		return nil, classify("undeploy", err)
	}
	return rawOrNull(body), nil
}

// Status reports whether the workload for modalName is running. The service
// answers either {"deployed": bool} or {"status": "deployed"|...}.
func (c *Client) Status(ctx context.Context, modalName string) (bool, error) {
	var out struct {
		Deployed *bool  `json:"deployed"`
		Status   string `json:"status"`
	}
	if _, err := c.http.Do(ctx, http.MethodPost, c.cfg.StatusURL, request{ModalName: modalName}, &out); err != nil {
		return false, classify("status", err)
	}
	if out.Deployed != nil {
		return *out.Deployed, nil
	}
	return out.Status == "deployed" || out.Status == "running", nil
}

func rawOrNull(body []byte) json.RawMessage {
	if len(body) == 0 || !json.Valid(body) {
		return json.RawMessage("null")
	}
	return json.RawMessage(body)
}
