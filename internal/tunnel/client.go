package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Skotchmaster/kicklock/pkg/httpclient"
)

const logicalPlaceholder = "{logical}"

var (
	// ErrAutoUndeployed is the tunnel's 409: the workload was stopped
	// upstream and the user must acknowledge before redeploying.
	ErrAutoUndeployed = errors.New("workload was undeployed upstream")
	ErrUnavailable    = errors.New("tunnel unavailable")
	ErrUpstream       = errors.New("tunnel failure")
	ErrNoTemplate     = errors.New("tunnel url template not configured")
)

// Client relays control-form actions to the per-user tunnel endpoint. The
// URL template carries a {logical} placeholder, e.g.
// "https://{logical}.tunnels.example/action".
type Client struct {
	template string
	http     *httpclient.Client
}

func NewClient(template string, timeout time.Duration) *Client {
	return &Client{template: template, http: httpclient.NewClient("", timeout)}
}

func (c *Client) URLFor(logical string) (string, error) {
	if c.template == "" {
		return "", ErrNoTemplate
	}
	return strings.ReplaceAll(c.template, logicalPlaceholder, url.PathEscape(logical)), nil
}

// UpstreamMessage extracts the optional message from an auto-undeploy body.
type UpstreamMessage struct {
	Message string `json:"message"`
}

// Send posts payload and returns the tunnel's JSON answer verbatim.
func (c *Client) Send(ctx context.Context, logical string, payload map[string]any) (json.RawMessage, error) {
	target, err := c.URLFor(logical)
	if err != nil {
		return nil, err
	}
	status, body, err := c.http.DoRaw(ctx, http.MethodPost, target, payload)
	if err != nil {
		switch {
		case status == http.StatusConflict:
			var m UpstreamMessage
			_ = json.Unmarshal(body, &m)
			if m.Message != "" {
				return nil, fmt.Errorf("%w: %s", ErrAutoUndeployed, m.Message)
			}
			return nil, ErrAutoUndeployed
		case status == 0 || status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
	if len(body) == 0 || !json.Valid(body) {
		return json.RawMessage(`{"success":true}`), nil
	}
	return json.RawMessage(body), nil
}
