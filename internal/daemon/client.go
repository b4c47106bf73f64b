package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/urn"
)

// Client connects to a running daemon via its Unix socket.
type Client struct {
	httpClient *http.Client
	socketPath string
	authToken  string
}

// NewClient creates a new daemon client. It reads the auth cookie
// from the file at cookiePath.
func NewClient(socketPath, cookiePath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, socketPath)
	}

	token, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon cookie: %w", err)
	}

	c := &Client{
		socketPath: socketPath,
		authToken:  strings.TrimSpace(string(token)),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}

	return c, nil
}

// do sends an HTTP request to the daemon and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// doJSON sends a request and decodes the raw JSON response into target.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, target any) error {
	data, status, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		var env ErrorEnvelope
		if json.Unmarshal(data, &env) == nil && env.Variant != "" {
			return fmt.Errorf("daemon: %s: %s", env.Variant, env.Message)
		}
		return fmt.Errorf("daemon returned HTTP %d", status)
	}
	if target == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

// --- projects ---

func (c *Client) GetProject(ctx context.Context, u urn.Urn) (*Project, error) {
	var p Project
	if err := c.doJSON(ctx, "GET", "/v1/projects/"+url.PathEscape(u.String()), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Contributed(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.doJSON(ctx, "GET", "/v1/projects/contributed", nil, &out)
	return out, err
}

func (c *Client) Tracked(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.doJSON(ctx, "GET", "/v1/projects/tracked", nil, &out)
	return out, err
}

func (c *Client) ProjectPeers(ctx context.Context, u urn.Urn) ([]PeerSummary, error) {
	var out []PeerSummary
	err := c.doJSON(ctx, "GET", "/v1/projects/"+url.PathEscape(u.String())+"/peers", nil, &out)
	return out, err
}

func (c *Client) TrackPeer(ctx context.Context, u urn.Urn, peerID string) error {
	path := fmt.Sprintf("/v1/projects/%s/track/%s", url.PathEscape(u.String()), url.PathEscape(peerID))
	return c.doJSON(ctx, "PUT", path, nil, nil)
}

func (c *Client) UntrackPeer(ctx context.Context, u urn.Urn, peerID string) error {
	path := fmt.Sprintf("/v1/projects/%s/untrack/%s", url.PathEscape(u.String()), url.PathEscape(peerID))
	return c.doJSON(ctx, "PUT", path, nil, nil)
}

// --- requests ---

func (c *Client) StartRequest(ctx context.Context, u urn.Urn) (*core.Request, error) {
	var req core.Request
	if err := c.doJSON(ctx, "PUT", "/v1/projects/requests/"+url.PathEscape(u.String()), nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) CancelRequest(ctx context.Context, u urn.Urn) error {
	return c.doJSON(ctx, "DELETE", "/v1/projects/requests/"+url.PathEscape(u.String()), nil, nil)
}

func (c *Client) ListRequests(ctx context.Context) ([]*core.Request, error) {
	var out []*core.Request
	err := c.doJSON(ctx, "GET", "/v1/projects/requests", nil, &out)
	return out, err
}

// --- source browsing ---

func (c *Client) Blob(ctx context.Context, u urn.Urn, path, revision string) (*Blob, error) {
	q := url.Values{"path": {path}}
	if revision != "" {
		q.Set("revision", revision)
	}
	var b Blob
	if err := c.doJSON(ctx, "GET", "/v1/source/blob/"+url.PathEscape(u.String())+"?"+q.Encode(), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Branches(ctx context.Context, u urn.Urn) ([]Branch, error) {
	var out []Branch
	err := c.doJSON(ctx, "GET", "/v1/source/branches/"+url.PathEscape(u.String()), nil, &out)
	return out, err
}

func (c *Client) Commit(ctx context.Context, u urn.Urn, oid string) (*Commit, error) {
	var cm Commit
	path := fmt.Sprintf("/v1/source/commit/%s/%s", url.PathEscape(u.String()), url.PathEscape(oid))
	if err := c.doJSON(ctx, "GET", path, nil, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

func (c *Client) Commits(ctx context.Context, u urn.Urn, revision string) ([]Commit, error) {
	path := "/v1/source/commits/" + url.PathEscape(u.String())
	if revision != "" {
		path += "?revision=" + url.QueryEscape(revision)
	}
	var out []Commit
	err := c.doJSON(ctx, "GET", path, nil, &out)
	return out, err
}

func (c *Client) Tree(ctx context.Context, u urn.Urn, prefix, revision string) (*Tree, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if revision != "" {
		q.Set("revision", revision)
	}
	path := "/v1/source/tree/" + url.PathEscape(u.String())
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var t Tree
	if err := c.doJSON(ctx, "GET", path, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- notifications ---

// Notifications opens the SSE stream and decodes each `data:` line into a
// map, handing it to onEvent until ctx is cancelled or the stream ends.
func (c *Client) Notifications(ctx context.Context, onEvent func(map[string]any)) error {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://daemon/v1/notifications", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		onEvent(evt)
	}
	return scanner.Err()
}

// --- identities ---

func (c *Client) CreateIdentity(ctx context.Context, req IdentityRequest) (*Identity, error) {
	body, _ := json.Marshal(req)
	var id Identity
	if err := c.doJSON(ctx, "POST", "/v1/identities", strings.NewReader(string(body)), &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (c *Client) ReplaceIdentity(ctx context.Context, req IdentityRequest) (*Identity, error) {
	body, _ := json.Marshal(req)
	var id Identity
	if err := c.doJSON(ctx, "PUT", "/v1/identities", strings.NewReader(string(body)), &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (c *Client) RemoteIdentity(ctx context.Context, u urn.Urn) (*Person, error) {
	var p Person
	if err := c.doJSON(ctx, "GET", "/v1/identities/remote/"+url.PathEscape(u.String()), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
