// Package client provides a Go client for aivad's HTTP API, talking to the
// daemon over its Unix domain socket — one home for the request/response
// boilerplate any caller (an eventual CLI, tests, tooling) would otherwise
// duplicate.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to aivad over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the aivad socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 0, // no timeout: logs --follow and run can stream indefinitely
		},
		baseURL: "http://aiva",
	}
}

// DefaultSocketPath returns $AIVA_HOME/aivad.sock, with $AIVA_HOME
// defaulting to ~/.aiva, matching config.DefaultConfig's layout.
func DefaultSocketPath() string {
	if home := os.Getenv("AIVA_HOME"); home != "" {
		return filepath.Join(home, "aivad.sock")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aiva", "aivad.sock")
}

// NewDefault creates a client using DefaultSocketPath.
func NewDefault() *Client {
	return New(DefaultSocketPath())
}

// APIError is returned for any non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aivad: %d: %s", e.StatusCode, e.Message)
}

// Init creates instance name, optionally from template.
func (c *Client) Init(ctx context.Context, name, template string) (*Instance, error) {
	var out Instance
	body := map[string]string{}
	if template != "" {
		body["template"] = template
	}
	if err := c.doJSON(ctx, "POST", "/v1/instances?name="+url.QueryEscape(name), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start boots name, optionally applying one-shot config overrides.
func (c *Client) Start(ctx context.Context, name string, overrides map[string]string) (*Instance, error) {
	var out Instance
	body := map[string]interface{}{}
	if len(overrides) > 0 {
		body["overrides"] = overrides
	}
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/start", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop halts name.
func (c *Client) Stop(ctx context.Context, name string, force bool) (*Instance, error) {
	path := "/v1/instances/" + url.PathEscape(name) + "/stop"
	if force {
		path += "?force=true"
	}
	var out Instance
	if err := c.doJSON(ctx, "POST", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes name entirely.
func (c *Client) Delete(ctx context.Context, name string, force bool) error {
	path := "/v1/instances/" + url.PathEscape(name)
	if force {
		path += "?force=true"
	}
	return c.doJSON(ctx, "DELETE", path, nil, nil)
}

// Status returns name's current driver-observed state.
func (c *Client) Status(ctx context.Context, name string) (*StatusResult, error) {
	var out StatusResult
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusAll returns status for every instance.
func (c *Client) StatusAll(ctx context.Context) ([]StatusResult, error) {
	var out []StatusResult
	if err := c.doJSON(ctx, "GET", "/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Deploy swaps name's rootfs image, optionally restarting it.
func (c *Client) Deploy(ctx context.Context, name, imagePath string, restart bool) (*Instance, error) {
	var out Instance
	body := map[string]interface{}{"image_path": imagePath, "restart": restart}
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/deploy", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run executes commandLine inside name and returns the result.
func (c *Client) Run(ctx context.Context, name, commandLine string, timeoutMs int) (*ExecResult, error) {
	var out ExecResult
	body := map[string]interface{}{"command_line": commandLine, "timeout_ms": timeoutMs}
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/run", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns name's buffered log entries, optionally limited to tail
// most-recent lines (0 means unbounded).
func (c *Client) Logs(ctx context.Context, name string, tail int) ([]LogEntry, error) {
	path := "/v1/instances/" + url.PathEscape(name) + "/logs"
	if tail > 0 {
		path += fmt.Sprintf("?tail=%d", tail)
	}
	return c.streamLogs(ctx, path)
}

// FollowLogs streams name's log entries to onEntry until ctx is canceled or
// the connection closes.
func (c *Client) FollowLogs(ctx context.Context, name string, onEntry func(LogEntry)) error {
	path := "/v1/instances/" + url.PathEscape(name) + "/logs?follow=true"
	resp, err := c.doRaw(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		onEntry(e)
	}
	return scanner.Err()
}

func (c *Client) streamLogs(ctx context.Context, path string) ([]LogEntry, error) {
	resp, err := c.doRaw(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// ConfigGet returns key's value on name.
func (c *Client) ConfigGet(ctx context.Context, name, key string) (string, error) {
	var out map[string]string
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name)+"/config/"+url.PathEscape(key), nil, &out); err != nil {
		return "", err
	}
	return out["value"], nil
}

// ConfigSet sets key=value on name. Prefix value with "secret:" to store it
// encrypted.
func (c *Client) ConfigSet(ctx context.Context, name, key, value string) error {
	body := map[string]string{"value": value}
	return c.doJSON(ctx, "PUT", "/v1/instances/"+url.PathEscape(name)+"/config/"+url.PathEscape(key), body, nil)
}

// ConfigList returns every override on name.
func (c *Client) ConfigList(ctx context.Context, name string) ([]ConfigEntry, error) {
	var out []ConfigEntry
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name)+"/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DataSync copies hostPath into name's overlay directory at guestPath.
func (c *Client) DataSync(ctx context.Context, name, hostPath, guestPath string) error {
	body := map[string]string{"host_path": hostPath, "guest_path": guestPath}
	return c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/data", body, nil)
}

// DataList returns the recorded data_sync mounts for name.
func (c *Client) DataList(ctx context.Context, name string) ([]DataMount, error) {
	var out []DataMount
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name)+"/data", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response. Caller is
// responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
