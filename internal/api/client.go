package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/meshgate/internal/events"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// StatusError is a non-2xx API answer.
type StatusError struct {
	Code    int
	Message string
	// Plugin is set when a failed action still reported the plugin status.
	Plugin *lifecycle.Status
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.Code)
	}
	return fmt.Sprintf("api returned %d: %s", e.Code, e.Message)
}

// Client talks to a running gateway's API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	// stream has no overall timeout; SSE responses never finish.
	stream *http.Client
}

// NewClient returns a client for baseURL ("http://127.0.0.1:8080").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return decodeStatusError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeStatusError(code int, data []byte) error {
	se := &StatusError{Code: code}
	var action ActionResponse
	if err := json.Unmarshal(data, &action); err == nil && action.Plugin.Name != "" {
		se.Message = action.Error
		se.Plugin = &action.Plugin
		return se
	}
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		se.Message = er.Error
	}
	return se
}

func (c *Client) Healthz(ctx context.Context) (HealthzResponse, error) {
	var out HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) Plugins(ctx context.Context) ([]lifecycle.Status, error) {
	var out PluginListResponse
	err := c.do(ctx, http.MethodGet, "/plugins", nil, &out)
	return out.Plugins, err
}

func (c *Client) Plugin(ctx context.Context, name string) (lifecycle.Status, error) {
	var out lifecycle.Status
	err := c.do(ctx, http.MethodGet, "/plugins/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Handlers lists registrations, optionally for one plugin.
func (c *Client) Handlers(ctx context.Context, plugin string) ([]registry.Info, error) {
	path := "/handlers"
	if plugin != "" {
		path += "?plugin=" + url.QueryEscape(plugin)
	}
	var out HandlerListResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Handlers, err
}

func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var out Metrics
	err := c.do(ctx, http.MethodGet, "/metrics", nil, &out)
	return out, err
}

// Action posts an operator action (disable, enable, stop, reload).
func (c *Client) Action(ctx context.Context, name, action, reason string) (ActionResponse, error) {
	var body any
	if action == "disable" && reason != "" {
		body = ActionRequest{Reason: reason}
	}
	var out ActionResponse
	err := c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(name)+"/"+action, body, &out)
	return out, err
}

// StreamEvents follows GET /events, resuming after lastID, and calls fn for
// each event until ctx ends or the stream closes.
func (c *Client) StreamEvents(ctx context.Context, lastID int64, prefixes []string, fn func(events.Event)) error {
	path := "/events"
	if len(prefixes) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(prefixes, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("GET /events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return decodeStatusError(resp.StatusCode, data)
	}
	return parseEventStream(resp.Body, fn)
}

// parseEventStream parses an event-stream body. Comment lines are keep-alives.
func parseEventStream(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	var cur events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				fn(cur)
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}
