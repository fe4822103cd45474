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

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/events"
)

// Client talks to a running Server.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// NewClient returns a client for the server at addr ("host:port" or a URL).
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: maxConnectWait + 10*time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(raw))
		if er.Error == "" {
			er.Error = resp.Status
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Error}
}

// Servers lists the catalog.
func (c *Client) Servers(ctx context.Context, f catalog.Filter) (ServerList, error) {
	q := url.Values{}
	if f.Tier != "" {
		q.Set("tier", f.Tier)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.Region != "" {
		q.Set("region", f.Region)
	}
	if f.Protocol != "" {
		q.Set("protocol", string(f.Protocol))
	}
	if f.OnlineOnly {
		q.Set("online", "true")
	}
	var out ServerList
	err := c.do(ctx, http.MethodGet, "/api/v1/servers", q, nil, &out)
	return out, err
}

// Server returns one descriptor.
func (c *Client) Server(ctx context.Context, id string) (catalog.ServerDescriptor, error) {
	var out catalog.ServerDescriptor
	err := c.do(ctx, http.MethodGet, "/api/v1/servers/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Status returns the current session status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out)
	return out, err
}

// Select selects the server for the next connect.
func (c *Client) Select(ctx context.Context, serverID string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodPost, "/api/v1/select", nil, SelectRequest{ServerID: serverID}, &out)
	return out, err
}

func waitQuery(wait time.Duration) url.Values {
	if wait <= 0 {
		return nil
	}
	return url.Values{"wait": {wait.String()}}
}

// Connect starts a session. A positive wait blocks until it settles.
func (c *Client) Connect(ctx context.Context, wait time.Duration) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodPost, "/api/v1/connect", waitQuery(wait), nil, &out)
	return out, err
}

// Disconnect ends the session.
func (c *Client) Disconnect(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodPost, "/api/v1/disconnect", nil, nil, &out)
	return out, err
}

// Retry restarts a failed session. A positive wait blocks until it settles.
func (c *Client) Retry(ctx context.Context, wait time.Duration) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodPost, "/api/v1/retry", waitQuery(wait), nil, &out)
	return out, err
}

// History returns recent sessions. A limit of 0 returns all of them.
func (c *Client) History(ctx context.Context, limit int) (HistoryList, error) {
	var out HistoryList
	err := c.do(ctx, http.MethodGet, "/api/v1/history", url.Values{"limit": {strconv.Itoa(limit)}}, nil, &out)
	return out, err
}

// StreamMessage is one decoded server-sent event. Exactly one field is set.
type StreamMessage struct {
	Status     *Status
	Transition *events.StatusEvent
}

// Stream follows the event stream, calling fn for each message until ctx
// is done, the server closes the stream or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(StreamMessage) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var name string
	var data []byte
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" && len(data) > 0 {
				msg, err := decodeMessage(name, data)
				if err != nil {
					return err
				}
				if err := fn(msg); err != nil {
					return err
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return scanner.Err()
}

func decodeMessage(name string, data []byte) (StreamMessage, error) {
	switch name {
	case eventStatus:
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			return StreamMessage{}, fmt.Errorf("decode status event: %w", err)
		}
		return StreamMessage{Status: &st}, nil
	case eventTransition:
		ev, err := decodeTransition(data)
		if err != nil {
			return StreamMessage{}, fmt.Errorf("decode transition event: %w", err)
		}
		return StreamMessage{Transition: &ev}, nil
	}
	return StreamMessage{}, fmt.Errorf("unknown event %q", name)
}
