package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a running daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{base: "http://unix", http: &http.Client{Transport: transport}}
}

// NewClientURL returns a client for a daemon API served at baseURL.
func NewClientURL(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out ConversationsResponse
	err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &out)
	return out.Conversations, err
}

func (c *Client) Presence(ctx context.Context) ([]Presence, error) {
	var out PresenceResponse
	err := c.do(ctx, http.MethodGet, "/v1/presence", nil, &out)
	return out.Presence, err
}

func (c *Client) Messages(ctx context.Context) (MessagesResponse, error) {
	var out MessagesResponse
	err := c.do(ctx, http.MethodGet, "/v1/messages", nil, &out)
	return out, err
}

func (c *Client) Select(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/v1/select", SelectRequest{ConversationID: conversationID}, nil)
}

func (c *Client) Focus(ctx context.Context, foreground bool) error {
	return c.do(ctx, http.MethodPost, "/v1/focus", FocusRequest{Foreground: foreground}, nil)
}

func (c *Client) Retry(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/retry", nil, nil)
}

func (c *Client) MarkSent(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/sent", nil, nil)
}

// Watch streams daemon events to fn until ctx is cancelled, fn returns an
// error, or the daemon closes the stream.
func (c *Client) Watch(ctx context.Context, fn func(Envelope) error) error {
	url := "ws" + strings.TrimPrefix(c.base, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(env); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
			apiErr.Code, apiErr.Message = er.Code, er.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
