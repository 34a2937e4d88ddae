// Package api is the typed HTTP client of the persistence service. It is
// the only way the room engine talks to the backend of record; every call
// returns a typed record or an *Error carrying the HTTP status, so
// callers can distinguish a stale-entity 404 from a real failure without
// matching on message text.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vtt/internal/table"
)

// Error is a failed service call.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("service: %s (status %d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a not-found service response. The
// mutation coordinator treats these as expected races, not failures.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to the persistence service.
type Client struct {
	base string
	http *http.Client
}

// New returns a Client for the service at base, e.g. "http://localhost:8080".
func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateTable creates a new table.
func (c *Client) CreateTable(ctx context.Context, name string) (*table.Table, error) {
	var tbl table.Table
	err := c.do(ctx, http.MethodPost, "/tables", map[string]string{"name": name}, &tbl)
	if err != nil {
		return nil, err
	}
	return &tbl, nil
}

// GetTable fetches a table by id.
func (c *Client) GetTable(ctx context.Context, tableID int64) (*table.Table, error) {
	var tbl table.Table
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tables/%d", tableID), nil, &tbl); err != nil {
		return nil, err
	}
	return &tbl, nil
}

// ListTables lists all tables.
func (c *Client) ListTables(ctx context.Context) ([]table.Table, error) {
	var tables []table.Table
	if err := c.do(ctx, http.MethodGet, "/tables", nil, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// DeleteTable removes a table and everything on it.
func (c *Client) DeleteTable(ctx context.Context, tableID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tables/%d", tableID), nil, nil)
}

// Snapshot fetches the complete table state used to seed a session.
func (c *Client) Snapshot(ctx context.Context, tableID int64) (table.Snapshot, error) {
	var snap table.Snapshot
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tables/%d/snapshot", tableID), nil, &snap); err != nil {
		return table.Snapshot{}, err
	}
	if snap.Tokens == nil {
		snap.Tokens = map[string]table.Token{}
	}
	return snap, nil
}

// CreateToken asks the service to mint a token. The id in the returned
// token is the only identity the token will ever have.
func (c *Client) CreateToken(ctx context.Context, tableID int64, name string, x, y float64, color string) (*table.Token, error) {
	payload := map[string]any{"name": name, "x": x, "y": y}
	if color != "" {
		payload["color"] = color
	}
	var tok table.Token
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tables/%d/tokens", tableID), payload, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// UpdateToken applies a partial update to a token.
func (c *Client) UpdateToken(ctx context.Context, tableID int64, tokenID string, upd table.TokenUpdate) (*table.Token, error) {
	var tok table.Token
	path := fmt.Sprintf("/tables/%d/tokens/%s", tableID, tokenID)
	if err := c.do(ctx, http.MethodPatch, path, upd, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// DeleteToken removes a token.
func (c *Client) DeleteToken(ctx context.Context, tableID int64, tokenID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tables/%d/tokens/%s", tableID, tokenID), nil, nil)
}

// Roll submits a dice expression; the service rolls it, appends the
// result to the table chat and returns the stored chat entry.
func (c *Client) Roll(ctx context.Context, tableID int64, expression, user string) (*table.ChatMessage, error) {
	payload := map[string]string{"expression": expression}
	if user != "" {
		payload["user"] = user
	}
	var msg table.ChatMessage
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tables/%d/rolls", tableID), payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Chat fetches the chat log in insertion order.
func (c *Client) Chat(ctx context.Context, tableID int64) ([]table.ChatMessage, error) {
	var chat []table.ChatMessage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tables/%d/chat", tableID), nil, &chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// SendChat appends a text message to the table chat.
func (c *Client) SendChat(ctx context.Context, tableID int64, message, user string) (*table.ChatMessage, error) {
	payload := map[string]string{"message": message}
	if user != "" {
		payload["user"] = user
	}
	var msg table.ChatMessage
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tables/%d/chat", tableID), payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
