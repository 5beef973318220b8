// Package remote implements domain.RemoteStore over the relay server's HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/domain"
)

// Client is the remote store as seen by the user owning the bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ domain.RemoteStore = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusUpdateRequest struct {
	Status domain.Status `json:"status"`
}

type markReadRequest struct {
	At time.Time `json:"at"`
}

func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) (domain.ConversationPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page domain.ConversationPage
	err := c.do(ctx, http.MethodGet, "/api/conversations", q, nil, &page)
	return page, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, before domain.Cursor, limit int) (domain.MessagePage, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.CreatedAt.UTC().Format(time.RFC3339Nano))
		if before.ID != "" {
			q.Set("before_id", before.ID)
		}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page domain.MessagePage
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), q, nil, &page)
	return page, err
}

func (c *Client) InsertMessage(ctx context.Context, in domain.NewMessage) (domain.MessageRow, error) {
	var row domain.MessageRow
	err := c.do(ctx, http.MethodPost, conversationPath(in.ConversationID, "messages"), nil, in, &row)
	return row, err
}

func (c *Client) UpdateStatus(ctx context.Context, conversationID, messageID string, status domain.Status) error {
	path := conversationPath(conversationID, "messages", messageID, "status")
	return c.do(ctx, http.MethodPost, path, nil, statusUpdateRequest{Status: status}, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, at time.Time) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, markReadRequest{At: at}, nil)
}

func (c *Client) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	var conv domain.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", nil, in, &conv)
	return conv, err
}

func conversationPath(conversationID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/conversations/")
	b.WriteString(url.PathEscape(conversationID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %v: %w", method, path, err, domain.ErrInvalidArgument)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %v: %w", method, path, err, domain.ErrInvalidArgument)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", method, path, decodeError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %v: %w", method, path, err, domain.ErrTransient)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

// decodeError maps an HTTP error response onto the error taxonomy.
func decodeError(resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
	}
	if eb.Error == "" {
		eb.Error = resp.Status
	}
	return &StatusError{Code: resp.StatusCode, Message: eb.Error}
}

// StatusError is a non-2xx response of the relay server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Unwrap returns the sentinel the status code stands for.
func (e *StatusError) Unwrap() error {
	return SentinelFor(e.Code)
}

// SentinelFor maps an HTTP status code to the error taxonomy.
func SentinelFor(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case code == http.StatusForbidden, code == http.StatusNotFound:
		return domain.ErrNotFound
	case code == http.StatusConflict:
		return domain.ErrConflict
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return domain.ErrTransient
	case code >= 400:
		return domain.ErrInvalidArgument
	}
	return errors.New(http.StatusText(code))
}
