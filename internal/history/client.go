// Package history fetches message pages from the REST fallback endpoint:
// initial load, backward pagination, and delta resync after a reconnect.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/morada-app/chatsync/internal/protocol"
	"go.uber.org/zap"
)

// FetchError reports a failed history request. It is surfaced once and
// retried only on explicit user action, never silently in a loop.
type FetchError struct {
	ConversationID string
	StatusCode     int
	Err            error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("history fetch for conversation %s: %v", e.ConversationID, e.Err)
	}
	return fmt.Sprintf("history fetch for conversation %s: status %d", e.ConversationID, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Page is one ordered slice of history plus the pagination flag.
type Page struct {
	Messages []protocol.Message `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

// Client talks to GET /conversations/{id}/messages.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a history client. token is the opaque bearer credential
// supplied by the external auth component.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Before fetches up to limit messages created strictly before the given
// timestamp: backward pagination. A zero timestamp fetches the newest page.
func (c *Client) Before(ctx context.Context, conversationID string, before int64, limit int) (*Page, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	q.Set("limit", strconv.Itoa(limit))
	return c.fetch(ctx, conversationID, q)
}

// After fetches messages created after the given timestamp: delta resync.
func (c *Client) After(ctx context.Context, conversationID string, after int64, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(limit))
	return c.fetch(ctx, conversationID, q)
}

func (c *Client) fetch(ctx context.Context, conversationID string, q url.Values) (*Page, error) {
	u := fmt.Sprintf("%s/conversations/%s/messages?%s", c.baseURL, url.PathEscape(conversationID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{ConversationID: conversationID, Err: err}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{ConversationID: conversationID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{ConversationID: conversationID, StatusCode: resp.StatusCode}
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &FetchError{ConversationID: conversationID, Err: fmt.Errorf("decode page: %w", err)}
	}

	c.logger.Debug("history page fetched",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(page.Messages)),
		zap.Bool("has_more", page.HasMore))
	return &page, nil
}
