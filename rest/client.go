// Package rest fetches chat history and conversations from the REST api.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

// max response body bytes kept in a StatusError.
const errorBodyLimit = 512

// StatusError is a non-200 answer.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client calls the chat REST api. The http client's transport is expected to add
// credentials, normally an *auth.Transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// GetMessages returns the stored backlog of a conversation, in server order.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]*chat.Message, error) {
	q := url.Values{"conversationId": {conversationID}}
	var out []*chat.Message
	if err := c.get(ctx, "get messages", "/api/messages/get?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	glog.V(5).Infof("rest: got %d messages of conversation %s", len(out), conversationID)
	return out, nil
}

// GetConversation returns a conversation as seen by userID.
func (c *Client) GetConversation(ctx context.Context, conversationID, userID string) (*chat.Conversation, error) {
	path := fmt.Sprintf("/api/conversations/get/%s/%s", url.PathEscape(conversationID), url.PathEscape(userID))
	var out chat.Conversation
	if err := c.get(ctx, "get conversation", path, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("rest: get conversation %s: %w", conversationID, err)
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, op, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("rest: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("rest: %s: decode response: %w", op, err)
	}
	return nil
}
