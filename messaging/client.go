// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/souravsarkar1/chatsync/lib/clock"
	"github.com/souravsarkar1/chatsync/lib/netutil"
)

// Backend paths. Every call is a POST with a JSON body.
const (
	pathHistory       = "/conversation/get-all-message"
	pathSend          = "/conversation/add-new-message"
	pathMe            = "/user/me"
	pathConversations = "/user/get-all-friend"
)

// Credentials supplies the bearer token for each request and is told
// when the backend rejects it. *session.Session implements it.
type Credentials interface {
	// Token returns the current bearer token, or an error when the
	// credentials have already been invalidated.
	Token() (string, error)

	// Invalidate marks the credentials unusable. Called on every 401.
	Invalidate(reason error)
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the REST API root (e.g., "https://chat.example.com/api").
	BaseURL string
	// Credentials authenticates requests. Required.
	Credentials Credentials
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Clock stamps LocalCreatedAt on received messages. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client calls the chat backend's REST API.
type Client struct {
	baseURL     string
	credentials Credentials
	httpClient  *http.Client
	clock       clock.Clock
	logger      *slog.Logger
}

// NewClient creates a REST client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("messaging: BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: BaseURL %q must be http or https", config.BaseURL)
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("messaging: Credentials are required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		credentials: config.Credentials,
		httpClient:  httpClient,
		clock:       clk,
		logger:      logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's pool. The socket adapter calls this after a reconnect so
// the next request does not reuse a connection that died with the
// network.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

type historyRequest struct {
	ConversationID string `json:"conversationId"`
	Before         string `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type historyResponse struct {
	Data       []WireMessage `json:"data"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// FetchHistory returns one page of a conversation's history, oldest
// message first. The backend returns messages in storage order, which
// is not guaranteed to be timestamp order, so the page is sorted here.
//
// When the backend does not report a cursor, a full page (exactly
// Limit messages) yields the oldest message's ID as the next cursor and
// a short page yields none.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, options HistoryOptions) (*HistoryPage, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversation_id", Reason: "empty"}
	}

	var response historyResponse
	err := c.call(ctx, "history", pathHistory, historyRequest{
		ConversationID: conversationID,
		Before:         options.Before,
		Limit:          options.Limit,
	}, &response)
	if err != nil {
		return nil, err
	}

	receivedAt := c.clock.Now()
	messages := make([]Message, 0, len(response.Data))
	for _, wire := range response.Data {
		if wire.ID == "" {
			c.logger.Warn("dropping history entry without id",
				"conversation_id", conversationID,
			)
			continue
		}
		message := wire.Message(receivedAt)
		if message.ConversationID == "" {
			message.ConversationID = conversationID
		}
		messages = append(messages, message)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	page := &HistoryPage{Messages: messages, NextCursor: response.NextCursor}
	if page.NextCursor == "" && options.Limit > 0 && len(response.Data) >= options.Limit && len(messages) > 0 {
		page.NextCursor = messages[0].ID
	}
	return page, nil
}

type sendRequest struct {
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	SendingTime    time.Time `json:"sendingTime"`
	ClientID       string    `json:"clientId,omitempty"`
}

type sendResponse struct {
	Data WireMessage `json:"data"`
}

// SendMessage posts a message and returns the server's confirmed copy,
// with the server ID, timestamp, and the echoed ClientID. When the
// server omits the ClientID or the timestamp in its reply, they are
// filled in from the request.
func (c *Client) SendMessage(ctx context.Context, message OutgoingMessage) (Message, error) {
	if message.ConversationID == "" {
		return Message{}, &ValidationError{Field: "conversation_id", Reason: "empty"}
	}
	messageType := message.Type
	if messageType == "" {
		messageType = DefaultMessageType
	}
	sentAt := message.SentAt
	if sentAt.IsZero() {
		sentAt = c.clock.Now()
	}

	var response sendResponse
	err := c.call(ctx, "send", pathSend, sendRequest{
		ConversationID: message.ConversationID,
		Content:        message.Body,
		MessageType:    messageType,
		SendingTime:    sentAt.UTC(),
		ClientID:       message.ClientID,
	}, &response)
	if err != nil {
		return Message{}, err
	}
	if response.Data.ID == "" {
		return Message{}, &ServerError{Op: "send", StatusCode: http.StatusOK, Message: "response carries no message id"}
	}

	confirmed := response.Data.Message(c.clock.Now())
	if confirmed.ClientID == "" {
		confirmed.ClientID = message.ClientID
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = message.ConversationID
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = sentAt
	}
	if confirmed.Body == "" {
		confirmed.Body = message.Body
	}
	return confirmed, nil
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var response struct {
		User User `json:"user"`
	}
	if err := c.call(ctx, "me", pathMe, struct{}{}, &response); err != nil {
		return nil, err
	}
	if response.User.ID == "" {
		return nil, &ServerError{Op: "me", StatusCode: http.StatusOK, Message: "response carries no user"}
	}
	return &response.User, nil
}

type friendEntry struct {
	ConversationID string `json:"conversationId"`
	FriendDetails  User   `json:"friendDetails"`
	LastMessage    *struct {
		Text        string    `json:"text"`
		SendingTime time.Time `json:"sendingTime"`
	} `json:"lastMessage"`
}

// Conversations lists the local user's direct conversations. The
// backend models a conversation as a friendship, so each entry has
// exactly one participant: the peer. Entries without a conversation
// (friends who have never exchanged a message) are skipped. The result
// is ordered by LastActivity, newest first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var response struct {
		Friends []friendEntry `json:"friends"`
	}
	if err := c.call(ctx, "conversations", pathConversations, struct{}{}, &response); err != nil {
		return nil, err
	}

	conversations := make([]Conversation, 0, len(response.Friends))
	for _, entry := range response.Friends {
		if entry.ConversationID == "" {
			continue
		}
		peer := entry.FriendDetails
		conversation := Conversation{
			ID:   entry.ConversationID,
			Peer: &peer,
		}
		if peer.ID != "" {
			conversation.Participants = []string{peer.ID}
		}
		if entry.LastMessage != nil {
			conversation.LastActivity = entry.LastMessage.SendingTime
			conversation.LastMessageBody = entry.LastMessage.Text
		}
		conversations = append(conversations, conversation)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastActivity.After(conversations[j].LastActivity)
	})
	return conversations, nil
}

// errorBody is the backend's error shape. Different routes use either
// field.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// call POSTs requestBody to path and decodes a 2xx response into
// responseBody, translating every failure into the package's error
// taxonomy.
func (c *Client) call(ctx context.Context, op, path string, requestBody, responseBody any) error {
	token, err := c.credentials.Token()
	if err != nil {
		return &AuthError{Op: op, Err: err}
	}

	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("messaging: %s: encoding request: %w", op, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("messaging: %s: creating request: %w", op, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("messaging: %s: %w", op, ctxErr)
		}
		return &NetworkError{Op: op, Err: err}
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("messaging: %s: %w", op, ctxErr)
		}
		return &NetworkError{Op: op, Err: err}
	}

	if response.StatusCode == http.StatusUnauthorized {
		authErr := &AuthError{Op: op, Message: errorMessage(body)}
		c.logger.Warn("backend rejected credentials", "op", op)
		c.credentials.Invalidate(authErr)
		return authErr
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &ServerError{Op: op, StatusCode: response.StatusCode, Message: errorMessage(body)}
	}

	if err := json.Unmarshal(body, responseBody); err != nil {
		return &ServerError{
			Op:         op,
			StatusCode: response.StatusCode,
			Message:    fmt.Sprintf("decoding response: %v", err),
		}
	}
	return nil
}

// errorMessage extracts the error text from a response body, falling
// back to the raw body when it is not the expected JSON.
func errorMessage(body []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}
