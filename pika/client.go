package pika

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/samber/lo"

	pikaerrors "github.com/pikachat/pikachat/internal/errors"
)

// defaultHTTPTimeout bounds every request/response call. The source
// behavior had no timeout; a bounded error beats a hang.
const defaultHTTPTimeout = 30 * time.Second

// Client talks to the chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the given base URL.
// If httpClient is nil, a client with a 30s timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// do sends a JSON request and decodes the response into result.
// A 401 maps to ErrUnauthorized; any other network or non-2xx failure
// wraps ErrTransport so callers can branch on the error kind.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %v", pikaerrors.ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %v", pikaerrors.ErrTransport, endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", pikaerrors.ErrUnauthorized, endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: API %s (%d): %s", pikaerrors.ErrTransport, endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: API %s returned status %d", pikaerrors.ErrTransport, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// Login authenticates with email and password, returning the identity
// pair the session store persists.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	req := LoginRequest{
		Email:    email,
		Password: password,
	}

	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", "", req, &resp); err != nil {
		// A 401 here means the credentials were wrong, not that a
		// previously issued token went stale.
		if errors.Is(err, pikaerrors.ErrUnauthorized) {
			return nil, fmt.Errorf("logging in: %w", pikaerrors.ErrInvalidCredentials)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &resp, nil
}

// Signup registers a new account and returns a fresh session identity.
func (c *Client) Signup(ctx context.Context, username, email, password string) (*LoginResponse, error) {
	req := SignupRequest{
		Username: username,
		Email:    email,
		Password: password,
	}

	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/register", "", req, &resp); err != nil {
		return nil, fmt.Errorf("signing up: %w", err)
	}

	return &resp, nil
}

// Messages fetches the full message backlog for a conversation in a
// single call. The result is a complete snapshot at the time of the
// call, ordered by (createdAt, id) regardless of server ordering.
func (c *Client) Messages(ctx context.Context, key ConversationKey, token string) ([]Message, error) {
	endpoint := fmt.Sprintf("/messages/%d/%d", key.LocalUserID, key.PeerID)

	var msgs []Message
	if err := c.do(ctx, http.MethodGet, endpoint, token, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].less(msgs[j]) })

	return msgs, nil
}

// SendMessage posts a message over request/response. This is the
// background-reply path; foreground sends go over the socket. The
// explicit sender id is required because no live session exists for
// the server to infer it from.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/messages", "", req, &msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &msg, nil
}

// RegisterPushToken posts the device push token for the given user.
func (c *Client) RegisterPushToken(ctx context.Context, userID int64, deviceToken string) error {
	req := PushTokenRequest{
		UserID: userID,
		Token:  deviceToken,
	}

	if err := c.do(ctx, http.MethodPost, "/update-push-token", "", req, nil); err != nil {
		return fmt.Errorf("registering push token: %w", err)
	}

	return nil
}

// UpdateLocation reports the device position so the user shows up in
// other users' nearby listings.
func (c *Client) UpdateLocation(ctx context.Context, token string, loc LocationRequest) error {
	if err := c.do(ctx, http.MethodPost, "/update-location", token, loc, nil); err != nil {
		return fmt.Errorf("updating location: %w", err)
	}

	return nil
}

// NearbyUsers returns the peers near the given user, closest first.
// The local user is filtered out in case the server includes it.
func (c *Client) NearbyUsers(ctx context.Context, userID int64) ([]NearbyUser, error) {
	endpoint := fmt.Sprintf("/nearby-users/%d", userID)

	var users []NearbyUser
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &users); err != nil {
		return nil, fmt.Errorf("fetching nearby users: %w", err)
	}

	users = lo.Filter(users, func(u NearbyUser, _ int) bool { return u.ID != userID })
	sort.Slice(users, func(i, j int) bool { return users[i].Distance < users[j].Distance })

	return users, nil
}
