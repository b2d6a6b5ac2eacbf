package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/statesync/internal/state"
)

const defaultUserAgent = "statesync/0.1"

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 << 10

// Client is an HTTP client for the entity server. It handles request
// construction, session headers and error classification. Every call is
// attempted exactly once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a client for the server at baseURL, for example
// "http://localhost:8080/api". An empty userAgent uses the default.
func NewClient(baseURL string, httpClient *http.Client, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// Push sends the full ordered commit log of one entity.
func (c *Client) Push(ctx context.Context, cmd state.PushCommand, sessionID string) (*PushResult, error) {
	body := PushRequest{ID: cmd.ID, VersionID: cmd.VersionID, Operations: cmd.Operations}

	var res PushResult
	if err := c.call(ctx, http.MethodPost, entityPath(cmd.EntityName, "push"), sessionID, body, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Pull asks for the changes after q.VersionID.
func (c *Client) Pull(ctx context.Context, q PullQuery, sessionID string) (*PullResult, error) {
	var res PullResult
	if err := c.call(ctx, http.MethodPost, entityPath(q.EntityName, "pull"), sessionID, q, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Delete removes an entity on the server.
func (c *Client) Delete(ctx context.Context, cmd DeleteCommand, sessionID string) error {
	return c.call(ctx, http.MethodDelete, entityPath(cmd.EntityName, cmd.ID), sessionID, nil, nil)
}

// Login authenticates and returns the issued session.
func (c *Client) Login(ctx context.Context, cmd LoginCommand, sessionID string) (*LoginResult, error) {
	var res LoginResult
	if err := c.call(ctx, http.MethodPost, entityPath(cmd.EntityName, "login"), sessionID, cmd, &res); err != nil {
		return nil, err
	}

	if res.Session == nil {
		return nil, &Error{
			Kind:    state.ErrorOther,
			Message: "login response has no session",
			Err:     ErrOther,
		}
	}

	return &res, nil
}

// Logout ends the session on the server.
func (c *Client) Logout(ctx context.Context, cmd LogoutCommand, sessionID string) error {
	return c.call(ctx, http.MethodPost, entityPath(cmd.EntityName, "logout"), sessionID, cmd, nil)
}

func entityPath(entityName, action string) string {
	return "/" + url.PathEscape(entityName) + "/" + url.PathEscape(action)
}

// call sends in as JSON (when non-nil) and decodes a 2xx body into out
// (when non-nil). Failures are returned as *Error.
func (c *Client) call(ctx context.Context, method, path, sessionID string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: encoding %s %s: %w", method, path, err)
		}

		body = bytes.NewReader(data)
	}

	resp, err := c.Do(ctx, method, path, sessionID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A truncated body is a transport failure, anything else a broken
		// server.
		if ctx.Err() != nil {
			return NetworkError(ctx.Err())
		}

		return &Error{
			Kind:       state.ErrorOther,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("decoding response: %v", err),
			Err:        ErrOther,
			Cause:      err,
		}
	}

	return nil
}

// Do executes one HTTP request. The path is appended to the base URL.
// The caller closes the response body on success; non-2xx responses are
// consumed and returned as *Error.
func (c *Client) Do(ctx context.Context, method, path, sessionID string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if sessionID != "" {
		req.Header.Set("Authorization", "Session "+sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil, NetworkError(err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	defer resp.Body.Close()

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		return nil, NetworkError(readErr)
	}

	var eb ErrorBody
	if jsonErr := json.Unmarshal(errBody, &eb); jsonErr != nil {
		eb = ErrorBody{Message: strings.TrimSpace(string(errBody))}
	}

	remoteErr := newError(resp.StatusCode, eb)

	c.logger.Debug("request rejected",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("kind", string(remoteErr.Kind)),
	)

	return nil, remoteErr
}
