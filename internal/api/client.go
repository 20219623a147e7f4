package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"geoimport-desktop/internal/models"
)

// Client talks to the ingestion backend REST API.
// It never retries: every transport or HTTP failure is returned to the caller.
type Client struct {
	baseURL string
	http    *resty.Client
	names   *nameCache
}

// NewClient creates a client authenticating with a bearer token
func NewClient(baseURL, token string, cacheSize int) *Client {
	if cacheSize <= 0 {
		cacheSize = 1000
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		names:   newNameCache(cacheSize),
	}

	client.http = resty.New().
		SetHeader("User-Agent", "geoimport-desktop").
		SetHeader("Accept", "application/json").
		SetTimeout(120 * time.Second)

	if token != "" {
		client.http.SetAuthToken(token)
	}

	return client
}

// SetTimeout allows customizing the timeout for all requests
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

// ActionStatus retrieves the status of one asynchronous action
func (c *Client) ActionStatus(ctx context.Context, sessionID, token string) (*models.ActionStatus, error) {
	endpoint := fmt.Sprintf("api/sessions/%s/actions/%s/status", url.PathEscape(sessionID), url.PathEscape(token))

	var status models.ActionStatus
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StartAction asks the backend to start a batch job and returns its action token
func (c *Client) StartAction(ctx context.Context, sessionID, kind string, payload interface{}) (string, error) {
	endpoint := fmt.Sprintf("api/sessions/%s/actions", url.PathEscape(sessionID))
	body := map[string]interface{}{
		"kind":    kind,
		"payload": payload,
	}

	var result struct {
		Action string `json:"action"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint, nil, body, &result); err != nil {
		return "", err
	}
	if result.Action == "" {
		return "", fmt.Errorf("backend returned no action token for %q", kind)
	}
	return result.Action, nil
}

// EntityPage fetches the rows in the inclusive index range [start, stop].
// The final page may hold fewer rows than requested.
func (c *Client) EntityPage(ctx context.Context, sessionID string, start, stop int) ([]models.EntityRow, error) {
	endpoint := fmt.Sprintf("api/sessions/%s/entities", url.PathEscape(sessionID))
	params := map[string]string{
		"start": strconv.Itoa(start),
		"stop":  strconv.Itoa(stop),
	}

	var page models.EntityPage
	if err := c.do(ctx, http.MethodGet, endpoint, params, nil, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

// EntityIDs fetches the ordered id list and aggregate metadata of a session's entities
func (c *Client) EntityIDs(ctx context.Context, sessionID string) (*models.EntityIndex, error) {
	endpoint := fmt.Sprintf("api/sessions/%s/entities/ids", url.PathEscape(sessionID))

	var index models.EntityIndex
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &index); err != nil {
		return nil, err
	}
	if index.Total == 0 && len(index.IDs) > 0 {
		index.Total = len(index.IDs)
	}
	return &index, nil
}

// PersistLevels stores new levels for the given files
func (c *Client) PersistLevels(ctx context.Context, sessionID string, levels map[string]string) error {
	endpoint := fmt.Sprintf("api/sessions/%s/files/levels", url.PathEscape(sessionID))
	body := map[string]interface{}{"levels": levels}
	return c.do(ctx, http.MethodPatch, endpoint, nil, body, nil)
}

// RemoveFile deletes an uploaded file from the session
func (c *Client) RemoveFile(ctx context.Context, sessionID, fileID string) error {
	endpoint := fmt.Sprintf("api/sessions/%s/files/%s", url.PathEscape(sessionID), url.PathEscape(fileID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// SaveStep stores the form state of one wizard step
func (c *Client) SaveStep(ctx context.Context, sessionID, step string, payload interface{}) error {
	endpoint := fmt.Sprintf("api/sessions/%s/steps/%s", url.PathEscape(sessionID), url.PathEscape(step))
	return c.do(ctx, http.MethodPut, endpoint, nil, payload, nil)
}

// EntityName retrieves the display name of an entity (with caching).
// Falls back to the numeric id when the lookup fails.
func (c *Client) EntityName(ctx context.Context, sessionID string, entityID int64) string {
	key := nameKey{session: sessionID, id: entityID}
	if name, ok := c.names.get(key); ok {
		return name
	}

	fallback := strconv.FormatInt(entityID, 10)
	endpoint := fmt.Sprintf("api/sessions/%s/entities/%d", url.PathEscape(sessionID), entityID)

	var result struct {
		Name string `json:"name"`
		Code string `json:"code"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, map[string]string{"fields": "name,code"}, nil, &result); err != nil {
		c.names.put(key, fallback)
		return fallback
	}

	name := result.Name
	if name == "" {
		name = result.Code
	}
	if name == "" {
		name = fallback
	}

	c.names.put(key, name)
	return name
}

// ForgetSession drops cached names of a session, e.g. after the session was reset
func (c *Client) ForgetSession(sessionID string) {
	c.names.dropSession(sessionID)
}

// Ping checks that the backend is reachable and the token is accepted
func (c *Client) Ping(ctx context.Context) (string, error) {
	var me struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "api/me", nil, nil, &me); err != nil {
		return "", err
	}
	if me.DisplayName != "" {
		return me.DisplayName, nil
	}
	return me.Username, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.http.R().SetContext(ctx)
}

// do executes a request and decodes a JSON body into out.
// Any status >= 400 becomes an *HTTPError.
func (c *Client) do(ctx context.Context, method, endpoint string, params map[string]string, body, out interface{}) error {
	req := c.request(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, c.buildURL(endpoint))
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, endpoint, err)
	}

	if resp.StatusCode() >= 400 {
		return &HTTPError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode(),
			Body:       strings.TrimSpace(resp.String()),
		}
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	return nil
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
