// Package remote is the HTTP client for the platform's sync and entity API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/models"
)

// ClientIDHeader carries the client identifier on every request.
const ClientIDHeader = "X-Client-ID"

// maxErrorBody caps how much of a failed response is kept.
const maxErrorBody = 4096

// HTTPError is returned for a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client talks to the remote API.
type Client struct {
	BaseURL  string
	ClientID string
	HTTP     *http.Client
}

// NewClient creates a Client. A nil httpClient gets a 30 second timeout.
func NewClient(baseURL, clientID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		ClientID: clientID,
		HTTP:     httpClient,
	}
}

// EntityPath returns the REST collection path of entity.
func EntityPath(entity models.EntityType) string {
	return apiPrefix + entity.Table()
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "encode request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ClientID != "" {
		req.Header.Set(ClientIDHeader, c.ClientID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSyncTransport, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrSyncTransport, "decode "+path+" response", err)
	}
	return nil
}

// Push sends one batch of operations.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if req.ClientID == "" {
		req.ClientID = c.ClientID
	}
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, PushPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the server's sync status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, StatusPath, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateEntity posts rec directly to the entity collection.
func (c *Client) CreateEntity(ctx context.Context, entity models.EntityType, rec *models.Record) (*models.Record, error) {
	var out models.Record
	if err := c.do(ctx, http.MethodPost, EntityPath(entity), rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateEntity puts rec to its entity resource.
func (c *Client) UpdateEntity(ctx context.Context, entity models.EntityType, rec *models.Record) (*models.Record, error) {
	var out models.Record
	path := EntityPath(entity) + "/" + url.PathEscape(rec.ID)
	if err := c.do(ctx, http.MethodPut, path, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteEntity deletes an entity resource.
func (c *Client) DeleteEntity(ctx context.Context, entity models.EntityType, id string) error {
	return c.do(ctx, http.MethodDelete, EntityPath(entity)+"/"+url.PathEscape(id), nil, nil)
}

// ListEntities fetches the entity collection. Both a bare array and an
// object with a data array are accepted.
func (c *Client) ListEntities(ctx context.Context, entity models.EntityType) ([]*models.Record, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, EntityPath(entity), nil, &raw); err != nil {
		return nil, err
	}

	var records []*models.Record
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, errors.Wrap(errors.ErrSyncTransport, "decode entity list", err)
		}
		return records, nil
	}

	var envelope struct {
		Data []*models.Record `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransport, "decode entity list", err)
	}
	return envelope.Data, nil
}
