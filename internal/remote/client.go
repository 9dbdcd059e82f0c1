// Package remote defines the contract with the remote clinical-data service
// and an HTTP implementation of it. Pushes carry an expected base version as
// an optimistic-concurrency precondition; all operations are idempotent on
// (resourceId, version) so a cancelled batch is safe to retry.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/savegress/chartsync/pkg/models"
)

// Resource is one pulled remote resource with its authoritative version.
type Resource struct {
	ResourceType models.ResourceType    `json:"resourceType"`
	ID           string                 `json:"id"`
	Fields       map[string]interface{} `json:"fields"`
	Version      int64                  `json:"version"`
	LastModified time.Time              `json:"lastModified"`
	Deleted      bool                   `json:"deleted,omitempty"`
}

// Client is the remote clinical-data service contract.
type Client interface {
	// Pull returns resources of a type changed since the given time.
	Pull(ctx context.Context, rt models.ResourceType, since time.Time) ([]Resource, error)
	// Get fetches one resource. Returns models.ErrNotFound when the remote
	// does not have it (including after a remote delete).
	Get(ctx context.Context, rt models.ResourceType, id string) (*Resource, error)
	// Push uploads a payload and returns the remote-confirmed version.
	// Returns a *models.PreconditionError when the remote advanced past
	// expectedBase.
	Push(ctx context.Context, rt models.ResourceType, id string, fields map[string]interface{}, expectedBase int64) (int64, error)
	// Delete removes a resource remotely under the same precondition rules.
	Delete(ctx context.Context, rt models.ResourceType, id string, expectedBase int64) error
}

// HTTPClient talks to the remote service over its REST surface.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPClient creates a remote client.
func NewHTTPClient(baseURL, authToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Pull fetches remote changes for a resource type.
func (c *HTTPClient) Pull(ctx context.Context, rt models.ResourceType, since time.Time) ([]Resource, error) {
	path := fmt.Sprintf("/%s?since=%s", url.PathEscape(string(rt)), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))

	var result struct {
		Resources []Resource `json:"resources"`
	}
	status, err := c.do(ctx, http.MethodGet, path, nil, &result)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: pull %s returned %d", models.ErrNetwork, rt, status)
	}
	return result.Resources, nil
}

// Get fetches a single remote resource.
func (c *HTTPClient) Get(ctx context.Context, rt models.ResourceType, id string) (*Resource, error) {
	path := fmt.Sprintf("/%s/%s", url.PathEscape(string(rt)), url.PathEscape(id))

	var res Resource
	status, err := c.do(ctx, http.MethodGet, path, nil, &res)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		return &res, nil
	case status == http.StatusNotFound:
		return nil, models.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, fmt.Errorf("%w: get %s/%s returned %d", models.ErrAuthorization, rt, id, status)
	default:
		return nil, fmt.Errorf("%w: get %s/%s returned %d", models.ErrNetwork, rt, id, status)
	}
}

// Push uploads a resource version.
func (c *HTTPClient) Push(ctx context.Context, rt models.ResourceType, id string, fields map[string]interface{}, expectedBase int64) (int64, error) {
	path := fmt.Sprintf("/%s/%s", url.PathEscape(string(rt)), url.PathEscape(id))
	body := map[string]interface{}{
		"fields":              fields,
		"expectedBaseVersion": expectedBase,
	}

	var result struct {
		Version int64 `json:"version"`
	}
	status, err := c.do(ctx, http.MethodPut, path, body, &result)
	if err != nil {
		return 0, err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return result.Version, nil
	case status == http.StatusPreconditionFailed || status == http.StatusConflict:
		return 0, &models.PreconditionError{
			Key:           models.ResourceKey{Type: rt, ID: id},
			ExpectedBase:  expectedBase,
			RemoteVersion: result.Version,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return 0, fmt.Errorf("%w: push %s/%s returned %d", models.ErrAuthorization, rt, id, status)
	default:
		return 0, fmt.Errorf("%w: push %s/%s returned %d", models.ErrNetwork, rt, id, status)
	}
}

// Delete removes a resource remotely.
func (c *HTTPClient) Delete(ctx context.Context, rt models.ResourceType, id string, expectedBase int64) error {
	path := fmt.Sprintf("/%s/%s?expectedBaseVersion=%d", url.PathEscape(string(rt)), url.PathEscape(id), expectedBase)

	var result struct {
		Version int64 `json:"version"`
	}
	status, err := c.do(ctx, http.MethodDelete, path, nil, &result)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound:
		// A remote 404 means the delete already applied; idempotent.
		return nil
	case status == http.StatusPreconditionFailed || status == http.StatusConflict:
		return &models.PreconditionError{
			Key:           models.ResourceKey{Type: rt, ID: id},
			ExpectedBase:  expectedBase,
			RemoteVersion: result.Version,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: delete %s/%s returned %d", models.ErrAuthorization, rt, id, status)
	default:
		return fmt.Errorf("%w: delete %s/%s returned %d", models.ErrNetwork, rt, id, status)
	}
}
