// Package directory provides implementations of the identity/org
// collaborator the resolver queries for current position and role holders.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Client is an HTTP directory backed by an external identity service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a Client for the identity service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

func (c *Client) holders(ctx context.Context, path string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("directory returned %d for %s", resp.StatusCode, path)
	}
	var out struct {
		Holders []string `json:"holders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Holders, nil
}

// PositionHolders returns the actor ids currently holding the position.
func (c *Client) PositionHolders(ctx context.Context, positionID string) ([]string, error) {
	return c.holders(ctx, "/positions/"+url.PathEscape(positionID)+"/holders")
}

// RoleHolders returns the actor ids currently assigned the role.
func (c *Client) RoleHolders(ctx context.Context, roleID string) ([]string, error) {
	return c.holders(ctx, "/roles/"+url.PathEscape(roleID)+"/holders")
}

// Static is a fixed in-memory directory for demos and tests.
type Static struct {
	Positions map[string][]string
	Roles     map[string][]string
}

func (s *Static) PositionHolders(ctx context.Context, positionID string) ([]string, error) {
	return s.Positions[positionID], nil
}

func (s *Static) RoleHolders(ctx context.Context, roleID string) ([]string, error) {
	return s.Roles[roleID], nil
}
