// Package remote provides the HTTP client for the ticket server API:
// paginated fetch of updated tickets, single-ticket fetch, create and
// update, plus project metadata.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APITicket is a ticket as represented on the wire: identity at the top
// level, everything else nested under "fields".
type APITicket struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// SearchResult is one page of a paginated ticket search.
type SearchResult struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Tickets    []APITicket `json:"tickets"`
}

// ProjectMeta describes a project's creation options as reported by the
// server. It is refreshed on every pull because it drives validation of
// locally created tickets.
type ProjectMeta struct {
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	IssueTypes []string `json:"issueTypes"`
	Priorities []string `json:"priorities"`
}

// CreateResult is the server's acknowledgment of a created ticket.
type CreateResult struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// APIError is a non-2xx response from the ticket server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ticket API error: status %d - %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for one ticket server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the server at baseURL, authenticating with a
// bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request with authentication headers set.
func (c *Client) doRequest(method, requestURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// GetProjectMeta fetches a project's creation options.
func (c *Client) GetProjectMeta(projectKey string) (*ProjectMeta, error) {
	requestURL := fmt.Sprintf("%s/api/project/%s", c.baseURL, url.PathEscape(projectKey))

	resp, err := c.doRequest("GET", requestURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var meta ProjectMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode project meta: %w", err)
	}
	return &meta, nil
}

// SearchUpdated fetches one page of tickets in a project updated since
// the given watermark. An empty watermark means "from the beginning".
func (c *Client) SearchUpdated(projectKey, since string, startAt, maxResults int) (*SearchResult, error) {
	params := url.Values{}
	params.Set("project", projectKey)
	if since != "" {
		params.Set("since", since)
	}
	params.Set("startAt", strconv.Itoa(startAt))
	params.Set("maxResults", strconv.Itoa(maxResults))
	requestURL := fmt.Sprintf("%s/api/search?%s", c.baseURL, params.Encode())

	resp, err := c.doRequest("GET", requestURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search result: %w", err)
	}
	return &result, nil
}

// GetTicket fetches a single ticket by key.
func (c *Client) GetTicket(key string) (*APITicket, error) {
	requestURL := fmt.Sprintf("%s/api/ticket/%s", c.baseURL, url.PathEscape(key))

	resp, err := c.doRequest("GET", requestURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var ticket APITicket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return &ticket, nil
}

// CreateTicket submits a new ticket's fields and returns the
// server-assigned identity.
func (c *Client) CreateTicket(fields map[string]any) (*CreateResult, error) {
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create payload: %w", err)
	}

	resp, err := c.doRequest("POST", c.baseURL+"/api/ticket", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result CreateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode create result: %w", err)
	}
	return &result, nil
}

// UpdateTicket submits changed fields for an existing ticket.
func (c *Client) UpdateTicket(key string, fields map[string]any) error {
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return fmt.Errorf("failed to marshal update payload: %w", err)
	}

	requestURL := fmt.Sprintf("%s/api/ticket/%s", c.baseURL, url.PathEscape(key))
	resp, err := c.doRequest("PUT", requestURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}
