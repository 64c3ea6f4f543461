package vast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when the marketplace has no record of an instance.
var ErrNotFound = fmt.Errorf("instance not found")

// Client talks to a vast.ai style marketplace REST API. The API key is
// attached to every request and must never appear in logs or errors.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a marketplace client with sane defaults.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create marketplace request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// SearchOffers queries the marketplace for offers matching the query,
// ordered by the server however it pleases; callers sort.
func (c *Client) SearchOffers(ctx context.Context, query SearchQuery) ([]Offer, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal search query: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v0/search/offers", body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("search offers failed: %s", strings.TrimSpace(string(payload)))
	}

	var out struct {
		Offers []Offer `json:"offers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode offers: %w", err)
	}
	return out.Offers, nil
}

// CreateInstance rents the given offer and returns the new instance contract id.
func (c *Client) CreateInstance(ctx context.Context, req CreateRequest) (int64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal create request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v0/asks/%d/", req.OfferID), body)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("create instance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("create instance failed: %s", strings.TrimSpace(string(payload)))
	}

	var out struct {
		Success     bool  `json:"success"`
		NewContract int64 `json:"new_contract"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode create response: %w", err)
	}
	if out.NewContract == 0 {
		return 0, fmt.Errorf("create instance: marketplace returned no contract id")
	}
	return out.NewContract, nil
}

// ListInstances returns every instance owned by the credential.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v0/instances", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("list instances failed: %s", strings.TrimSpace(string(payload)))
	}

	var out struct {
		Instances []Instance `json:"instances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode instances: %w", err)
	}
	return out.Instances, nil
}

// Instance fetches the current state of a single rented instance.
func (c *Client) Instance(ctx context.Context, id int64) (Instance, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v0/instances/%d", id), nil)
	if err != nil {
		return Instance{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Instance{}, fmt.Errorf("get instance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Instance{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Instance{}, fmt.Errorf("get instance failed: %s", strings.TrimSpace(string(payload)))
	}

	var out struct {
		Instance Instance `json:"instances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Instance{}, fmt.Errorf("decode instance: %w", err)
	}
	return out.Instance, nil
}

// DestroyInstance releases a rented instance so billing stops. Destroying an
// instance the marketplace no longer knows about is treated as success.
func (c *Client) DestroyInstance(ctx context.Context, id int64) error {
	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/v0/instances/%d/", id), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("destroy instance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("destroy instance failed: %s", strings.TrimSpace(string(payload)))
	}
	return nil
}
