package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the external training service API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new training service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}
}

type trainRequest struct {
	Train  Dataset `json:"train"`
	Val    Dataset `json:"val"`
	Config Config  `json:"config"`
}

type saveResponse struct {
	ArtifactPath string `json:"artifact_path"`
}

// Train submits both splits to the training service and blocks until it
// reports accuracies for the fitted model.
func (c *Client) Train(ctx context.Context, train, val Dataset, cfg Config) (*Result, error) {
	body, err := json.Marshal(trainRequest{Train: train, Val: val, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/train", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("trainer returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

// Save asks the training service to export the model and returns the
// artifact location on shared storage.
func (c *Client) Save(ctx context.Context, handle string) (string, error) {
	url := fmt.Sprintf("%s/api/v1/models/%s/save", c.baseURL, handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("trainer returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result saveResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return result.ArtifactPath, nil
}
