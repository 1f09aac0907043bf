package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
)

const maxResponseBytes = 32 << 20

// Client talks to a remote batch recognition API.
// Thread-safe for concurrent use.
//
// POST {api}/batches      submits items and returns {"batch_id": ...}
// GET  {api}/batches/{id} returns the batch status and per-item results
type Client struct {
	config       *Config
	httpClient   *http.Client
	baseURL      string
	submitSchema *jsonschema.Schema
	pollSchema   *jsonschema.Schema
}

var _ Provider = (*Client)(nil)

// NewClient creates a batch client with the given configuration.
//
// Example:
//
//	client, err := recognition.NewClient(&recognition.Config{
//		APIURL:  "https://ocr.example.com/v1",
//		Timeout: 30 * time.Second,
//	})
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	submit, err := compileSchema(submitSchema)
	if err != nil {
		return nil, err
	}
	poll, err := compileSchema(pollSchema)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		baseURL:      strings.TrimRight(config.APIURL, "/"),
		submitSchema: submit,
		pollSchema:   poll,
	}, nil
}

type submitRequest struct {
	Items     []Item   `json:"items"`
	Languages []string `json:"languages,omitempty"`
}

type submitResponse struct {
	BatchID string `json:"batch_id"`
}

func (c *Client) Submit(ctx context.Context, items []Item) (string, error) {
	if len(items) == 0 {
		return "", jobs.NewError(jobs.ErrValidation, "batch has no items")
	}
	body, err := c.makeRequest(ctx, http.MethodPost, "/batches", submitRequest{
		Items:     items,
		Languages: c.config.Languages,
	})
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := decodeValidated(c.submitSchema, body, &resp); err != nil {
		return "", jobs.WrapError(err, jobs.ErrExternalService, "invalid submit response")
	}
	return resp.BatchID, nil
}

func (c *Client) Poll(ctx context.Context, batchID string) (*BatchResult, error) {
	body, err := c.makeRequest(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID), nil)
	if err != nil {
		return nil, err
	}
	var resp BatchResult
	if err := decodeValidated(c.pollSchema, body, &resp); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrExternalService, "invalid poll response").WithContext("batch_id", batchID)
	}
	if resp.BatchID != batchID {
		return nil, jobs.NewErrorf(jobs.ErrExternalService, "poll returned batch %q, want %q", resp.BatchID, batchID)
	}
	return &resp, nil
}

// makeRequest sends payload as JSON and returns the body of a 2xx response.
func (c *Client) makeRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.config.headers() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, jobs.WrapError(err, jobs.ErrExternalService, "request timed out").WithContext("path", path)
		}
		return nil, jobs.WrapError(err, jobs.ErrExternalService, "request failed").WithContext("path", path)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrExternalService, "read response body").WithContext("path", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, jobs.NewErrorf(jobs.ErrExternalService, "API request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(responseBody))).WithContext("path", path)
	}
	return responseBody, nil
}
