package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultCollection is the index collection meeting artifacts are filed under
const DefaultCollection = "meetings"

// Document is one artifact pushed to the search index
type Document struct {
	Collection string            `json:"collection"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
}

// Index is the external document index
type Index interface {
	// Ingest stores a document and returns its id in the index
	Ingest(ctx context.Context, doc Document) (string, error)
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, documentID string) error
}

// HTTPIndexConfig configures HTTPIndex
type HTTPIndexConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPIndex talks to a document index over a small JSON API:
// POST {base}/documents and DELETE {base}/documents/{id}
type HTTPIndex struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPIndex creates a new HTTPIndex
func NewHTTPIndex(cfg HTTPIndexConfig, logger *slog.Logger) (*HTTPIndex, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("index base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid index base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &HTTPIndex{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type ingestResponse struct {
	ID string `json:"id"`
}

func (c *HTTPIndex) Ingest(ctx context.Context, doc Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/documents", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	var out ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode index response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("index response has no document id")
	}

	c.logger.Debug("Document indexed",
		slog.String("document_id", out.ID),
		slog.String("collection", doc.Collection),
		slog.Int("length", len(doc.Content)),
	)
	return out.ID, nil
}

func (c *HTTPIndex) Delete(ctx context.Context, documentID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/documents/"+url.PathEscape(documentID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusError(resp)
	}
}

func (c *HTTPIndex) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build index request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("index request failed: %w", err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("index returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
