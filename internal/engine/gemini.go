package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
)

// DefaultBaseURL is the public Generative Language API endpoint
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiConfig holds the REST adapter settings
type GeminiConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds non-streaming calls; streams are bounded by the caller's context
	Timeout time.Duration
}

// GeminiClient implements Client against the Gemini files and generateContent REST API
type GeminiClient struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient creates a new GeminiClient
func NewGeminiClient(cfg GeminiConfig, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("engine api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("engine model is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &GeminiClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: timeout,
		http:    &http.Client{},
		logger:  logger,
	}, nil
}

type geminiFile struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type geminiPart struct {
	Text     string          `json:"text,omitempty"`
	FileData *geminiFileData `json:"fileData,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type generateRequest struct {
	Contents []geminiContent `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

func (r *generateResponse) text() string {
	var sb strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func (r *generateResponse) blocked() error {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return fmt.Errorf("prompt blocked: %s", r.PromptFeedback.BlockReason)
	}
	return nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Upload uses the resumable upload protocol: a start request that returns
// the upload URL, then a single upload+finalize request carrying the bytes.
func (c *GeminiClient) Upload(ctx context.Context, r io.Reader, size int64, mimeType, displayName string) (h Handle, err error) {
	start := time.Now()
	defer func() { metrics.ObserveEngineCall("upload", err, time.Since(start)) }()

	meta, err := json.Marshal(map[string]any{"file": map[string]string{"display_name": displayName}})
	if err != nil {
		return Handle{}, fmt.Errorf("failed to marshal upload metadata: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(startCtx, http.MethodPost, c.baseURL+"/upload/v1beta/files", bytes.NewReader(meta))
	if err != nil {
		return Handle{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(size, 10))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := c.do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to start upload: %w", err)
	}
	resp.Body.Close()

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return Handle{}, fmt.Errorf("failed to start upload: no upload url returned")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, r)
	if err != nil {
		return Handle{}, err
	}
	req.ContentLength = size
	req.Header.Set("X-Goog-Upload-Offset", "0")
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	resp, err = c.do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		File geminiFile `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Handle{}, fmt.Errorf("failed to decode upload response: %w", err)
	}

	c.logger.Debug("Uploaded file to engine",
		slog.String("file", out.File.Name),
		slog.Int64("size", size),
	)

	return Handle{Name: out.File.Name, URI: out.File.URI, MimeType: mimeType}, nil
}

func (c *GeminiClient) Status(ctx context.Context, h Handle) (state FileState, err error) {
	start := time.Now()
	defer func() { metrics.ObserveEngineCall("status", err, time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1beta/"+h.Name, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get file state: %w", err)
	}
	defer resp.Body.Close()

	var f geminiFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return "", fmt.Errorf("failed to decode file state: %w", err)
	}

	switch f.State {
	case "ACTIVE":
		return StateReady, nil
	case "FAILED":
		return StateError, nil
	default:
		return StateProcessing, nil
	}
}

func (c *GeminiClient) StreamTranscribe(ctx context.Context, h Handle, instructions string, onFragment func(text string) error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveEngineCall("stream_transcribe", err, time.Since(start)) }()

	body := generateRequest{Contents: []geminiContent{{
		Role: "user",
		Parts: []geminiPart{
			{Text: instructions},
			{FileData: &geminiFileData{MimeType: h.MimeType, FileURI: h.URI}},
		},
	}}}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	req, err := c.jsonRequest(ctx, url, body)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("failed to start transcription stream: %w", err)
	}
	defer resp.Body.Close()

	return readSSE(resp.Body, func(data []byte) error {
		var chunk generateResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}
		if err := chunk.blocked(); err != nil {
			return err
		}
		if text := chunk.text(); text != "" {
			return onFragment(text)
		}
		return nil
	})
}

func (c *GeminiClient) GenerateText(ctx context.Context, prompt string) (text string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveEngineCall("generate_text", err, time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := generateRequest{Contents: []geminiContent{{
		Role:  "user",
		Parts: []geminiPart{{Text: prompt}},
	}}}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := c.jsonRequest(ctx, url, body)
	if err != nil {
		return "", err
	}

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("failed to generate text: %w", err)
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}
	if err := out.blocked(); err != nil {
		return "", err
	}

	return out.text(), nil
}

func (c *GeminiClient) Delete(ctx context.Context, h Handle) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveEngineCall("delete", err, time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1beta/"+h.Name, nil)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *GeminiClient) jsonRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// statusError is a non-2xx engine response
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine http %d: %s", e.code, e.message)
}

// do sends the request with credentials and turns transport failures, 429
// and 5xx responses into ErrEngineUnavailable.
func (c *GeminiClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
		msg = ae.Error.Message
	}

	se := &statusError{code: resp.StatusCode, message: msg}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %w", domain.ErrEngineUnavailable, se)
	}
	return nil, se
}

// readSSE calls fn with the data payload of each server-sent event
func readSSE(r io.Reader, fn func(data []byte) error) error {
	br := bufio.NewReader(r)
	var data bytes.Buffer

	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		payload := bytes.Clone(data.Bytes())
		data.Reset()
		if string(payload) == "[DONE]" {
			return nil
		}
		return fn(payload)
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if ferr := flush(); ferr != nil {
					return ferr
				}
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return flush()
			}
			return fmt.Errorf("transcription stream interrupted: %w", err)
		}
	}
}
