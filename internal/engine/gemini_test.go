package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewGeminiClient(GeminiConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "gemini-test",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestNewGeminiClient_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewGeminiClient(GeminiConfig{Model: "m"}, logger)
	assert.ErrorContains(t, err, "api key")

	_, err = NewGeminiClient(GeminiConfig{APIKey: "k"}, logger)
	assert.ErrorContains(t, err, "model")

	c, err := NewGeminiClient(GeminiConfig{APIKey: "k", Model: "m"}, logger)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestGeminiClient_Upload(t *testing.T) {
	var uploaded string
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Equal(t, "resumable", r.Header.Get("X-Goog-Upload-Protocol"))
		assert.Equal(t, "start", r.Header.Get("X-Goog-Upload-Command"))
		assert.Equal(t, "5", r.Header.Get("X-Goog-Upload-Header-Content-Length"))
		assert.Equal(t, "audio/mpeg", r.Header.Get("X-Goog-Upload-Header-Content-Type"))

		var meta map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.Equal(t, "chunk_000.mp3", meta["file"]["display_name"])

		w.Header().Set("X-Goog-Upload-URL", srvURL+"/resumable/123")
	})
	mux.HandleFunc("/resumable/123", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "upload, finalize", r.Header.Get("X-Goog-Upload-Command"))
		b, _ := io.ReadAll(r.Body)
		uploaded = string(b)
		fmt.Fprint(w, `{"file":{"name":"files/abc","uri":"https://files/abc","mimeType":"audio/mpeg","state":"PROCESSING"}}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c, err := NewGeminiClient(GeminiConfig{BaseURL: srv.URL, APIKey: "test-key", Model: "m"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	h, err := c.Upload(context.Background(), strings.NewReader("audio"), 5, "audio/mpeg", "chunk_000.mp3")
	require.NoError(t, err)

	assert.Equal(t, "audio", uploaded)
	assert.Equal(t, Handle{Name: "files/abc", URI: "https://files/abc", MimeType: "audio/mpeg"}, h)
}

func TestGeminiClient_Status(t *testing.T) {
	tests := []struct {
		state string
		want  FileState
	}{
		{state: "PROCESSING", want: StateProcessing},
		{state: "STATE_UNSPECIFIED", want: StateProcessing},
		{state: "ACTIVE", want: StateReady},
		{state: "FAILED", want: StateError},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1beta/files/abc", r.URL.Path)
				fmt.Fprintf(w, `{"name":"files/abc","state":%q}`, tt.state)
			}))

			got, err := c.Status(context.Background(), Handle{Name: "files/abc"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGeminiClient_StreamTranscribe(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-test:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		require.Len(t, req.Contents[0].Parts, 2)
		assert.Equal(t, "Transcribe.", req.Contents[0].Parts[0].Text)
		assert.Equal(t, "https://files/abc", req.Contents[0].Parts[1].FileData.FileURI)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Speaker 1: hello \"}]}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"world\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[]},\"finishReason\":\"STOP\"}]}\n\n")
	}))

	var fragments []string
	err := c.StreamTranscribe(context.Background(), Handle{Name: "files/abc", URI: "https://files/abc", MimeType: "audio/mpeg"}, "Transcribe.", func(text string) error {
		fragments = append(fragments, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Speaker 1: hello ", "world"}, fragments)
}

func TestGeminiClient_StreamTranscribe_Blocked(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"promptFeedback\":{\"blockReason\":\"SAFETY\"}}\n\n")
	}))

	err := c.StreamTranscribe(context.Background(), Handle{}, "x", func(string) error { return nil })
	assert.ErrorContains(t, err, "SAFETY")
}

func TestGeminiClient_GenerateText(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"1. Objective"},{"text":"\n2. Discussion"}]}}]}`)
	}))

	text, err := c.GenerateText(context.Background(), "write minutes")
	require.NoError(t, err)
	assert.Equal(t, "1. Objective\n2. Discussion", text)
}

func TestGeminiClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		code        int
		unavailable bool
	}{
		{name: "rate limited", code: http.StatusTooManyRequests, unavailable: true},
		{name: "server error", code: http.StatusServiceUnavailable, unavailable: true},
		{name: "bad request", code: http.StatusBadRequest, unavailable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, `{"error":{"code":1,"message":"quota exhausted","status":"X"}}`)
			}))

			_, err := c.GenerateText(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "quota exhausted")
			assert.Equal(t, tt.unavailable, errors.Is(err, domain.ErrEngineUnavailable))
		})
	}
}

func TestGeminiClient_DeleteIgnoresNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))

	assert.NoError(t, c.Delete(context.Background(), Handle{Name: "files/gone"}))
}

func TestReadSSE_MultiLineData(t *testing.T) {
	var events []string
	err := readSSE(strings.NewReader("event: x\ndata: a\ndata: b\n\ndata: [DONE]\n\ndata: tail"), func(data []byte) error {
		events = append(events, string(data))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a\nb", "tail"}, events)
}

func TestMimeTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", MimeTypeFor("/tmp/chunk_000.MP3"))
	assert.Equal(t, "audio/mp4", MimeTypeFor("call.m4a"))
	assert.Equal(t, "application/octet-stream", MimeTypeFor("notes"))
}
