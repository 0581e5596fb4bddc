package engine

import (
	"context"
	"io"
	"path/filepath"
	"strings"
)

// FileState is the readiness of an uploaded file on the engine side
type FileState string

const (
	StateProcessing FileState = "PROCESSING"
	StateReady      FileState = "READY"
	StateError      FileState = "ERROR"
)

// Handle identifies a file uploaded to the engine
type Handle struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type"`
}

// Client is the speech-to-text and text generation capability used by the
// pipeline and the minutes generator.
type Client interface {
	// Upload sends media to the engine and returns a handle for later calls
	Upload(ctx context.Context, r io.Reader, size int64, mimeType, displayName string) (Handle, error)
	// Status reports whether an uploaded file is ready to be used
	Status(ctx context.Context, h Handle) (FileState, error)
	// StreamTranscribe delivers transcript fragments in order as they are produced.
	// A stream that breaks midway returns an error after the fragments already delivered.
	StreamTranscribe(ctx context.Context, h Handle, instructions string, onFragment func(text string) error) error
	// GenerateText runs a single-shot prompt
	GenerateText(ctx context.Context, prompt string) (string, error)
	// Delete removes an uploaded file
	Delete(ctx context.Context, h Handle) error
}

var audioMimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".flac": "audio/flac",
	".webm": "audio/webm",
	".aiff": "audio/aiff",
}

// MimeTypeFor guesses the audio mime type from a file name
func MimeTypeFor(path string) string {
	if mt, ok := audioMimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mt
	}
	return "application/octet-stream"
}
