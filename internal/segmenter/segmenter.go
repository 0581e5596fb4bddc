package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultSegmentDuration is the chunk length used when none is configured
const DefaultSegmentDuration = 15 * time.Minute

const chunkPrefix = "chunk_"

// SegmentationError means the source could not be split at all
type SegmentationError struct {
	Source string
	Reason string
	Err    error
}

func (e *SegmentationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("segmentation of %s failed: %s: %v", filepath.Base(e.Source), e.Reason, e.Err)
	}
	return fmt.Sprintf("segmentation of %s failed: %s", filepath.Base(e.Source), e.Reason)
}

func (e *SegmentationError) Unwrap() error {
	return e.Err
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Config controls how audio is split
type Config struct {
	FFmpegPath      string
	SegmentDuration time.Duration
	// Transcode re-encodes segments to mp3 instead of stream copying;
	// needed for containers whose packets cannot be split losslessly.
	Transcode bool
}

// Segmenter splits audio files into fixed duration chunks with ffmpeg
type Segmenter struct {
	ffmpegPath string
	duration   time.Duration
	transcode  bool
	runner     commandRunner
	stat       func(name string) (os.FileInfo, error)
	readDir    func(name string) ([]os.DirEntry, error)
}

// New creates a Segmenter backed by the ffmpeg binary
func New(cfg Config) *Segmenter {
	return newWithRunner(cfg, execRunner{})
}

func newWithRunner(cfg Config, runner commandRunner) *Segmenter {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	duration := cfg.SegmentDuration
	if duration <= 0 {
		duration = DefaultSegmentDuration
	}
	return &Segmenter{
		ffmpegPath: ffmpeg,
		duration:   duration,
		transcode:  cfg.Transcode,
		runner:     runner,
		stat:       os.Stat,
		readDir:    os.ReadDir,
	}
}

// Split writes the chunks of sourcePath into scratchDir and returns their
// paths in playback order. Chunk n+1 starts where chunk n ends.
func (s *Segmenter) Split(ctx context.Context, sourcePath, scratchDir string) ([]string, error) {
	info, err := s.stat(sourcePath)
	if err != nil {
		return nil, &SegmentationError{Source: sourcePath, Reason: "source is unreadable", Err: err}
	}
	if info.IsDir() {
		return nil, &SegmentationError{Source: sourcePath, Reason: "source is a directory"}
	}
	if info.Size() == 0 {
		return nil, &SegmentationError{Source: sourcePath, Reason: "source is empty"}
	}

	ext, transcode := s.chunkFormat(sourcePath)
	pattern := filepath.Join(scratchDir, chunkPrefix+"%03d"+ext)

	stderr, err := s.runner.Run(ctx, s.ffmpegPath, s.buildArgs(sourcePath, pattern, transcode)...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SegmentationError{Source: sourcePath, Reason: "ffmpeg failed: " + lastLine(stderr), Err: err}
	}

	chunks, err := s.collect(scratchDir, ext)
	if err != nil {
		return nil, &SegmentationError{Source: sourcePath, Reason: "cannot list chunks", Err: err}
	}
	if len(chunks) == 0 {
		return nil, &SegmentationError{Source: sourcePath, Reason: "ffmpeg produced no segments"}
	}

	return chunks, nil
}

// Duration returns the configured segment length
func (s *Segmenter) Duration() time.Duration {
	return s.duration
}

func (s *Segmenter) buildArgs(inputPath, pattern string, transcode bool) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-vn",
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(s.duration.Seconds())),
		"-reset_timestamps", "1",
	}
	if transcode {
		args = append(args, "-c:a", "libmp3lame", "-q:a", "2")
	} else {
		args = append(args, "-c", "copy")
	}
	return append(args, pattern)
}

// copyableExts are containers whose chunks keep a meaningful extension under -c copy
var copyableExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".mp4": true, ".aac": true, ".ogg": true,
	".oga": true, ".opus": true, ".flac": true, ".webm": true, ".aiff": true,
}

// chunkFormat picks the chunk extension and whether ffmpeg must re-encode.
// Sources of unknown type are transcoded so the extension matches the codec.
func (s *Segmenter) chunkFormat(sourcePath string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	if s.transcode || !copyableExts[ext] {
		return ".mp3", true
	}
	return ext, false
}

func (s *Segmenter) collect(dir, ext string) ([]string, error) {
	entries, err := s.readDir(dir)
	if err != nil {
		return nil, err
	}

	var chunks []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		chunks = append(chunks, filepath.Join(dir, name))
	}
	// zero padded names sort in playback order
	sort.Strings(chunks)
	return chunks, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no output"
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// IsSegmentationError reports whether err came from a failed split
func IsSegmentationError(err error) bool {
	var segErr *SegmentationError
	return errors.As(err, &segErr)
}
