package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"video-download-service/internal/config"
	"video-download-service/internal/models"
)

// YtDlp drives the yt-dlp binary for metadata extraction and downloads.
type YtDlp struct {
	binaryPath      string
	mediaDir        string
	format          string
	extractTimeout  time.Duration
	downloadTimeout time.Duration
	log             zerolog.Logger
}

// NewYtDlp creates an extractor writing into cfg.MediaDir.
func NewYtDlp(cfg config.Config, logger zerolog.Logger) *YtDlp {
	bin := cfg.YtDlpPath
	if bin == "" {
		bin = "yt-dlp"
	}
	extractTimeout := cfg.ExtractTimeout
	if extractTimeout == 0 {
		extractTimeout = 2 * time.Minute
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout == 0 {
		downloadTimeout = time.Hour
	}
	return &YtDlp{
		binaryPath:      bin,
		mediaDir:        cfg.MediaDir,
		format:          cfg.YtDlpFormat,
		extractTimeout:  extractTimeout,
		downloadTimeout: downloadTimeout,
		log:             logger.With().Str("component", "yt-dlp").Logger(),
	}
}

// Available reports whether the binary can be found.
func (y *YtDlp) Available() error {
	if _, err := exec.LookPath(y.binaryPath); err != nil {
		return fmt.Errorf("yt-dlp not available at %q: %w", y.binaryPath, err)
	}
	return nil
}

// Extract fetches metadata for sourceURL without downloading media.
func (y *YtDlp) Extract(ctx context.Context, sourceURL string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, y.extractTimeout)
	defer cancel()

	out, err := y.run(ctx, "--dump-json", "--skip-download", "--no-playlist", "--no-warnings", sourceURL)
	if err != nil {
		return Metadata{}, fmt.Errorf("extract %s: %w", sourceURL, err)
	}
	meta, err := ParseMetadata(out)
	if err != nil {
		return Metadata{}, fmt.Errorf("extract %s: %w", sourceURL, err)
	}
	return meta, nil
}

// Download stores sourceURL as <mediaDir>/<id>.mp4 and returns the path
// reported by yt-dlp.
func (y *YtDlp) Download(ctx context.Context, sourceURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, y.downloadTimeout)
	defer cancel()

	if err := os.MkdirAll(y.mediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	start := time.Now()
	out, err := y.run(ctx, y.downloadArgs(sourceURL)...)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", sourceURL, err)
	}
	path := lastLine(out)
	y.log.Info().Str("url", sourceURL).Str("path", path).Dur("took", time.Since(start)).Msg("done downloading")
	return path, nil
}

// downloadArgs builds the yt-dlp command line for Download. Jobs for the same
// video share the output template, so a finished file is never overwritten.
func (y *YtDlp) downloadArgs(sourceURL string) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--newline",
		"--no-overwrites",
		"--merge-output-format", models.MediaExtension,
		"-o", filepath.Join(y.mediaDir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
	}
	if y.format != "" {
		args = append(args, "-f", y.format)
	}
	return append(args, sourceURL)
}

func (y *YtDlp) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, y.binaryPath, args...)
	var stdout bytes.Buffer
	stderr := &logWriter{log: y.log}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stderr.Flush()
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("yt-dlp timed out: %w", ctxErr)
		}
		if msg := stderr.LastError(); msg != "" {
			return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("yt-dlp failed: %w", err)
	}
	return stdout.Bytes(), nil
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// logWriter turns yt-dlp stderr into log events, one per line. "[debug] "
// lines go to debug, WARNING to warn, ERROR to error and is kept for the
// returned error.
type logWriter struct {
	log     zerolog.Logger
	mu      sync.Mutex
	buf     []byte
	lastErr string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// LastError returns the most recent ERROR line.
func (w *logWriter) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *logWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	switch {
	case strings.HasPrefix(line, "[debug] "):
		w.log.Debug().Msg(line)
	case strings.HasPrefix(line, "ERROR:"):
		w.lastErr = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		w.log.Error().Msg(line)
	case strings.HasPrefix(line, "WARNING:"):
		w.log.Warn().Msg(line)
	default:
		w.log.Debug().Msg(line)
	}
}
