package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	// YouTube serves most posters as WebP.
	_ "golang.org/x/image/webp"

	"video-download-service/internal/config"
)

// Thumbnailer downloads a video's poster image and stores a resized JPEG copy.
type Thumbnailer struct {
	httpClient *http.Client
	width      int
	maxBytes   int64
}

// NewThumbnailer builds a thumbnailer from config.
func NewThumbnailer(cfg config.Config) *Thumbnailer {
	timeout := cfg.ThumbnailTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	width := cfg.ThumbnailWidth
	if width == 0 {
		width = 320
	}
	limit := cfg.ThumbnailMaxBytes
	if limit == 0 {
		limit = 10 * 1024 * 1024
	}
	return &Thumbnailer{
		httpClient: &http.Client{Timeout: timeout},
		width:      width,
		maxBytes:   limit,
	}
}

// Fetch downloads sourceURL, scales it to the configured width and writes it to dest.
func (t *Thumbnailer) Fetch(ctx context.Context, sourceURL, dest string) error {
	data, err := t.download(ctx, sourceURL)
	if err != nil {
		return err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode thumbnail: %w", err)
	}
	if img.Bounds().Dx() > t.width {
		img = imaging.Resize(img, t.width, 0, imaging.Lanczos)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".thumb-*")
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move thumbnail: %w", err)
	}
	return nil
}

func (t *Thumbnailer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download thumbnail: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if int64(len(body)) > t.maxBytes {
		return nil, fmt.Errorf("thumbnail too large (>%d bytes)", t.maxBytes)
	}
	return body, nil
}
