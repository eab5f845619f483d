package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/config"
	"video-download-service/internal/models"
)

const thumbnailExtension = "jpg"

// Object is an open media file. Body is an io.ReadSeeker when the file is local.
type Object struct {
	Name        string
	Body        io.ReadCloser
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Archive is a secondary copy of the media directory.
type Archive interface {
	Put(ctx context.Context, key, path, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
}

// Library resolves identifiers to files in the shared media directory and
// falls back to the archive for files that are no longer on disk.
type Library struct {
	dir     string
	archive Archive
	log     zerolog.Logger
}

// NewLibrary builds a library rooted at dir. archive may be nil.
func NewLibrary(dir string, archive Archive, logger zerolog.Logger) *Library {
	return &Library{dir: dir, archive: archive, log: logger.With().Str("component", "media").Logger()}
}

// NewLibraryFromConfig builds the library for cfg.MediaDir, archiving to S3
// when a bucket is configured.
func NewLibraryFromConfig(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Library, error) {
	var archive Archive
	if cfg.S3Bucket != "" {
		a, err := NewS3Archive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		archive = a
	}
	return NewLibrary(cfg.MediaDir, archive, logger), nil
}

// Dir is the media directory.
func (l *Library) Dir() string {
	return l.dir
}

// VideoName is the file name a video is stored under.
func VideoName(identifier string) string {
	return identifier + "." + models.MediaExtension
}

// ThumbnailName is the file name a thumbnail is stored under.
func ThumbnailName(identifier string) string {
	return identifier + "." + thumbnailExtension
}

// VideoPath is the on-disk location of a video.
func (l *Library) VideoPath(identifier string) string {
	return filepath.Join(l.dir, VideoName(identifier))
}

// ThumbnailPath is the on-disk location of a thumbnail.
func (l *Library) ThumbnailPath(identifier string) string {
	return filepath.Join(l.dir, "thumbnails", ThumbnailName(identifier))
}

// HasVideo reports whether the video file exists locally.
func (l *Library) HasVideo(identifier string) bool {
	info, err := os.Stat(l.VideoPath(identifier))
	return err == nil && info.Mode().IsRegular()
}

// OpenVideo opens <identifier>.mp4.
func (l *Library) OpenVideo(ctx context.Context, identifier string) (*Object, error) {
	if !models.ValidIdentifier(identifier) {
		return nil, apperrors.NotFoundf("media %q not found", identifier)
	}
	return l.open(ctx, l.VideoPath(identifier), VideoName(identifier))
}

// OpenThumbnail opens the resized thumbnail of identifier.
func (l *Library) OpenThumbnail(ctx context.Context, identifier string) (*Object, error) {
	if !models.ValidIdentifier(identifier) {
		return nil, apperrors.NotFoundf("thumbnail %q not found", identifier)
	}
	return l.open(ctx, l.ThumbnailPath(identifier), "thumbnails/"+ThumbnailName(identifier))
}

func (l *Library) open(ctx context.Context, path, key string) (*Object, error) {
	f, err := os.Open(path)
	if err == nil {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			_ = f.Close()
			return nil, apperrors.NotFoundf("media %q not found", key)
		}
		return &Object{
			Name:        filepath.Base(path),
			Body:        f,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			ContentType: contentTypeFor(path),
		}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if l.archive == nil {
		return nil, apperrors.NotFoundf("media %q not found", key)
	}
	obj, err := l.archive.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	l.log.Debug().Str("key", key).Msg("served from archive")
	return obj, nil
}

// ArchiveVideo copies the local video and, when present, its thumbnail to the
// archive. It is a no-op without an archive.
func (l *Library) ArchiveVideo(ctx context.Context, identifier string) error {
	if l.archive == nil {
		return nil
	}
	if err := l.archive.Put(ctx, VideoName(identifier), l.VideoPath(identifier), contentTypeFor(VideoName(identifier))); err != nil {
		return fmt.Errorf("archive video %s: %w", identifier, err)
	}
	thumb := l.ThumbnailPath(identifier)
	if _, err := os.Stat(thumb); err == nil {
		key := "thumbnails/" + ThumbnailName(identifier)
		if err := l.archive.Put(ctx, key, thumb, contentTypeFor(thumb)); err != nil {
			return fmt.Errorf("archive thumbnail %s: %w", identifier, err)
		}
	}
	return nil
}

func contentTypeFor(name string) string {
	ext := filepath.Ext(name)
	if ext == "."+models.MediaExtension {
		return "video/mp4"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
