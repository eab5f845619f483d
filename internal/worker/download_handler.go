package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/extract"
	"video-download-service/internal/models"
	"video-download-service/internal/telemetry"
)

type extractor interface {
	Extract(ctx context.Context, sourceURL string) (extract.Metadata, error)
	Download(ctx context.Context, sourceURL string) (string, error)
}

type videoStore interface {
	CreateVideo(ctx context.Context, v models.Video) (int64, error)
	GetVideoByIdentifier(ctx context.Context, identifier string) (models.Video, error)
}

type mediaLibrary interface {
	HasVideo(identifier string) bool
	ThumbnailPath(identifier string) string
	ArchiveVideo(ctx context.Context, identifier string) error
}

type thumbnailFetcher interface {
	Fetch(ctx context.Context, sourceURL, dest string) error
}

// DownloadHandler runs video:download jobs: record the video, fetch the file,
// and hand back the record id.
type DownloadHandler struct {
	extractor extractor
	videos    videoStore
	library   mediaLibrary
	thumbs    thumbnailFetcher
	log       zerolog.Logger
}

// NewDownloadHandler wires the download task. thumbs may be nil to skip thumbnails.
func NewDownloadHandler(ex extractor, videos videoStore, lib mediaLibrary, thumbs thumbnailFetcher, logger zerolog.Logger) *DownloadHandler {
	return &DownloadHandler{
		extractor: ex,
		videos:    videos,
		library:   lib,
		thumbs:    thumbs,
		log:       logger.With().Str("component", "download").Logger(),
	}
}

// Handle implements Handler for models.TaskDownloadVideo.
func (h *DownloadHandler) Handle(ctx context.Context, job models.Job) (any, error) {
	sourceURL, _ := job.Payload["source_url"].(string)
	if sourceURL == "" {
		return nil, apperrors.Validation("source_url", "payload.source_url is required")
	}
	log := h.log.With().Str("job_id", job.ID).Str("url", sourceURL).Logger()

	meta, err := h.extractor.Extract(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	if want, _ := job.Payload["identifier"].(string); want != "" && want != meta.ID {
		log.Warn().Str("identifier", want).Str("extracted_id", meta.ID).Msg("extractor returned a different id")
	}

	id, err := h.record(ctx, meta)
	if err != nil {
		return nil, err
	}
	log = log.With().Int64("video_id", id).Str("identifier", meta.ID).Logger()

	// A second job for the same video can get here while the first is still
	// writing its .part file; both then run yt-dlp against the same output
	// template, and --no-overwrites keeps the finished file intact.
	if h.library.HasVideo(meta.ID) {
		log.Info().Msg("media already present, skipping download")
	} else {
		start := time.Now()
		if _, err := h.extractor.Download(ctx, sourceURL); err != nil {
			return nil, err
		}
		telemetry.DownloadSeconds.Observe(time.Since(start).Seconds())
		if !h.library.HasVideo(meta.ID) {
			return nil, fmt.Errorf("download %s: expected media file for %s is missing", sourceURL, meta.ID)
		}
	}

	if h.thumbs != nil && meta.Thumbnail != "" {
		if err := h.thumbs.Fetch(ctx, meta.Thumbnail, h.library.ThumbnailPath(meta.ID)); err != nil {
			log.Warn().Err(err).Msg("thumbnail failed")
		}
	}
	if err := h.library.ArchiveVideo(ctx, meta.ID); err != nil {
		log.Warn().Err(err).Msg("archive failed")
	}

	log.Info().Msg("video ready")
	return id, nil
}

// record inserts the video, or returns the existing row's id when another job
// got there first.
func (h *DownloadHandler) record(ctx context.Context, meta extract.Metadata) (int64, error) {
	id, err := h.videos.CreateVideo(ctx, meta.Video())
	if err == nil {
		return id, nil
	}
	if !apperrors.Is(err, apperrors.CodeDuplicateIdentifier) {
		return 0, fmt.Errorf("create video %s: %w", meta.ID, err)
	}

	existing, gerr := h.videos.GetVideoByIdentifier(ctx, meta.ID)
	if gerr != nil {
		return 0, fmt.Errorf("load existing video %s: %w", meta.ID, errors.Join(err, gerr))
	}
	h.log.Info().Str("identifier", meta.ID).Int64("video_id", existing.ID).Msg("video already being handled")
	return existing.ID, nil
}
