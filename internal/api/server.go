package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/config"
	"video-download-service/internal/extract"
	"video-download-service/internal/jobs"
	"video-download-service/internal/logging"
	"video-download-service/internal/media"
	"video-download-service/internal/models"
	"video-download-service/internal/telemetry"
)

// VideoStore is the slice of the record store the router reads and writes.
type VideoStore interface {
	GetVideoByIdentifier(ctx context.Context, identifier string) (models.Video, error)
	GetVideo(ctx context.Context, id int64) (models.Video, error)
	SetVideoURL(ctx context.Context, id int64, url string) (models.Video, error)
}

// JobQueue hands download work to the workers and reports on it.
type JobQueue interface {
	Enqueue(ctx context.Context, task string, payload map[string]any) (string, error)
	Fetch(ctx context.Context, key string) (jobs.Status, error)
}

// MediaSource opens downloaded files by identifier.
type MediaSource interface {
	OpenVideo(ctx context.Context, identifier string) (*media.Object, error)
	OpenThumbnail(ctx context.Context, identifier string) (*media.Object, error)
}

// Deps are the collaborators a Server is built from. Limiter and Checks are optional.
type Deps struct {
	Videos  VideoStore
	Jobs    JobQueue
	Media   MediaSource
	Limiter func(http.Handler) http.Handler
	Checks  map[string]func(context.Context) error
}

// Server wires HTTP handlers for the download service.
type Server struct {
	cfg  config.Config
	deps Deps
	log  zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})
	})
	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter)
		}
		r.Get("/watch", s.handleWatch)
	})
	r.Get("/results/{jobKey}", s.handleResults)
	r.Get("/media/{filename}", s.handleMedia)
	r.Get("/thumbnails/{identifier}", s.handleThumbnail)
	return r
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("v")
	if identifier == "" {
		telemetry.WatchRequests.WithLabelValues("invalid").Inc()
		s.writeError(w, r, apperrors.Validation("v", "query parameter v is required"))
		return
	}
	if !models.ValidIdentifier(identifier) {
		telemetry.WatchRequests.WithLabelValues("invalid").Inc()
		s.writeError(w, r, apperrors.NotFoundf("video %q not found", identifier))
		return
	}

	video, err := s.deps.Videos.GetVideoByIdentifier(r.Context(), identifier)
	switch {
	case err == nil && video.Resolved():
		telemetry.WatchRequests.WithLabelValues("cache_hit").Inc()
		http.Redirect(w, r, *video.URL, http.StatusFound)
		return
	case err != nil && !apperrors.Is(err, apperrors.CodeNotFound):
		telemetry.WatchRequests.WithLabelValues("error").Inc()
		s.writeError(w, r, err)
		return
	}

	sourceURL, err := extract.SourceURL(s.cfg.SourceBaseURL, identifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := s.deps.Jobs.Enqueue(r.Context(), models.TaskDownloadVideo, map[string]any{
		"source_url": sourceURL,
		"identifier": identifier,
	})
	if err != nil {
		telemetry.WatchRequests.WithLabelValues("error").Inc()
		s.writeError(w, r, err)
		return
	}
	telemetry.WatchRequests.WithLabelValues("enqueued").Inc()
	telemetry.EnqueueCounter.Inc()
	s.log.Info().Str("identifier", identifier).Str("job_key", key).Msg("download enqueued")
	http.Redirect(w, r, "/results/"+key, http.StatusFound)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "jobKey")
	status, err := s.deps.Jobs.Fetch(r.Context(), key)
	if err != nil {
		telemetry.ResultsPolls.WithLabelValues("unknown").Inc()
		s.writeError(w, r, err)
		return
	}
	if status.Failed {
		telemetry.ResultsPolls.WithLabelValues("failed").Inc()
		s.writeError(w, r, apperrors.JobFailed(key, status.Error))
		return
	}
	if !status.Finished {
		telemetry.ResultsPolls.WithLabelValues("pending").Inc()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "Nay!")
		return
	}
	telemetry.ResultsPolls.WithLabelValues("finished").Inc()

	var videoID int64
	if err := status.DecodeResult(&videoID); err != nil {
		s.writeError(w, r, err)
		return
	}
	video, err := s.deps.Videos.GetVideo(r.Context(), videoID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !video.Resolved() {
		video, err = s.deps.Videos.SetVideoURL(r.Context(), video.ID, models.MediaPath(video.Identifier))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	http.Redirect(w, r, *video.URL, http.StatusFound)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	obj, err := s.deps.Media.OpenVideo(r.Context(), chi.URLParam(r, "filename"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	serveObject(w, r, obj)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	obj, err := s.deps.Media.OpenThumbnail(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	serveObject(w, r, obj)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.log.Warn().Interface("checks", failed).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveObject streams a media object. Local files support range requests.
func serveObject(w http.ResponseWriter, r *http.Request, obj *media.Object) {
	defer obj.Body.Close()
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if rs, ok := obj.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, obj.Name, obj.ModTime, rs)
		return
	}
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, obj.Body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(apperrors.CodeOf(err))})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
