package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/config"
	"video-download-service/internal/jobs"
	"video-download-service/internal/media"
	"video-download-service/internal/models"
)

type fakeVideos struct {
	mu      sync.Mutex
	rows    map[int64]models.Video
	err     error
	setURLs int
}

func newFakeVideos(rows ...models.Video) *fakeVideos {
	f := &fakeVideos{rows: map[int64]models.Video{}}
	for _, v := range rows {
		f.rows[v.ID] = v
	}
	return f
}

func (f *fakeVideos) GetVideoByIdentifier(_ context.Context, identifier string) (models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Video{}, f.err
	}
	for _, v := range f.rows {
		if v.Identifier == identifier {
			return v, nil
		}
	}
	return models.Video{}, apperrors.NotFoundf("video %q not found", identifier)
}

func (f *fakeVideos) GetVideo(_ context.Context, id int64) (models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[id]
	if !ok {
		return models.Video{}, apperrors.NotFoundf("video %d not found", id)
	}
	return v, nil
}

func (f *fakeVideos) SetVideoURL(_ context.Context, id int64, url string) (models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[id]
	if !ok {
		return models.Video{}, apperrors.NotFoundf("video %d not found", id)
	}
	f.setURLs++
	if v.URL == nil {
		v.URL = &url
		f.rows[id] = v
	}
	return v, nil
}

type fakeJobs struct {
	mu       sync.Mutex
	seq      int
	payloads []map[string]any
	status   map[string]jobs.Status
	err      error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{status: map[string]jobs.Status{}}
}

func (f *fakeJobs) Enqueue(_ context.Context, task string, payload map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	key := fmt.Sprintf("job-%d", f.seq)
	f.payloads = append(f.payloads, payload)
	f.status[key] = jobs.Status{Key: key, State: models.StatusQueued}
	return key, nil
}

func (f *fakeJobs) Fetch(_ context.Context, key string) (jobs.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return jobs.Status{}, f.err
	}
	st, ok := f.status[key]
	if !ok {
		return jobs.Status{}, apperrors.NotFoundf("job %s not found", key)
	}
	return st, nil
}

func (f *fakeJobs) finish(key string, videoID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[key] = jobs.Status{Key: key, State: models.StatusSucceeded, Finished: true, Result: json.RawMessage(fmt.Sprint(videoID))}
}

func (f *fakeJobs) fail(key, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[key] = jobs.Status{Key: key, State: models.StatusDeadLetter, Failed: true, Error: reason}
}

type testServer struct {
	handler http.Handler
	videos  *fakeVideos
	jobs    *fakeJobs
	lib     *media.Library
}

func newTestServer(t *testing.T, rows ...models.Video) *testServer {
	t.Helper()
	lib := media.NewLibrary(t.TempDir(), nil, zerolog.Nop())
	ts := &testServer{videos: newFakeVideos(rows...), jobs: newFakeJobs(), lib: lib}
	cfg := config.Config{SourceBaseURL: "https://www.youtube.com/watch"}
	srv := New(cfg, Deps{Videos: ts.videos, Jobs: ts.jobs, Media: lib}, zerolog.Nop())
	ts.handler = srv.Router()
	return ts
}

func (ts *testServer) get(path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func strPtr(s string) *string { return &s }

func TestHelloWorld(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get("/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hello":"world"}`, rec.Body.String())
}

func TestWatchValidation(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.get("/watch").Code)
	assert.Equal(t, http.StatusBadRequest, ts.get("/watch?v=").Code)
	assert.Equal(t, http.StatusNotFound, ts.get("/watch?v=..%2Fetc").Code)
	assert.Empty(t, ts.jobs.payloads)
}

func TestWatchResolvedRedirectsWithoutJob(t *testing.T) {
	ts := newTestServer(t, models.Video{ID: 1, Identifier: "abc", URL: strPtr("/media/abc")})

	rec := ts.get("/watch?v=abc")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/media/abc", rec.Header().Get("Location"))
	assert.Empty(t, ts.jobs.payloads)
}

func TestWatchEnqueuesDownload(t *testing.T) {
	ts := newTestServer(t, models.Video{ID: 1, Identifier: "pending"})

	rec := ts.get("/watch?v=new_id-1")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/results/job-1", rec.Header().Get("Location"))
	require.Len(t, ts.jobs.payloads, 1)
	assert.Equal(t, "https://www.youtube.com/watch?v=new_id-1", ts.jobs.payloads[0]["source_url"])
	assert.Equal(t, "new_id-1", ts.jobs.payloads[0]["identifier"])

	rec = ts.get("/watch?v=pending")
	assert.Equal(t, http.StatusFound, rec.Code, "record without url still enqueues")
	assert.Equal(t, "/results/job-2", rec.Header().Get("Location"))
}

func TestWatchDoesNotDeduplicate(t *testing.T) {
	ts := newTestServer(t)
	first := ts.get("/watch?v=abc").Header().Get("Location")
	second := ts.get("/watch?v=abc").Header().Get("Location")
	assert.NotEqual(t, first, second)
	assert.Len(t, ts.jobs.payloads, 2)
}

func TestWatchBackendsUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.videos.err = apperrors.Unavailable("database", errors.New("connection refused"))
	assert.Equal(t, http.StatusServiceUnavailable, ts.get("/watch?v=abc").Code)

	ts.videos.err = nil
	ts.jobs.err = apperrors.Unavailable("queue", errors.New("connection refused"))
	rec := ts.get("/watch?v=abc")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(apperrors.CodeUnavailable))
}

func TestWatchRateLimited(t *testing.T) {
	lib := media.NewLibrary(t.TempDir(), nil, zerolog.Nop())
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		})
	}
	srv := New(config.Config{SourceBaseURL: "https://www.youtube.com/watch"},
		Deps{Videos: newFakeVideos(), Jobs: newFakeJobs(), Media: lib, Limiter: deny}, zerolog.Nop())
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/watch?v=abc", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "limiter only guards watch")
}

func TestResultsStates(t *testing.T) {
	ts := newTestServer(t, models.Video{ID: 5, Identifier: "abc"})
	key := "job-x"

	assert.Equal(t, http.StatusNotFound, ts.get("/results/"+key).Code)

	ts.jobs.status[key] = jobs.Status{Key: key, State: models.StatusInProgress}
	rec := ts.get("/results/" + key)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Nay!", rec.Body.String())

	ts.jobs.fail(key, "ERROR: Video unavailable")
	rec = ts.get("/results/" + key)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Video unavailable")
}

func TestResultsResolvesURLOnce(t *testing.T) {
	ts := newTestServer(t, models.Video{ID: 5, Identifier: "abc"})
	ts.jobs.finish("job-1", 5)

	for i := 0; i < 2; i++ {
		rec := ts.get("/results/job-1")
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/media/abc", rec.Header().Get("Location"))
	}
	assert.Equal(t, 1, ts.videos.setURLs, "second call finds the url already stored")

	v, err := ts.videos.GetVideo(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "/media/abc", *v.URL)
}

func TestResultsKeepsFirstWrittenURL(t *testing.T) {
	ts := newTestServer(t, models.Video{ID: 5, Identifier: "abc", URL: strPtr("/media/first")})
	ts.jobs.finish("job-1", 5)

	rec := ts.get("/results/job-1")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/media/first", rec.Header().Get("Location"))
	assert.Zero(t, ts.videos.setURLs)
}

func TestResultsMissingRecord(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.finish("job-1", 99)
	assert.Equal(t, http.StatusNotFound, ts.get("/results/job-1").Code)
}

func TestResultsQueueUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.err = apperrors.Unavailable("queue", errors.New("i/o timeout"))
	assert.Equal(t, http.StatusServiceUnavailable, ts.get("/results/job-1").Code)
}

func TestMediaServesFile(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(ts.lib.VideoPath("abc"), []byte("0123456789"), 0o644))

	rec := ts.get("/media/abc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "0123456789", rec.Body.String())

	rec = ts.get("/media/abc", "Range", "bytes=2-4")
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "234", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, ts.get("/media/missing").Code)
	assert.Equal(t, http.StatusNotFound, ts.get("/media/abc.mp4").Code)
}

type streamOnly struct{ io.Reader }

func (streamOnly) Close() error { return nil }

type archiveOnlyMedia struct{}

func (archiveOnlyMedia) OpenVideo(context.Context, string) (*media.Object, error) {
	return &media.Object{Name: "abc.mp4", Body: streamOnly{Reader: strings.NewReader("remote")}, Size: 6, ContentType: "video/mp4"}, nil
}

func (archiveOnlyMedia) OpenThumbnail(context.Context, string) (*media.Object, error) {
	return nil, apperrors.NotFoundf("thumbnail not found")
}

func TestMediaStreamsNonSeekableObjects(t *testing.T) {
	srv := New(config.Config{}, Deps{Videos: newFakeVideos(), Jobs: newFakeJobs(), Media: archiveOnlyMedia{}}, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "6", rec.Header().Get("Content-Length"))
	assert.Equal(t, "remote", rec.Body.String())
}

func TestThumbnail(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.get("/thumbnails/abc").Code)

	require.NoError(t, os.MkdirAll(ts.lib.Dir()+"/thumbnails", 0o755))
	require.NoError(t, os.WriteFile(ts.lib.ThumbnailPath("abc"), []byte("jpeg"), 0o644))
	rec := ts.get("/thumbnails/abc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestHealth(t *testing.T) {
	lib := media.NewLibrary(t.TempDir(), nil, zerolog.Nop())
	var dbErr error
	checks := map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return dbErr },
		"redis":    func(context.Context) error { return nil },
	}
	h := New(config.Config{}, Deps{Videos: newFakeVideos(), Jobs: newFakeJobs(), Media: lib, Checks: checks}, zerolog.Nop()).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	dbErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres")
}

type panickingVideos struct{ *fakeVideos }

func (panickingVideos) GetVideoByIdentifier(context.Context, string) (models.Video, error) {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	lib := media.NewLibrary(t.TempDir(), nil, zerolog.Nop())
	h := New(config.Config{}, Deps{Videos: panickingVideos{newFakeVideos()}, Jobs: newFakeJobs(), Media: lib}, zerolog.Nop()).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/watch?v=abc", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWatchToMediaFlow(t *testing.T) {
	ts := newTestServer(t)

	loc := ts.get("/watch?v=abc").Header().Get("Location")
	require.Equal(t, "/results/job-1", loc)
	assert.Equal(t, http.StatusAccepted, ts.get(loc).Code)

	// Worker side: record created and file downloaded.
	ts.videos.rows[1] = models.Video{ID: 1, Identifier: "abc"}
	require.NoError(t, os.WriteFile(ts.lib.VideoPath("abc"), []byte("movie"), 0o644))
	ts.jobs.finish("job-1", 1)

	rec := ts.get(loc)
	require.Equal(t, http.StatusFound, rec.Code)
	mediaURL := rec.Header().Get("Location")
	assert.Equal(t, "/media/abc", mediaURL)
	assert.Equal(t, "movie", ts.get(mediaURL).Body.String())

	rec = ts.get("/watch?v=abc")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/media/abc", rec.Header().Get("Location"))
	assert.Len(t, ts.jobs.payloads, 1, "resolved video needs no second job")
}
