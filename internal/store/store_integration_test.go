package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/models"
)

// newTestStore connects to TEST_DATABASE_URL and resets the schema. Tests are
// skipped when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := New(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Reset(ctx))
	return st
}

func strPtr(s string) *string { return &s }

func TestVideoIdentifierIsUnique(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateVideo(ctx, models.Video{Identifier: "abc123", Title: strPtr("first")})
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = st.CreateVideo(ctx, models.Video{Identifier: "abc123", Title: strPtr("second")})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeDuplicateIdentifier))

	got, err := st.GetVideoByIdentifier(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "first", *got.Title)
	assert.Nil(t, got.URL)
}

func TestSetVideoURLFirstWriteWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateVideo(ctx, models.Video{Identifier: "xyz"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	urls := []string{"/media/xyz", "/media/other", "/media/third"}
	results := make([]models.Video, len(urls))
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			v, err := st.SetVideoURL(ctx, id, u)
			assert.NoError(t, err)
			results[i] = v
		}(i, u)
	}
	wg.Wait()

	stored, err := st.GetVideo(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.URL)
	for _, r := range results {
		require.NotNil(t, r.URL)
		assert.Equal(t, *stored.URL, *r.URL)
	}

	again, err := st.SetVideoURL(ctx, id, "/media/late")
	require.NoError(t, err)
	assert.Equal(t, *stored.URL, *again.URL)
}

func TestGetVideoNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetVideo(ctx, 4242)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	_, err = st.GetVideoByIdentifier(ctx, "nope")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestJobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, CreateJobParams{
		Type:    models.TaskDownloadVideo,
		Payload: map[string]any{"source_url": "https://www.youtube.com/watch?v=abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)

	require.NoError(t, st.SetWorkerID(ctx, job.ID, "w1"))
	require.NoError(t, st.MarkSuccess(ctx, job.ID, json.RawMessage(`42`)))
	require.NoError(t, st.AppendAudit(ctx, job.ID, "succeeded", "worker completed job"))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Finished())
	assert.JSONEq(t, `42`, string(got.Result))
	assert.Equal(t, "w1", *got.WorkerID)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", got.Payload["source_url"])

	trail, err := st.AuditTrail(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "succeeded", trail[0].Event)

	_, err = st.GetJob(ctx, "not-a-uuid")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	_, err = st.GetJob(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestMarkDeadLetter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, CreateJobParams{Type: models.TaskDownloadVideo})
	require.NoError(t, err)
	require.NoError(t, st.MarkDeadLetter(ctx, job.ID, 1, "unsupported url"))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Failed())
	assert.Equal(t, "unsupported url", *got.LastError)
	assert.Equal(t, 1, got.Attempts)
}

func TestMarkCancelled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, CreateJobParams{Type: models.TaskDownloadVideo, Payload: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, st.MarkCancelled(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Failed())
	assert.Error(t, st.MarkCancelled(ctx, job.ID), "already cancelled")

	done, err := st.CreateJob(ctx, CreateJobParams{Type: models.TaskDownloadVideo, Payload: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, st.MarkSuccess(ctx, done.ID, json.RawMessage(`1`)))
	assert.Error(t, st.MarkCancelled(ctx, done.ID))

	assert.True(t, apperrors.Is(st.MarkCancelled(ctx, "nope"), apperrors.CodeNotFound))
}

func TestWorkerTransitionsKeepCancelledStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, CreateJobParams{Type: models.TaskDownloadVideo, Payload: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, 0, time.Now(), nil))
	require.NoError(t, st.MarkCancelled(ctx, job.ID))

	err = st.MarkSuccess(ctx, job.ID, json.RawMessage(`1`))
	assert.True(t, errors.Is(err, models.ErrJobCancelled))
	err = st.MarkDeadLetter(ctx, job.ID, 1, "boom")
	assert.True(t, errors.Is(err, models.ErrJobCancelled))
	err = st.UpdateAttempts(ctx, job.ID, 1, time.Now(), "boom")
	assert.True(t, errors.Is(err, models.ErrJobCancelled))
	err = st.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, 0, time.Now(), nil)
	assert.True(t, errors.Is(err, models.ErrJobCancelled))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Empty(t, got.Result)
	assert.Equal(t, 0, got.Attempts)
}
