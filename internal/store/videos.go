package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/models"
)

const videoColumns = `id, identifier, title, description, url, created_at`

// CreateVideo inserts a record inside its own transaction and returns the
// generated id once committed. A second record for the same identifier fails
// with a DuplicateIdentifier error.
func (s *Store) CreateVideo(ctx context.Context, v models.Video) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", apperrors.MapDBError(err))
	}
	defer tx.Rollback(ctx) // no-op after commit

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO videos (identifier, title, description)
		VALUES ($1, $2, $3)
		RETURNING id
	`, v.Identifier, v.Title, v.Description).Scan(&id)
	if err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.Is(mapped, apperrors.CodeDuplicateIdentifier) {
			return 0, apperrors.DuplicateIdentifier(v.Identifier, err)
		}
		return 0, fmt.Errorf("insert video: %w", mapped)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", apperrors.MapDBError(err))
	}
	return id, nil
}

// GetVideo loads a record by primary key.
func (s *Store) GetVideo(ctx context.Context, id int64) (models.Video, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	v, err := scanVideo(row)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return models.Video{}, apperrors.NotFoundf("video %d not found", id)
	}
	return v, err
}

// GetVideoByIdentifier loads a record by its external key.
func (s *Store) GetVideoByIdentifier(ctx context.Context, identifier string) (models.Video, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE identifier = $1`, identifier)
	v, err := scanVideo(row)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return models.Video{}, apperrors.NotFoundf("video %q not found", identifier)
	}
	return v, err
}

// SetVideoURL writes the media URL unless one is already stored and returns
// the record as persisted, so concurrent callers all observe the first write.
func (s *Store) SetVideoURL(ctx context.Context, id int64, url string) (models.Video, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE videos SET url = $2 WHERE id = $1 AND url IS NULL`, id, url)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video url: %w", apperrors.MapDBError(err))
	}
	if tag.RowsAffected() == 1 {
		s.log.Info().Int64("video_id", id).Str("url", url).Msg("media url resolved")
	}
	return s.GetVideo(ctx, id)
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var title, description, url pgtype.Text
	if err := row.Scan(&v.ID, &v.Identifier, &title, &description, &url, &v.CreatedAt); err != nil {
		return models.Video{}, fmt.Errorf("scan video: %w", apperrors.MapDBError(err))
	}
	v.Title = textPtr(title)
	v.Description = textPtr(description)
	v.URL = textPtr(url)
	return v, nil
}
