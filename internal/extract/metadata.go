package extract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/models"
)

// Metadata is the subset of extractor output the service keeps.
type Metadata struct {
	ID          string
	Title       *string
	Description *string
	Thumbnail   string
	Duration    float64
	WebpageURL  string
}

// Video converts metadata into a record ready for insertion.
func (m Metadata) Video() models.Video {
	return models.Video{
		Identifier:  m.ID,
		Title:       copyText(m.Title),
		Description: copyText(m.Description),
	}
}

// rawInfo mirrors the yt-dlp info dict. Title and description may be null.
type rawInfo struct {
	ID          string  `json:"id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Thumbnail   string  `json:"thumbnail"`
	Duration    float64 `json:"duration"`
	WebpageURL  string  `json:"webpage_url"`
	Type        string  `json:"_type"`
}

// ParseMetadata decodes and validates a yt-dlp JSON info dict. The id, title
// and description keys must be present; title and description may be null.
func ParseMetadata(data []byte) (Metadata, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return Metadata{}, &apperrors.AppError{
			Code:    apperrors.CodeValidation,
			Message: "decode extractor metadata",
			Cause:   err,
		}
	}
	var raw rawInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, &apperrors.AppError{
			Code:    apperrors.CodeValidation,
			Message: "decode extractor metadata",
			Cause:   err,
		}
	}
	if raw.Type == "playlist" {
		return Metadata{}, apperrors.Validation("_type", "playlists are not supported")
	}

	for _, name := range []string{"id", "title", "description"} {
		if _, ok := keys[name]; !ok {
			return Metadata{}, apperrors.Validation(name, fmt.Sprintf("extractor metadata missing %q", name))
		}
	}

	m := Metadata{
		ID:          strings.TrimSpace(raw.ID),
		Title:       sanitizeOptional(raw.Title),
		Description: sanitizeOptional(raw.Description),
		Thumbnail:   strings.TrimSpace(raw.Thumbnail),
		Duration:    raw.Duration,
		WebpageURL:  raw.WebpageURL,
	}
	if !models.ValidIdentifier(m.ID) {
		return Metadata{}, apperrors.Validation("id", fmt.Sprintf("extractor returned unusable id %q", m.ID))
	}
	return m, nil
}

func sanitizeOptional(s *string) *string {
	if s == nil {
		return nil
	}
	clean := sanitizeText(*s)
	return &clean
}

func copyText(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// sanitizeText drops invalid UTF-8 and control characters other than
// newlines and tabs, then trims surrounding whitespace.
func sanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// SourceURL builds the canonical watch URL for an identifier.
func SourceURL(base, identifier string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse source base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("source base url %q is not absolute", base)
	}
	q := u.Query()
	q.Set("v", identifier)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
