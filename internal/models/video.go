package models

import (
	"regexp"
	"time"
)

// MediaExtension is the container every download is stored as.
const MediaExtension = "mp4"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidIdentifier reports whether s can be used as an external video key and
// as a file name in the media directory.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Video is a row of the videos table.
type Video struct {
	ID          int64     `json:"id"`
	Identifier  string    `json:"youtube_id"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	URL         *string   `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Resolved reports whether the media URL has been written.
func (v Video) Resolved() bool {
	return v.URL != nil && *v.URL != ""
}

// MediaPath is the router path a resolved video is served from.
func MediaPath(identifier string) string {
	return "/media/" + identifier
}
