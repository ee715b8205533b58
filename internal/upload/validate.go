// Package upload classifies candidate file attachments before they are
// allowed into an outgoing payload. Everything here is synchronous and
// operates on in-memory metadata only; no file or network I/O.
package upload

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const MiB = 1 << 20

// FileClass distinguishes the two attachment families with different
// acceptance rules.
type FileClass string

const (
	ClassImage FileClass = "image"
	ClassVideo FileClass = "video"
)

// Limit is the acceptance rule for one attachment field. Limits are
// per-field configuration: different fields on the same resource may
// carry different byte caps.
type Limit struct {
	Class    FileClass
	MaxBytes int64
}

// ImageLimit returns an image rule with the given byte cap.
func ImageLimit(maxBytes int64) Limit {
	return Limit{Class: ClassImage, MaxBytes: maxBytes}
}

// VideoLimit returns a video rule with the given byte cap.
func VideoLimit(maxBytes int64) Limit {
	return Limit{Class: ClassVideo, MaxBytes: maxBytes}
}

// FileMeta is the metadata of a candidate file as reported by the
// editor's multipart upload.
type FileMeta struct {
	Name        string
	ContentType string
	Size        int64
}

// Outcome is the result of validating a single candidate file.
type Outcome struct {
	Accepted bool
	Reason   string
}

var imageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
}

var videoTypes = map[string]struct{}{
	"video/mp4": {},
}

// Validate classifies a candidate file against a field's limit. The
// byte cap is inclusive: a file exactly at MaxBytes is accepted.
func Validate(meta FileMeta, limit Limit) Outcome {
	contentType := strings.ToLower(strings.TrimSpace(meta.ContentType))
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}

	allowed := imageTypes
	if limit.Class == ClassVideo {
		allowed = videoTypes
	}
	if _, ok := allowed[contentType]; !ok {
		return Outcome{Reason: fmt.Sprintf("unsupported %s type %q", limit.Class, contentType)}
	}
	if meta.Size > limit.MaxBytes {
		return Outcome{Reason: fmt.Sprintf("%s exceeds %d MiB limit", limit.Class, limit.MaxBytes/MiB)}
	}
	return Outcome{Accepted: true}
}

// ErrInvalidVideoURL is returned when no embed identifier can be
// recovered from a user-supplied video link.
var ErrInvalidVideoURL = errors.New("unrecognized video URL")

// videoIDPattern matches the hosted-video URL shapes editors paste:
// watch links, short links, embed links and shorts links. The embed
// identifier is always an 11-character token.
var videoIDPattern = regexp.MustCompile(`(?:youtube\.com/(?:watch\?(?:.*&)?v=|embed/|shorts/)|youtu\.be/)([A-Za-z0-9_-]{11})`)

// ParseVideoURL extracts the embed identifier from a hosted-video link
// and returns the normalized embeddable URL.
func ParseVideoURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidVideoURL
	}
	match := videoIDPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return "", ErrInvalidVideoURL
	}
	return "https://www.youtube.com/embed/" + match[1], nil
}
