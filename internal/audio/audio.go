// Package audio names, stores and serves uploaded audio objects.
package audio

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/tjfontaine/report-relay/internal/domain"
)

// DefaultFormat is assumed when an object name has no recognized suffix.
const DefaultFormat = "mp3"

const maxNameLength = 255

var mimeTypes = map[string]string{
	"mp3": "audio/mpeg",
	"wav": "audio/wav",
	"ogg": "audio/ogg",
	"aac": "audio/aac",
}

// ObjectStore holds audio bytes by object name. Implementations report a
// missing object with an error wrapping fs.ErrNotExist and a denied read
// with one wrapping fs.ErrPermission.
type ObjectStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Put(ctx context.Context, name string, r io.Reader, contentType string) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// ObjectName derives the stored name for an upload from its content hash and
// declared MIME type.
func ObjectName(fileHash, contentType string) string {
	ext := DefaultFormat
	if i := strings.LastIndex(contentType, "/"); i >= 0 {
		suffix := strings.ToLower(contentType[i+1:])
		if _, ok := mimeTypes[suffix]; ok {
			ext = suffix
		}
	}
	return fileHash + "." + ext
}

// FormatOf returns the audio format implied by name's suffix.
func FormatOf(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if _, ok := mimeTypes[ext]; ok {
		return ext
	}
	return DefaultFormat
}

// ContentType returns the MIME type served for name.
func ContentType(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ct, ok := mimeTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ValidateName rejects names that could escape the store's namespace.
func ValidateName(name string) error {
	switch {
	case name == "":
		return domain.ErrValidation("missing object_name")
	case len(name) > maxNameLength:
		return domain.ErrValidation("object_name too long")
	case name == "." || name == "..":
		return domain.ErrValidation(fmt.Sprintf("invalid object_name %q", name))
	case strings.ContainsAny(name, "/\\\x00"):
		return domain.ErrValidation(fmt.Sprintf("invalid object_name %q", name))
	}
	return nil
}
