// Package templates loads and renders named email templates.
package templates

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a named template does not exist.
	ErrNotFound = errors.New("templates: template not found")
	// ErrInvalidName is returned for names that escape the template root.
	ErrInvalidName = errors.New("templates: invalid template name")
)

// Store is a source of raw template text.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
}

// Config holds configuration for creating a Store.
type Config struct {
	Type       string // "local" or "s3"
	Path       string // template directory for the local store
	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	S3Region   string
}

// NewStore creates a Store from cfg. An empty or unknown type falls back to
// the local store with a warning.
func NewStore(cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(cfg)
	default:
		log.Warn().
			Str("type", cfg.Type).
			Msg("unsupported or empty template store type, defaulting to local")
		return NewLocalStore(cfg.Path)
	}
}

// cleanName normalizes a template name to a slash-separated relative path.
func cleanName(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '\\') || strings.HasPrefix(name, "/") {
		return "", ErrInvalidName
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidName
	}
	return cleaned, nil
}
