// Package ocr extracts text from proof images.
package ocr

import (
	"context"
	"errors"
)

// ErrNoText is returned when an image produced no recognizable text.
// Callers may treat it as empty text rather than an upstream failure.
var ErrNoText = errors.New("no text recognized")

// Extractor turns an image into plain text.
type Extractor interface {
	Extract(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Static returns fixed text for every image. Used for local runs and tests.
type Static struct {
	Text string
}

// Extract returns the configured text.
func (s Static) Extract(context.Context, []byte, string) (string, error) {
	return s.Text, nil
}
