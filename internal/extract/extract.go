// Package extract turns attachment bytes into text the LLM can summarize.
package extract

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupported is returned for attachment types without a handler. The
// engine records a fixed placeholder summary instead of failing the stage.
var ErrUnsupported = errors.New("unsupported attachment type")

// Extractor converts one attachment into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, filename string) (string, error)
}

var textExtensions = map[string]struct{}{
	".txt":  {},
	".csv":  {},
	".log":  {},
	".md":   {},
	".json": {},
	".xml":  {},
	".html": {},
}

// Text handles plain-text attachment formats. Anything else gets
// ErrUnsupported.
type Text struct{}

func NewText() *Text {
	return &Text{}
}

func (e *Text) Extract(ctx context.Context, data []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := textExtensions[ext]; !ok {
		return "", ErrUnsupported
	}
	if !utf8.Valid(data) {
		return "", ErrUnsupported
	}
	return string(data), nil
}
