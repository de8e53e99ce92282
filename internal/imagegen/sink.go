package imagegen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// StoredImage locates a saved image
type StoredImage struct {
	Filename string
	URL      string
}

// ImageSink persists generated image bytes
type ImageSink interface {
	Save(ctx context.Context, data []byte) (StoredImage, error)
}

// DirSink writes PNG files into a directory served under PublicPrefix
type DirSink struct {
	Dir          string
	PublicPrefix string
}

// NewDirSink creates a sink writing into dir
func NewDirSink(dir, publicPrefix string) *DirSink {
	return &DirSink{Dir: dir, PublicPrefix: publicPrefix}
}

// Save writes data under a fresh random name
func (s *DirSink) Save(_ context.Context, data []byte) (StoredImage, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return StoredImage{}, fmt.Errorf("failed to create image directory: %w", err)
	}
	name := uuid.NewString() + ".png"
	if err := os.WriteFile(filepath.Join(s.Dir, name), data, 0644); err != nil {
		return StoredImage{}, fmt.Errorf("failed to write image: %w", err)
	}
	return StoredImage{
		Filename: name,
		URL:      strings.TrimRight(s.PublicPrefix, "/") + "/" + name,
	}, nil
}
