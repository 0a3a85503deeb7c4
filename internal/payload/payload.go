// Package payload resolves flash images from disk.
package payload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/s7tools/provd/internal/model"
)

// MaxImageSize bounds how large an image the provider accepts. The target
// flash is a few megabytes, anything bigger is a wrong file.
const MaxImageSize = 16 << 20

// Provider loads payload images for flash jobs.
type Provider struct {
	maxSize int64
}

func NewProvider() *Provider {
	return &Provider{maxSize: MaxImageSize}
}

// WithMaxSize overrides the image size bound.
func (p *Provider) WithMaxSize(n int64) *Provider {
	if n > 0 {
		p.maxSize = n
	}
	return p
}

// Resolve reads the image named by the profile. Missing, empty and
// oversized images are configuration errors.
func (p *Provider) Resolve(profile model.PayloadProfile) ([]byte, error) {
	if profile.SourcePath == "" {
		return nil, fmt.Errorf("%w: payload source path is empty", model.ErrConfig)
	}

	info, err := os.Stat(profile.SourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: payload %s does not exist", model.ErrConfig, profile.SourcePath)
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting payload %s: %w", profile.SourcePath, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: payload %s is empty", model.ErrConfig, profile.SourcePath)
	}
	if info.Size() > p.maxSize {
		return nil, fmt.Errorf("%w: payload %s is %d bytes, limit is %d", model.ErrConfig, profile.SourcePath, info.Size(), p.maxSize)
	}

	data, err := os.ReadFile(profile.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", profile.SourcePath, err)
	}
	return data, nil
}
