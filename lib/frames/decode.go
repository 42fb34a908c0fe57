// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
	"golang.org/x/sync/errgroup"
)

// MaxImagePixels bounds the width*height of an encoded frame. Larger images
// are rejected before their pixels are decoded.
const MaxImagePixels = 8192 * 8192

// ErrImageTooLarge is returned for frames over MaxImagePixels.
var ErrImageTooLarge = errors.New("image too large")

// DecodeImages decodes encoded images in parallel and scales each one to
// size x size. Output order matches input order.
func DecodeImages(ctx context.Context, blobs [][]byte, size int) ([]Frame, error) {
	out := make([]Frame, len(blobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, blob := range blobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := decodeImage(blob)
			if err != nil {
				return fmt.Errorf("decoding frame %d: %w", i, err)
			}
			out[i] = FromImage(img, size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeImage(blob []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("empty image: %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(blob))
	return img, err
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// DirSource samples frames from a directory of still images, such as the
// output of `ffmpeg -i clip.mp4 frames/%05d.png`. Files are ordered by name.
type DirSource struct {
	Dir    string
	Count  int // frames to sample, DefaultCount if zero
	Size   int // output resolution, DefaultSize if zero
	Logger *zap.Logger
}

// Frames implements Source.
func (s *DirSource) Frames(ctx context.Context) ([]Frame, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	count := s.Count
	if count <= 0 {
		count = DefaultCount
	}
	size := s.Size
	if size <= 0 {
		size = DefaultSize
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(s.Dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", s.Dir)
	}
	sort.Strings(files)

	indices := UniformIndices(len(files), count)
	blobs := make([][]byte, len(indices))
	for i, idx := range indices {
		if blobs[i], err = os.ReadFile(files[idx]); err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}
	}
	logger.Debug("Sampled frames",
		zap.String("dir", s.Dir),
		zap.Int("available", len(files)),
		zap.Ints("indices", indices))

	return DecodeImages(ctx, blobs, size)
}
