// Package camera provides frame sources for the capture workflow.
package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/example/face-enroll/internal/imagecodec"
	"github.com/example/face-enroll/internal/workflow"
)

var (
	ErrInUse    = errors.New("camera is already in use")
	ErrNoFrames = errors.New("no image files found")
	ErrReleased = errors.New("camera stream released")
)

// DirectoryCamera replays the image files of a directory as camera frames,
// in name order, wrapping around at the end.
type DirectoryCamera struct {
	dir      string
	maxBytes int64

	mu       sync.Mutex
	acquired bool
}

// NewDirectoryCamera returns a camera reading from dir. Files are listed on
// every acquisition, so frames can be added between sessions.
func NewDirectoryCamera(dir string, maxBytes int64) *DirectoryCamera {
	return &DirectoryCamera{dir: dir, maxBytes: maxBytes}
}

// Acquire grants exclusive access until the stream is closed.
func (c *DirectoryCamera) Acquire(ctx context.Context) (workflow.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := listFrames(c.dir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return nil, ErrInUse
	}
	c.acquired = true
	return &directoryStream{camera: c, files: files}, nil
}

func (c *DirectoryCamera) release() {
	c.mu.Lock()
	c.acquired = false
	c.mu.Unlock()
}

type directoryStream struct {
	camera *DirectoryCamera
	files  []string

	mu     sync.Mutex
	next   int
	closed bool
}

// Frame returns the next file as a data URL.
func (s *directoryStream) Frame(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrReleased
	}
	path := s.files[s.next%len(s.files)]
	s.next++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	img, err := imagecodec.Decode(data, s.camera.maxBytes)
	if err != nil {
		return "", fmt.Errorf("frame %s: %w", filepath.Base(path), err)
	}
	return imagecodec.DataURL(img.Data, img.ContentType), nil
}

// Close releases the camera. It is safe to call more than once.
func (s *directoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.camera.release()
	return nil
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read frame folder %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	sort.Strings(files)
	return files, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	}
	return false
}
