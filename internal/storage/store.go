// Package storage persists enrollment images and per-student metadata.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Object is one image ready to be stored.
type Object struct {
	StudentID   string
	StudentName string
	ClassName   string
	Position    string
	Data        []byte
	ContentType string
	CreatedAt   time.Time
}

// ImageStore writes an object and returns a reference to it.
type ImageStore interface {
	Name() string
	Save(ctx context.Context, obj Object) (string, error)
}

// Saved describes where an object ended up.
type Saved struct {
	Reference string
	Backend   string
	Fallback  bool
}

// ObjectPath lays objects out as {prefix}/{class}/{name}/{id}_{position}_{millis}.jpg.
func ObjectPath(prefix string, obj Object) string {
	file := fmt.Sprintf("%s_%s_%d.jpg", segment(obj.StudentID), segment(obj.Position), obj.CreatedAt.UnixMilli())
	return path.Join(segment(prefix), segment(obj.ClassName), segment(obj.StudentName), file)
}

func segment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

// Chain tries the primary store and falls back to the next ones in order.
type Chain struct {
	stores []ImageStore
	logger *zap.Logger
}

// NewChain builds a chain; nil stores are skipped.
func NewChain(logger *zap.Logger, stores ...ImageStore) *Chain {
	c := &Chain{logger: logger.Named("storage")}
	for _, s := range stores {
		if s != nil {
			c.stores = append(c.stores, s)
		}
	}
	return c
}

// Backends lists the configured store names, primary first.
func (c *Chain) Backends() []string {
	names := make([]string, 0, len(c.stores))
	for _, s := range c.stores {
		names = append(names, s.Name())
	}
	return names
}

// Save stores obj in the first store that accepts it.
func (c *Chain) Save(ctx context.Context, obj Object) (Saved, error) {
	if len(c.stores) == 0 {
		return Saved{}, fmt.Errorf("no image store configured")
	}
	var errs error
	for i, s := range c.stores {
		ref, err := s.Save(ctx, obj)
		if err == nil {
			if i > 0 {
				c.logger.Warn("image stored on fallback backend",
					zap.String("backend", s.Name()),
					zap.String("subject_id", obj.StudentID),
					zap.String("slot", obj.Position),
					zap.Error(errs))
			}
			return Saved{Reference: ref, Backend: s.Name(), Fallback: i > 0}, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return Saved{}, errs
}
