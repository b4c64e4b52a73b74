package enrollment

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSlot is returned for labels outside the configured slot list.
	ErrUnknownSlot = errors.New("unknown capture slot")
	// ErrEmptySlots is returned when a capture set is built without slots.
	ErrEmptySlots = errors.New("capture set needs at least one slot")
)

// CaptureSet maps slot labels to captured images over a fixed, ordered list
// of slots. A slot holds at most one image, so the set can never grow past
// the number of slots.
type CaptureSet struct {
	slots  []string
	index  map[string]int
	images map[string]CapturedImage
}

// NewCaptureSet builds an empty set for the given ordered slots.
func NewCaptureSet(slots []string) (*CaptureSet, error) {
	if len(slots) == 0 {
		return nil, ErrEmptySlots
	}
	index := make(map[string]int, len(slots))
	for i, s := range slots {
		if _, dup := index[s]; dup {
			return nil, fmt.Errorf("duplicate capture slot %q", s)
		}
		index[s] = i
	}
	return &CaptureSet{
		slots:  append([]string(nil), slots...),
		index:  index,
		images: make(map[string]CapturedImage, len(slots)),
	}, nil
}

// Slots returns the configured slot labels in order.
func (c *CaptureSet) Slots() []string {
	return append([]string(nil), c.slots...)
}

// Target is the size of a complete set.
func (c *CaptureSet) Target() int { return len(c.slots) }

// Len is the number of filled slots.
func (c *CaptureSet) Len() int { return len(c.images) }

// Complete reports whether every slot is filled.
func (c *CaptureSet) Complete() bool { return len(c.images) == len(c.slots) }

// IndexOf returns the position of a slot label.
func (c *CaptureSet) IndexOf(slot string) (int, bool) {
	i, ok := c.index[slot]
	return i, ok
}

// Put inserts or replaces the image at img.Slot.
func (c *CaptureSet) Put(img CapturedImage) error {
	if _, ok := c.index[img.Slot]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, img.Slot)
	}
	c.images[img.Slot] = img
	return nil
}

// Remove deletes a slot's image and reports whether one was there.
func (c *CaptureSet) Remove(slot string) (bool, error) {
	if _, ok := c.index[slot]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	_, had := c.images[slot]
	delete(c.images, slot)
	return had, nil
}

// Get returns the image stored at slot.
func (c *CaptureSet) Get(slot string) (CapturedImage, bool) {
	img, ok := c.images[slot]
	return img, ok
}

// Has reports whether slot is filled.
func (c *CaptureSet) Has(slot string) bool {
	_, ok := c.images[slot]
	return ok
}

// FirstEmpty returns the index of the first unfilled slot, or Target()
// when the set is complete.
func (c *CaptureSet) FirstEmpty() int {
	for i, s := range c.slots {
		if _, ok := c.images[s]; !ok {
			return i
		}
	}
	return len(c.slots)
}

// Images returns the stored images in slot order.
func (c *CaptureSet) Images() []CapturedImage {
	out := make([]CapturedImage, 0, len(c.images))
	for _, s := range c.slots {
		if img, ok := c.images[s]; ok {
			out = append(out, img)
		}
	}
	return out
}

// Clone returns an independent copy.
func (c *CaptureSet) Clone() *CaptureSet {
	cp := &CaptureSet{
		slots:  c.slots,
		index:  c.index,
		images: make(map[string]CapturedImage, len(c.images)),
	}
	for k, v := range c.images {
		cp.images[k] = v
	}
	return cp
}

// Clear removes every image.
func (c *CaptureSet) Clear() {
	c.images = make(map[string]CapturedImage, len(c.slots))
}
