// Package binary stores named executable images for tasks.
//
// A Registry maps a name to exactly one Image. Images are allocated once and never moved:
// the *Image returned by Register stays valid (and keeps its backing bytes) for the lifetime
// of the Registry. Images outlive task sets; the task manager does not remove them when it
// clears its tasks. Remove exists only to roll back a registration nothing references yet.
package binary

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/evan-idocoding/taskmgr/rt/quota"
)

var (
	// ErrInvalidName is returned by Register when the name is empty after trimming or holds
	// characters outside [A-Za-z0-9._-].
	ErrInvalidName = errors.New("binary: invalid name")
	// ErrSizeMismatch is returned by Register when a name is already registered with a different size.
	ErrSizeMismatch = errors.New("binary: size mismatch for registered name")
)

// Image is a named, fixed-size byte region holding a task's executable payload.
type Image struct {
	name string
	data []byte
}

// Name returns the registered name.
func (im *Image) Name() string { return im.name }

// Size returns the image size in bytes.
func (im *Image) Size() int { return len(im.data) }

// Bytes returns the writable backing region. Its length is always Size().
func (im *Image) Bytes() []byte { return im.data }

// Registry is a name-indexed image store.
//
// It is safe for concurrent use.
type Registry struct {
	budget *quota.Budget

	mu     sync.Mutex
	images map[string]*Image
}

// NewRegistry creates a registry that reserves image memory from budget.
// A nil budget means unlimited.
func NewRegistry(budget *quota.Budget) *Registry {
	return &Registry{
		budget: budget,
		images: make(map[string]*Image),
	}
}

// Register returns the image registered as name, allocating size bytes on first use.
//
// Registering an existing name with the same size returns the existing handle without
// allocating. A different size fails with ErrSizeMismatch. Allocation failures are
// reported as quota.ErrExhausted.
func (r *Registry) Register(name string, size int) (*Image, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("binary: %q: negative size %d", name, size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if im, ok := r.images[name]; ok {
		if im.Size() != size {
			return nil, fmt.Errorf("%w: %q has %d bytes, requested %d", ErrSizeMismatch, name, im.Size(), size)
		}
		return im, nil
	}
	if err := r.budget.Reserve(uint64(size)); err != nil {
		return nil, fmt.Errorf("binary: %q: %w", name, err)
	}
	im := &Image{name: name, data: make([]byte, size)}
	r.images[name] = im
	return im, nil
}

// Lookup finds an image by name.
func (r *Registry) Lookup(name string) (*Image, bool) {
	name = NormalizeName(name)
	r.mu.Lock()
	im, ok := r.images[name]
	r.mu.Unlock()
	return im, ok
}

// Remove unregisters im and returns its bytes to the budget. It reports false when im is not
// the image registered under its name. The caller must ensure no task holds im.
func (r *Registry) Remove(im *Image) bool {
	if im == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.images[im.name] != im {
		return false
	}
	delete(r.images, im.name)
	r.budget.Release(uint64(len(im.data)))
	return true
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.images))
	for name := range r.images {
		out = append(out, name)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the number of registered images.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}
