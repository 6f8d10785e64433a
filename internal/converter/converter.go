// Package converter turns attachment inputs into variant files. Converters
// are registered against a variant key at startup.
package converter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitwise74/attachments/internal/attachment"
)

var (
	ErrTimeout       = errors.New("converter timed out")
	ErrMissingBinary = errors.New("required binary not found")
)

// BlurhashOptions sets the number of components used for the placeholder.
type BlurhashOptions struct {
	X int
	Y int
}

type Options struct {
	Width  int
	Height int

	// Fit is one of cover, contain, inside or fill. Defaults to cover
	Fit string

	// Format is the output image format, jpeg when empty
	Format  string
	Quality int

	// Seek is the position in seconds video frames are taken from
	Seek float64

	Blurhash *BlurhashOptions
	Timeout  time.Duration
}

// Converter produces a derived file from in. A nil output with a nil error
// means the input can't be converted and the variant should be skipped.
type Converter interface {
	Convert(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error)
}

// Func adapts a plain function to Converter.
type Func func(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error)

func (f Func) Convert(ctx context.Context, in *attachment.Input, opts Options) (*attachment.Input, error) {
	return f(ctx, in, opts)
}

// Entry is a converter bound to a variant key together with its options.
type Entry struct {
	Key       string
	Converter Converter
	Options   Options
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func (r *Registry) Register(key string, c Converter, opts Options) error {
	if key == "" {
		return errors.New("converter key can't be empty")
	}
	if c == nil {
		return fmt.Errorf("converter %q is nil", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("converter %q is already registered", key)
	}
	r.entries[key] = Entry{Key: key, Converter: c, Options: opts}
	return nil
}

func (r *Registry) Get(key string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Keys returns the registered keys sorted by name.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
