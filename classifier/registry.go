package classifier

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Registry holds the active signature set and swaps it atomically on reload.
// Readers never block: Classify loads the current set pointer and runs
// against an immutable snapshot.
type Registry struct {
	current atomic.Pointer[Set]
	group   singleflight.Group
	logger  *zap.Logger

	reloads  atomic.Uint64
	failures atomic.Uint64

	readFile func(string) ([]byte, error)
}

// NewRegistry creates a registry serving set, or the embedded set when nil.
func NewRegistry(set *Set, logger *zap.Logger) *Registry {
	if set == nil {
		set = Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:   logger.Named("classifier"),
		readFile: os.ReadFile,
	}
	r.current.Store(set)
	return r
}

// Current returns the active set.
func (r *Registry) Current() *Set {
	return r.current.Load()
}

// Classify runs the active set against a normalized payload.
func (r *Registry) Classify(normalized string) (Match, bool) {
	return r.current.Load().Classify(normalized)
}

// Swap replaces the active set.
func (r *Registry) Swap(set *Set) {
	if set == nil {
		return
	}
	old := r.current.Swap(set)
	r.logger.Info("signature set swapped",
		zap.Int("old_version", old.Version()),
		zap.Int("new_version", set.Version()),
		zap.Int("signatures", set.Len()))
}

// Reload reads and compiles the signature file at path and makes it active.
// Concurrent reloads of the same path share one read and compile. On error
// the active set is left untouched.
func (r *Registry) Reload(ctx context.Context, path string) (*Set, error) {
	ch := r.group.DoChan(path, func() (interface{}, error) {
		data, err := r.readFile(path)
		if err != nil {
			return nil, fmt.Errorf("read signature file: %w", err)
		}
		set, err := Parse(data)
		if err != nil {
			return nil, err
		}
		r.Swap(set)
		r.reloads.Add(1)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.failures.Add(1)
			r.logger.Warn("signature reload failed, keeping active set",
				zap.String("path", path),
				zap.Int("active_version", r.Current().Version()),
				zap.Error(res.Err))
			return nil, res.Err
		}
		return res.Val.(*Set), nil
	}
}

// Reloads returns the number of successful reloads.
func (r *Registry) Reloads() uint64 { return r.reloads.Load() }

// ReloadFailures returns the number of failed reloads.
func (r *Registry) ReloadFailures() uint64 { return r.failures.Load() }
