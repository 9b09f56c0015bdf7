// Package registry is the durable mapping from pair aliases to their two
// working trees, backed by the registry file.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schaermu/ddworktree/internal/config"
	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/lock"
)

// registryLock serializes read-modify-write of the registry file itself
const registryLock = "\x00registry"

// Pair is a resolved registry entry with its effective options
type Pair struct {
	Alias     string
	Main      string
	Local     string
	Branch    string
	Broken    bool
	Overrides config.Overrides
	Options   config.Options
}

// Registry reads snapshots of and applies mutations to the registry file
type Registry struct {
	path   string
	locks  *lock.Manager
	logger *slog.Logger
}

// Open returns a registry backed by the file at path
func Open(path string, locks *lock.Manager, logger *slog.Logger) *Registry {
	return &Registry{path: path, locks: locks, logger: logger}
}

// Path returns the registry file location
func (r *Registry) Path() string {
	return r.path
}

// Snapshot loads the registry file once; commands work from the snapshot
func (r *Registry) Snapshot() (*Snapshot, error) {
	f, err := config.Load(r.path)
	if err != nil {
		return nil, err
	}
	return newSnapshot(f), nil
}

// LockPair takes the per-pair advisory lock
func (r *Registry) LockPair(ctx context.Context, alias string) (*lock.Lock, error) {
	return r.locks.Acquire(ctx, alias)
}

// Mutate runs fn against a fresh copy of the registry under the registry
// lock and atomically writes the result.
func (r *Registry) Mutate(ctx context.Context, fn func(f *config.File) error) (*Snapshot, error) {
	l, err := r.locks.Acquire(ctx, registryLock)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			r.logger.Warn("failed to release registry lock", "error", err)
		}
	}()

	current, err := config.Load(r.path)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := config.Save(next); err != nil {
		return nil, err
	}
	r.logger.Debug("registry updated", "path", r.path)
	return newSnapshot(next), nil
}

// AddRequest describes a pair to register
type AddRequest struct {
	Alias  string
	Main   string
	Local  string
	Branch string
	Broken bool
	// Replace overwrites an existing entry with the same alias
	Replace bool
}

// Add registers a pair, generating an alias when none is given
func (r *Registry) Add(ctx context.Context, req AddRequest) (Pair, error) {
	var alias string
	snap, err := r.Mutate(ctx, func(f *config.File) error {
		alias = req.Alias
		if alias == "" {
			alias = GenerateAlias(f, req.Main)
		}

		if _, exists := f.Pairs[alias]; exists && !req.Replace {
			return &errs.CollisionError{Alias: alias}
		}
		for _, other := range f.Aliases() {
			if other == alias {
				continue
			}
			e := f.Pairs[other]
			for _, used := range []string{f.ResolvePath(e.Main), f.ResolvePath(e.Local)} {
				if samePath(used, req.Main) || samePath(used, req.Local) {
					path := req.Main
					if samePath(used, req.Local) {
						path = req.Local
					}
					return &errs.CollisionError{Alias: alias, Path: path, Existing: other}
				}
			}
		}

		f.Pairs[alias] = config.PairEntry{
			Main:   req.Main,
			Local:  req.Local,
			Branch: req.Branch,
			Broken: req.Broken,
		}
		return nil
	})
	if err != nil {
		return Pair{}, err
	}
	return snap.Get(alias)
}

// Remove drops a pair and returns what was removed
func (r *Registry) Remove(ctx context.Context, alias string) (Pair, error) {
	var removed Pair
	_, err := r.Mutate(ctx, func(f *config.File) error {
		if _, ok := f.Pairs[alias]; !ok {
			return &errs.NotFoundError{Ref: alias}
		}
		removed = newSnapshot(f).pairs[alias]
		delete(f.Pairs, alias)
		return nil
	})
	return removed, err
}

// SetOption stores an option in the registry file
func (r *Registry) SetOption(ctx context.Context, key, value string) error {
	_, err := r.Mutate(ctx, func(f *config.File) error {
		if err := f.Set(key, value); err != nil {
			return &errs.ConfigError{Path: f.Path, Err: fmt.Errorf("option %s: %w", key, err)}
		}
		return nil
	})
	return err
}

// GenerateAlias derives an alias from the main tree's directory name with
// the local suffix stripped, adding a counter from 2 on collision.
func GenerateAlias(f *config.File, mainPath string) string {
	base := filepath.Base(filepath.Clean(mainPath))
	base = strings.TrimSuffix(base, f.Options.LocalSuffix)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "pair"
	}

	alias := base
	for n := 2; ; n++ {
		if _, exists := f.Pairs[alias]; !exists {
			return alias
		}
		alias = base + "-" + strconv.Itoa(n)
	}
}

// InferRoles decides which of two trees is main using the local suffix.
// When neither or both carry the suffix the order is kept.
func InferRoles(treeA, treeB, suffix string) (mainTree, localTree string) {
	aLocal := strings.HasSuffix(filepath.Base(treeA), suffix)
	bLocal := strings.HasSuffix(filepath.Base(treeB), suffix)
	if aLocal && !bLocal {
		return treeB, treeA
	}
	return treeA, treeB
}

// LocalPathFor returns the conventional local tree location for a main tree
func LocalPathFor(mainTree, suffix string) string {
	return filepath.Clean(mainTree) + suffix
}
