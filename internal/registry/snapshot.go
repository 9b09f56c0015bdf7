package registry

import (
	"path/filepath"
	"strings"

	"github.com/schaermu/ddworktree/internal/config"
	"github.com/schaermu/ddworktree/internal/errs"
)

// Snapshot is an immutable view of the registry taken at command start
type Snapshot struct {
	file  *config.File
	pairs map[string]Pair
}

func newSnapshot(f *config.File) *Snapshot {
	s := &Snapshot{file: f, pairs: make(map[string]Pair, len(f.Pairs))}
	for alias, e := range f.Pairs {
		s.pairs[alias] = Pair{
			Alias:     alias,
			Main:      f.ResolvePath(e.Main),
			Local:     f.ResolvePath(e.Local),
			Branch:    e.Branch,
			Broken:    e.Broken,
			Overrides: e.Overrides,
			Options:   f.Options.Merge(e.Overrides),
		}
	}
	return s
}

// File exposes the decoded registry file; callers must not modify it
func (s *Snapshot) File() *config.File {
	return s.file
}

// Options returns the process-wide options
func (s *Snapshot) Options() config.Options {
	return s.file.Options
}

// Pairs returns every pair ordered by alias
func (s *Snapshot) Pairs() []Pair {
	out := make([]Pair, 0, len(s.pairs))
	for _, alias := range s.file.Aliases() {
		out = append(out, s.pairs[alias])
	}
	return out
}

// Get looks a pair up by alias
func (s *Snapshot) Get(alias string) (Pair, error) {
	p, ok := s.pairs[alias]
	if !ok {
		return Pair{}, &errs.NotFoundError{Ref: alias}
	}
	return p, nil
}

// Resolve accepts an alias or any path inside one of a pair's trees. The
// most specific tree wins when trees are nested.
func (s *Snapshot) Resolve(ref string) (Pair, error) {
	if p, ok := s.pairs[ref]; ok {
		return p, nil
	}

	target := canonical(ref)
	var (
		best    Pair
		bestLen = -1
	)
	for _, p := range s.Pairs() {
		for _, tree := range []string{p.Main, p.Local} {
			root := canonical(tree)
			if within(target, root) && len(root) > bestLen {
				best, bestLen = p, len(root)
			}
		}
	}
	if bestLen < 0 {
		return Pair{}, &errs.NotFoundError{Ref: ref}
	}
	return best, nil
}

// FindByTree returns the pair owning exactly this tree root
func (s *Snapshot) FindByTree(tree string) (Pair, bool) {
	for _, p := range s.Pairs() {
		if samePath(p.Main, tree) || samePath(p.Local, tree) {
			return p, true
		}
	}
	return Pair{}, false
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}
