// Package scope compiles the ignore-pattern sources of a working tree into a
// matcher and classifies paths across the two trees of a pair.
package scope

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// BaseFile is the per-directory ignore file shared by both trees of a pair
const BaseFile = ".gitignore"

// Source is one ignore-pattern file and the directory it applies to
type Source struct {
	// Path is slash-separated and relative to the tree root
	Path      string
	Domain    []string
	Patterns  []string
	LocalOnly bool
}

// Scope is the compiled, immutable ignore set of one tree
type Scope struct {
	root    string
	sources []Source
	matcher gitignore.Matcher
}

// Load builds the scope for the tree at root. When localFile is non-empty the
// root-level local-only pattern file is appended after every base source,
// together with an implicit pattern ignoring the local file itself.
func Load(root, localFile string) (*Scope, error) {
	sources, err := discoverBase(root)
	if err != nil {
		return nil, err
	}

	if localFile != "" {
		local := Source{
			Path:      localFile,
			Patterns:  []string{"/" + localFile},
			LocalOnly: true,
		}
		data, err := os.ReadFile(filepath.Join(root, localFile))
		switch {
		case err == nil:
			local.Patterns = append(local.Patterns, parseLines(data)...)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to read %s: %w", localFile, err)
		}
		sources = append(sources, local)
	}

	return New(root, sources), nil
}

// New compiles sources in order; later patterns take precedence
func New(root string, sources []Source) *Scope {
	var patterns []gitignore.Pattern
	for _, src := range sources {
		for _, line := range src.Patterns {
			patterns = append(patterns, gitignore.ParsePattern(line, src.Domain))
		}
	}
	return &Scope{
		root:    root,
		sources: sources,
		matcher: gitignore.NewMatcher(patterns),
	}
}

// Root returns the tree this scope was loaded from
func (s *Scope) Root() string {
	return s.root
}

// Sources returns the pattern sources in precedence order
func (s *Scope) Sources() []Source {
	return s.sources
}

// Ignored reports whether a slash-separated relative path is ignored. As in
// git, a path below an excluded directory stays excluded even when a later
// negation names it, because git never looks inside that directory.
func (s *Scope) Ignored(path string, isDir bool) bool {
	if path == "" || path == "." {
		return false
	}
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if s.matcher.Match(parts[:i], true) {
			return true
		}
	}
	return s.matcher.Match(parts, isDir)
}

// discoverBase walks the tree collecting every .gitignore, parents before
// children, without descending into ignored directories, .git, or nested
// repositories.
func discoverBase(root string) ([]Source, error) {
	var sources []Source
	var patterns []gitignore.Pattern

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		rel, err := RelativePath(root, path)
		if err != nil {
			return err
		}
		if rel != "." {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if _, err := os.Lstat(filepath.Join(path, ".git")); err == nil {
				return filepath.SkipDir
			}
			if gitignore.NewMatcher(patterns).Match(strings.Split(rel, "/"), true) {
				return filepath.SkipDir
			}
		}

		data, err := os.ReadFile(filepath.Join(path, BaseFile))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", filepath.Join(path, BaseFile), err)
		}

		var domain []string
		srcPath := BaseFile
		if rel != "." {
			domain = strings.Split(rel, "/")
			srcPath = rel + "/" + BaseFile
		}
		src := Source{Path: srcPath, Domain: domain, Patterns: parseLines(data)}
		for _, line := range src.Patterns {
			patterns = append(patterns, gitignore.ParsePattern(line, domain))
		}
		sources = append(sources, src)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover ignore files in %s: %w", root, err)
	}

	return sources, nil
}

func parseLines(data []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// RelativePath returns target relative to baseDir with forward slashes
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
