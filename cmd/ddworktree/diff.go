package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schaermu/ddworktree/internal/drift"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/render"
)

var (
	diffPair     string
	diffNameOnly bool
	diffPatch    bool
)

var diffCmd = &cobra.Command{
	Use:   "diff [path...]",
	Short: "Show how the files of a pair's trees differ",
	Long: `Diff lists the paths that differ between the main and the local tree, read
as a diff from main to local: A exists only in local, D only in main, M in
both with different content. Paths restrict the output to those files or
directories, relative to the tree root.

Unlike drift, diff exits 0 when differences are found.`,
	Example: `  ddworktree diff
  ddworktree diff --name-only src/
  ddworktree diff --pair app --patch app.py`,
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().StringVar(&diffPair, "pair", "", "alias or path of the pair (default: the pair owning the working directory)")
	diffCmd.Flags().BoolVar(&diffNameOnly, "name-only", false, "print only the change letter and path")
	diffCmd.Flags().BoolVar(&diffPatch, "patch", false, "print a unified diff per path")
	diffCmd.MarkFlagsMutuallyExclusive("name-only", "patch")
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	var refs []string
	if diffPair != "" {
		refs = []string{diffPair}
	}
	pairs, err := a.selectPairs(refs, false)
	if err != nil {
		return err
	}
	p := pairs[0]

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	r, entries, err := a.diffPair(ctx, p, treePaths(p, cwd, args))
	if err != nil {
		return err
	}

	if a.format != render.Text {
		return render.Structured(a.out, a.format, struct {
			Pair       string             `json:"pair" yaml:"pair"`
			Divergence drift.Divergence   `json:"divergence" yaml:"divergence"`
			Entries    []render.DiffEntry `json:"entries" yaml:"entries"`
		}{p.Alias, r.Divergence, entries})
	}

	if !diffPatch {
		render.Diff(a.out, r, entries, diffNameOnly)
		return nil
	}
	return a.writePatches(ctx, a.out, p, entries)
}

// diffPair detects drift and keeps the entries below prefixes
func (a *app) diffPair(ctx context.Context, p registry.Pair, prefixes []string) (*drift.Report, []render.DiffEntry, error) {
	r, err := a.detector.Detect(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return r, render.DiffEntries(r, r.Select(prefixes)), nil
}

func (a *app) writePatches(ctx context.Context, w io.Writer, p registry.Pair, entries []render.DiffEntry) error {
	for _, e := range entries {
		rel := filepath.FromSlash(e.Path)
		patch, err := a.git.Patch(ctx, p.Main, filepath.Join(p.Main, rel), filepath.Join(p.Local, rel))
		if err != nil {
			return err
		}
		render.Patch(w, e, patch)
	}
	return nil
}

// treePaths turns path arguments into slash-separated prefixes relative to
// the tree root. Relative arguments given from inside one of the pair's
// trees are taken relative to the working directory.
func treePaths(p registry.Pair, cwd string, args []string) []string {
	base := ""
	for _, root := range []string{p.Main, p.Local} {
		if rel, ok := below(root, cwd); ok {
			base = rel
			break
		}
	}

	out := make([]string, 0, len(args))
	for _, arg := range args {
		if filepath.IsAbs(arg) {
			for _, root := range []string{p.Main, p.Local} {
				if rel, ok := below(root, arg); ok {
					out = append(out, rel)
					break
				}
			}
			continue
		}
		out = append(out, filepath.ToSlash(filepath.Join(base, arg)))
	}
	return out
}

// below returns path relative to root when it lies inside it
func below(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		rel = ""
	}
	return filepath.ToSlash(rel), true
}
