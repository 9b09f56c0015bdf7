package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/render"
)

var statusShort bool

var statusCmd = &cobra.Command{
	Use:   "status [alias|path...]",
	Short: "Show the git status of both trees and the drift of a pair",
	Long: `Status prints, for each selected pair, the branch, HEAD and uncommitted changes
of the main and the local tree followed by a drift summary.

Without arguments the pair owning the working directory is shown.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&allPairs, "all", false, "show every registered pair")
	statusCmd.Flags().BoolVarP(&statusShort, "short", "s", false, "one line per pair")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	pairs, err := a.selectPairs(args, allPairs)
	if err != nil {
		return err
	}

	states := a.pairStates(ctx, pairs)
	return a.emit(reportsValue(states), func(w io.Writer) {
		render.Status(w, states, statusShort)
	})
}

// pairStates collects tree status and drift of every pair, a bounded
// number of pairs at a time.
func (a *app) pairStates(ctx context.Context, pairs []registry.Pair) []render.PairState {
	states := make([]render.PairState, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.workers, 1))
	for i, p := range pairs {
		g.Go(func() error {
			states[i] = a.pairState(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return states
}

func (a *app) pairState(ctx context.Context, p registry.Pair) render.PairState {
	s := render.PairState{
		Alias:  p.Alias,
		Branch: p.Branch,
		Main:   a.treeState(ctx, p.Main),
		Local:  a.treeState(ctx, p.Local),
	}

	r, err := a.detector.Detect(ctx, p)
	if err != nil {
		a.logger.Warn("drift detection failed", "pair", p.Alias, "error", err)
		s.Error = err.Error()
		return s
	}
	s.Divergence = r.Divergence.String()
	s.Synced = r.SyncPoint != nil
	s.CommitConflict = r.CommitConflict
	for _, e := range r.Unresolved() {
		if s.Drift == nil {
			s.Drift = make(map[string]int)
		}
		s.Drift[e.Verdict.String()]++
	}
	return s
}

func (a *app) treeState(ctx context.Context, tree string) render.TreeState {
	t := render.TreeState{Path: tree}
	head, err := a.git.HeadOf(ctx, tree)
	if err != nil {
		t.Error = err.Error()
		return t
	}
	t.Head = head
	if t.Branch, err = a.git.CurrentBranch(ctx, tree); err != nil {
		t.Error = err.Error()
		return t
	}
	st, err := a.git.Status(ctx, tree)
	if err != nil {
		t.Error = err.Error()
		return t
	}
	t.Modified, t.Deleted, t.Untracked = st.Modified, st.Deleted, st.Untracked
	return t
}
