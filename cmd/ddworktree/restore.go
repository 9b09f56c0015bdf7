package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/scope"
)

var (
	restoreFrom  string
	restoreForce bool
	restoreYes   bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <tree>",
	Short: "Rebuild a missing tree of a pair from the other tree",
	Long: `Restore recreates one tree of a pair at the HEAD of the other tree. A restored
local tree gets a fresh local ignore file; a restored main tree checks out the
branch the pair is bound to, creating it at the local tree's HEAD if needed.

The pair is found by the tree's location, or named with --from. An existing
tree is only replaced with --force, after confirmation.`,
	Example: `  ddworktree restore ../app-local
  ddworktree restore ../app --from app --force`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreFrom, "from", "", "alias of the pair the tree belongs to")
	restoreCmd.Flags().BoolVar(&restoreForce, "force", false, "replace the tree when it still exists")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "do not ask before replacing")
}

// restored describes a finished restore
type restored struct {
	Target string
	Source string
	Commit string
	Branch string
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	target, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	p, err := a.restoreTarget(target, restoreFrom)
	if err != nil {
		return err
	}

	if _, err := os.Stat(target); err == nil && restoreForce && !restoreYes {
		ok, err := a.confirmRemoval(target)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("refusing to replace %s without confirmation (pass --yes)", target)
		}
	}

	res, err := a.restoreTree(ctx, p, target, restoreForce)
	if err != nil {
		return err
	}
	at := res.Commit
	if len(at) > 8 {
		at = at[:8]
	}
	if res.Branch != "" {
		at = res.Branch + " " + at
	}
	fmt.Fprintf(a.out, "restored %s from %s at %s\n", res.Target, res.Source, at)
	return nil
}

// restoreTarget finds the pair owning tree, by alias when from is given
func (a *app) restoreTarget(tree, from string) (registry.Pair, error) {
	if from == "" {
		p, ok := a.snap.FindByTree(tree)
		if !ok {
			return registry.Pair{}, fmt.Errorf("%w (pass the pair with --from)", &errs.NotFoundError{Ref: tree})
		}
		return p, nil
	}

	p, err := a.snap.Get(from)
	if err != nil {
		return registry.Pair{}, err
	}
	if !git.SamePath(tree, p.Main) && !git.SamePath(tree, p.Local) {
		return registry.Pair{}, fmt.Errorf("%s is neither tree of pair %s (%s <> %s)", tree, p.Alias, p.Main, p.Local)
	}
	return p, nil
}

// restoreTree recreates target from the pair's other tree under the pair
// lock. An existing target is removed through git first when replace is
// set; a directory git does not know as a worktree is never deleted.
func (a *app) restoreTree(ctx context.Context, p registry.Pair, target string, replace bool) (restored, error) {
	isLocal := git.SamePath(target, p.Local)
	res := restored{Target: target, Source: p.Local}
	if isLocal {
		res.Source = p.Main
	}

	if err := a.git.CheckTree(ctx, res.Source); err != nil {
		return res, fmt.Errorf("cannot restore from %s: %w", res.Source, err)
	}

	l, err := a.reg.LockPair(ctx, p.Alias)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			a.logger.Warn("failed to release pair lock", "pair", p.Alias, "error", err)
		}
	}()

	switch _, err := os.Stat(target); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return res, err
	case !replace:
		return res, fmt.Errorf("%s exists; pass --force to replace it", target)
	default:
		if err := a.git.RemoveTree(ctx, res.Source, target, true); err != nil {
			return res, fmt.Errorf("failed to remove %s, move it aside and retry: %w", target, err)
		}
		a.logger.Info("existing tree removed", "pair", p.Alias, "location", target)
	}

	if res.Commit, err = a.git.HeadOf(ctx, res.Source); err != nil {
		return res, err
	}

	commit := res.Commit
	if !isLocal && p.Branch != "" {
		res.Branch = p.Branch
		exists, err := a.git.BranchExists(ctx, res.Source, p.Branch)
		if err != nil {
			return res, err
		}
		if exists {
			commit = ""
		}
	}
	if err := a.git.CreateTreeAt(ctx, res.Source, target, commit, res.Branch); err != nil {
		return res, err
	}
	if commit == "" {
		if res.Commit, err = a.git.HeadOf(ctx, target); err != nil {
			return res, err
		}
	}

	if isLocal {
		if _, err := scope.WriteLocalFile(target, p.Options.LocalIgnoreFile, p.Options.LocalIgnorePatterns, false); err != nil {
			return res, fmt.Errorf("failed to write local ignore file: %w", err)
		}
	}

	a.logger.Info("tree restored", "pair", p.Alias, "location", target, "source", res.Source, "commit", res.Commit, "branch", res.Branch)
	return res, nil
}
