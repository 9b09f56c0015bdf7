package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/scope"
)

var (
	pairAlias  string
	pairBranch string
	pairForce  bool
	pairBroken bool

	unpairRemoveTrees bool
	unpairKeepBoth    bool
	unpairYes         bool

	wtNoLocal   bool
	wtBranch    string
	wtKeepLocal bool
	wtYes       bool
)

var pairCmd = &cobra.Command{
	Use:   "pair <tree> <tree>",
	Short: "Register two existing working trees as a pair",
	Long: `Pair registers two working trees of the same repository. The tree whose name
ends in local_suffix becomes the local tree; otherwise the first argument is
main. Both trees must share history unless --broken is given.`,
	Args: cobra.ExactArgs(2),
	RunE: runPair,
}

var unpairCmd = &cobra.Command{
	Use:   "unpair [alias|path]",
	Short: "Remove a pair from the registry",
	Long: `Unpair drops the registry entry of a pair and leaves both trees on disk.
With --remove-trees the local tree is removed as well, which needs --yes or
an interactive confirmation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnpair,
}

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Create, remove and list paired working trees",
}

var worktreeAddCmd = &cobra.Command{
	Use:   "add <path> [commitish]",
	Short: "Create a main tree and its local tree and register them",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runWorktreeAdd,
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove [alias|path]",
	Short: "Remove the trees of a pair and unregister it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWorktreeRemove,
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered pairs",
	Args:  cobra.NoArgs,
	RunE:  runWorktreeList,
}

func init() {
	pairCmd.Flags().StringVar(&pairAlias, "alias", "", "pair alias (default: main tree name)")
	pairCmd.Flags().StringVar(&pairBranch, "branch", "", "branch bound to the pair")
	pairCmd.Flags().BoolVar(&pairForce, "force", false, "replace an existing pair with the same alias")
	pairCmd.Flags().BoolVar(&pairBroken, "broken", false, "register trees without common history")

	unpairCmd.Flags().BoolVar(&unpairRemoveTrees, "remove-trees", false, "also remove the local tree")
	unpairCmd.Flags().BoolVar(&unpairKeepBoth, "keep-both", false, "keep both trees (default)")
	unpairCmd.Flags().BoolVarP(&unpairYes, "yes", "y", false, "do not ask for confirmation")
	unpairCmd.MarkFlagsMutuallyExclusive("remove-trees", "keep-both")

	worktreeAddCmd.Flags().BoolVar(&wtNoLocal, "no-local", false, "create only the main tree")
	worktreeAddCmd.Flags().StringVarP(&wtBranch, "branch", "b", "", "create this branch in the main tree (default from default_branch)")
	worktreeRemoveCmd.Flags().BoolVar(&wtKeepLocal, "keep-local", false, "keep the local tree")
	worktreeRemoveCmd.Flags().BoolVarP(&wtYes, "yes", "y", false, "do not ask for confirmation")

	worktreeCmd.AddCommand(worktreeAddCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	worktreeCmd.AddCommand(worktreeListCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	treeA, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	treeB, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	mainTree, localTree := registry.InferRoles(treeA, treeB, a.snap.Options().LocalSuffix)

	for _, tree := range []string{mainTree, localTree} {
		if err := a.git.CheckTree(ctx, tree); err != nil {
			return &errs.ConfigError{Path: tree, Err: err}
		}
	}
	if !pairBroken {
		if err := a.requireSharedHistory(ctx, mainTree, localTree); err != nil {
			return err
		}
	}

	branch := pairBranch
	if branch == "" {
		branch = a.snap.Options().DefaultBranch
	}
	p, err := a.reg.Add(ctx, registry.AddRequest{
		Alias:   pairAlias,
		Main:    mainTree,
		Local:   localTree,
		Branch:  branch,
		Broken:  pairBroken,
		Replace: pairForce,
	})
	if err != nil {
		return err
	}

	a.logger.Info("pair registered", "pair", p.Alias, "main", p.Main, "local", p.Local, "broken", p.Broken)
	fmt.Fprintf(a.out, "registered %s: %s <> %s\n", p.Alias, p.Main, p.Local)
	return nil
}

func (a *app) requireSharedHistory(ctx context.Context, mainTree, localTree string) error {
	headMain, err := a.git.HeadOf(ctx, mainTree)
	if err != nil {
		return err
	}
	headLocal, err := a.git.HeadOf(ctx, localTree)
	if err != nil {
		return err
	}
	base, err := a.git.MergeBase(ctx, mainTree, headMain, headLocal)
	if err != nil {
		return err
	}
	if base == "" {
		return &errs.ConfigError{Path: localTree, Err: fmt.Errorf("%s and %s share no history; pass --broken to pair them anyway", mainTree, localTree)}
	}
	return nil
}

func runUnpair(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	pairs, err := a.selectPairs(args, false)
	if err != nil {
		return err
	}
	return a.unregister(ctx, pairs[0], unpairRemoveTrees, unpairYes)
}

// unregister drops p from the registry under its pair lock and, when asked
// and confirmed, removes its local tree.
func (a *app) unregister(ctx context.Context, p registry.Pair, removeLocal, yes bool) error {
	if removeLocal && !yes {
		ok, err := a.confirmRemoval(p.Local)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("refusing to remove %s without confirmation (pass --yes)", p.Local)
		}
	}

	l, err := a.locks.Acquire(ctx, p.Alias)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			a.logger.Warn("failed to release pair lock", "pair", p.Alias, "error", err)
		}
	}()

	if removeLocal {
		if err := a.git.RemoveTree(ctx, p.Main, p.Local, false); err != nil {
			return err
		}
		a.logger.Info("local tree removed", "pair", p.Alias, "location", p.Local)
	}

	if _, err := a.reg.Remove(ctx, p.Alias); err != nil {
		return err
	}
	a.logger.Info("pair unregistered", "pair", p.Alias)
	fmt.Fprintf(a.out, "unregistered %s\n", p.Alias)
	return nil
}

func (a *app) confirmRemoval(tree string) (bool, error) {
	if !interactive() {
		return false, nil
	}
	return confirm(fmt.Sprintf("Remove %s?", tree),
		"The working tree and any local-only files in it will be deleted.")
}

func runWorktreeAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	repo, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	mainTree, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	commitish := "HEAD"
	if len(args) > 1 {
		commitish = args[1]
	}
	branch := wtBranch
	if branch == "" {
		branch = a.snap.Options().DefaultBranch
	}

	if wtNoLocal {
		if err := a.git.CreateTreeAt(ctx, repo, mainTree, commitish, branch); err != nil {
			return err
		}
		a.logger.Info("main tree created", "location", mainTree, "commit", commitish, "branch", branch)
		fmt.Fprintf(a.out, "created %s\n", mainTree)
		return nil
	}

	p, err := a.addWorktree(ctx, repo, mainTree, commitish, branch)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created %s: %s <> %s\n", p.Alias, p.Main, p.Local)
	return nil
}

// addWorktree creates a main tree at commitish, its local tree at the
// resulting HEAD, and registers both, all under the new pair's lock. When
// a step fails the trees created so far are removed again; the error names
// anything that could not be cleaned up.
func (a *app) addWorktree(ctx context.Context, repo, mainTree, commitish, branch string) (registry.Pair, error) {
	opts := a.snap.Options()
	alias := registry.GenerateAlias(a.snap.File(), mainTree)
	localTree := registry.LocalPathFor(mainTree, opts.LocalSuffix)

	l, err := a.reg.LockPair(ctx, alias)
	if err != nil {
		return registry.Pair{}, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			a.logger.Warn("failed to release pair lock", "pair", alias, "error", err)
		}
	}()

	var created []string
	rollback := func(cause error) error {
		// cleanup must run even when the cause is an interrupt
		cleanupCtx := context.WithoutCancel(ctx)
		var left []string
		for i := len(created) - 1; i >= 0; i-- {
			if err := a.git.RemoveTree(cleanupCtx, repo, created[i], true); err != nil {
				a.logger.Warn("failed to remove partially created tree", "location", created[i], "error", err)
				left = append(left, created[i])
				continue
			}
			a.logger.Info("removed partially created tree", "location", created[i])
		}
		if branch != "" && len(created) > 0 {
			a.logger.Info("branch created for the main tree is kept", "branch", branch)
		}
		if len(left) > 0 {
			return fmt.Errorf("%w; left behind: %s", cause, strings.Join(left, ", "))
		}
		return cause
	}

	if err := a.git.CreateTreeAt(ctx, repo, mainTree, commitish, branch); err != nil {
		return registry.Pair{}, err
	}
	created = append(created, mainTree)
	a.logger.Info("main tree created", "location", mainTree, "commit", commitish, "branch", branch)

	head, err := a.git.HeadOf(ctx, mainTree)
	if err != nil {
		return registry.Pair{}, rollback(err)
	}
	if err := a.git.CreateTreeAt(ctx, mainTree, localTree, head, ""); err != nil {
		return registry.Pair{}, rollback(err)
	}
	created = append(created, localTree)

	if _, err := scope.WriteLocalFile(localTree, opts.LocalIgnoreFile, opts.LocalIgnorePatterns, false); err != nil {
		return registry.Pair{}, rollback(fmt.Errorf("failed to write local ignore file: %w", err))
	}

	p, err := a.reg.Add(ctx, registry.AddRequest{Alias: alias, Main: mainTree, Local: localTree, Branch: branch})
	if err != nil {
		return registry.Pair{}, rollback(err)
	}
	a.logger.Info("pair registered", "pair", p.Alias, "main", p.Main, "local", p.Local)
	return p, nil
}

func runWorktreeRemove(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	pairs, err := a.selectPairs(args, false)
	if err != nil {
		return err
	}
	p := pairs[0]

	trees, err := a.git.ListTrees(ctx, p.Main)
	if err != nil {
		return err
	}
	if len(trees) == 0 || git.SamePath(trees[0], p.Main) {
		return &errs.ConfigError{Path: p.Main, Err: fmt.Errorf("%s is the repository's primary working tree and cannot be removed", p.Main)}
	}
	repo := trees[0]

	if !wtYes {
		ok, err := a.confirmRemoval(p.Main)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("refusing to remove %s without confirmation (pass --yes)", p.Main)
		}
	}

	if err := a.unregister(ctx, p, !wtKeepLocal, true); err != nil {
		return err
	}
	if err := a.git.RemoveTree(ctx, repo, p.Main, false); err != nil {
		return fmt.Errorf("pair %s unregistered but main tree was not removed: %w", p.Alias, err)
	}
	a.logger.Info("main tree removed", "pair", p.Alias, "location", p.Main)
	return nil
}

func runWorktreeList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	type row struct {
		Alias  string `json:"alias" yaml:"alias"`
		Main   string `json:"main" yaml:"main"`
		Local  string `json:"local" yaml:"local"`
		Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
		Broken bool   `json:"broken,omitempty" yaml:"broken,omitempty"`
	}
	var rows []row
	for _, p := range a.snap.Pairs() {
		rows = append(rows, row{Alias: p.Alias, Main: p.Main, Local: p.Local, Branch: p.Branch, Broken: p.Broken})
	}
	return a.emit(rows, func(w io.Writer) {
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Alias, r.Main, r.Local)
		}
	})
}
