package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schaermu/ddworktree/internal/config"
	"github.com/schaermu/ddworktree/internal/doctor"
	"github.com/schaermu/ddworktree/internal/drift"
	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/render"
	ddsync "github.com/schaermu/ddworktree/internal/sync"
	"github.com/schaermu/ddworktree/internal/watch"
)

var (
	allPairs bool

	syncDryRun         bool
	syncAutoCommit     bool
	syncNoCommit       bool
	syncPrune          bool
	syncAcceptDiverged bool
	syncYes            bool

	doctorFix bool

	configGet  string
	configSet  string
	configList bool
)

var driftCmd = &cobra.Command{
	Use:   "drift [alias|path...]",
	Short: "Report divergence between the trees of a pair",
	Long: `Drift compares the commits and files of both trees of a pair and lists every
path that is not in sync. It exits with status 1 when drift is found.

Without arguments the pair owning the working directory is checked.`,
	RunE: runDrift,
}

var syncCmd = &cobra.Command{
	Use:   "sync [alias|path...]",
	Short: "Bring the trees of a pair back in sync",
	Long: `Sync detects drift, builds a plan of copies, stages and commits, and applies it
under the pair lock. Conflicts are never resolved automatically; they are
skipped and reported and the command exits with status 1.

Unless auto_sync is set or --auto-commit is given, the plan is shown and
confirmed interactively first.`,
	RunE: runSync,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor [alias|path...]",
	Short: "Diagnose, and with --fix repair, pairs",
	Long: `Doctor checks that both trees exist, have valid HEADs and a common ancestor, that
the registry entry is consistent, that the local ignore scope is a superset of
main's, and reports drift.

With --fix it recreates a missing local tree, writes a missing local ignore
file and registers unregistered tree pairs. It never deletes content.`,
	RunE: runDoctor,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered pairs with their drift state",
	RunE:  runList,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or change options in the registry file",
	Example: `  ddworktree config --list
  ddworktree config --get auto_sync
  ddworktree config --set auto_sync true`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfig,
}

var watchCmd = &cobra.Command{
	Use:   "watch [alias...]",
	Short: "Sync pairs whenever either tree commits",
	Long: `Watch follows the HEAD of both trees of every selected pair. After a commit in
either tree, pairs with sync_on_commit sync automatically; other pairs only
log the drift. Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	driftCmd.Flags().BoolVar(&allPairs, "all", false, "check every registered pair")

	syncCmd.Flags().BoolVar(&allPairs, "all", false, "sync every registered pair")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "show the plan without changing anything (default from dry_run_default)")
	syncCmd.Flags().BoolVar(&syncAutoCommit, "auto-commit", false, "apply and commit without asking")
	syncCmd.Flags().BoolVar(&syncNoCommit, "no-commit", false, "copy and stage but do not commit")
	syncCmd.Flags().BoolVar(&syncPrune, "prune", false, "apply deletions to the other tree")
	syncCmd.Flags().BoolVar(&syncAcceptDiverged, "accept-diverged", false, "sync even though both trees have independent commits")
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "do not ask for confirmation")

	doctorCmd.Flags().BoolVar(&allPairs, "all", false, "check every registered pair and look for unregistered ones")
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "apply non-destructive fixes")

	configCmd.Flags().StringVar(&configGet, "get", "", "print the value of an option")
	configCmd.Flags().StringVar(&configSet, "set", "", "set an option: --set KEY VALUE or --set KEY=VALUE")
	configCmd.Flags().BoolVar(&configList, "list", false, "list every option with its value")
}

func runDrift(cmd *cobra.Command, args []string) error {
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

	results := a.detector.DetectAll(ctx, pairs, a.workers)
	reports := make([]*drift.Report, 0, len(results))
	var failures []error
	drifting := 0
	for _, r := range results {
		if r.Err != nil {
			a.logger.Error("drift detection failed", "pair", r.Pair.Alias, "error", r.Err)
			failures = append(failures, r.Err)
			continue
		}
		reports = append(reports, r.Report)
		if r.Report.HasDrift() || r.Report.CommitConflict {
			drifting++
		}
	}

	err = a.emit(reportsValue(reports), func(w io.Writer) {
		for _, r := range reports {
			render.DriftReport(w, r)
		}
	})
	if err != nil {
		return err
	}

	if drifting > 0 {
		failures = append(failures, fmt.Errorf("%w in %d pair(s)", errs.ErrDrift, drifting))
	}
	return firstErr(failures...)
}

// reportsValue unwraps single results so `-o json` on one pair is an object
func reportsValue[T any](items []T) any {
	if len(items) == 1 {
		return items[0]
	}
	return items
}

func runSync(cmd *cobra.Command, args []string) error {
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

	engine := ddsync.NewEngine(a.git, a.detector, a.locks, a.logger)
	var (
		outcomes []*ddsync.Outcome
		failures []error
	)
	for _, p := range pairs {
		out, err := a.syncPair(ctx, cmd, engine, p)
		if out != nil {
			outcomes = append(outcomes, out)
		}
		if err != nil {
			failures = append(failures, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	err = a.emit(reportsValue(outcomes), func(w io.Writer) {
		for _, o := range outcomes {
			render.Plan(w, o.Plan)
			if o.Result != nil {
				render.ApplyResult(w, o.Result)
			}
			render.Unconverged(w, o.Unconverged)
		}
	})
	if err != nil {
		return err
	}
	return firstErr(failures...)
}

func (a *app) syncPair(ctx context.Context, cmd *cobra.Command, engine *ddsync.Engine, p registry.Pair) (*ddsync.Outcome, error) {
	dryRun := p.Options.DryRunDefault
	if cmd.Flags().Changed("dry-run") {
		dryRun = syncDryRun
	}

	pol := ddsync.Policy{
		AutoSync:       p.Options.AutoSync || syncAutoCommit || syncYes,
		Commit:         !syncNoCommit,
		Prune:          syncPrune,
		AcceptDiverged: syncAcceptDiverged,
	}

	if !pol.AutoSync && !dryRun && interactive() {
		preview := pol
		preview.AutoSync = true
		out, err := engine.Run(ctx, p, preview, true)
		if out == nil {
			return nil, err
		}
		if len(out.Plan.Mutations()) == 0 {
			return out, err
		}
		render.Plan(os.Stderr, out.Plan)
		ok, cerr := confirm(fmt.Sprintf("Apply %d action(s) to %s?", len(out.Plan.Mutations()), p.Alias),
			"Copies, stages and commits listed above will run in order.")
		if cerr != nil {
			return out, cerr
		}
		if !ok {
			a.logger.Info("sync declined", "pair", p.Alias)
			return out, fmt.Errorf("%w: sync of %s declined", errs.ErrDrift, p.Alias)
		}
		pol.AutoSync = true
	} else if !pol.AutoSync && !dryRun {
		a.logger.Info("auto_sync is off; pass --auto-commit to apply", "pair", p.Alias)
	}

	return engine.Run(ctx, p, pol, dryRun)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	// the whole registry, plus orphan discovery, unless a pair was named or
	// the working directory belongs to one
	all := allPairs
	var pairs []registry.Pair
	if !all {
		pairs, err = a.selectPairs(args, false)
		if len(args) == 0 && errors.Is(err, errs.ErrPairNotFound) {
			all, err = true, nil
		}
		if err != nil {
			return err
		}
	}
	if all {
		pairs = a.snap.Pairs()
	}

	doc := doctor.New(a.git, a.detector, a.reg, a.locks, a.logger)
	var (
		reports  []*doctor.Report
		failures []error
	)

	if doctorFix {
		for _, p := range pairs {
			r, err := doc.Fix(ctx, a.snap, p)
			if r != nil {
				reports = append(reports, r)
			}
			if err != nil {
				failures = append(failures, err)
			}
		}
	} else {
		reports = doc.DiagnoseAll(ctx, a.snap, pairs, a.workers)
	}

	if all {
		orphans, err := doc.FindOrphans(ctx, a.snap, orphanRoots(a.snap))
		if err != nil {
			a.logger.Warn("orphan search failed", "error", err)
		}
		for _, o := range orphans {
			if doctorFix {
				r, err := doc.FixOrphan(ctx, a.snap, o)
				if err != nil {
					failures = append(failures, err)
				}
				reports = append(reports, r)
				continue
			}
			reports = append(reports, doc.DiagnoseOrphan(ctx, a.snap, o))
		}
	}

	err = a.emit(reportsValue(reports), func(w io.Writer) {
		if len(reports) == 0 {
			fmt.Fprintln(w, "no pairs to check")
		}
		for _, r := range reports {
			render.HealthReport(w, r)
		}
	})
	if err != nil {
		return err
	}

	failures = append(failures, doctor.Err(reports))
	return firstErr(failures...)
}

// orphanRoots are the repositories searched for unregistered pairs
func orphanRoots(snap *registry.Snapshot) []string {
	seen := make(map[string]bool)
	var roots []string
	add := func(dir string) {
		if dir != "" && !seen[dir] {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				seen[dir] = true
				roots = append(roots, dir)
			}
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		add(cwd)
	}
	for _, p := range snap.Pairs() {
		add(p.Main)
	}
	return roots
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	results := a.detector.DetectAll(ctx, a.snap.Pairs(), a.workers)
	rows := make([]render.PairStatus, 0, len(results))
	for _, r := range results {
		row := render.PairStatus{Alias: r.Pair.Alias, Main: r.Pair.Main, Local: r.Pair.Local}
		if r.Err != nil {
			row.Error = r.Err.Error()
		} else {
			row.Divergence = r.Report.Divergence.String()
			row.Drift = r.Report.HasDrift() || r.Report.CommitConflict
			row.Entries = len(r.Report.Unresolved())
		}
		rows = append(rows, row)
	}

	return a.emit(rows, func(w io.Writer) {
		render.PairList(w, rows)
	})
}

func runConfig(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	f := a.snap.File()

	switch {
	case configSet != "":
		key, value, err := parseSet(configSet, args)
		if err != nil {
			return err
		}
		if err := a.reg.SetOption(ctx, key, value); err != nil {
			return err
		}
		a.logger.Info("option updated", "key", key, "value", value, "path", a.reg.Path())
		return nil

	case configGet != "":
		v, ok := f.Get(configGet)
		if !ok {
			return &errs.ConfigError{Path: f.Path, Err: fmt.Errorf("option %s is not set", configGet)}
		}
		fmt.Fprintln(a.out, v)
		return nil

	case len(args) > 0:
		return fmt.Errorf("unexpected argument %q (use --set KEY VALUE)", args[0])

	case configList:
		values := optionValues(f)
		return a.emit(values, func(w io.Writer) {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				line := fmt.Sprintf("%s = %s", k, values[k])
				if d := config.Descriptions[k]; d != "" {
					line += "  # " + d
				}
				fmt.Fprintln(w, line)
			}
		})
	}
	return cmd.Help()
}

func parseSet(key string, args []string) (string, string, error) {
	if len(args) == 1 {
		return key, args[0], nil
	}
	if k, v, ok := strings.Cut(key, "="); ok && k != "" {
		return k, v, nil
	}
	return "", "", &errs.ConfigError{Err: fmt.Errorf("--set needs KEY VALUE or KEY=VALUE, got %q", key)}
}

// optionValues renders every recognized option plus preserved unknown ones
func optionValues(f *config.File) map[string]string {
	out := make(map[string]string)
	for k := range config.Descriptions {
		if v, ok := f.Get(k); ok {
			out[k] = v
		}
	}
	for k := range f.ExtraOptions {
		if v, ok := f.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	pairs := a.snap.Pairs()
	if len(args) > 0 {
		if pairs, err = a.selectPairs(args, false); err != nil {
			return err
		}
	}
	if len(pairs) == 0 {
		return &errs.ConfigError{Path: a.reg.Path(), Err: fmt.Errorf("no pairs to watch")}
	}

	engine := ddsync.NewEngine(a.git, a.detector, a.locks, a.logger)
	w := watch.New(a.git, a.detector, engine, a.logger, watch.DefaultDelay)
	a.logger.Info("starting watcher", "pairs", len(pairs))
	return w.Run(ctx, pairs)
}
