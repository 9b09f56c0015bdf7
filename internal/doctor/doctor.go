// Package doctor runs the health checks of a pair and repairs the subset of
// failures that can be fixed without destroying content.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/ddworktree/internal/config"
	"github.com/schaermu/ddworktree/internal/drift"
	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/lock"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/scope"
)

// Detector produces a fresh drift report for a pair
type Detector interface {
	Detect(ctx context.Context, p registry.Pair) (*drift.Report, error)
}

// Registrar is the part of the registry --fix needs
type Registrar interface {
	Snapshot() (*registry.Snapshot, error)
	Add(ctx context.Context, req registry.AddRequest) (registry.Pair, error)
}

// Locker hands out per-pair advisory locks
type Locker interface {
	Acquire(ctx context.Context, name string) (*lock.Lock, error)
}

// Doctor diagnoses and repairs pairs
type Doctor struct {
	git      git.Client
	detector Detector
	reg      Registrar
	locks    Locker
	logger   *slog.Logger
}

// New creates a doctor. reg and locks are only needed by the fix operations.
func New(client git.Client, detector Detector, reg Registrar, locks Locker, logger *slog.Logger) *Doctor {
	return &Doctor{
		git:      client,
		detector: detector,
		reg:      reg,
		locks:    locks,
		logger:   logger,
	}
}

// Orphan is a main/local tree pair known to git but missing from the registry
type Orphan struct {
	Main  string `json:"main" yaml:"main"`
	Local string `json:"local" yaml:"local"`
}

// facts carries what earlier checks learned to the later ones
type facts struct {
	mainErr   error
	localErr  error
	mainHead  string
	localHead string
	headsOK   bool
	ancestry  bool
}

func (f facts) treesOK() bool {
	return f.mainErr == nil && f.localErr == nil
}

func (f facts) localMissing() bool {
	return f.mainErr == nil && errors.Is(f.localErr, fs.ErrNotExist)
}

// Diagnose runs every check for a registered pair
func (d *Doctor) Diagnose(ctx context.Context, snap *registry.Snapshot, p registry.Pair) *Report {
	r, _ := d.diagnose(ctx, snap, p, true)
	return r
}

// DiagnoseOrphan runs every check for trees that are not registered
func (d *Doctor) DiagnoseOrphan(ctx context.Context, snap *registry.Snapshot, o Orphan) *Report {
	r, _ := d.diagnose(ctx, snap, orphanPair(snap, o), false)
	return r
}

func orphanPair(snap *registry.Snapshot, o Orphan) registry.Pair {
	return registry.Pair{Main: o.Main, Local: o.Local, Options: snap.Options()}
}

func (d *Doctor) diagnose(ctx context.Context, snap *registry.Snapshot, p registry.Pair, registered bool) (*Report, facts) {
	r := &Report{Pair: p.Alias, Main: p.Main, Local: p.Local}
	var f facts

	r.add(d.checkTrees(ctx, p, &f))
	r.add(d.checkHeads(ctx, p, &f))
	r.add(d.checkAncestry(ctx, p, &f))
	r.add(checkRegistry(snap, p, registered))
	r.add(checkScope(p, f))
	r.add(d.checkDrift(ctx, p, f))

	d.logger.Debug("pair diagnosed", "pair", p.Alias, "status", r.Status.String())
	return r, f
}

// (a) both roots exist and are working tree roots
func (d *Doctor) checkTrees(ctx context.Context, p registry.Pair, f *facts) Check {
	f.mainErr = d.git.CheckTree(ctx, p.Main)
	f.localErr = d.git.CheckTree(ctx, p.Local)
	c := Check{Name: CheckTrees}

	var problems, hints []string
	for _, t := range []struct {
		role, path string
		err        error
	}{{"main", p.Main, f.mainErr}, {"local", p.Local, f.localErr}} {
		switch {
		case t.err == nil:
		case errors.Is(t.err, fs.ErrNotExist):
			problems = append(problems, fmt.Sprintf("%s tree missing: %s", t.role, t.path))
			if t.role == "local" {
				hints = append(hints, "run 'ddworktree doctor --fix' to recreate the local tree from main's HEAD")
			} else {
				hints = append(hints, "check if the main tree was moved or deleted, then pair it again with 'ddworktree pair'")
			}
		default:
			problems = append(problems, fmt.Sprintf("%s tree is not valid: %v", t.role, t.err))
			hints = append(hints, "check that "+t.path+" is the root of a git working tree")
		}
	}

	if len(problems) == 0 {
		c.Status = Pass
		c.Reason = "both trees are working tree roots"
		return c
	}
	c.Status = Fail
	c.Reason = strings.Join(problems, "; ")
	c.Hint = strings.Join(hints, "; ")
	return c
}

// (b) both HEADs resolve and main is on the branch the pair is bound to
func (d *Doctor) checkHeads(ctx context.Context, p registry.Pair, f *facts) Check {
	c := Check{Name: CheckHeads}
	if !f.treesOK() {
		c.Status, c.Reason = Skip, "tree check failed"
		return c
	}

	var err error
	if f.mainHead, err = d.git.HeadOf(ctx, p.Main); err != nil {
		c.Status, c.Reason = Fail, "main HEAD does not resolve: "+err.Error()
		c.Hint = "make an initial commit in the repository"
		return c
	}
	if f.localHead, err = d.git.HeadOf(ctx, p.Local); err != nil {
		c.Status, c.Reason = Fail, "local HEAD does not resolve: "+err.Error()
		return c
	}

	f.headsOK = true
	c.Status = Pass
	c.Reason = fmt.Sprintf("main at %s, local at %s", short(f.mainHead), short(f.localHead))

	if p.Branch != "" {
		branch, err := d.git.CurrentBranch(ctx, p.Main)
		if err != nil {
			c.Status, c.Reason = Fail, "main branch does not resolve: "+err.Error()
			return c
		}
		if branch != p.Branch {
			if branch == "" {
				branch = "a detached HEAD"
			}
			c.Status = Warn
			c.Reason += fmt.Sprintf("; main is on %s but the pair is bound to %s", branch, p.Branch)
			c.Hint = fmt.Sprintf("check out %s in %s, or pair the trees again with --branch", p.Branch, p.Main)
		}
	}

	// push_local pushes the local tree's branch, so there has to be one
	if p.Options.PushLocal {
		branch, err := d.git.CurrentBranch(ctx, p.Local)
		if err != nil {
			c.Status, c.Reason = Fail, "local branch does not resolve: "+err.Error()
			return c
		}
		if branch == "" {
			c.Status = Warn
			c.Reason += "; push_local is set but the local tree has a detached HEAD"
			if c.Hint != "" {
				c.Hint += "; "
			}
			c.Hint += fmt.Sprintf("check out a branch in %s, or set %s to false", p.Local, config.KeyPushLocal)
		}
	}
	return c
}

// (c) the trees share a common ancestor unless the pair is marked broken
func (d *Doctor) checkAncestry(ctx context.Context, p registry.Pair, f *facts) Check {
	c := Check{Name: CheckAncestry}
	if !f.headsOK {
		c.Status, c.Reason = Skip, "HEAD check failed"
		return c
	}

	base, err := d.git.MergeBase(ctx, p.Main, f.mainHead, f.localHead)
	if err != nil {
		c.Status, c.Reason = Fail, err.Error()
		return c
	}
	if base != "" {
		f.ancestry = true
		c.Status, c.Reason = Pass, "common ancestor "+short(base)
		return c
	}
	if p.Broken {
		c.Status, c.Reason = Warn, "no common ancestor; pair is marked broken"
		return c
	}
	c.Status, c.Reason = Fail, "main and local share no history"
	c.Hint = "recreate the local tree with 'ddworktree worktree add', or mark the pair broken"
	return c
}

// (d) the registry entry is consistent
func checkRegistry(snap *registry.Snapshot, p registry.Pair, registered bool) Check {
	c := Check{Name: CheckRegistry}
	if !registered {
		c.Status = Fail
		c.Reason = "trees are linked in git but not registered"
		c.Hint = "run 'ddworktree doctor --fix' to register them"
		return c
	}

	var problems []string
	if p.Alias == "" {
		problems = append(problems, "alias is empty")
	}
	if p.Main == "" {
		problems = append(problems, "main path is empty")
	}
	if p.Local == "" {
		problems = append(problems, "local path is empty")
	}
	if p.Main != "" && p.Local != "" && git.SamePath(p.Main, p.Local) {
		problems = append(problems, "main and local are the same tree")
	}
	if _, err := snap.Get(p.Alias); err != nil {
		problems = append(problems, "alias is not in the registry")
	}
	for _, other := range snap.Pairs() {
		if other.Alias == p.Alias {
			continue
		}
		for _, tree := range []string{p.Main, p.Local} {
			if tree != "" && (git.SamePath(tree, other.Main) || git.SamePath(tree, other.Local)) {
				problems = append(problems, fmt.Sprintf("%s is also registered by pair %q", tree, other.Alias))
			}
		}
	}

	if len(problems) > 0 {
		c.Status = Fail
		c.Reason = strings.Join(problems, "; ")
		c.Hint = "edit the registry file or re-pair with 'ddworktree pair --force'"
		return c
	}
	c.Status, c.Reason = Pass, "entry is consistent"
	return c
}

// (e) local's ignore scope is a superset of main's
func checkScope(p registry.Pair, f facts) Check {
	c := Check{Name: CheckScope}
	if !f.treesOK() {
		c.Status, c.Reason = Skip, "tree check failed"
		return c
	}

	scopes, err := scope.LoadPair(p.Main, p.Local, p.Options.LocalIgnoreFile)
	if err != nil {
		c.Status, c.Reason = Fail, err.Error()
		return c
	}
	if problems := scopes.CheckSuperset(); len(problems) > 0 {
		reasons := make([]string, len(problems))
		for i, pr := range problems {
			reasons[i] = pr.String()
		}
		c.Status = Fail
		c.Reason = strings.Join(reasons, "; ")
		c.Hint = "every pattern ignored in main must also be ignored in local"
		return c
	}
	if _, err := os.Stat(filepath.Join(p.Local, p.Options.LocalIgnoreFile)); err != nil {
		c.Status = Warn
		c.Reason = fmt.Sprintf("local ignore file %s is missing", p.Options.LocalIgnoreFile)
		c.Hint = "run 'ddworktree doctor --fix' to generate it from local_ignore_patterns"
		return c
	}
	c.Status, c.Reason = Pass, "local scope includes main's"
	return c
}

// (f) no unresolved drift
func (d *Doctor) checkDrift(ctx context.Context, p registry.Pair, f facts) Check {
	c := Check{Name: CheckDrift}
	if !f.headsOK {
		c.Status, c.Reason = Skip, "HEAD check failed"
		return c
	}

	report, err := d.detector.Detect(ctx, p)
	if err != nil {
		c.Status, c.Reason = Fail, "cannot check synchronization: "+err.Error()
		return c
	}

	conflicts := report.Count(drift.Conflict)
	switch {
	case conflicts > 0:
		c.Status = Fail
		c.Reason = fmt.Sprintf("%d conflicting path(s)", conflicts)
		c.Hint = "resolve the conflicts by hand, then run 'ddworktree sync'"
	case report.HasDrift():
		c.Status = Warn
		c.Reason = fmt.Sprintf("%d path(s) differ between trees", len(report.Unresolved()))
		c.Hint = "run 'ddworktree sync' to synchronize files"
	default:
		c.Status = Pass
		c.Reason = fmt.Sprintf("trees in sync (%s)", report.Divergence)
	}
	return c
}

// Fix diagnoses p under its pair lock, applies the non-destructive fixes and
// diagnoses again. The report lists every fix attempted even when one fails.
func (d *Doctor) Fix(ctx context.Context, snap *registry.Snapshot, p registry.Pair) (*Report, error) {
	l, err := d.locks.Acquire(ctx, p.Alias)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			d.logger.Warn("failed to release pair lock", "pair", p.Alias, "error", err)
		}
	}()

	before, f := d.diagnose(ctx, snap, p, true)
	if before.Status == Pass {
		return before, nil
	}

	var fixes []Fix
	var failed error

	trees, _ := before.Get(CheckTrees)
	switch {
	case trees.Status != Fail:
	case f.localMissing():
		fix := d.recreateLocal(ctx, p)
		fixes = append(fixes, fix)
		if fix.Error != "" {
			failed = errors.New(fix.Error)
		}
	case f.mainErr == nil && f.localErr != nil:
		fixes = append(fixes, Fix{
			Check:  CheckTrees,
			Action: fmt.Sprintf("not recreating %s: it exists and may hold uncommitted local-only content; move it aside and run 'ddworktree doctor --fix' again", p.Local),
			Status: Warn,
		})
	}

	if sc, _ := before.Get(CheckScope); sc.Status == Warn {
		fix := d.writeLocalFile(p, false)
		fixes = append(fixes, fix)
		if fix.Error != "" && failed == nil {
			failed = errors.New(fix.Error)
		}
	}

	after, err := d.rediagnose(ctx, snap, p)
	if err != nil {
		return before, err
	}
	after.Fixes = fixes
	if failed != nil {
		return after, fmt.Errorf("%w: %w", errs.ErrApplyFailed, failed)
	}
	return after, nil
}

func (d *Doctor) recreateLocal(ctx context.Context, p registry.Pair) Fix {
	fix := Fix{Check: CheckTrees, Action: fmt.Sprintf("recreate %s at main's HEAD", p.Local)}

	head, err := d.git.HeadOf(ctx, p.Main)
	if err != nil {
		fix.Error = err.Error()
		return fix
	}
	d.logger.Info("recreating local tree", "pair", p.Alias, "location", p.Local, "commit", head)
	if err := d.git.CreateTreeAt(ctx, p.Main, p.Local, head, ""); err != nil {
		fix.Error = err.Error()
		return fix
	}

	written := d.writeLocalFile(p, true)
	if written.Error != "" {
		fix.Error = written.Error
		return fix
	}
	fix.Action = fmt.Sprintf("recreated %s at %s and wrote %s", p.Local, short(head), p.Options.LocalIgnoreFile)
	fix.Applied = true
	return fix
}

func (d *Doctor) writeLocalFile(p registry.Pair, overwrite bool) Fix {
	fix := Fix{Check: CheckScope, Action: "write " + filepath.Join(p.Local, p.Options.LocalIgnoreFile)}
	written, err := scope.WriteLocalFile(p.Local, p.Options.LocalIgnoreFile, p.Options.LocalIgnorePatterns, overwrite)
	if err != nil {
		fix.Error = err.Error()
		return fix
	}
	fix.Applied = written
	return fix
}

func (d *Doctor) rediagnose(ctx context.Context, snap *registry.Snapshot, p registry.Pair) (*Report, error) {
	if d.reg != nil {
		fresh, err := d.reg.Snapshot()
		if err != nil {
			return nil, err
		}
		snap = fresh
		if updated, err := fresh.Get(p.Alias); err == nil {
			p = updated
		}
	}
	r, _ := d.diagnose(ctx, snap, p, true)
	return r, nil
}

// FixOrphan registers unregistered trees when they are otherwise healthy
func (d *Doctor) FixOrphan(ctx context.Context, snap *registry.Snapshot, o Orphan) (*Report, error) {
	p := orphanPair(snap, o)
	before, f := d.diagnose(ctx, snap, p, false)

	if !f.headsOK || !f.ancestry {
		before.Fixes = append(before.Fixes, Fix{
			Check:  CheckRegistry,
			Action: "not registering: trees are not healthy",
			Status: Warn,
		})
		return before, nil
	}

	added, err := d.reg.Add(ctx, registry.AddRequest{Main: o.Main, Local: o.Local})
	if err != nil {
		before.Fixes = append(before.Fixes, Fix{Check: CheckRegistry, Action: "register", Error: err.Error()})
		return before, err
	}
	d.logger.Info("registered orphan pair", "pair", added.Alias, "main", o.Main, "local", o.Local)

	after, err := d.rediagnose(ctx, snap, added)
	if err != nil {
		return before, err
	}
	after.Fixes = []Fix{{Check: CheckRegistry, Action: "registered as " + added.Alias, Applied: true}}
	return after, nil
}

// FindOrphans lists tree pairs named <main> and <main><suffix> that git
// knows about through any of roots but that no registry entry covers.
func (d *Doctor) FindOrphans(ctx context.Context, snap *registry.Snapshot, roots []string) ([]Orphan, error) {
	suffix := snap.Options().LocalSuffix
	seen := make(map[string]bool)
	var out []Orphan

	for _, root := range roots {
		trees, err := d.git.ListTrees(ctx, root)
		if err != nil {
			return nil, err
		}
		for _, local := range trees {
			if suffix == "" || !strings.HasSuffix(local, suffix) {
				continue
			}
			mainTree := strings.TrimSuffix(local, suffix)
			if seen[mainTree] || !containsTree(trees, mainTree) {
				continue
			}
			seen[mainTree] = true
			if _, ok := snap.FindByTree(mainTree); ok {
				continue
			}
			if _, ok := snap.FindByTree(local); ok {
				continue
			}
			out = append(out, Orphan{Main: mainTree, Local: local})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Main < out[j].Main })
	return out, nil
}

func containsTree(trees []string, want string) bool {
	for _, t := range trees {
		if git.SamePath(t, want) {
			return true
		}
	}
	return false
}

// DiagnoseAll checks pairs concurrently, keeping the input order
func (d *Doctor) DiagnoseAll(ctx context.Context, snap *registry.Snapshot, pairs []registry.Pair, workers int) []*Report {
	reports := make([]*Report, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, p := range pairs {
		g.Go(func() error {
			reports[i] = d.Diagnose(gctx, snap, p)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// Err maps the worst status of reports to a command error
func Err(reports []*Report) error {
	var failing []string
	for _, r := range reports {
		if r.Status == Fail {
			name := r.Pair
			if name == "" {
				name = r.Main
			}
			failing = append(failing, name)
		}
	}
	if len(failing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errs.ErrUnhealthy, strings.Join(failing, ", "))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
