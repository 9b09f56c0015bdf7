// Package sync turns drift reports into plans and applies them to a pair's
// working trees.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/ddworktree/internal/drift"
	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/lock"
	"github.com/schaermu/ddworktree/internal/registry"
)

// Detector produces a fresh drift report for a pair
type Detector interface {
	Detect(ctx context.Context, p registry.Pair) (*drift.Report, error)
}

// Locker hands out per-pair advisory locks
type Locker interface {
	Acquire(ctx context.Context, name string) (*lock.Lock, error)
}

// Planner builds plans from reports
type Planner interface {
	Plan(r *drift.Report, pol Policy) *Plan
}

// Applier executes plans
type Applier interface {
	Apply(ctx context.Context, p *Plan) ApplyResult
}

var (
	_ Planner = (*Engine)(nil)
	_ Applier = (*Engine)(nil)
)

// State is the terminal state of an apply
type State int

const (
	// Noop means the plan had nothing to execute
	Noop State = iota
	// Committed means every action ran
	Committed
	// PartiallyApplied means some actions ran before a failure
	PartiallyApplied
	// Failed means the first action already failed
	Failed
)

func (s State) String() string {
	switch s {
	case Noop:
		return "noop"
	case Committed:
		return "committed"
	case PartiallyApplied:
		return "partially-applied"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state in json and yaml output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ApplyResult lists what an apply did and what it left undone. Completed
// actions are never rolled back.
type ApplyResult struct {
	State     State             `json:"state" yaml:"state"`
	Completed []Action          `json:"completed,omitempty" yaml:"completed,omitempty"`
	Remaining []Action          `json:"remaining,omitempty" yaml:"remaining,omitempty"`
	Skipped   []Action          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Commits   map[string]string `json:"commits,omitempty" yaml:"commits,omitempty"`
	Err       error             `json:"-" yaml:"-"`
}

// Outcome is everything one sync run produced
type Outcome struct {
	Report *drift.Report `json:"report" yaml:"report"`
	Plan   *Plan         `json:"plan" yaml:"plan"`
	// Result is nil for a dry-run
	Result *ApplyResult `json:"result,omitempty" yaml:"result,omitempty"`
	// Unconverged holds what a fresh report still shows after a complete
	// apply, minus the paths the plan deliberately left alone
	Unconverged []drift.Entry `json:"unconverged,omitempty" yaml:"unconverged,omitempty"`
}

// Err reports what the run left unresolved: a failed apply first, then
// conflicts, then any other skipped entry, then drift that survived the apply.
func (o *Outcome) Err() error {
	if o.Result != nil && o.Result.Err != nil {
		return o.Result.Err
	}
	if paths := o.Plan.Conflicts(); len(paths) > 0 {
		return &errs.ConflictError{Pair: o.Plan.Pair, Paths: paths}
	}
	if skipped := o.Plan.Skipped(); len(skipped) > 0 {
		return fmt.Errorf("%w: %d path(s) in %s left unresolved", errs.ErrDrift, len(skipped), o.Plan.Pair)
	}
	if len(o.Unconverged) > 0 {
		return fmt.Errorf("%w: %d path(s) in %s still drift after sync", errs.ErrDrift, len(o.Unconverged), o.Plan.Pair)
	}
	return nil
}

// Engine plans and applies syncs for one pair at a time
type Engine struct {
	git      git.Client
	detector Detector
	locks    Locker
	logger   *slog.Logger
}

// NewEngine creates a sync engine. detector and locks are only needed by Run.
func NewEngine(client git.Client, detector Detector, locks Locker, logger *slog.Logger) *Engine {
	return &Engine{
		git:      client,
		detector: detector,
		locks:    locks,
		logger:   logger,
	}
}

// Run locks the pair, detects drift, plans, and applies unless dryRun is set.
// A complete apply is followed by a second detection to confirm the pair
// converged. The returned outcome is non-nil whenever a plan was built.
func (e *Engine) Run(ctx context.Context, pair registry.Pair, pol Policy, dryRun bool) (*Outcome, error) {
	e.logger.Info("starting sync",
		"pair", pair.Alias,
		"auto_sync", pol.AutoSync,
		"commit", pol.Commit,
		"dry_run", dryRun)

	if !dryRun {
		l, err := e.locks.Acquire(ctx, pair.Alias)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := l.Release(); err != nil {
				e.logger.Warn("failed to release pair lock", "pair", pair.Alias, "error", err)
			}
		}()
	}

	report, err := e.detector.Detect(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to detect drift: %w", err)
	}

	plan := e.Plan(report, pol)
	out := &Outcome{Report: report, Plan: plan}

	if dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return out, out.Err()
	}

	res := e.Apply(ctx, plan)
	out.Result = &res
	if res.State != Noop {
		e.logger.Info("sync applied",
			"pair", pair.Alias,
			"state", res.State.String(),
			"completed", len(res.Completed),
			"remaining", len(res.Remaining))
	}

	if res.State == Committed {
		after, err := e.detector.Detect(ctx, pair)
		if err != nil {
			return out, fmt.Errorf("failed to confirm convergence: %w", err)
		}
		out.Unconverged = unconverged(plan, after)
		for _, entry := range out.Unconverged {
			e.logger.Warn("path still drifts after sync", "pair", pair.Alias, "entry", entry.String())
		}
	}
	return out, out.Err()
}

// unconverged filters a post-apply report down to the paths the plan meant
// to resolve
func unconverged(plan *Plan, after *drift.Report) []drift.Entry {
	left := make(map[string]struct{})
	for _, a := range plan.Skipped() {
		left[a.Path] = struct{}{}
	}
	for _, w := range plan.Warnings {
		if w.Path != "" {
			left[w.Path] = struct{}{}
		}
	}

	var out []drift.Entry
	for _, entry := range after.Unresolved() {
		if _, ok := left[entry.Path]; !ok {
			out = append(out, entry)
		}
	}
	return out
}

// Plan builds the plan for a report and logs its warnings
func (e *Engine) Plan(r *drift.Report, pol Policy) *Plan {
	plan := NewPlan(r, pol)
	e.logger.Info("sync plan",
		"pair", plan.Pair,
		"actions", len(plan.Mutations()),
		"skipped", len(plan.Skipped()),
		"warnings", len(plan.Warnings))
	for _, w := range plan.Warnings {
		e.logger.Warn("sync warning", "pair", plan.Pair, "path", w.Path, "verdict", w.Verdict.String(), "message", w.Message)
	}
	return plan
}

// Apply executes the plan in order and halts on the first failure.
// Cancellation is honored between actions.
func (e *Engine) Apply(ctx context.Context, plan *Plan) ApplyResult {
	res := ApplyResult{Commits: make(map[string]string)}
	if len(plan.Mutations()) == 0 {
		res.State = Noop
		res.Skipped = plan.Skipped()
		return res
	}

	for i, a := range plan.Actions {
		if !a.Mutating() {
			res.Skipped = append(res.Skipped, a)
			continue
		}
		if err := ctx.Err(); err != nil {
			return halt(res, plan.Actions[i:], fmt.Errorf("%w: interrupted before %s: %w", errs.ErrApplyFailed, a, err))
		}
		e.logger.Info("applying", "pair", plan.Pair, "action", a.String())
		if err := e.execute(ctx, plan, a, &res); err != nil {
			return halt(res, plan.Actions[i:], fmt.Errorf("%w: %s: %w", errs.ErrApplyFailed, a, err))
		}
		res.Completed = append(res.Completed, a)
	}

	res.State = Committed
	return res
}

func halt(res ApplyResult, rest []Action, err error) ApplyResult {
	for _, a := range rest {
		if a.Mutating() {
			res.Remaining = append(res.Remaining, a)
		} else {
			res.Skipped = append(res.Skipped, a)
		}
	}
	res.Err = err
	if len(res.Completed) == 0 {
		res.State = Failed
	} else {
		res.State = PartiallyApplied
	}
	return res
}

func (e *Engine) execute(ctx context.Context, plan *Plan, a Action, res *ApplyResult) error {
	switch a.Kind {
	case ActionCopy:
		return copyPath(treePath(a.From, a.Path), treePath(a.To, a.Path))
	case ActionRemove:
		if err := os.Remove(treePath(a.To, a.Path)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case ActionStage:
		return e.git.Stage(ctx, a.Tree, a.Paths)
	case ActionCommit:
		peer := plan.Main
		if a.Tree == plan.Main {
			peer = plan.Local
		}
		peerHead, err := e.git.HeadOf(ctx, peer)
		if err != nil {
			return err
		}
		id, err := e.git.Commit(ctx, a.Tree, withSyncTrailer(a.Message, plan.Pair, peerHead), a.Paths)
		if errors.Is(err, git.ErrNothingToCommit) {
			e.logger.Debug("nothing to commit", "tree", a.Tree)
			return nil
		}
		if err != nil {
			return err
		}
		res.Commits[a.Tree] = id
		return nil
	default:
		return fmt.Errorf("unknown action kind %s", a.Kind)
	}
}

// withSyncTrailer records the peer's HEAD so later detections can judge
// paths against this sync instead of the merge-base
func withSyncTrailer(message, alias, peerHead string) string {
	return strings.TrimRight(message, "\n") + "\n\n" + drift.FormatSyncTrailer(alias, peerHead) + "\n"
}

func treePath(tree, rel string) string {
	return filepath.Join(tree, filepath.FromSlash(rel))
}

// copyPath copies a regular file with an atomic write, or recreates a symlink
func copyPath(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Symlink(target, dst)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".ddworktree-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(info.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// logPlanDetails logs every action for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, a := range plan.Actions {
		e.logger.Info("[dry-run] would "+a.Kind.String(), "pair", plan.Pair, "action", a.String())
	}
}
