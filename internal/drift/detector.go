// Package drift classifies every path of a pair's two trees and derives
// the commit-level and file-level divergence between them.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/scope"
)

// Detector computes drift reports through the VCS adapter
type Detector struct {
	git      git.Client
	logger   *slog.Logger
	excludes []string
}

// NewDetector creates a detector. Files listed in excludes (absolute paths,
// e.g. the registry file) are never reported even when they sit in a tree.
func NewDetector(client git.Client, logger *slog.Logger, excludes ...string) *Detector {
	return &Detector{git: client, logger: logger, excludes: excludes}
}

// Detect builds the full report for a pair
func (d *Detector) Detect(ctx context.Context, p registry.Pair) (*Report, error) {
	div, err := d.CommitDivergence(ctx, p)
	if err != nil {
		return nil, err
	}

	point, err := d.LastSync(ctx, p, div)
	if err != nil {
		return nil, err
	}

	report, err := d.FileDrift(ctx, p, div, point)
	if err != nil {
		return nil, err
	}

	if div.Kind == Diverged && report.HasDrift() {
		report.CommitConflict, err = d.independentCommits(ctx, p, div, newBaseline(div, point))
		if err != nil {
			return nil, err
		}
	}

	d.logger.Debug("drift computed",
		"pair", p.Alias,
		"divergence", div.String(),
		"synced", point != nil,
		"entries", len(report.Entries),
		"expected", report.Expected,
		"commit_conflict", report.CommitConflict)

	return report, nil
}

// independentCommits reports whether both trees carry commits made after
// their baseline. Sync commits never count: they are the baseline.
func (d *Detector) independentCommits(ctx context.Context, p registry.Pair, div Divergence, b baseline) (bool, error) {
	if !b.synced() {
		return div.AheadA > 0 && div.AheadB > 0, nil
	}
	mainAhead, _, err := d.git.AheadBehind(ctx, p.Main, div.HeadA, b.main)
	if err != nil {
		return false, err
	}
	localAhead, _, err := d.git.AheadBehind(ctx, p.Main, div.HeadB, b.local)
	if err != nil {
		return false, err
	}
	return mainAhead > 0 && localAhead > 0, nil
}

// LastSync finds the most recent sync commit of the pair in either tree
// since the merge-base whose peer is still in the other tree's history.
// It returns nil when the trees were never synced.
func (d *Detector) LastSync(ctx context.Context, p registry.Pair, div Divergence) (*SyncPoint, error) {
	if div.MergeBase == "" {
		return nil, nil
	}

	fromMain, err := d.lastSyncIn(ctx, p, p.Main, div.MergeBase, div.HeadB)
	if err != nil {
		return nil, err
	}
	fromLocal, err := d.lastSyncIn(ctx, p, p.Local, div.MergeBase, div.HeadA)
	if err != nil {
		return nil, err
	}

	switch {
	case fromMain == nil && fromLocal == nil:
		return nil, nil
	case fromLocal == nil:
		return &SyncPoint{Main: fromMain.Commit, Local: fromMain.Value}, nil
	case fromMain == nil:
		return &SyncPoint{Main: fromLocal.Value, Local: fromLocal.Commit}, nil
	}

	// the later sync saw the earlier one's commit as its peer
	if d.isAncestor(ctx, p.Main, fromLocal.Commit, fromMain.Value) {
		return &SyncPoint{Main: fromMain.Commit, Local: fromMain.Value}, nil
	}
	return &SyncPoint{Main: fromLocal.Value, Local: fromLocal.Commit}, nil
}

// lastSyncIn returns the newest sync trailer in tree whose peer commit is
// reachable from peerHead. Value holds the peer commit.
func (d *Detector) lastSyncIn(ctx context.Context, p registry.Pair, tree, since, peerHead string) (*git.Trailer, error) {
	trailers, err := d.git.Trailers(ctx, tree, since, SyncTrailer)
	if err != nil {
		return nil, err
	}
	for _, t := range trailers {
		alias, peer, ok := ParseSyncTrailer(t.Value)
		if !ok || alias != p.Alias {
			continue
		}
		if !d.isAncestor(ctx, tree, peer, peerHead) {
			d.logger.Debug("sync peer no longer reachable", "pair", p.Alias, "commit", t.Commit, "peer", peer)
			continue
		}
		return &git.Trailer{Commit: t.Commit, Value: peer}, nil
	}
	return nil, nil
}

// isAncestor treats lookup failures (e.g. a pruned peer commit) as false
func (d *Detector) isAncestor(ctx context.Context, tree, ancestor, head string) bool {
	if ancestor == head {
		return true
	}
	base, err := d.git.MergeBase(ctx, tree, ancestor, head)
	return err == nil && base == ancestor
}

// CommitDivergence compares main's HEAD with local's HEAD
func (d *Detector) CommitDivergence(ctx context.Context, p registry.Pair) (Divergence, error) {
	mainHead, err := d.git.HeadOf(ctx, p.Main)
	if err != nil {
		return Divergence{}, err
	}
	localHead, err := d.git.HeadOf(ctx, p.Local)
	if err != nil {
		return Divergence{}, err
	}
	return Compare(ctx, d.git, p.Main, mainHead, localHead)
}

// Compare relates headA to headB using the repository at tree
func Compare(ctx context.Context, client git.Client, tree, headA, headB string) (Divergence, error) {
	div := Divergence{HeadA: headA, HeadB: headB}
	if headA == headB {
		div.Kind = Aligned
		div.MergeBase = headA
		return div, nil
	}

	base, err := client.MergeBase(ctx, tree, headA, headB)
	if err != nil {
		return Divergence{}, err
	}
	if base == "" {
		div.Kind = Unrelated
		return div, nil
	}
	div.MergeBase = base

	div.AheadA, div.AheadB, err = client.AheadBehind(ctx, tree, headA, headB)
	if err != nil {
		return Divergence{}, err
	}

	switch base {
	case headB:
		div.Kind = Ahead
	case headA:
		div.Kind = Behind
	default:
		div.Kind = Diverged
	}
	return div, nil
}

// baseline holds the commit each tree's working state is judged against:
// the last sync point when there is one, the merge-base otherwise.
type baseline struct {
	main      string
	local     string
	mergeBase string
}

func newBaseline(div Divergence, point *SyncPoint) baseline {
	b := baseline{main: div.MergeBase, local: div.MergeBase, mergeBase: div.MergeBase}
	if point != nil {
		b.main, b.local = point.Main, point.Local
	}
	return b
}

func (b baseline) synced() bool {
	return b.main != b.mergeBase || b.local != b.mergeBase
}

func (b baseline) fork() baseline {
	return baseline{main: b.mergeBase, local: b.mergeBase, mergeBase: b.mergeBase}
}

func (b baseline) since() string {
	if b.synced() {
		return "since the last sync"
	}
	return "since merge-base"
}

// FileDrift classifies the union of both trees' tracked and visible paths.
// point may be nil.
func (d *Detector) FileDrift(ctx context.Context, p registry.Pair, div Divergence, point *SyncPoint) (*Report, error) {
	scopes, err := scope.LoadPair(p.Main, p.Local, p.Options.LocalIgnoreFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore scopes for %s: %w", p.Alias, err)
	}

	mainState, err := d.Snapshot(ctx, p.Main, div.HeadA, scopes.Main)
	if err != nil {
		return nil, err
	}
	localState, err := d.Snapshot(ctx, p.Local, div.HeadB, scopes.Local)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Pair:       p.Alias,
		Main:       mainState,
		Local:      localState,
		Divergence: div,
		SyncPoint:  point,
	}
	base := newBaseline(div, point)

	skip := d.excludedPaths(p)
	for _, path := range unionPaths(mainState, localState) {
		if _, ok := skip[path]; ok {
			continue
		}
		inMain, inLocal := mainState.Present(path), localState.Present(path)
		if !inMain && !inLocal {
			continue
		}

		class := scopes.Classify(path, inMain, inLocal)
		entry := Entry{
			Path:           path,
			Classification: class,
			MainTracked:    mainState.Tracked(path),
			LocalTracked:   localState.Tracked(path),
		}

		switch class {
		case scope.BothIgnored:
			report.Excluded++
			continue
		case scope.MainOnlyIgnored:
			report.Expected++
			continue
		case scope.LocalOnlyIgnored:
			entry.Verdict = ScopeViolation
			entry.Reason = "ignored in main but visible in local"
		case scope.SharedTracked:
			if err := d.judgeShared(ctx, p, base, &entry); err != nil {
				return nil, err
			}
		case scope.LocalOnlyContent, scope.MainOnlyContent:
			if err := d.judgeOneSided(ctx, p, base, &entry); err != nil {
				return nil, err
			}
		}

		if entry.Verdict != InSync {
			report.Entries = append(report.Entries, entry)
		}
	}

	return report, nil
}

// judgeShared handles a path present in both trees
func (d *Detector) judgeShared(ctx context.Context, p registry.Pair, b baseline, e *Entry) error {
	equal, err := d.git.DiffContent(ctx, git.WorkingTree(p.Main), e.Path, git.WorkingTree(p.Local), e.Path)
	if err != nil {
		return err
	}
	if equal {
		switch {
		case e.MainTracked && !e.LocalTracked:
			e.Verdict, e.Direction = NeedsCommit, MainToLocal
			e.Reason = "identical content is untracked in local"
		case e.LocalTracked && !e.MainTracked:
			e.Verdict, e.Direction = NeedsCommit, LocalToMain
			e.Reason = "identical content is untracked in main"
		default:
			e.Verdict = InSync
		}
		return nil
	}

	if b.mergeBase == "" {
		e.Verdict = Conflict
		e.Reason = "content differs and the trees share no merge-base"
		return nil
	}

	b, mainSame, localSame, err := d.unchanged(ctx, p, b, e.Path)
	if err != nil {
		return err
	}

	switch {
	case mainSame == localSame:
		e.Verdict = Conflict
		e.Reason = "modified in both trees " + b.since()
	case !mainSame:
		e.Verdict, e.Direction = NeedsCopy, MainToLocal
	default:
		e.Verdict, e.Direction = NeedsCopy, LocalToMain
	}
	return nil
}

// judgeOneSided handles a visible path that exists in only one tree. A path
// that the surviving side still holds unchanged since the baseline was
// deleted by the other side.
func (d *Detector) judgeOneSided(ctx context.Context, p registry.Pair, b baseline, e *Entry) error {
	presentIsMain := e.Classification == scope.MainOnlyContent
	toMissing, fromMissing := LocalToMain, MainToLocal
	if presentIsMain {
		toMissing, fromMissing = MainToLocal, LocalToMain
	}

	e.Verdict, e.Direction = NeedsCopy, toMissing
	if b.mergeBase == "" {
		return nil
	}

	b, mainSame, localSame, err := d.unchanged(ctx, p, b, e.Path)
	if err != nil {
		return err
	}
	presentSame, absentSame := localSame, mainSame
	if presentIsMain {
		presentSame, absentSame = mainSame, localSame
	}

	switch {
	case absentSame:
		// the absent side lacked the path at its baseline too
	case presentSame:
		e.Direction = fromMissing
		e.Removal = true
		e.Reason = "deleted in " + treeName(!presentIsMain) + " " + b.since()
	default:
		e.Verdict, e.Direction = Conflict, NoDirection
		e.Reason = "modified in " + treeName(presentIsMain) + " but deleted in " + treeName(!presentIsMain)
	}
	return nil
}

// unchanged compares each tree's working version of path with its
// baseline. When both sides still match a sync point that left the path
// apart, the judgement falls back to the merge-base; the returned baseline
// is the one used.
func (d *Detector) unchanged(ctx context.Context, p registry.Pair, b baseline, path string) (baseline, bool, bool, error) {
	mainSame, err := d.git.DiffContent(ctx, git.AtCommit(p.Main, b.main), path, git.WorkingTree(p.Main), path)
	if err != nil {
		return b, false, false, err
	}
	localSame, err := d.git.DiffContent(ctx, git.AtCommit(p.Local, b.local), path, git.WorkingTree(p.Local), path)
	if err != nil {
		return b, false, false, err
	}
	if mainSame && localSame && b.synced() {
		return d.unchanged(ctx, p, b.fork(), path)
	}
	return b, mainSame, localSame, nil
}

func treeName(isMain bool) string {
	if isMain {
		return "main"
	}
	return "local"
}

// Snapshot captures one tree's state against its own scope
func (d *Detector) Snapshot(ctx context.Context, tree, head string, sc *scope.Scope) (WorktreeState, error) {
	tracked, err := d.git.ListTracked(ctx, tree)
	if err != nil {
		return WorktreeState{}, err
	}
	st, err := d.git.Status(ctx, tree)
	if err != nil {
		return WorktreeState{}, err
	}

	state := WorktreeState{
		Tree:    tree,
		Head:    head,
		Dirty:   st.Dirty,
		tracked: make(map[string]struct{}, len(tracked)),
		present: make(map[string]struct{}, len(tracked)+len(st.Untracked)),
	}
	for _, p := range tracked {
		state.tracked[p] = struct{}{}
		state.present[p] = struct{}{}
	}
	for _, p := range st.Deleted {
		delete(state.present, p)
	}
	for _, p := range st.Untracked {
		state.present[p] = struct{}{}
		if sc.Ignored(p, false) {
			state.Ignored = append(state.Ignored, p)
		} else {
			state.Untracked = append(state.Untracked, p)
		}
	}
	for _, p := range tracked {
		if sc.Ignored(p, false) {
			state.Ignored = append(state.Ignored, p)
		}
	}
	sort.Strings(state.Ignored)
	return state, nil
}

func (d *Detector) excludedPaths(p registry.Pair) map[string]struct{} {
	skip := make(map[string]struct{})
	for _, abs := range d.excludes {
		for _, root := range []string{p.Main, p.Local} {
			rel, err := scope.RelativePath(root, abs)
			if err == nil && rel != "." && !startsWithDotDot(rel) {
				skip[rel] = struct{}{}
			}
		}
	}
	return skip
}

func startsWithDotDot(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == "../"
}

func unionPaths(a, b WorktreeState) []string {
	seen := make(map[string]struct{}, len(a.tracked)+len(b.tracked))
	for _, s := range []WorktreeState{a, b} {
		for p := range s.tracked {
			seen[p] = struct{}{}
		}
		for p := range s.present {
			seen[p] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Result is the outcome of detecting one pair in a batch
type Result struct {
	Pair   registry.Pair
	Report *Report
	Err    error
}

// DetectAll runs Detect over pairs with at most workers in flight. Results
// keep the input order; a failing pair does not stop the others.
func (d *Detector) DetectAll(ctx context.Context, pairs []registry.Pair, workers int) []Result {
	results := make([]Result, len(pairs))
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range pairs {
		g.Go(func() error {
			report, err := d.Detect(gctx, p)
			results[i] = Result{Pair: p, Report: report, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
