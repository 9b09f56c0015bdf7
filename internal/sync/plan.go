package sync

import (
	"fmt"
	"slices"
	"strings"

	"github.com/schaermu/ddworktree/internal/drift"
)

// Policy decides which report entries a plan resolves
type Policy struct {
	// AutoSync resolves copy and commit entries without a manual decision
	AutoSync bool
	// Commit creates one commit per changed tree once everything is staged
	Commit bool
	// Prune applies removals
	Prune bool
	// AcceptDiverged resolves entries even when both trees have independent commits
	AcceptDiverged bool
}

// Warning is a plan-level diagnostic
type Warning struct {
	Path    string        `json:"path,omitempty" yaml:"path,omitempty"`
	Verdict drift.Verdict `json:"verdict" yaml:"verdict"`
	Message string        `json:"message" yaml:"message"`
}

func (w Warning) String() string {
	if w.Path == "" {
		return w.Message
	}
	return w.Path + ": " + w.Message
}

// Plan is the ordered list of actions derived from one drift report. It is
// never modified once built.
type Plan struct {
	Pair     string    `json:"pair" yaml:"pair"`
	Main     string    `json:"main" yaml:"main"`
	Local    string    `json:"local" yaml:"local"`
	Actions  []Action  `json:"actions" yaml:"actions"`
	Warnings []Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Empty reports whether the plan holds no action at all
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Mutations returns the actions that touch a tree
func (p *Plan) Mutations() []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Mutating() {
			out = append(out, a)
		}
	}
	return out
}

// Skipped returns the skip actions
func (p *Plan) Skipped() []Action {
	var out []Action
	for _, a := range p.Actions {
		if !a.Mutating() {
			out = append(out, a)
		}
	}
	return out
}

// Conflicts returns the paths skipped because both trees changed them
func (p *Plan) Conflicts() []string {
	var out []string
	for _, a := range p.Actions {
		if a.Kind == ActionSkip && a.Reason == ReasonConflict {
			out = append(out, a.Path)
		}
	}
	return out
}

// NewPlan derives a plan from a report. Copies and removals come first,
// then one stage per tree, then one commit per tree, so that each tree
// gets a single commit capturing every synced path.
func NewPlan(r *drift.Report, pol Policy) *Plan {
	p := &Plan{Pair: r.Pair, Main: r.Main.Tree, Local: r.Local.Tree}
	staged := make(map[string][]string)
	blocked := r.CommitConflict && !pol.AcceptDiverged

	if blocked {
		p.Warnings = append(p.Warnings, Warning{
			Verdict: drift.Conflict,
			Message: fmt.Sprintf("both trees have independent commits (%s); pass --accept-diverged to sync anyway", r.Divergence),
		})
	}

	for _, e := range r.Entries {
		switch e.Verdict {
		case drift.InSync:
			continue
		case drift.Conflict:
			p.Actions = append(p.Actions, Skip(e.Path, ReasonConflict))
			msg := "changed in both trees"
			if e.Reason != "" {
				msg = e.Reason
			}
			p.Warnings = append(p.Warnings, Warning{Path: e.Path, Verdict: e.Verdict, Message: msg})
			continue
		case drift.ScopeViolation:
			p.Warnings = append(p.Warnings, Warning{
				Path:    e.Path,
				Verdict: e.Verdict,
				Message: "ignored in main but not in local; add the pattern to the local tree's ignore files",
			})
			continue
		}

		switch {
		case blocked:
			p.Actions = append(p.Actions, Skip(e.Path, ReasonDiverged))
			continue
		case !pol.AutoSync || e.Direction == drift.NoDirection:
			p.Actions = append(p.Actions, Skip(e.Path, ReasonManual))
			continue
		case e.Removal && !pol.Prune:
			p.Actions = append(p.Actions, Skip(e.Path, ReasonPrune))
			continue
		}

		source, target := p.Main, p.Local
		sourceTracked, targetTracked := e.MainTracked, e.LocalTracked
		if e.Direction == drift.LocalToMain {
			source, target = target, source
			sourceTracked, targetTracked = targetTracked, sourceTracked
		}

		switch {
		case e.Verdict == drift.NeedsCommit:
			staged[target] = append(staged[target], e.Path)
		case e.Removal:
			p.Actions = append(p.Actions, Remove(e.Path, target))
			if targetTracked {
				staged[target] = append(staged[target], e.Path)
			}
		default:
			p.Actions = append(p.Actions, Copy(e.Path, source, target))
			staged[target] = append(staged[target], e.Path)
			if !sourceTracked {
				staged[source] = append(staged[source], e.Path)
			}
		}
	}

	trees := []string{p.Main, p.Local}
	for _, tree := range trees {
		if paths := staged[tree]; len(paths) > 0 {
			slices.Sort(paths)
			staged[tree] = slices.Compact(paths)
			p.Actions = append(p.Actions, Stage(tree, staged[tree]))
		}
	}
	if pol.Commit {
		for _, tree := range trees {
			if paths := staged[tree]; len(paths) > 0 {
				p.Actions = append(p.Actions, Commit(tree, CommitMessage(r.Pair, paths), paths))
			}
		}
	}

	return p
}

// CommitMessage is the deterministic message for a sync commit
func CommitMessage(alias string, paths []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ddworktree sync(%s): %d path(s)\n\n", alias, len(paths))
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}
