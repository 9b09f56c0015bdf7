// Package render prints reports as styled text, json or yaml.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/ddworktree/internal/doctor"
	"github.com/schaermu/ddworktree/internal/drift"
	ddsync "github.com/schaermu/ddworktree/internal/sync"
)

// Format selects the output encoding
type Format string

const (
	Text Format = "text"
	JSON Format = "json"
	YAML Format = "yaml"
)

// ParseFormat validates an -o flag value
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case Text, JSON, YAML:
		return f, nil
	case "yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// Structured writes v as json or yaml
func Structured(w io.Writer, f Format, v any) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q is not structured", f)
	}
}

func verdictStyle(v drift.Verdict) lipgloss.Style {
	switch v {
	case drift.InSync:
		return okStyle
	case drift.NeedsCopy, drift.NeedsCommit:
		return warnStyle
	default:
		return failStyle
	}
}

// DriftReport writes one pair's drift as text
func DriftReport(w io.Writer, r *drift.Report) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(r.Pair), dimStyle.Render(r.Main.Tree+" <> "+r.Local.Tree))

	commits := r.Divergence.String()
	if r.CommitConflict {
		commits += " " + failStyle.Render("(independent commits, sync needs --accept-diverged)")
	}
	fmt.Fprintf(w, "  commits: %s\n", commits)

	for _, e := range r.Entries {
		line := fmt.Sprintf("  %-24s %s", verdictStyle(e.Verdict).Render(e.Verdict.String()), e.Path)
		if e.Direction != drift.NoDirection {
			line += " " + dimStyle.Render(e.Direction.String())
		}
		if e.Removal {
			line += " " + dimStyle.Render("(removal)")
		}
		if e.Reason != "" {
			line += " " + dimStyle.Render("- "+e.Reason)
		}
		fmt.Fprintln(w, line)
	}

	summary := fmt.Sprintf("%d expected, %d excluded", r.Expected, r.Excluded)
	if r.HasDrift() {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render(fmt.Sprintf("%d unresolved", len(r.Unresolved()))), dimStyle.Render(summary))
	} else {
		fmt.Fprintf(w, "  %s %s\n", okStyle.Render("in sync"), dimStyle.Render(summary))
	}
}

// Plan writes a sync plan as text
func Plan(w io.Writer, p *ddsync.Plan) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(p.Pair), dimStyle.Render("sync plan"))
	if p.Empty() {
		fmt.Fprintf(w, "  %s\n", okStyle.Render("nothing to do"))
	}
	for i, a := range p.Actions {
		style := okStyle
		if a.Kind == ddsync.ActionSkip {
			style = warnStyle
			if a.Reason == ddsync.ReasonConflict {
				style = failStyle
			}
		}
		fmt.Fprintf(w, "  %2d. %s %s\n", i+1, style.Render(fmt.Sprintf("%-6s", a.Kind)), describe(a))
	}
	for _, warning := range p.Warnings {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("warning:"), warning)
	}
}

func describe(a ddsync.Action) string {
	switch a.Kind {
	case ddsync.ActionCopy:
		return fmt.Sprintf("%s %s", a.Path, dimStyle.Render(a.From+" -> "+a.To))
	case ddsync.ActionRemove:
		return fmt.Sprintf("%s %s", a.Path, dimStyle.Render("from "+a.To))
	case ddsync.ActionStage:
		return fmt.Sprintf("%s %s", strings.Join(a.Paths, " "), dimStyle.Render("in "+a.Tree))
	case ddsync.ActionCommit:
		subject, _, _ := strings.Cut(a.Message, "\n")
		return fmt.Sprintf("%q %s", subject, dimStyle.Render("in "+a.Tree))
	case ddsync.ActionSkip:
		return fmt.Sprintf("%s %s", a.Path, dimStyle.Render("("+a.Reason+")"))
	default:
		return a.String()
	}
}

// ApplyResult writes the outcome of an apply as text
func ApplyResult(w io.Writer, res *ddsync.ApplyResult) {
	style := okStyle
	switch res.State {
	case ddsync.PartiallyApplied:
		style = warnStyle
	case ddsync.Failed:
		style = failStyle
	}
	fmt.Fprintf(w, "  result: %s (%d done, %d remaining, %d skipped)\n",
		style.Render(res.State.String()), len(res.Completed), len(res.Remaining), len(res.Skipped))
	trees := make([]string, 0, len(res.Commits))
	for tree := range res.Commits {
		trees = append(trees, tree)
	}
	sort.Strings(trees)
	for _, tree := range trees {
		fmt.Fprintf(w, "  committed %s %s\n", short(res.Commits[tree]), dimStyle.Render("in "+tree))
	}
	for _, a := range res.Remaining {
		fmt.Fprintf(w, "  %s %s\n", failStyle.Render("not done:"), a)
	}
}

// Unconverged lists drift a sync left behind after applying every action
func Unconverged(w io.Writer, entries []drift.Entry) {
	for _, e := range entries {
		fmt.Fprintf(w, "  %s %s\n", failStyle.Render("still drifting:"), e)
	}
}

func statusStyle(s doctor.Status) lipgloss.Style {
	switch s {
	case doctor.Pass:
		return okStyle
	case doctor.Skip:
		return dimStyle
	case doctor.Warn:
		return warnStyle
	default:
		return failStyle
	}
}

// HealthReport writes a doctor report as text
func HealthReport(w io.Writer, r *doctor.Report) {
	name := r.Pair
	if name == "" {
		name = "(unregistered)"
	}
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(name), statusStyle(r.Status).Render(strings.ToUpper(r.Status.String())),
		dimStyle.Render(r.Main+" <> "+r.Local))
	for _, c := range r.Checks {
		fmt.Fprintf(w, "  %s %-9s %s\n", statusStyle(c.Status).Render(fmt.Sprintf("%-4s", c.Status)), c.Name, c.Reason)
		if c.Hint != "" && c.Status >= doctor.Warn {
			fmt.Fprintf(w, "       %s\n", dimStyle.Render("hint: "+c.Hint))
		}
	}
	for _, f := range r.Fixes {
		switch {
		case f.Error != "":
			fmt.Fprintf(w, "  %s %s: %s\n", failStyle.Render("fix failed:"), f.Action, f.Error)
		case f.Applied:
			fmt.Fprintf(w, "  %s %s\n", okStyle.Render("fixed:"), f.Action)
		default:
			fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("manual:"), f.Action)
		}
	}
}

// PairStatus is one row of the pair list
type PairStatus struct {
	Alias      string `json:"alias" yaml:"alias"`
	Main       string `json:"main" yaml:"main"`
	Local      string `json:"local" yaml:"local"`
	Divergence string `json:"divergence,omitempty" yaml:"divergence,omitempty"`
	Drift      bool   `json:"drift" yaml:"drift"`
	Entries    int    `json:"entries" yaml:"entries"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// PairList writes one line per pair
func PairList(w io.Writer, rows []PairStatus) {
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no pairs registered"))
		return
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Alias))
	}
	for _, r := range rows {
		var state string
		switch {
		case r.Error != "":
			state = failStyle.Render("error: " + r.Error)
		case r.Drift:
			state = warnStyle.Render(fmt.Sprintf("drift (%d)", r.Entries))
		default:
			state = okStyle.Render("in sync")
		}
		fmt.Fprintf(w, "%-*s  %s  %s  %s\n", width, r.Alias, state, r.Divergence, dimStyle.Render(r.Main+" <> "+r.Local))
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// DiffEntry is one path of `diff` with its change letter
type DiffEntry struct {
	Change      string `json:"change" yaml:"change"`
	drift.Entry `yaml:",inline"`
}

// DiffEntries pairs every selected entry of r with its change letter
func DiffEntries(r *drift.Report, entries []drift.Entry) []DiffEntry {
	out := make([]DiffEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DiffEntry{Change: r.Change(e), Entry: e})
	}
	return out
}

// Diff writes the differing paths of a pair. nameOnly drops everything but
// the change letter and path.
func Diff(w io.Writer, r *drift.Report, entries []DiffEntry, nameOnly bool) {
	if !nameOnly {
		fmt.Fprintf(w, "%s %s\n", titleStyle.Render(r.Pair), dimStyle.Render(r.Main.Tree+" <> "+r.Local.Tree))
		fmt.Fprintf(w, "  commits: %s\n", r.Divergence)
	}
	if len(entries) == 0 {
		if !nameOnly {
			fmt.Fprintf(w, "  %s\n", okStyle.Render("no differences"))
		}
		return
	}
	for _, e := range entries {
		if nameOnly {
			fmt.Fprintf(w, "%s\t%s\n", e.Change, e.Path)
			continue
		}
		line := fmt.Sprintf("  %s %s %s", e.Change, e.Path, verdictStyle(e.Verdict).Render(e.Verdict.String()))
		if e.Direction != drift.NoDirection {
			line += " " + dimStyle.Render(e.Direction.String())
		}
		fmt.Fprintln(w, line)
	}
	if !nameOnly {
		counts := map[string]int{}
		for _, e := range entries {
			counts[e.Change]++
		}
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(fmt.Sprintf("%d modified, %d only in local, %d only in main",
			counts["M"], counts["A"], counts["D"])))
	}
}

// Patch writes the unified diff of one path under a header naming it
func Patch(w io.Writer, e DiffEntry, patch []byte) {
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(e.Change), e.Path, dimStyle.Render(e.Verdict.String()))
	if len(patch) == 0 {
		fmt.Fprintln(w, dimStyle.Render("(content identical, only tracking differs)"))
		return
	}
	_, _ = w.Write(patch)
}

// TreeState is the git status of one tree of a pair
type TreeState struct {
	Path      string   `json:"path" yaml:"path"`
	Branch    string   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Head      string   `json:"head,omitempty" yaml:"head,omitempty"`
	Modified  []string `json:"modified,omitempty" yaml:"modified,omitempty"`
	Deleted   []string `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Untracked []string `json:"untracked,omitempty" yaml:"untracked,omitempty"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Clean reports a tree without local changes
func (t TreeState) Clean() bool {
	return len(t.Modified) == 0 && len(t.Deleted) == 0 && len(t.Untracked) == 0
}

// PairState is the full status of one pair
type PairState struct {
	Alias      string    `json:"alias" yaml:"alias"`
	Branch     string    `json:"branch,omitempty" yaml:"branch,omitempty"`
	Main       TreeState `json:"main" yaml:"main"`
	Local      TreeState `json:"local" yaml:"local"`
	Divergence string    `json:"divergence,omitempty" yaml:"divergence,omitempty"`
	Synced     bool      `json:"synced" yaml:"synced"`
	// Drift counts unresolved entries by verdict
	Drift          map[string]int `json:"drift,omitempty" yaml:"drift,omitempty"`
	CommitConflict bool           `json:"commit_conflict" yaml:"commit_conflict"`
	Error          string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Status writes the status of every pair; short prints one line per pair
func Status(w io.Writer, states []PairState, short bool) {
	for _, s := range states {
		if short {
			fmt.Fprintf(w, "%s  main %s  local %s  %s\n", titleStyle.Render(s.Alias),
				treeMark(s.Main), treeMark(s.Local), driftSummary(s))
			continue
		}
		title := titleStyle.Render(s.Alias)
		if s.Branch != "" {
			title += " " + dimStyle.Render("bound to "+s.Branch)
		}
		fmt.Fprintln(w, title)
		treeStatus(w, "main", s.Main)
		treeStatus(w, "local", s.Local)
		if s.Divergence != "" {
			since := "no sync recorded"
			if s.Synced {
				since = "synced by ddworktree"
			}
			fmt.Fprintf(w, "  commits: %s %s\n", s.Divergence, dimStyle.Render("("+since+")"))
		}
		fmt.Fprintf(w, "  drift:   %s\n", driftSummary(s))
	}
}

func treeStatus(w io.Writer, role string, t TreeState) {
	if t.Error != "" {
		fmt.Fprintf(w, "  %-6s %s %s\n", role, failStyle.Render("error: "+t.Error), dimStyle.Render(t.Path))
		return
	}
	branch := t.Branch
	if branch == "" {
		branch = "(detached)"
	}
	fmt.Fprintf(w, "  %-6s %s at %s %s %s\n", role, branch, short(t.Head), treeMark(t), dimStyle.Render(t.Path))
	for _, group := range []struct {
		label string
		paths []string
	}{{"modified", t.Modified}, {"deleted", t.Deleted}, {"untracked", t.Untracked}} {
		for _, p := range group.paths {
			fmt.Fprintf(w, "         %s %s\n", dimStyle.Render(group.label+":"), p)
		}
	}
}

func treeMark(t TreeState) string {
	switch {
	case t.Error != "":
		return failStyle.Render("error")
	case t.Clean():
		return okStyle.Render("clean")
	default:
		return warnStyle.Render(fmt.Sprintf("%d changed", len(t.Modified)+len(t.Deleted)+len(t.Untracked)))
	}
}

func driftSummary(s PairState) string {
	if s.Error != "" {
		return failStyle.Render("error: " + s.Error)
	}
	if len(s.Drift) == 0 {
		return okStyle.Render("in sync")
	}
	verdicts := make([]string, 0, len(s.Drift))
	for v := range s.Drift {
		verdicts = append(verdicts, v)
	}
	sort.Strings(verdicts)
	parts := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		parts = append(parts, fmt.Sprintf("%d %s", s.Drift[v], v))
	}
	summary := warnStyle.Render(strings.Join(parts, ", "))
	if s.CommitConflict {
		summary += " " + failStyle.Render("(independent commits)")
	}
	return summary
}
