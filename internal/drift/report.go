package drift

import (
	"fmt"
	"strings"

	"github.com/schaermu/ddworktree/internal/scope"
)

// Direction names the tree an entry asks to change
type Direction int

const (
	NoDirection Direction = iota
	// MainToLocal changes the local tree using main's state
	MainToLocal
	// LocalToMain changes the main tree using local's state
	LocalToMain
)

func (d Direction) String() string {
	switch d {
	case MainToLocal:
		return "main→local"
	case LocalToMain:
		return "local→main"
	default:
		return ""
	}
}

// MarshalText renders the direction in json and yaml reports
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Verdict is the outcome for one path
type Verdict int

const (
	InSync Verdict = iota
	NeedsCopy
	NeedsCommit
	Conflict
	// ScopeViolation marks a path ignored by main but visible to local
	ScopeViolation
)

func (v Verdict) String() string {
	switch v {
	case InSync:
		return "InSync"
	case NeedsCopy:
		return "NeedsCopy"
	case NeedsCommit:
		return "NeedsCommit"
	case Conflict:
		return "Conflict"
	case ScopeViolation:
		return "ScopeInvariantViolation"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// MarshalText renders the verdict in json and yaml reports
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Entry is one divergent path
type Entry struct {
	Path           string               `json:"path" yaml:"path"`
	Classification scope.Classification `json:"classification" yaml:"classification"`
	Verdict        Verdict              `json:"verdict" yaml:"verdict"`
	Direction      Direction            `json:"direction,omitempty" yaml:"direction,omitempty"`
	// Removal marks a copy of an absence: the changed side deleted the path
	Removal      bool   `json:"removal,omitempty" yaml:"removal,omitempty"`
	MainTracked  bool   `json:"main_tracked" yaml:"main_tracked"`
	LocalTracked bool   `json:"local_tracked" yaml:"local_tracked"`
	Reason       string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s %s", e.Verdict, e.Path)
	if e.Direction != NoDirection {
		s += " (" + e.Direction.String() + ")"
	}
	if e.Removal {
		s += " [removal]"
	}
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

// DivergenceKind is the commit-level relationship of two HEADs
type DivergenceKind int

const (
	Aligned DivergenceKind = iota
	// Ahead means the first tree has commits the second lacks, and not the reverse
	Ahead
	// Behind means the second tree has commits the first lacks, and not the reverse
	Behind
	Diverged
	// Unrelated means the HEADs share no history
	Unrelated
)

func (k DivergenceKind) String() string {
	switch k {
	case Aligned:
		return "aligned"
	case Ahead:
		return "ahead"
	case Behind:
		return "behind"
	case Diverged:
		return "diverged"
	case Unrelated:
		return "unrelated"
	default:
		return fmt.Sprintf("DivergenceKind(%d)", int(k))
	}
}

// MarshalText renders the kind in json and yaml reports
func (k DivergenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Divergence summarizes two HEADs relative to their merge-base, seen from
// the first tree.
type Divergence struct {
	Kind      DivergenceKind `json:"kind" yaml:"kind"`
	HeadA     string         `json:"head_a" yaml:"head_a"`
	HeadB     string         `json:"head_b" yaml:"head_b"`
	MergeBase string         `json:"merge_base,omitempty" yaml:"merge_base,omitempty"`
	// AheadA counts commits in A since the merge-base, AheadB those in B
	AheadA int `json:"ahead_a" yaml:"ahead_a"`
	AheadB int `json:"ahead_b" yaml:"ahead_b"`
}

// Swap describes the same relationship seen from the second tree
func (d Divergence) Swap() Divergence {
	out := Divergence{
		Kind:      d.Kind,
		HeadA:     d.HeadB,
		HeadB:     d.HeadA,
		MergeBase: d.MergeBase,
		AheadA:    d.AheadB,
		AheadB:    d.AheadA,
	}
	switch d.Kind {
	case Ahead:
		out.Kind = Behind
	case Behind:
		out.Kind = Ahead
	}
	return out
}

func (d Divergence) String() string {
	switch d.Kind {
	case Ahead:
		return fmt.Sprintf("ahead %d", d.AheadA)
	case Behind:
		return fmt.Sprintf("behind %d", d.AheadB)
	case Diverged:
		return fmt.Sprintf("diverged (%d, %d)", d.AheadA, d.AheadB)
	default:
		return d.Kind.String()
	}
}

// SyncTrailer is the commit trailer every sync commit carries. Its value is
// the other tree's HEAD once the sync has run, followed by the pair alias.
const SyncTrailer = "Ddworktree-Peer"

// FormatSyncTrailer renders the trailer line for a sync commit
func FormatSyncTrailer(alias, peer string) string {
	return SyncTrailer + ": " + peer + " " + alias
}

// ParseSyncTrailer splits a trailer value into alias and peer commit
func ParseSyncTrailer(value string) (alias, peer string, ok bool) {
	peer, alias, ok = strings.Cut(strings.TrimSpace(value), " ")
	if !ok || peer == "" || alias == "" {
		return "", "", false
	}
	return alias, peer, true
}

// SyncPoint names the commits at which the last sync left both trees in
// step. Paths are judged against it instead of the merge-base, since sync
// commits are made separately in each tree and never share history.
type SyncPoint struct {
	Main  string `json:"main" yaml:"main"`
	Local string `json:"local" yaml:"local"`
}

// WorktreeState is an immutable snapshot of one tree
type WorktreeState struct {
	Tree      string   `json:"tree" yaml:"tree"`
	Head      string   `json:"head" yaml:"head"`
	Dirty     bool     `json:"dirty" yaml:"dirty"`
	Untracked []string `json:"untracked,omitempty" yaml:"untracked,omitempty"`
	Ignored   []string `json:"ignored,omitempty" yaml:"ignored,omitempty"`
	tracked   map[string]struct{}
	present   map[string]struct{}
}

// Tracked reports whether path is in the tree's index
func (s WorktreeState) Tracked(path string) bool {
	_, ok := s.tracked[path]
	return ok
}

// Present reports whether path exists in the working tree
func (s WorktreeState) Present(path string) bool {
	_, ok := s.present[path]
	return ok
}

// Report is the drift of one pair, derived fresh on every invocation
type Report struct {
	Pair       string        `json:"pair" yaml:"pair"`
	Main       WorktreeState `json:"main" yaml:"main"`
	Local      WorktreeState `json:"local" yaml:"local"`
	Divergence Divergence    `json:"divergence" yaml:"divergence"`
	SyncPoint  *SyncPoint    `json:"sync_point,omitempty" yaml:"sync_point,omitempty"`
	Entries    []Entry       `json:"entries" yaml:"entries"`
	// Expected counts paths kept out of main by local-only patterns
	Expected int `json:"expected" yaml:"expected"`
	// Excluded counts paths ignored by both scopes
	Excluded int `json:"excluded" yaml:"excluded"`
	// CommitConflict is set when both trees have commits of their own since
	// the last sync (or the merge-base) and content still differs; sync then
	// needs an explicit decision.
	CommitConflict bool `json:"commit_conflict" yaml:"commit_conflict"`
}

// Unresolved returns every entry that is not in sync
func (r *Report) Unresolved() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Verdict != InSync {
			out = append(out, e)
		}
	}
	return out
}

// HasDrift reports unresolved divergence
func (r *Report) HasDrift() bool {
	return len(r.Unresolved()) > 0
}

// Count returns how many entries carry verdict v
func (r *Report) Count(v Verdict) int {
	n := 0
	for _, e := range r.Entries {
		if e.Verdict == v {
			n++
		}
	}
	return n
}

// Select returns the unresolved entries at or below any of the slash-separated
// prefixes; no prefixes selects them all.
func (r *Report) Select(prefixes []string) []Entry {
	var out []Entry
	for _, e := range r.Unresolved() {
		if matchesPrefix(e.Path, prefixes) {
			out = append(out, e)
		}
	}
	return out
}

func matchesPrefix(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		p = strings.Trim(p, "/")
		if p == "" || p == "." || path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Change is a git-style status letter for e, reading the pair as a diff from
// main to local: A only in local, D only in main (or in neither), M in both.
func (r *Report) Change(e Entry) string {
	inMain, inLocal := r.Main.Present(e.Path), r.Local.Present(e.Path)
	switch {
	case inMain && inLocal:
		return "M"
	case inLocal:
		return "A"
	default:
		return "D"
	}
}
