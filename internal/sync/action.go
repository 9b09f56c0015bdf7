package sync

import (
	"fmt"
	"strings"
)

// ActionKind tags the variant held by an Action
type ActionKind int

const (
	// ActionCopy copies Path from the From tree into the To tree
	ActionCopy ActionKind = iota
	// ActionRemove deletes Path from the To tree
	ActionRemove
	// ActionStage records Paths in Tree's index
	ActionStage
	// ActionCommit commits Paths in Tree with Message
	ActionCommit
	// ActionSkip leaves Path alone and says why in Reason
	ActionSkip
)

func (k ActionKind) String() string {
	switch k {
	case ActionCopy:
		return "copy"
	case ActionRemove:
		return "remove"
	case ActionStage:
		return "stage"
	case ActionCommit:
		return "commit"
	case ActionSkip:
		return "skip"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// MarshalText renders the kind in json and yaml plans
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Skip reasons
const (
	ReasonConflict = "conflict"
	ReasonManual   = "manual"
	ReasonDiverged = "diverged"
	ReasonPrune    = "removal requires --prune"
)

// Action is one step of a sync plan. Which fields are set depends on Kind.
type Action struct {
	Kind    ActionKind `json:"kind" yaml:"kind"`
	Path    string     `json:"path,omitempty" yaml:"path,omitempty"`
	From    string     `json:"from,omitempty" yaml:"from,omitempty"`
	To      string     `json:"to,omitempty" yaml:"to,omitempty"`
	Tree    string     `json:"tree,omitempty" yaml:"tree,omitempty"`
	Paths   []string   `json:"paths,omitempty" yaml:"paths,omitempty"`
	Message string     `json:"message,omitempty" yaml:"message,omitempty"`
	Reason  string     `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Copy builds a copy action
func Copy(path, from, to string) Action {
	return Action{Kind: ActionCopy, Path: path, From: from, To: to}
}

// Remove builds a removal action
func Remove(path, tree string) Action {
	return Action{Kind: ActionRemove, Path: path, To: tree}
}

// Stage builds a stage action
func Stage(tree string, paths []string) Action {
	return Action{Kind: ActionStage, Tree: tree, Paths: paths}
}

// Commit builds a commit action
func Commit(tree, message string, paths []string) Action {
	return Action{Kind: ActionCommit, Tree: tree, Paths: paths, Message: message}
}

// Skip builds a skip action
func Skip(path, reason string) Action {
	return Action{Kind: ActionSkip, Path: path, Reason: reason}
}

// Mutating reports whether executing the action touches a tree
func (a Action) Mutating() bool {
	return a.Kind != ActionSkip
}

func (a Action) String() string {
	switch a.Kind {
	case ActionCopy:
		return fmt.Sprintf("copy %s from %s to %s", a.Path, a.From, a.To)
	case ActionRemove:
		return fmt.Sprintf("remove %s from %s", a.Path, a.To)
	case ActionStage:
		return fmt.Sprintf("stage %s in %s", strings.Join(a.Paths, ", "), a.Tree)
	case ActionCommit:
		return fmt.Sprintf("commit %d path(s) in %s", len(a.Paths), a.Tree)
	case ActionSkip:
		return fmt.Sprintf("skip %s (%s)", a.Path, a.Reason)
	default:
		return a.Kind.String()
	}
}
