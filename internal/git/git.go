package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schaermu/ddworktree/internal/errs"
)

// ErrNothingToCommit is returned by Commit when the given paths carry no staged change
var ErrNothingToCommit = errors.New("nothing to commit")

// Client is the narrow set of version-control operations the core consumes.
// Every failure is returned as an *errs.AdapterError.
type Client interface {
	// HeadOf returns the commit id checked out in tree
	HeadOf(ctx context.Context, tree string) (string, error)
	// CurrentBranch returns the branch checked out in tree, or "" when HEAD is detached
	CurrentBranch(ctx context.Context, tree string) (string, error)
	// MergeBase returns the best common ancestor of two commits, or "" when there is none
	MergeBase(ctx context.Context, tree, refA, refB string) (string, error)
	// AheadBehind counts commits reachable from refA but not refB, and the reverse
	AheadBehind(ctx context.Context, tree, refA, refB string) (ahead, behind int, err error)
	// ListTracked returns the slash-separated paths in tree's index
	ListTracked(ctx context.Context, tree string) ([]string, error)
	// Status reports working tree changes relative to the index and HEAD
	Status(ctx context.Context, tree string) (Status, error)
	// DiffContent reports whether two path versions hold identical content.
	// Two absent versions are equal.
	DiffContent(ctx context.Context, a Source, pathA string, b Source, pathB string) (bool, error)
	// Stage records the current state of paths (including removals) in the index
	Stage(ctx context.Context, tree string, paths []string) error
	// Commit commits the staged state of paths, or everything staged when paths is empty
	Commit(ctx context.Context, tree, message string, paths []string) (string, error)
	// CreateTreeAt adds a linked working tree at location. An empty branch
	// detaches HEAD at commit; with an empty commit the existing branch is
	// checked out, otherwise branch is created at commit.
	CreateTreeAt(ctx context.Context, repoTree, location, commit, branch string) error
	// RemoveTree removes a linked working tree
	RemoveTree(ctx context.Context, repoTree, location string, force bool) error
	// ListTrees returns the root of every working tree attached to tree's repository
	ListTrees(ctx context.Context, tree string) ([]string, error)
	// GitDir returns the absolute git directory backing tree
	GitDir(ctx context.Context, tree string) (string, error)
	// CheckTree returns nil when dir is the root of a usable working tree
	CheckTree(ctx context.Context, dir string) error
	// Trailers returns the values of trailer key on commits in since..HEAD of
	// tree, newest first. An empty since searches all of HEAD's history.
	Trailers(ctx context.Context, tree, since, key string) ([]Trailer, error)
}

// Trailer is one trailer value and the commit carrying it
type Trailer struct {
	Commit string
	Value  string
}

// Source names one version of a tree: a commit when Commit is set, the
// working tree otherwise.
type Source struct {
	Tree   string
	Commit string
}

// WorkingTree is the Source for the files currently on disk in tree
func WorkingTree(tree string) Source {
	return Source{Tree: tree}
}

// AtCommit is the Source for tree's repository at commit
func AtCommit(tree, commit string) Source {
	return Source{Tree: tree, Commit: commit}
}

func (s Source) String() string {
	if s.Commit == "" {
		return s.Tree
	}
	return s.Tree + "@" + shortID(s.Commit)
}

// Status summarizes `git status` for one working tree
type Status struct {
	Dirty     bool
	Modified  []string
	Deleted   []string
	Untracked []string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	binary string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient() *ShellClient {
	return &ShellClient{binary: "git"}
}

// HeadOf resolves HEAD in tree
func (c *ShellClient) HeadOf(ctx context.Context, tree string) (string, error) {
	out, err := c.output(c.command(ctx, tree, "rev-parse", "--verify", "HEAD^{commit}"))
	if err != nil {
		return "", adapterErr("rev-parse", tree, "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch asks symbolic-ref quietly; exit status 1 means detached
func (c *ShellClient) CurrentBranch(ctx context.Context, tree string) (string, error) {
	out, err := c.output(c.command(ctx, tree, "symbolic-ref", "--quiet", "--short", "HEAD"))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", adapterErr("symbolic-ref", tree, "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// BranchExists reports whether refs/heads/branch exists in tree's repository
func (c *ShellClient) BranchExists(ctx context.Context, tree, branch string) (bool, error) {
	_, err := c.output(c.command(ctx, tree, "show-ref", "--verify", "--quiet", "refs/heads/"+branch))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, adapterErr("show-ref", tree, "", err)
	}
	return true, nil
}

// MergeBase runs git merge-base. Exit status 1 without output means the
// commits share no history.
func (c *ShellClient) MergeBase(ctx context.Context, tree, refA, refB string) (string, error) {
	out, err := c.output(c.command(ctx, tree, "merge-base", refA, refB))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", adapterErr("merge-base", tree, "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// AheadBehind uses rev-list's symmetric difference count
func (c *ShellClient) AheadBehind(ctx context.Context, tree, refA, refB string) (int, int, error) {
	out, err := c.output(c.command(ctx, tree, "rev-list", "--left-right", "--count", refA+"..."+refB))
	if err != nil {
		return 0, 0, adapterErr("rev-list", tree, "", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return 0, 0, adapterErr("rev-list", tree, "", fmt.Errorf("unexpected output %q", out))
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, adapterErr("rev-list", tree, "", err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, adapterErr("rev-list", tree, "", err)
	}
	return ahead, behind, nil
}

// ListTracked lists the index of tree
func (c *ShellClient) ListTracked(ctx context.Context, tree string) ([]string, error) {
	out, err := c.output(c.command(ctx, tree, "ls-files", "-z", "--cached"))
	if err != nil {
		return nil, adapterErr("ls-files", tree, "", err)
	}
	return splitNUL(out), nil
}

// Status parses porcelain v1 output with every untracked file listed
func (c *ShellClient) Status(ctx context.Context, tree string) (Status, error) {
	out, err := c.output(c.command(ctx, tree, "status", "--porcelain=v1", "-z", "--untracked-files=all"))
	if err != nil {
		return Status{}, adapterErr("status", tree, "", err)
	}
	return parseStatus(out), nil
}

func parseStatus(out []byte) Status {
	var st Status
	fields := splitNUL(out)
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		x, y, path := entry[0], entry[1], entry[3:]
		switch {
		case x == '?' && y == '?':
			st.Untracked = append(st.Untracked, path)
		case x == '!':
			// ignored entries only appear with --ignored
		case x == 'D' || y == 'D':
			st.Deleted = append(st.Deleted, path)
			st.Dirty = true
		default:
			st.Modified = append(st.Modified, path)
			st.Dirty = true
		}
		// renames and copies carry the original path as an extra field
		if x == 'R' || x == 'C' {
			i++
		}
	}
	return st
}

// DiffContent compares git blob ids of both versions
func (c *ShellClient) DiffContent(ctx context.Context, a Source, pathA string, b Source, pathB string) (bool, error) {
	idA, err := c.blobID(ctx, a, pathA)
	if err != nil {
		return false, err
	}
	idB, err := c.blobID(ctx, b, pathB)
	if err != nil {
		return false, err
	}
	return idA == idB, nil
}

func (c *ShellClient) blobID(ctx context.Context, src Source, path string) (string, error) {
	if src.Commit == "" {
		id, err := WorkingBlobID(filepath.Join(src.Tree, filepath.FromSlash(path)))
		if err != nil {
			return "", adapterErr("hash-object", src.Tree, path, err)
		}
		return id, nil
	}

	out, err := c.output(c.command(ctx, src.Tree, "ls-tree", "-z", src.Commit, "--", path))
	if err != nil {
		return "", adapterErr("ls-tree", src.Tree, path, err)
	}
	for _, entry := range splitNUL(out) {
		// <mode> SP <type> SP <object> TAB <file>
		meta, name, ok := strings.Cut(entry, "\t")
		if !ok || name != path {
			continue
		}
		parts := strings.Fields(meta)
		if len(parts) == 3 && parts[1] == "blob" {
			return parts[2], nil
		}
	}
	return "", nil
}

// Stage runs `git add -A` so that deletions are staged too
func (c *ShellClient) Stage(ctx context.Context, tree string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "-A", "--"}, paths...)
	if err := c.runCommand(c.command(ctx, tree, args...)); err != nil {
		return adapterErr("add", tree, strings.Join(paths, " "), err)
	}
	return nil
}

// Commit commits only the listed paths so unrelated staged work stays staged
func (c *ShellClient) Commit(ctx context.Context, tree, message string, paths []string) (string, error) {
	check := append([]string{"diff", "--cached", "--quiet", "--"}, paths...)
	err := c.runCommand(c.command(ctx, tree, check...))
	if err == nil {
		return "", ErrNothingToCommit
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		return "", adapterErr("diff", tree, "", err)
	}

	args := []string{"commit", "--quiet", "-m", message}
	if len(paths) > 0 {
		args = append(args, "--only", "--")
		args = append(args, paths...)
	}
	if err := c.runCommand(c.command(ctx, tree, args...)); err != nil {
		return "", adapterErr("commit", tree, "", err)
	}
	return c.HeadOf(ctx, tree)
}

// CreateTreeAt prunes stale worktree records first so a directory that was
// deleted externally can be recreated at the same location.
func (c *ShellClient) CreateTreeAt(ctx context.Context, repoTree, location, commit, branch string) error {
	if err := c.runCommand(c.command(ctx, repoTree, "worktree", "prune")); err != nil {
		return adapterErr("worktree prune", repoTree, "", err)
	}
	if err := os.MkdirAll(filepath.Dir(location), 0755); err != nil {
		return adapterErr("worktree add", repoTree, location, fmt.Errorf("failed to create parent directory: %w", err))
	}

	args := []string{"worktree", "add"}
	switch {
	case branch == "":
		args = append(args, "--detach", location, commit)
	case commit == "":
		args = append(args, location, branch)
	default:
		args = append(args, "-b", branch, location, commit)
	}
	if err := c.runCommand(c.command(ctx, repoTree, args...)); err != nil {
		return adapterErr("worktree add", repoTree, location, err)
	}
	return nil
}

// RemoveTree never forces unless asked; git refuses to drop a dirty tree otherwise
func (c *ShellClient) RemoveTree(ctx context.Context, repoTree, location string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, location)
	if err := c.runCommand(c.command(ctx, repoTree, args...)); err != nil {
		return adapterErr("worktree remove", repoTree, location, err)
	}
	return nil
}

// ListTrees parses `git worktree list --porcelain`
func (c *ShellClient) ListTrees(ctx context.Context, tree string) ([]string, error) {
	out, err := c.output(c.command(ctx, tree, "worktree", "list", "--porcelain"))
	if err != nil {
		return nil, adapterErr("worktree list", tree, "", err)
	}
	var trees []string
	for _, line := range strings.Split(string(out), "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			trees = append(trees, p)
		}
	}
	return trees, nil
}

// GitDir resolves the per-tree git directory (.git/worktrees/<name> for linked trees)
func (c *ShellClient) GitDir(ctx context.Context, tree string) (string, error) {
	out, err := c.output(c.command(ctx, tree, "rev-parse", "--absolute-git-dir"))
	if err != nil {
		return "", adapterErr("rev-parse", tree, "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CheckTree verifies dir exists and is the top level of a working tree
func (c *ShellClient) CheckTree(ctx context.Context, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	out, err := c.output(c.command(ctx, dir, "rev-parse", "--show-toplevel"))
	if err != nil {
		return fmt.Errorf("not a git working tree: %w", err)
	}
	top := strings.TrimSpace(string(out))
	if !SamePath(top, dir) {
		return fmt.Errorf("%s is inside working tree %s, not its root", dir, top)
	}
	return nil
}

// Trailers reads trailers through git log's trailer placeholder
func (c *ShellClient) Trailers(ctx context.Context, tree, since, key string) ([]Trailer, error) {
	rng := "HEAD"
	if since != "" {
		rng = since + "..HEAD"
	}
	format := "--format=%H%x1f%(trailers:key=" + key + ",valueonly)%x1e"
	out, err := c.output(c.command(ctx, tree, "log", format, rng))
	if err != nil {
		return nil, adapterErr("log", tree, "", err)
	}
	return parseTrailers(out), nil
}

func parseTrailers(out []byte) []Trailer {
	var trailers []Trailer
	for _, record := range strings.Split(string(out), "\x1e") {
		id, values, ok := strings.Cut(strings.TrimSpace(record), "\x1f")
		if !ok {
			continue
		}
		for _, v := range strings.Split(values, "\n") {
			if v = strings.TrimSpace(v); v != "" {
				trailers = append(trailers, Trailer{Commit: id, Value: v})
			}
		}
	}
	return trailers
}

// Patch renders a unified diff from fileA to fileB with git diff --no-index.
// A missing file is diffed as /dev/null; identical files give no output.
func (c *ShellClient) Patch(ctx context.Context, tree, fileA, fileB string) ([]byte, error) {
	cmd := c.command(ctx, tree, "diff", "--no-index", "--no-color", "--no-ext-diff", "--",
		devNullIfMissing(fileA), devNullIfMissing(fileB))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		// --no-index implies --exit-code
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return out, nil
		}
		return nil, adapterErr("diff", tree, fileA, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return out, nil
}

func devNullIfMissing(path string) string {
	if _, err := os.Lstat(path); err != nil {
		return os.DevNull
	}
	return path
}

// SamePath compares two filesystem paths after resolving symlinks
func SamePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}

func (c *ShellClient) command(ctx context.Context, tree string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary, append([]string{"-C", tree}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	return cmd
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output returns stdout and folds stderr into the error
func (c *ShellClient) output(cmd *exec.Cmd) ([]byte, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func adapterErr(op, tree, path string, err error) error {
	return &errs.AdapterError{Op: op, Tree: tree, Path: path, Err: err}
}

func splitNUL(out []byte) []string {
	var fields []string
	for _, f := range bytes.Split(out, []byte{0}) {
		if len(f) > 0 {
			fields = append(fields, string(f))
		}
	}
	return fields
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
