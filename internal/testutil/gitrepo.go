package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Git runs git in dir and returns trimmed stdout, failing the test on error
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository with a local identity on branch main
func InitRepo(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-b", "main")
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// WriteFile writes content at a slash-separated path below root
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile reads a slash-separated path below root
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// CommitAll stages everything in dir, commits, and returns the new HEAD
func CommitAll(t *testing.T, dir, msg string) string {
	t.Helper()
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "--quiet", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// CommitCount returns the number of commits reachable from HEAD
func CommitCount(t *testing.T, dir string) string {
	t.Helper()
	return Git(t, dir, "rev-list", "--count", "HEAD")
}

// NewPair builds a main repository holding app.py and a .gitignore, plus a
// detached linked worktree next to it named with the -local suffix.
// Both paths are symlink-resolved.
func NewPair(t *testing.T) (mainTree, localTree string) {
	t.Helper()
	RequireGit(t)

	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mainTree = filepath.Join(base, "app")
	localTree = filepath.Join(base, "app-local")

	InitRepo(t, mainTree)
	WriteFile(t, mainTree, "app.py", "print('hello')\n")
	WriteFile(t, mainTree, ".gitignore", "*.pyc\n__pycache__/\n")
	CommitAll(t, mainTree, "initial")

	Git(t, mainTree, "worktree", "add", "--quiet", "--detach", localTree, "HEAD")
	return mainTree, localTree
}
