//go:build e2e

package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/ddworktree/internal/testutil"
)

const (
	defaultTimeout = 2 * time.Minute
	binaryName     = "ddworktree"
)

// Suite runs the ddworktree binary against throwaway repositories with an
// isolated registry, lock directory and git identity.
type Suite struct {
	// immutable config
	Name    string
	Binary  string
	Timeout time.Duration

	// runtime state
	Root   string
	Config string
	Env    []string

	// optional logger hook
	Logf func(format string, args ...any)

	// test reference
	t *testing.T
}

// SuiteOption configures a Suite
type SuiteOption func(*Suite)

// WithTimeout sets a custom per-command timeout
func WithTimeout(d time.Duration) SuiteOption {
	return func(s *Suite) { s.Timeout = d }
}

// WithConfigName places the registry file under a different name, which
// also selects its format
func WithConfigName(name string) SuiteOption {
	return func(s *Suite) { s.Config = filepath.Join(s.Root, name) }
}

// WithLogf sets a custom logger
func WithLogf(logf func(string, ...any)) SuiteOption {
	return func(s *Suite) { s.Logf = logf }
}

// Build compiles the binary from the project root into dir
func Build(ctx context.Context, dir string) (string, error) {
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return "", fmt.Errorf("get project root: %w", err)
	}

	out := filepath.Join(dir, binaryName)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, "./cmd/ddworktree")
	cmd.Dir = projectRoot

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go build: %w\n%s", err, stderr.String())
	}
	return out, nil
}

// NewSuite creates a suite rooted in a fresh temp directory
func NewSuite(name string, t *testing.T, binary string, opts ...SuiteOption) *Suite {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}

	s := &Suite{
		Name:    name,
		Binary:  binary,
		Timeout: defaultTimeout,
		Root:    root,
		Config:  filepath.Join(root, ".ddconfig"),
		Logf:    t.Logf,
		t:       t,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Check for env overrides
	if timeout := os.Getenv("E2E_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			s.Timeout = d
		}
	}

	home := filepath.Join(root, "home")
	s.Env = append(os.Environ(),
		"HOME="+home,
		"XDG_CACHE_HOME="+filepath.Join(home, ".cache"),
		"XDG_CONFIG_HOME="+filepath.Join(home, ".config"),
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME=E2E",
		"GIT_AUTHOR_EMAIL=e2e@example.com",
		"GIT_COMMITTER_NAME=E2E",
		"GIT_COMMITTER_EMAIL=e2e@example.com",
	)
	return s
}

// ExecResult represents the result of a command execution
type ExecResult struct {
	Cmd      []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r ExecResult) String() string {
	return fmt.Sprintf("%v exited %d\nstdout: %s\nstderr: %s", r.Cmd, r.ExitCode, r.Stdout, r.Stderr)
}

// Run executes ddworktree in dir against the suite registry
func (s *Suite) Run(ctx context.Context, dir string, args ...string) (ExecResult, error) {
	full := append([]string{"--config", s.Config}, args...)
	return s.exec(ctx, dir, s.Binary, full...)
}

// MustRun executes ddworktree and fails on non-zero exit
func (s *Suite) MustRun(ctx context.Context, dir string, args ...string) ExecResult {
	s.t.Helper()
	res, err := s.Run(ctx, dir, args...)
	if err != nil {
		s.t.Fatalf("run ddworktree: %v", err)
	}
	if res.ExitCode != 0 {
		s.DumpDiagnostics(ctx)
		s.t.Fatalf("command failed: %s", res)
	}
	return res
}

// Git executes git in dir
func (s *Suite) Git(ctx context.Context, dir string, args ...string) (ExecResult, error) {
	return s.exec(ctx, dir, "git", args...)
}

// MustGit executes git and fails on non-zero exit, returning trimmed stdout
func (s *Suite) MustGit(ctx context.Context, dir string, args ...string) string {
	s.t.Helper()
	res, err := s.Git(ctx, dir, args...)
	if err != nil {
		s.t.Fatalf("run git: %v", err)
	}
	if res.ExitCode != 0 {
		s.t.Fatalf("git failed: %s", res)
	}
	return strings.TrimSpace(res.Stdout)
}

func (s *Suite) exec(ctx context.Context, dir, name string, args ...string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Dir = dir
	execCmd.Env = s.Env

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, fmt.Errorf("exec failed: %w", err)
		}
	}

	return ExecResult{
		Cmd:      append([]string{name}, args...),
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// InitRepo creates a repository under the suite root holding app.py and a
// .gitignore, and returns its path.
func (s *Suite) InitRepo(ctx context.Context, name string) string {
	s.t.Helper()
	repo := filepath.Join(s.Root, name)
	if err := os.MkdirAll(repo, 0755); err != nil {
		s.t.Fatalf("mkdir repo: %v", err)
	}
	s.MustGit(ctx, repo, "init", "-b", "main")
	s.MustGit(ctx, repo, "config", "commit.gpgsign", "false")
	s.WriteFile(repo, "app.py", "print('hello')\n")
	s.WriteFile(repo, ".gitignore", "*.pyc\n")
	s.Commit(ctx, repo, "initial")
	return repo
}

// Commit stages everything in dir and commits it
func (s *Suite) Commit(ctx context.Context, dir, msg string) {
	s.t.Helper()
	s.MustGit(ctx, dir, "add", "-A")
	s.MustGit(ctx, dir, "commit", "--quiet", "-m", msg)
}

// CommitCount returns the number of commits reachable from HEAD in dir
func (s *Suite) CommitCount(ctx context.Context, dir string) string {
	s.t.Helper()
	return s.MustGit(ctx, dir, "rev-list", "--count", "HEAD")
}

// WriteFile writes content at a slash-separated path below root
func (s *Suite) WriteFile(root, rel, content string) {
	s.t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		s.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		s.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a slash-separated path below root
func (s *Suite) ReadFile(root, rel string) string {
	s.t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		s.t.Fatalf("read file: %v", err)
	}
	return string(data)
}
