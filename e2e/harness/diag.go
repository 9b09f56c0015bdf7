//go:build e2e

package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Diagnostics represents collected diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	Items       []DiagItem
}

// DiagItem represents a single diagnostic command output
type DiagItem struct {
	Name     string
	Cmd      []string
	ExitCode int
	Output   string
}

// CollectDiagnostics gathers the registry, worktree and doctor state of
// every repository under the suite root.
func (s *Suite) CollectDiagnostics(ctx context.Context) *Diagnostics {
	diag := &Diagnostics{CollectedAt: time.Now()}

	registry, err := os.ReadFile(s.Config)
	if err != nil {
		registry = []byte(err.Error())
	}
	diag.Items = append(diag.Items, DiagItem{Name: "registry", Cmd: []string{"cat", s.Config}, Output: string(registry)})

	entries, _ := os.ReadDir(s.Root)
	for _, e := range entries {
		dir := filepath.Join(s.Root, e.Name())
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			continue
		}
		for _, item := range []struct {
			name string
			args []string
		}{
			{"worktree-list", []string{"worktree", "list"}},
			{"status", []string{"status", "--short", "--ignored"}},
			{"log", []string{"log", "--oneline", "--all", "-n", "20"}},
		} {
			res, err := s.Git(ctx, dir, item.args...)
			if err != nil {
				res.Stderr = err.Error()
			}
			diag.Items = append(diag.Items, DiagItem{
				Name:     e.Name() + "/" + item.name,
				Cmd:      res.Cmd,
				ExitCode: res.ExitCode,
				Output:   res.Stdout + res.Stderr,
			})
		}
	}

	res, err := s.Run(ctx, s.Root, "doctor", "--all", "-o", "yaml")
	if err != nil {
		res.Stderr = err.Error()
	}
	diag.Items = append(diag.Items, DiagItem{Name: "doctor", Cmd: res.Cmd, ExitCode: res.ExitCode, Output: res.Stdout + res.Stderr})

	return diag
}

// DumpDiagnostics logs everything CollectDiagnostics gathers
func (s *Suite) DumpDiagnostics(ctx context.Context) {
	diag := s.CollectDiagnostics(ctx)
	s.Logf("=== diagnostics for %s (%s) ===", s.Name, diag.CollectedAt.Format(time.RFC3339))
	for _, item := range diag.Items {
		s.Logf("--- %s: %s (exit %d)\n%s", item.Name, strings.Join(item.Cmd, " "), item.ExitCode, item.Output)
	}
}
