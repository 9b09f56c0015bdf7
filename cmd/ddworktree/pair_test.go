package main

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/testutil"
)

// testApp builds an app over an empty registry next to the repository
func testApp(t *testing.T, dir string) *app {
	t.Helper()
	origCfg, origOut := cfgFile, output
	t.Cleanup(func() { cfgFile, output = origCfg, origOut })
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	cfgFile = filepath.Join(dir, ".ddconfig")
	if err := os.WriteFile(cfgFile, []byte("[pairs]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	output = "text"

	a, err := newApp(&cobra.Command{})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	return a
}

func TestAddWorktree(t *testing.T) {
	repo, _ := testutil.NewPair(t)
	base := filepath.Dir(repo)
	a := testApp(t, base)

	mainTree := filepath.Join(base, "feature")
	p, err := a.addWorktree(t.Context(), repo, mainTree, "HEAD", "")
	if err != nil {
		t.Fatalf("addWorktree() error = %v", err)
	}

	wantLocal := registry.LocalPathFor(mainTree, a.snap.Options().LocalSuffix)
	if p.Main != mainTree || p.Local != wantLocal {
		t.Errorf("pair = %s <> %s, want %s <> %s", p.Main, p.Local, mainTree, wantLocal)
	}
	if got := testutil.ReadFile(t, mainTree, "app.py"); got != "print('hello')\n" {
		t.Errorf("main tree app.py = %q", got)
	}
	if _, err := os.Stat(filepath.Join(wantLocal, a.snap.Options().LocalIgnoreFile)); err != nil {
		t.Errorf("local ignore file missing: %v", err)
	}

	snap, err := a.reg.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := snap.Get(p.Alias); err != nil {
		t.Errorf("pair %s not registered: %v", p.Alias, err)
	}
}

func TestAddWorktree_RollsBackWhenLocalTreeFails(t *testing.T) {
	repo, _ := testutil.NewPair(t)
	base := filepath.Dir(repo)
	a := testApp(t, base)

	mainTree := filepath.Join(base, "feature")
	localTree := registry.LocalPathFor(mainTree, a.snap.Options().LocalSuffix)
	// git refuses to add a worktree over a non-empty directory
	testutil.WriteFile(t, localTree, "occupied.txt", "mine\n")

	if _, err := a.addWorktree(t.Context(), repo, mainTree, "HEAD", ""); err == nil {
		t.Fatal("addWorktree() should fail when the local tree cannot be created")
	}

	if _, err := os.Stat(mainTree); !os.IsNotExist(err) {
		t.Errorf("main tree should be removed again, stat error = %v", err)
	}
	if got := testutil.ReadFile(t, localTree, "occupied.txt"); got != "mine\n" {
		t.Errorf("pre-existing directory was touched: %q", got)
	}
	list := testutil.Git(t, repo, "worktree", "list", "--porcelain")
	if slices.Contains(strings.Split(list, "\n"), "worktree "+mainTree) {
		t.Errorf("main tree still listed as a worktree:\n%s", list)
	}

	snap, err := a.reg.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(snap.Pairs()); n != 0 {
		t.Errorf("%d pair(s) registered after a failed add, want 0", n)
	}
}
