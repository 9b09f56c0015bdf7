package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/testutil"
)

func TestHeadAndMergeBase(t *testing.T) {
	ctx := context.Background()
	mainTree, localTree := testutil.NewPair(t)
	client := NewShellClient()

	mainHead, err := client.HeadOf(ctx, mainTree)
	if err != nil {
		t.Fatalf("HeadOf(main): %v", err)
	}
	localHead, err := client.HeadOf(ctx, localTree)
	if err != nil {
		t.Fatalf("HeadOf(local): %v", err)
	}
	if mainHead != localHead {
		t.Fatalf("fresh pair should share HEAD, got %s and %s", mainHead, localHead)
	}

	testutil.WriteFile(t, mainTree, "app.py", "print('v2')\n")
	newHead := testutil.CommitAll(t, mainTree, "v2")

	base, err := client.MergeBase(ctx, mainTree, newHead, localHead)
	if err != nil {
		t.Fatalf("MergeBase: %v", err)
	}
	if base != localHead {
		t.Errorf("MergeBase = %s, want %s", base, localHead)
	}

	ahead, behind, err := client.AheadBehind(ctx, mainTree, newHead, localHead)
	if err != nil {
		t.Fatalf("AheadBehind: %v", err)
	}
	if ahead != 1 || behind != 0 {
		t.Errorf("AheadBehind = (%d, %d), want (1, 0)", ahead, behind)
	}
}

func TestMergeBase_UnrelatedHistories(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	testutil.WriteFile(t, dir, "a.txt", "a\n")
	first := testutil.CommitAll(t, dir, "first")

	testutil.Git(t, dir, "checkout", "--quiet", "--orphan", "other")
	testutil.WriteFile(t, dir, "b.txt", "b\n")
	second := testutil.CommitAll(t, dir, "orphan")

	base, err := NewShellClient().MergeBase(ctx, dir, first, second)
	if err != nil {
		t.Fatalf("MergeBase: %v", err)
	}
	if base != "" {
		t.Errorf("expected no merge base, got %s", base)
	}
}

func TestStatusAndTracked(t *testing.T) {
	ctx := context.Background()
	mainTree, _ := testutil.NewPair(t)
	client := NewShellClient()

	testutil.WriteFile(t, mainTree, "new.txt", "new\n")
	testutil.WriteFile(t, mainTree, "app.py", "changed\n")
	testutil.WriteFile(t, mainTree, "cache.pyc", "ignored\n")

	st, err := client.Status(ctx, mainTree)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Dirty {
		t.Error("expected dirty tree")
	}
	if !slices.Equal(st.Untracked, []string{"new.txt"}) {
		t.Errorf("Untracked = %v", st.Untracked)
	}
	if !slices.Equal(st.Modified, []string{"app.py"}) {
		t.Errorf("Modified = %v", st.Modified)
	}

	tracked, err := client.ListTracked(ctx, mainTree)
	if err != nil {
		t.Fatalf("ListTracked: %v", err)
	}
	if !slices.Equal(tracked, []string{".gitignore", "app.py"}) {
		t.Errorf("ListTracked = %v", tracked)
	}
}

func TestParseStatus(t *testing.T) {
	out := []byte(" M a.go\x00?? b.go\x00 D c.go\x00R  new.go\x00old.go\x00D  d.go\x00")
	st := parseStatus(out)

	if !slices.Equal(st.Modified, []string{"a.go", "new.go"}) {
		t.Errorf("Modified = %v", st.Modified)
	}
	if !slices.Equal(st.Untracked, []string{"b.go"}) {
		t.Errorf("Untracked = %v", st.Untracked)
	}
	if !slices.Equal(st.Deleted, []string{"c.go", "d.go"}) {
		t.Errorf("Deleted = %v", st.Deleted)
	}
}

func TestDiffContent(t *testing.T) {
	ctx := context.Background()
	mainTree, localTree := testutil.NewPair(t)
	client := NewShellClient()
	head, err := client.HeadOf(ctx, mainTree)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		setup func()
		a, b  Source
		path  string
		want  bool
	}{
		{
			name: "identical checkouts",
			a:    WorkingTree(mainTree), b: WorkingTree(localTree), path: "app.py", want: true,
		},
		{
			name: "working tree matches commit",
			a:    WorkingTree(mainTree), b: AtCommit(mainTree, head), path: "app.py", want: true,
		},
		{
			name:  "local edit",
			setup: func() { testutil.WriteFile(t, localTree, "app.py", "edited\n") },
			a:     WorkingTree(mainTree), b: WorkingTree(localTree), path: "app.py", want: false,
		},
		{
			name: "absent on both sides",
			a:    WorkingTree(mainTree), b: AtCommit(mainTree, head), path: "missing.txt", want: true,
		},
		{
			name:  "present only in working tree",
			setup: func() { testutil.WriteFile(t, mainTree, "extra.txt", "x\n") },
			a:     WorkingTree(mainTree), b: AtCommit(mainTree, head), path: "extra.txt", want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			got, err := client.DiffContent(ctx, tt.a, tt.path, tt.b, tt.path)
			if err != nil {
				t.Fatalf("DiffContent: %v", err)
			}
			if got != tt.want {
				t.Errorf("DiffContent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkingBlobIDMatchesGit(t *testing.T) {
	mainTree, _ := testutil.NewPair(t)

	got, err := WorkingBlobID(filepath.Join(mainTree, "app.py"))
	if err != nil {
		t.Fatal(err)
	}
	want := testutil.Git(t, mainTree, "hash-object", "app.py")
	if got != want {
		t.Errorf("WorkingBlobID = %s, git hash-object = %s", got, want)
	}

	missing, err := WorkingBlobID(filepath.Join(mainTree, "nope"))
	if err != nil || missing != "" {
		t.Errorf("missing file: got (%q, %v)", missing, err)
	}
}

func TestStageAndCommit(t *testing.T) {
	ctx := context.Background()
	_, localTree := testutil.NewPair(t)
	client := NewShellClient()
	before, _ := client.HeadOf(ctx, localTree)

	testutil.WriteFile(t, localTree, "app.py", "synced\n")
	testutil.WriteFile(t, localTree, "other.txt", "staged but unrelated\n")
	testutil.Git(t, localTree, "add", "other.txt")

	if err := client.Stage(ctx, localTree, []string{"app.py"}); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	commit, err := client.Commit(ctx, localTree, "sync app.py", []string{"app.py"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if commit == before {
		t.Fatal("expected a new commit")
	}

	files := testutil.Git(t, localTree, "show", "--name-only", "--format=", "HEAD")
	if files != "app.py" {
		t.Errorf("commit touched %q, want only app.py", files)
	}

	if _, err := client.Commit(ctx, localTree, "again", []string{"app.py"}); !errors.Is(err, ErrNothingToCommit) {
		t.Errorf("expected ErrNothingToCommit, got %v", err)
	}
}

func TestTrailers(t *testing.T) {
	ctx := context.Background()
	mainTree, _ := testutil.NewPair(t)
	client := NewShellClient()
	base, _ := client.HeadOf(ctx, mainTree)

	testutil.WriteFile(t, mainTree, "a.txt", "a\n")
	first := testutil.CommitAll(t, mainTree, "first\n\nSync-Peer: app 1111")
	testutil.WriteFile(t, mainTree, "b.txt", "b\n")
	testutil.CommitAll(t, mainTree, "no trailer here")
	testutil.WriteFile(t, mainTree, "c.txt", "c\n")
	third := testutil.CommitAll(t, mainTree, "third\n\nSync-Peer: app 3333\nSync-Peer: web 4444")

	got, err := client.Trailers(ctx, mainTree, base, "Sync-Peer")
	if err != nil {
		t.Fatalf("Trailers: %v", err)
	}
	want := []Trailer{
		{Commit: third, Value: "app 3333"},
		{Commit: third, Value: "web 4444"},
		{Commit: first, Value: "app 1111"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = client.Trailers(ctx, mainTree, third, "Sync-Peer")
	if err != nil {
		t.Fatalf("Trailers: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty range returned %v", got)
	}
}

func TestCreateAndRemoveTree(t *testing.T) {
	ctx := context.Background()
	mainTree, localTree := testutil.NewPair(t)
	client := NewShellClient()
	head, _ := client.HeadOf(ctx, mainTree)

	if err := os.RemoveAll(localTree); err != nil {
		t.Fatal(err)
	}
	if err := client.CheckTree(ctx, localTree); err == nil {
		t.Fatal("expected CheckTree to fail for a deleted tree")
	}

	if err := client.CreateTreeAt(ctx, mainTree, localTree, head, ""); err != nil {
		t.Fatalf("CreateTreeAt: %v", err)
	}
	if err := client.CheckTree(ctx, localTree); err != nil {
		t.Fatalf("CheckTree after recreate: %v", err)
	}

	trees, err := client.ListTrees(ctx, mainTree)
	if err != nil {
		t.Fatal(err)
	}
	if len(trees) != 2 {
		t.Errorf("ListTrees = %v, want 2 trees", trees)
	}

	if err := client.RemoveTree(ctx, mainTree, localTree, false); err != nil {
		t.Fatalf("RemoveTree: %v", err)
	}
	if _, err := os.Stat(localTree); !os.IsNotExist(err) {
		t.Errorf("expected local tree to be gone, stat err = %v", err)
	}
}

func TestCurrentBranchAndExistingBranchCheckout(t *testing.T) {
	ctx := context.Background()
	mainTree, localTree := testutil.NewPair(t)
	client := NewShellClient()

	branch, err := client.CurrentBranch(ctx, mainTree)
	if err != nil || branch != "main" {
		t.Errorf("CurrentBranch(main) = %q, %v", branch, err)
	}
	branch, err = client.CurrentBranch(ctx, localTree)
	if err != nil || branch != "" {
		t.Errorf("CurrentBranch(detached) = %q, %v", branch, err)
	}

	testutil.Git(t, mainTree, "branch", "feature")
	other := filepath.Join(filepath.Dir(mainTree), "feature-tree")
	if err := client.CreateTreeAt(ctx, mainTree, other, "", "feature"); err != nil {
		t.Fatalf("CreateTreeAt existing branch: %v", err)
	}
	if branch, _ := client.CurrentBranch(ctx, other); branch != "feature" {
		t.Errorf("checked out %q, want feature", branch)
	}
}

func TestBranchExists(t *testing.T) {
	mainTree, _ := testutil.NewPair(t)
	c := NewShellClient()
	ctx := context.Background()

	for branch, want := range map[string]bool{"main": true, "nope": false} {
		got, err := c.BranchExists(ctx, mainTree, branch)
		if err != nil {
			t.Fatalf("BranchExists(%s): %v", branch, err)
		}
		if got != want {
			t.Errorf("BranchExists(%s) = %v, want %v", branch, got, want)
		}
	}
}

func TestPatch(t *testing.T) {
	ctx := context.Background()
	mainTree, localTree := testutil.NewPair(t)
	client := NewShellClient()
	testutil.WriteFile(t, localTree, "app.py", "print('local')\n")

	out, err := client.Patch(ctx, mainTree, filepath.Join(mainTree, "app.py"), filepath.Join(localTree, "app.py"))
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	for _, want := range []string{"-print('hello')", "+print('local')"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("patch missing %q:\n%s", want, out)
		}
	}

	out, err = client.Patch(ctx, mainTree, filepath.Join(mainTree, "app.py"), filepath.Join(mainTree, "app.py"))
	if err != nil || len(out) != 0 {
		t.Errorf("identical files: %q, %v", out, err)
	}

	out, err = client.Patch(ctx, mainTree, filepath.Join(mainTree, "missing.py"), filepath.Join(mainTree, "app.py"))
	if err != nil || !strings.Contains(string(out), "+print('hello')") {
		t.Errorf("missing side: %q, %v", out, err)
	}
}

func TestCheckTree_Subdirectory(t *testing.T) {
	ctx := context.Background()
	mainTree, _ := testutil.NewPair(t)
	testutil.WriteFile(t, mainTree, "sub/file.txt", "x\n")

	if err := NewShellClient().CheckTree(ctx, filepath.Join(mainTree, "sub")); err == nil {
		t.Error("expected subdirectory to be rejected as a tree root")
	}
}

func TestAdapterErrorsAreTyped(t *testing.T) {
	testutil.RequireGit(t)
	_, err := NewShellClient().HeadOf(context.Background(), t.TempDir())
	if !errors.Is(err, errs.ErrAdapter) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	var ae *errs.AdapterError
	if !errors.As(err, &ae) || ae.Op != "rev-parse" {
		t.Errorf("unexpected adapter error %#v", err)
	}
}
