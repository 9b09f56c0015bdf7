package drift

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/ddworktree/internal/config"
	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/scope"
	"github.com/schaermu/ddworktree/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestPair(t *testing.T) registry.Pair {
	t.Helper()
	mainTree, localTree := testutil.NewPair(t)
	return registry.Pair{
		Alias:   "app",
		Main:    mainTree,
		Local:   localTree,
		Options: config.DefaultOptions(),
	}
}

func detect(t *testing.T, p registry.Pair, excludes ...string) *Report {
	t.Helper()
	report, err := NewDetector(git.NewShellClient(), testLogger(), excludes...).Detect(context.Background(), p)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	return report
}

func onlyEntry(t *testing.T, r *Report) Entry {
	t.Helper()
	if len(r.Entries) != 1 {
		t.Fatalf("expected exactly one entry, got %v", r.Entries)
	}
	return r.Entries[0]
}

func TestDetect_FreshPairIsConverged(t *testing.T) {
	p := newTestPair(t)
	r := detect(t, p)

	if r.HasDrift() {
		t.Errorf("fresh pair should not drift: %v", r.Entries)
	}
	if r.Divergence.Kind != Aligned {
		t.Errorf("divergence = %s, want aligned", r.Divergence)
	}
}

func TestDetect_LocalOnlyIgnoredFileIsExpected(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Local, scope.DefaultLocalFile, "debug.py\n")
	testutil.WriteFile(t, p.Local, "debug.py", "import pdb\n")

	r := detect(t, p)

	if len(r.Entries) != 0 {
		t.Errorf("expected zero entries, got %v", r.Entries)
	}
	if r.Expected != 2 {
		t.Errorf("expected debug.py and the local ignore file to be counted, got %d", r.Expected)
	}
	if r.HasDrift() {
		t.Error("expected asymmetry must not count as drift")
	}
}

func TestDetect_MainChangeNeedsCopy(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "app.py", "print('v2')\n")
	testutil.CommitAll(t, p.Main, "v2")

	r := detect(t, p)

	e := onlyEntry(t, r)
	if e.Path != "app.py" || e.Verdict != NeedsCopy || e.Direction != MainToLocal {
		t.Errorf("unexpected entry %v", e)
	}
	if e.Classification != scope.SharedTracked {
		t.Errorf("classification = %s", e.Classification)
	}
	if r.Divergence.Kind != Ahead || r.Divergence.AheadA != 1 {
		t.Errorf("divergence = %+v", r.Divergence)
	}
	if r.CommitConflict {
		t.Error("one-sided history must not be a commit conflict")
	}
}

func TestDetect_UncommittedLocalChange(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Local, "app.py", "print('local')\n")

	e := onlyEntry(t, detect(t, p))
	if e.Verdict != NeedsCopy || e.Direction != LocalToMain {
		t.Errorf("unexpected entry %v", e)
	}
}

func TestDetect_BothChangedIsConflict(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "app.py", "print('main')\n")
	testutil.CommitAll(t, p.Main, "main change")
	testutil.WriteFile(t, p.Local, "app.py", "print('local')\n")
	testutil.CommitAll(t, p.Local, "local change")

	r := detect(t, p)

	e := onlyEntry(t, r)
	if e.Verdict != Conflict {
		t.Errorf("verdict = %s, want Conflict", e.Verdict)
	}
	if r.Divergence.Kind != Diverged || !r.CommitConflict {
		t.Errorf("expected diverged commit conflict, got %+v (conflict=%v)", r.Divergence, r.CommitConflict)
	}
}

func TestDetect_DisjointCommitsAreCommitConflict(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "a.txt", "a\n")
	testutil.CommitAll(t, p.Main, "a")
	testutil.WriteFile(t, p.Local, "b.txt", "b\n")
	testutil.CommitAll(t, p.Local, "b")

	r := detect(t, p)

	if len(r.Entries) != 2 || r.Count(NeedsCopy) != 2 {
		t.Fatalf("expected two copies, got %v", r.Entries)
	}
	if !r.CommitConflict {
		t.Error("independent commits with drift must be surfaced as a commit conflict")
	}
}

func TestDetect_NewLocalFile(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Local, "lib/util.py", "pass\n")

	e := onlyEntry(t, detect(t, p))
	if e.Classification != scope.LocalOnlyContent || e.Verdict != NeedsCopy || e.Direction != LocalToMain {
		t.Errorf("unexpected entry %v", e)
	}
	if e.LocalTracked || e.Removal {
		t.Errorf("new untracked file misreported: %+v", e)
	}
}

func TestDetect_DeletionIsRemoval(t *testing.T) {
	p := newTestPair(t)
	testutil.Git(t, p.Main, "rm", "--quiet", "app.py")
	testutil.CommitAll(t, p.Main, "drop app.py")

	e := onlyEntry(t, detect(t, p))
	if e.Verdict != NeedsCopy || !e.Removal || e.Direction != MainToLocal {
		t.Errorf("expected removal toward local, got %+v", e)
	}
}

func TestDetect_ModifyDeleteIsConflict(t *testing.T) {
	p := newTestPair(t)
	testutil.Git(t, p.Main, "rm", "--quiet", "app.py")
	testutil.CommitAll(t, p.Main, "drop app.py")
	testutil.WriteFile(t, p.Local, "app.py", "print('still here')\n")

	e := onlyEntry(t, detect(t, p))
	if e.Verdict != Conflict {
		t.Errorf("verdict = %s, want Conflict", e.Verdict)
	}
}

func TestDetect_ScopeViolationIsReported(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Local, ".gitignore", "__pycache__/\n")
	testutil.WriteFile(t, p.Local, "cache.pyc", "bytes\n")

	r := detect(t, p)

	var found bool
	for _, e := range r.Entries {
		if e.Path == "cache.pyc" {
			found = true
			if e.Verdict != ScopeViolation || e.Classification != scope.LocalOnlyIgnored {
				t.Errorf("unexpected entry %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("violation not reported: %v", r.Entries)
	}
	if !r.HasDrift() {
		t.Error("violations must count as unresolved")
	}
}

func TestDetect_NeedsCommit(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "lib.py", "x = 1\n")
	testutil.CommitAll(t, p.Main, "lib")
	testutil.WriteFile(t, p.Local, "lib.py", "x = 1\n")

	r := detect(t, p)

	e := onlyEntry(t, r)
	if e.Verdict != NeedsCommit || e.Direction != MainToLocal {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestDetect_ExcludesRegistryFile(t *testing.T) {
	p := newTestPair(t)
	reg := filepath.Join(p.Main, ".ddconfig")
	testutil.WriteFile(t, p.Main, ".ddconfig", "[pairs]\n")

	if r := detect(t, p, reg); len(r.Entries) != 0 {
		t.Errorf("registry file reported: %v", r.Entries)
	}
	if r := detect(t, p); len(r.Entries) != 1 {
		t.Errorf("without exclusion the file is ordinary content: %v", r.Entries)
	}
}

func TestCompare_Symmetry(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	client := git.NewShellClient()

	testutil.WriteFile(t, p.Main, "a.txt", "a\n")
	testutil.CommitAll(t, p.Main, "a1")
	testutil.WriteFile(t, p.Main, "a.txt", "a2\n")
	mainHead := testutil.CommitAll(t, p.Main, "a2")
	testutil.WriteFile(t, p.Local, "b.txt", "b\n")
	localHead := testutil.CommitAll(t, p.Local, "b1")

	forward, err := Compare(ctx, client, p.Main, mainHead, localHead)
	if err != nil {
		t.Fatal(err)
	}
	backward, err := Compare(ctx, client, p.Main, localHead, mainHead)
	if err != nil {
		t.Fatal(err)
	}

	if forward.Kind != Diverged || forward.AheadA != 2 || forward.AheadB != 1 {
		t.Errorf("forward = %+v", forward)
	}
	if backward.Swap() != forward {
		t.Errorf("asymmetric: forward %+v, swapped backward %+v", forward, backward.Swap())
	}

	ahead, err := Compare(ctx, client, p.Main, mainHead, testutil.Git(t, p.Main, "rev-parse", "HEAD~2"))
	if err != nil {
		t.Fatal(err)
	}
	behind, err := Compare(ctx, client, p.Main, testutil.Git(t, p.Main, "rev-parse", "HEAD~2"), mainHead)
	if err != nil {
		t.Fatal(err)
	}
	if ahead.Kind != Ahead || behind.Kind != Behind || behind.Swap() != ahead {
		t.Errorf("ahead %+v, behind %+v", ahead, behind)
	}
}

func TestDetectAll(t *testing.T) {
	good := newTestPair(t)
	missing := registry.Pair{
		Alias:   "gone",
		Main:    filepath.Join(t.TempDir(), "nope"),
		Local:   filepath.Join(t.TempDir(), "nope-local"),
		Options: config.DefaultOptions(),
	}

	results := NewDetector(git.NewShellClient(), testLogger()).DetectAll(context.Background(), []registry.Pair{good, missing}, 2)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Report == nil {
		t.Errorf("healthy pair failed: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("missing pair should fail")
	}
}

func TestParseSyncTrailer(t *testing.T) {
	tests := []struct {
		value     string
		wantAlias string
		wantPeer  string
		wantOK    bool
	}{
		{value: "abc123 app", wantAlias: "app", wantPeer: "abc123", wantOK: true},
		{value: " abc123 my app \n", wantAlias: "my app", wantPeer: "abc123", wantOK: true},
		{value: "abc123"},
		{value: ""},
	}
	for _, tt := range tests {
		alias, peer, ok := ParseSyncTrailer(tt.value)
		if alias != tt.wantAlias || peer != tt.wantPeer || ok != tt.wantOK {
			t.Errorf("ParseSyncTrailer(%q) = %q, %q, %v", tt.value, alias, peer, ok)
		}
	}

	alias, peer, ok := ParseSyncTrailer(strings.TrimPrefix(FormatSyncTrailer("app", "f00d"), SyncTrailer+": "))
	if !ok || alias != "app" || peer != "f00d" {
		t.Errorf("formatted trailer does not parse back: %q %q %v", alias, peer, ok)
	}
}

// syncByHand copies app.py from main into local and commits it with the
// trailer alias would get from a sync.
func syncByHand(t *testing.T, p registry.Pair, alias string) (mainHead, localHead string) {
	t.Helper()
	mainHead = testutil.Git(t, p.Main, "rev-parse", "HEAD")
	testutil.WriteFile(t, p.Local, "app.py", testutil.ReadFile(t, p.Main, "app.py"))
	localHead = testutil.CommitAll(t, p.Local, "ddworktree sync("+alias+"): 1 path(s)\n\napp.py\n\n"+FormatSyncTrailer(alias, mainHead))
	return mainHead, localHead
}

func TestDetect_JudgesAgainstLastSync(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "app.py", "print('v2')\n")
	testutil.CommitAll(t, p.Main, "v2")
	mainSynced, localSynced := syncByHand(t, p, p.Alias)

	if r := detect(t, p); r.HasDrift() {
		t.Fatalf("synced pair should not drift: %v", r.Entries)
	}

	testutil.WriteFile(t, p.Main, "app.py", "print('v3')\n")
	testutil.CommitAll(t, p.Main, "v3")

	r := detect(t, p)
	if r.Divergence.Kind != Diverged {
		t.Errorf("divergence = %s, want diverged", r.Divergence)
	}
	if r.SyncPoint == nil || r.SyncPoint.Main != mainSynced || r.SyncPoint.Local != localSynced {
		t.Errorf("sync point = %+v, want %s/%s", r.SyncPoint, mainSynced, localSynced)
	}
	e := onlyEntry(t, r)
	if e.Verdict != NeedsCopy || e.Direction != MainToLocal {
		t.Errorf("entry = %v, want NeedsCopy main→local", e)
	}
	if r.CommitConflict {
		t.Error("only main has commits since the sync")
	}
}

func TestDetect_OtherPairsSyncIsIgnored(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "app.py", "print('v2')\n")
	testutil.CommitAll(t, p.Main, "v2")
	syncByHand(t, p, "other")

	testutil.WriteFile(t, p.Main, "app.py", "print('v3')\n")
	testutil.CommitAll(t, p.Main, "v3")

	r := detect(t, p)
	if r.SyncPoint != nil {
		t.Errorf("sync point = %+v, want none", r.SyncPoint)
	}
	// judged from the merge-base both sides changed app.py
	if e := onlyEntry(t, r); e.Verdict != Conflict {
		t.Errorf("entry = %v, want conflict", e)
	}
}

func TestDetect_CommitsOnBothSidesSinceSync(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "app.py", "print('v2')\n")
	testutil.CommitAll(t, p.Main, "v2")
	syncByHand(t, p, p.Alias)

	testutil.WriteFile(t, p.Main, "a.txt", "a\n")
	testutil.CommitAll(t, p.Main, "a")
	testutil.WriteFile(t, p.Local, "b.txt", "b\n")
	testutil.CommitAll(t, p.Local, "b")

	r := detect(t, p)
	if r.Count(NeedsCopy) != 2 {
		t.Fatalf("expected two copies, got %v", r.Entries)
	}
	if !r.CommitConflict {
		t.Error("commits made in both trees after the sync must be surfaced")
	}
}

func TestReport_SelectAndChange(t *testing.T) {
	p := newTestPair(t)
	testutil.WriteFile(t, p.Main, "app.py", "print('main')\n")
	testutil.WriteFile(t, p.Local, "lib/util.py", "pass\n")
	testutil.WriteFile(t, p.Main, "docs/notes.md", "# notes\n")

	r := detect(t, p)
	if got := len(r.Select(nil)); got != 3 {
		t.Fatalf("Select(nil) returned %d entries, want 3: %v", got, r.Entries)
	}

	want := map[string]string{"app.py": "M", "lib/util.py": "A", "docs/notes.md": "D"}
	for _, e := range r.Select(nil) {
		if got := r.Change(e); got != want[e.Path] {
			t.Errorf("Change(%s) = %s, want %s", e.Path, got, want[e.Path])
		}
	}

	tests := []struct {
		prefixes []string
		want     []string
	}{
		{prefixes: []string{"lib"}, want: []string{"lib/util.py"}},
		{prefixes: []string{"lib/"}, want: []string{"lib/util.py"}},
		{prefixes: []string{"li"}},
		{prefixes: []string{"app.py", "docs"}, want: []string{"app.py", "docs/notes.md"}},
	}
	for _, tt := range tests {
		var got []string
		for _, e := range r.Select(tt.prefixes) {
			got = append(got, e.Path)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Select(%v) = %v, want %v", tt.prefixes, got, tt.want)
		}
	}
}
