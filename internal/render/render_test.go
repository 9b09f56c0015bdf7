package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/ddworktree/internal/doctor"
	"github.com/schaermu/ddworktree/internal/drift"
	ddsync "github.com/schaermu/ddworktree/internal/sync"
)

func sampleReport() *drift.Report {
	return &drift.Report{
		Pair:       "app",
		Main:       drift.WorktreeState{Tree: "/src/app"},
		Local:      drift.WorktreeState{Tree: "/src/app-local"},
		Divergence: drift.Divergence{Kind: drift.Diverged, AheadA: 1, AheadB: 2},
		Entries: []drift.Entry{
			{Path: "app.py", Verdict: drift.NeedsCopy, Direction: drift.MainToLocal},
			{Path: "README", Verdict: drift.Conflict, Reason: "both sides changed"},
		},
		Expected:       3,
		CommitConflict: true,
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"text", Text, false},
		{"JSON", JSON, false},
		{"yaml", YAML, false},
		{"yml", YAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStructured_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Structured(&buf, JSON, sampleReport()); err != nil {
		t.Fatalf("Structured() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, buf.String())
	}
	if decoded["pair"] != "app" {
		t.Errorf("pair = %v, want app", decoded["pair"])
	}
	entries, ok := decoded["entries"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("entries = %v, want 2 items", decoded["entries"])
	}
	first := entries[0].(map[string]any)
	if first["verdict"] != "NeedsCopy" || first["direction"] != "main→local" {
		t.Errorf("first entry = %v", first)
	}
	div := decoded["divergence"].(map[string]any)
	if div["kind"] != "diverged" {
		t.Errorf("divergence kind = %v, want diverged", div["kind"])
	}
}

func TestStructured_YAML(t *testing.T) {
	var buf bytes.Buffer
	rep := &doctor.Report{Pair: "app", Status: doctor.Warn, Checks: []doctor.Check{{Name: doctor.CheckDrift, Status: doctor.Warn, Reason: "2 path(s) differ"}}}
	if err := Structured(&buf, YAML, rep); err != nil {
		t.Fatalf("Structured() error = %v", err)
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not yaml: %v\n%s", err, buf.String())
	}
	if decoded["status"] != "warn" {
		t.Errorf("status = %v, want warn", decoded["status"])
	}
}

func TestStructured_RejectsText(t *testing.T) {
	if err := Structured(&bytes.Buffer{}, Text, nil); err == nil {
		t.Error("Structured(text) should fail")
	}
}

func TestDriftReport(t *testing.T) {
	var buf bytes.Buffer
	DriftReport(&buf, sampleReport())
	out := buf.String()

	for _, want := range []string{"app", "diverged (1, 2)", "--accept-diverged", "NeedsCopy", "app.py", "main→local", "Conflict", "both sides changed", "2 unresolved", "3 expected"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDriftReport_InSync(t *testing.T) {
	var buf bytes.Buffer
	DriftReport(&buf, &drift.Report{Pair: "app"})
	if !strings.Contains(buf.String(), "in sync") {
		t.Errorf("output = %q, want in sync", buf.String())
	}
}

func TestPlan(t *testing.T) {
	p := &ddsync.Plan{
		Pair: "app",
		Actions: []ddsync.Action{
			ddsync.Copy("app.py", "/m", "/l"),
			ddsync.Stage("/l", []string{"app.py"}),
			ddsync.Commit("/l", ddsync.CommitMessage("app", []string{"app.py"}), []string{"app.py"}),
			ddsync.Skip("README", ddsync.ReasonConflict),
		},
		Warnings: []ddsync.Warning{{Path: "README", Verdict: drift.Conflict, Message: "resolve by hand"}},
	}

	var buf bytes.Buffer
	Plan(&buf, p)
	out := buf.String()
	for _, want := range []string{"1.", "copy", "/m -> /l", "stage", "commit", "ddworktree sync(app): 1 path(s)", "skip", "(conflict)", "warning:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPlan_Empty(t *testing.T) {
	var buf bytes.Buffer
	Plan(&buf, &ddsync.Plan{Pair: "app"})
	if !strings.Contains(buf.String(), "nothing to do") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestApplyResult(t *testing.T) {
	res := &ddsync.ApplyResult{
		State:     ddsync.PartiallyApplied,
		Completed: []ddsync.Action{ddsync.Copy("a", "/m", "/l")},
		Remaining: []ddsync.Action{ddsync.Stage("/l", []string{"a"})},
		Commits:   map[string]string{"/m": "0123456789abcdef"},
	}

	var buf bytes.Buffer
	ApplyResult(&buf, res)
	out := buf.String()
	for _, want := range []string{"partially-applied", "1 done", "1 remaining", "committed 01234567", "not done:", "stage a in /l"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestUnconverged(t *testing.T) {
	var buf bytes.Buffer
	Unconverged(&buf, []drift.Entry{{Path: "app.py", Verdict: drift.NeedsCopy, Direction: drift.MainToLocal}})
	if out := buf.String(); !strings.Contains(out, "still drifting:") || !strings.Contains(out, "NeedsCopy app.py") {
		t.Errorf("unexpected output:\n%s", out)
	}

	buf.Reset()
	Unconverged(&buf, nil)
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestHealthReport(t *testing.T) {
	rep := &doctor.Report{
		Main:   "/m",
		Local:  "/l",
		Status: doctor.Fail,
		Checks: []doctor.Check{
			{Name: doctor.CheckTrees, Status: doctor.Fail, Reason: "local tree missing", Hint: "run doctor --fix"},
			{Name: doctor.CheckHeads, Status: doctor.Skip, Reason: "trees unavailable", Hint: "hidden"},
		},
		Fixes: []doctor.Fix{
			{Check: doctor.CheckTrees, Action: "recreate /l", Applied: true},
			{Check: doctor.CheckScope, Action: "write ignore file", Error: "permission denied"},
		},
	}

	var buf bytes.Buffer
	HealthReport(&buf, rep)
	out := buf.String()
	for _, want := range []string{"(unregistered)", "FAIL", "local tree missing", "hint: run doctor --fix", "fixed: recreate /l", "fix failed: write ignore file: permission denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("hint for skipped check should not be shown:\n%s", out)
	}
}

func TestPairList(t *testing.T) {
	var buf bytes.Buffer
	PairList(&buf, []PairStatus{
		{Alias: "app", Main: "/m", Local: "/l", Divergence: "aligned"},
		{Alias: "service", Drift: true, Entries: 2},
		{Alias: "broken", Error: "tree missing"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "in sync") || !strings.Contains(lines[1], "drift (2)") || !strings.Contains(lines[2], "error: tree missing") {
		t.Errorf("unexpected list:\n%s", buf.String())
	}
}

func TestPairList_Empty(t *testing.T) {
	var buf bytes.Buffer
	PairList(&buf, nil)
	if !strings.Contains(buf.String(), "no pairs registered") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestDiff(t *testing.T) {
	r := sampleReport()
	entries := []DiffEntry{
		{Change: "M", Entry: r.Entries[0]},
		{Change: "A", Entry: drift.Entry{Path: "lib/util.py", Verdict: drift.NeedsCopy, Direction: drift.LocalToMain}},
	}

	var buf bytes.Buffer
	Diff(&buf, r, entries, false)
	out := buf.String()
	for _, want := range []string{"M app.py", "A lib/util.py", "1 modified, 1 only in local, 0 only in main"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	Diff(&buf, r, entries, true)
	if got := buf.String(); got != "M\tapp.py\nA\tlib/util.py\n" {
		t.Errorf("name-only output = %q", got)
	}

	buf.Reset()
	Diff(&buf, r, nil, false)
	if !strings.Contains(buf.String(), "no differences") {
		t.Errorf("empty diff output = %q", buf.String())
	}
}

func TestDiffEntries_JSONInlinesEntry(t *testing.T) {
	r := sampleReport()
	data, err := json.Marshal(DiffEntries(r, r.Entries[:1]))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); !strings.Contains(got, `"change":"D"`) || !strings.Contains(got, `"path":"app.py"`) {
		t.Errorf("json = %s", got)
	}
}

func TestPatch(t *testing.T) {
	var buf bytes.Buffer
	e := DiffEntry{Change: "M", Entry: drift.Entry{Path: "app.py", Verdict: drift.NeedsCopy}}
	Patch(&buf, e, []byte("@@ -1 +1 @@\n-a\n+b\n"))
	if out := buf.String(); !strings.Contains(out, "app.py") || !strings.HasSuffix(out, "+b\n") {
		t.Errorf("patch output = %q", out)
	}

	buf.Reset()
	Patch(&buf, e, nil)
	if !strings.Contains(buf.String(), "content identical") {
		t.Errorf("empty patch output = %q", buf.String())
	}
}

func TestStatus(t *testing.T) {
	states := []PairState{
		{
			Alias:      "app",
			Branch:     "main",
			Main:       TreeState{Path: "/src/app", Branch: "main", Head: "0123456789abcdef", Modified: []string{"app.py"}},
			Local:      TreeState{Path: "/src/app-local", Head: "0123456789abcdef"},
			Divergence: "aligned",
			Synced:     true,
			Drift:      map[string]int{"NeedsCopy": 1},
		},
		{Alias: "gone", Main: TreeState{Error: "tree missing"}, Error: "tree missing"},
	}

	var buf bytes.Buffer
	Status(&buf, states, false)
	out := buf.String()
	for _, want := range []string{"bound to main", "main at 01234567", "modified: app.py", "(detached) at 01234567", "synced by ddworktree", "1 NeedsCopy", "error: tree missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	Status(&buf, states, true)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("short status has %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "1 changed") || !strings.Contains(lines[0], "clean") {
		t.Errorf("short line = %q", lines[0])
	}
}
