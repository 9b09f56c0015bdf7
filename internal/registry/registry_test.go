package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/ddworktree/internal/config"
	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/lock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".ddconfig")
	locks := lock.NewManager(filepath.Join(dir, "locks"), path, time.Second)
	return Open(path, locks, testLogger()), dir
}

func TestAddAndResolve(t *testing.T) {
	ctx := context.Background()
	r, dir := newRegistry(t)
	mainTree := filepath.Join(dir, "app")
	localTree := filepath.Join(dir, "app-local")
	for _, d := range []string{mainTree, filepath.Join(localTree, "src")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	p, err := r.Add(ctx, AddRequest{Main: mainTree, Local: localTree})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.Alias != "app" {
		t.Errorf("generated alias = %q, want app", p.Alias)
	}
	if p.Options.LocalSuffix != config.DefaultLocalSuffix {
		t.Errorf("effective options missing defaults: %+v", p.Options)
	}

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{"app", mainTree, localTree, filepath.Join(localTree, "src")} {
		got, err := snap.Resolve(ref)
		if err != nil {
			t.Errorf("Resolve(%q): %v", ref, err)
			continue
		}
		if got.Alias != "app" {
			t.Errorf("Resolve(%q) = %q", ref, got.Alias)
		}
	}

	if _, err := snap.Resolve(filepath.Join(dir, "elsewhere")); !errors.Is(err, errs.ErrPairNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	data, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[pairs]") {
		t.Errorf("registry not written in toml:\n%s", data)
	}
}

func TestAddCollisions(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	if _, err := r.Add(ctx, AddRequest{Alias: "app", Main: "/w/app", Local: "/w/app-local"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  AddRequest
		path string
	}{
		{name: "alias", req: AddRequest{Alias: "app", Main: "/w/x", Local: "/w/x-local"}},
		{name: "main path reused", req: AddRequest{Alias: "b", Main: "/w/app", Local: "/w/b-local"}, path: "/w/app"},
		{name: "local path reused as main", req: AddRequest{Alias: "c", Main: "/w/app-local", Local: "/w/c"}, path: "/w/app-local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Add(ctx, tt.req)
			var ce *errs.CollisionError
			if !errors.As(err, &ce) {
				t.Fatalf("expected collision, got %v", err)
			}
			if ce.Path != tt.path {
				t.Errorf("collision path = %q, want %q", ce.Path, tt.path)
			}
		})
	}

	if _, err := r.Add(ctx, AddRequest{Alias: "app", Main: "/w/app", Local: "/w/app-mine", Replace: true}); err != nil {
		t.Errorf("replace should succeed: %v", err)
	}
}

func TestGenerateAlias(t *testing.T) {
	f := config.New("/tmp/.ddconfig")
	f.Pairs["app"] = config.PairEntry{Main: "/a", Local: "/b"}
	f.Pairs["app-2"] = config.PairEntry{Main: "/c", Local: "/d"}

	tests := map[string]string{
		"/w/web":       "web",
		"/w/web-local": "web",
		"/x/app":       "app-3",
		"/":            "pair",
	}
	for in, want := range tests {
		if got := GenerateAlias(f, in); got != want {
			t.Errorf("GenerateAlias(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInferRoles(t *testing.T) {
	tests := []struct {
		a, b, main, local string
	}{
		{"/w/app", "/w/app-local", "/w/app", "/w/app-local"},
		{"/w/app-local", "/w/app", "/w/app", "/w/app-local"},
		{"/w/one", "/w/two", "/w/one", "/w/two"},
	}
	for _, tt := range tests {
		m, l := InferRoles(tt.a, tt.b, "-local")
		if m != tt.main || l != tt.local {
			t.Errorf("InferRoles(%q, %q) = (%q, %q)", tt.a, tt.b, m, l)
		}
	}
}

func TestRemoveAndSetOption(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	if _, err := r.Add(ctx, AddRequest{Alias: "app", Main: "/w/app", Local: "/w/app-local"}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetOption(ctx, config.KeyAutoSync, "true"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetOption(ctx, config.KeyWorkers, "lots"); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("expected config error, got %v", err)
	}

	removed, err := r.Remove(ctx, "app")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed.Main != "/w/app" {
		t.Errorf("removed = %+v", removed)
	}
	if _, err := r.Remove(ctx, "app"); !errors.Is(err, errs.ErrPairNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Options().AutoSync {
		t.Error("option not persisted")
	}
	if len(snap.Pairs()) != 0 {
		t.Errorf("pairs left: %v", snap.Pairs())
	}
}

func TestConcurrentAddsAreSerialized(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	var wg sync.WaitGroup
	names := []string{"a", "b", "c", "d", "e"}
	errCh := make(chan error, len(names))
	for _, n := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_, err := r.Add(ctx, AddRequest{Alias: n, Main: "/w/" + n, Local: "/w/" + n + "-local"})
			errCh <- err
		}(n)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Errorf("Add: %v", err)
		}
	}

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(snap.Pairs()); got != len(names) {
		t.Errorf("expected %d pairs, got %d", len(names), got)
	}
}
