package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestListSourcesSkipsHiddenAndUnknown(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"a.txt", "b.csv", "notes.docx", ".hidden.md", ".git/config.yaml", "sub/c.json"} {
		full := filepath.Join(dir, p)
		os.MkdirAll(filepath.Dir(full), 0o755)
		os.WriteFile(full, []byte("x"), 0o644)
	}
	got, err := ListSources(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.csv"), filepath.Join(dir, "sub", "c.json")}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("source %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestWatcherDebouncesPerTenant(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "acme"), 0o755)
	os.MkdirAll(filepath.Join(root, "globex"), 0o755)

	changed := make(chan string, 8)
	w, err := NewWatcher(WatcherOpts{
		Root:     root,
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, tenant string) { changed <- tenant },
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register directories.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(root, "acme", "a.txt"), []byte{byte('a' + i)}, 0o644)
	}

	select {
	case tenant := <-changed:
		if tenant != "acme" {
			t.Fatalf("got tenant %q", tenant)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case tenant := <-changed:
		t.Fatalf("burst was not debounced, extra change for %q", tenant)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestWatcherTenantOf(t *testing.T) {
	w, _ := NewWatcher(WatcherOpts{Root: "/corpus", OnChange: func(context.Context, string) {}})
	tests := map[string]string{
		"/corpus/acme/a.txt":     "acme",
		"/corpus/acme/sub/b.csv": "acme",
		"/corpus":                "",
		"/elsewhere/x":           "",
		"/corpus/.tmp/x":         "",
	}
	for path, want := range tests {
		if got := w.tenantOf(path); got != want {
			t.Errorf("tenantOf(%s) = %q, want %q", path, got, want)
		}
	}
}

func TestNewWatcherValidates(t *testing.T) {
	if _, err := NewWatcher(WatcherOpts{Root: "/x"}); err == nil {
		t.Fatal("expected error without callback")
	}
}
