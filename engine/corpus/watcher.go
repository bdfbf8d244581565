package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOpts configures a Watcher.
type WatcherOpts struct {
	// Root holds one source directory per tenant.
	Root string
	// Debounce is how long a tenant must be quiet before OnChange fires.
	Debounce time.Duration
	// Interval triggers OnChange for every tenant periodically, covering
	// changes the file watcher missed. Zero disables the scan.
	Interval time.Duration
	OnChange func(ctx context.Context, tenant string)
	Logger   *slog.Logger
}

// Watcher reports which tenants' source directories changed.
type Watcher struct {
	opts WatcherOpts
	log  *slog.Logger
}

// NewWatcher validates opts and returns a Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.Root == "" || opts.OnChange == nil {
		return nil, errors.New("corpus: watcher needs a root and a callback")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{opts: opts, log: opts.Logger}, nil
}

// TenantDirs lists the tenant source directories under root.
func TenantDirs(root string) (map[string]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out[e.Name()] = filepath.Join(root, e.Name())
		}
	}
	return out, nil
}

// Run watches until ctx is done. OnChange is never called concurrently.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("corpus: watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.opts.Root); err != nil {
		return fmt.Errorf("corpus: watch %s: %w", w.opts.Root, err)
	}

	fire := make(chan string, 16)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	var scan <-chan time.Time
	if w.opts.Interval > 0 {
		tk := time.NewTicker(w.opts.Interval)
		defer tk.Stop()
		scan = tk.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.log.Warn("corpus: watch new directory", "dir", ev.Name, "err", err)
					}
				}
			}
			tenant := w.tenantOf(ev.Name)
			if tenant == "" || (ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write)) {
				continue
			}
			if t, ok := timers[tenant]; ok {
				t.Reset(w.opts.Debounce)
				continue
			}
			timers[tenant] = time.AfterFunc(w.opts.Debounce, func() {
				select {
				case fire <- tenant:
				case <-ctx.Done():
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("corpus: watcher error", "err", err)
		case tenant := <-fire:
			delete(timers, tenant)
			w.log.Debug("corpus: sources changed", "tenant", tenant)
			w.opts.OnChange(ctx, tenant)
		case <-scan:
			dirs, err := TenantDirs(w.opts.Root)
			if err != nil {
				w.log.Warn("corpus: periodic scan", "err", err)
				continue
			}
			for tenant := range dirs {
				w.opts.OnChange(ctx, tenant)
			}
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

// tenantOf maps a path under root to its tenant, the first path element.
func (w *Watcher) tenantOf(path string) string {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if strings.HasPrefix(first, ".") {
		return ""
	}
	return first
}
