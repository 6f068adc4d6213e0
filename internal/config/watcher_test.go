package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ensemble/internal/config"
)

const watcherInitialYAML = `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
`

const watcherUpdatedYAML = `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
  - id: jester
    name: Jester
`

const watcherBrokenYAML = `
providers:
  llm:
    name: nonsense-provider
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	// Bump mtime so the fast path never mistakes a rewrite for no change.
	future := time.Now().Add(time.Duration(len(content)) * time.Millisecond)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	writeConfigFile(t, path, watcherInitialYAML)

	var (
		mu      sync.Mutex
		changes int
	)
	w, err := config.NewWatcher(path, func(old, updated *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		changes++
		if len(old.Bots) != 1 || len(updated.Bots) != 2 {
			t.Errorf("onChange bots: old=%d updated=%d, want 1 and 2", len(old.Bots), len(updated.Bots))
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := len(w.Current().Bots); got != 1 {
		t.Fatalf("initial bots = %d, want 1", got)
	}

	writeConfigFile(t, path, watcherUpdatedYAML)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := changes
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if changes == 0 {
		t.Fatal("watcher never reported the change")
	}
	if got := len(w.Current().Bots); got != 2 {
		t.Errorf("current bots after reload = %d, want 2", got)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	writeConfigFile(t, path, watcherInitialYAML)

	w, err := config.NewWatcher(path, func(old, updated *config.Config) {
		t.Error("onChange must not fire for an invalid config")
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, watcherBrokenYAML)
	time.Sleep(150 * time.Millisecond)

	if got := len(w.Current().Bots); got != 1 {
		t.Errorf("current bots = %d, want the original 1", got)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}
