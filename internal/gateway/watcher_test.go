package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/bus"
	"loom/internal/config"
)

func writeConfigFile(t *testing.T, path, version, level string) {
	t.Helper()
	body := "version: \"" + version + "\"\nlog:\n  level: " + level + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "1", "info")

	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(config.Reset)

	b := bus.New()
	events, cancel := b.Subscribe(4, bus.TopicConfigReloaded)
	defer cancel()

	w, err := NewWatcher(b, path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "2", "debug")

	select {
	case ev := <-events:
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload["version"] != "2" {
			t.Errorf("version = %v, want 2", payload["version"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after config change")
	}

	if got := config.GetConfig().Version; got != "2" {
		t.Errorf("cached config version = %s, want 2", got)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "1", "info")

	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(config.Reset)

	b := bus.New()
	events, cancel := b.Subscribe(8, bus.TopicConfigReloaded)
	defer cancel()

	w, err := NewWatcher(b, path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Editors often write several times in quick succession.
	for i := 0; i < 5; i++ {
		writeConfigFile(t, path, "9", "info")
		time.Sleep(10 * time.Millisecond)
	}

	reloads := 0
	deadline := time.After(1 * time.Second)
	for done := false; !done; {
		select {
		case <-events:
			reloads++
		case <-deadline:
			done = true
		}
	}
	if reloads != 1 {
		t.Errorf("reloads = %d, want 1 for a write burst", reloads)
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "1", "info")

	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(config.Reset)

	b := bus.New()
	events, cancel := b.Subscribe(4, bus.TopicConfigReloaded)
	defer cancel()

	w, err := NewWatcher(b, path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case <-events:
		t.Error("sibling file change triggered a reload")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherKeepsConfigOnBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "1", "info")

	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(config.Reset)

	b := bus.New()
	events, cancel := b.Subscribe(4, bus.TopicConfigReloaded)
	defer cancel()

	w, err := NewWatcher(b, path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("version: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case <-events:
		t.Error("broken config published a reload event")
	case <-time.After(400 * time.Millisecond):
	}
	if got := config.GetConfig().Version; got != "1" {
		t.Errorf("cached config version = %s, want previous 1", got)
	}
}
