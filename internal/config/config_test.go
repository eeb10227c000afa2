package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if cfg.TransmitterHost != DefaultHost || cfg.TransmitterPort != DefaultPort {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadCorruptFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Load(path)
	if cfg.TransmitterHost != DefaultHost {
		t.Fatalf("expected defaults on corrupt file, got %+v", cfg)
	}
}

func TestLoadOverlaysProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"transmitterHost":"10.0.0.5","transmitterPort":9999,"databasePath":"/tmp/x.db"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Load(path)
	if cfg.TransmitterHost != "10.0.0.5" || cfg.TransmitterPort != 9999 {
		t.Fatalf("expected overlaid host/port, got %+v", cfg)
	}
	if cfg.DatabasePath != "/tmp/x.db" {
		t.Fatalf("expected overlaid database path, got %+v", cfg)
	}
	if cfg.ConnectTimeoutMs != DefaultTimeoutMillis {
		t.Fatalf("expected default timeout to survive partial overlay, got %+v", cfg)
	}
}

func TestWatcherPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transmitterPort":1111}`), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if got := w.Current().TransmitterPort; got != 1111 {
		t.Fatalf("expected initial port 1111, got %d", got)
	}

	if err := os.WriteFile(path, []byte(`{"transmitterPort":2222}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().TransmitterPort == 2222 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected watcher to reload port 2222, got %d", w.Current().TransmitterPort)
}
