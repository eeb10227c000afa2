// Package config loads the engine's runtime configuration (spec §6):
// transmitter host/port, connection timeout, database path and
// export-output path, from a small JSON file at a fixed relative path.
// A missing or corrupt file falls back to hardcoded defaults rather
// than failing startup, in the style of the teacher's
// internal/config.Init defaulting schema.ProgramConfig before
// attempting to overlay a file on top of it.
//
// A fsnotify watch re-reads the file on every write, so Watcher.Current
// returns the latest contents. cmd/benchmonitor reads Current once at
// startup to build the transport and the store; a running transport
// keeps the host, port and timeout it was created with, and there is
// no operation that pushes reloaded values into it.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nhr-fau/benchmonitor/internal/benchlog"
)

// DefaultHost and DefaultPort are the hardcoded transmitter defaults
// used when no config file is present or the file fails to parse
// (spec §6).
const (
	DefaultHost          = "192.168.0.214"
	DefaultPort          = 55555
	DefaultTimeoutMillis = 5000
	DefaultDBPath        = "./var/benchmonitor.db"
	DefaultExportDir     = "./var/export"
)

// Config is the JSON-backed runtime configuration.
type Config struct {
	TransmitterHost string `json:"transmitterHost"`
	TransmitterPort int    `json:"transmitterPort"`
	ConnectTimeoutMs int   `json:"connectTimeoutMs"`
	DatabasePath    string `json:"databasePath"`
	ExportDir       string `json:"exportDir"`
}

func defaults() Config {
	return Config{
		TransmitterHost:  DefaultHost,
		TransmitterPort:  DefaultPort,
		ConnectTimeoutMs: DefaultTimeoutMillis,
		DatabasePath:     DefaultDBPath,
		ExportDir:        DefaultExportDir,
	}
}

// Load reads path and overlays it onto the hardcoded defaults. A
// missing file is not an error: Load silently returns the defaults, as
// spec §6 requires. A present-but-corrupt file is logged and also
// falls back to the defaults, rather than aborting startup — this
// engine has a hardware transmitter to reconnect to regardless of
// configuration plumbing.
func Load(path string) Config {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			benchlog.Warnf("config: reading %s: %v, using defaults", path, err)
		}
		return cfg
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		benchlog.Warnf("config: parsing %s: %v, using defaults", path, err)
		return defaults()
	}
	return cfg
}

// Watcher holds the live Config plus an fsnotify watch on the file it
// was loaded from, so a running process can pick up edited
// transmitter settings without a restart.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cfg Config

	w *fsnotify.Watcher
}

// NewWatcher loads path once and starts watching it for writes. The
// returned Watcher must be closed with Close when the caller is done.
func NewWatcher(path string) (*Watcher, error) {
	cfg := Load(path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		// The file may not exist yet (defaults are still in effect);
		// that's not fatal, just nothing to watch.
		benchlog.Warnf("config: watch %s: %v", path, err)
	}

	watcher := &Watcher{path: path, cfg: cfg, w: fw}
	go watcher.loop()
	return watcher, nil
}

// Current returns a snapshot of the currently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.w.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next := Load(w.path)
			w.mu.Lock()
			w.cfg = next
			w.mu.Unlock()
			benchlog.Infof("config: reloaded %s", w.path)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			benchlog.Warnf("config: watch error: %v", err)
		}
	}
}
