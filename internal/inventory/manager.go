package inventory

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the current inventory snapshot and reloads it when the file
// changes. A failed reload keeps the previous snapshot.
type Manager struct {
	path string

	mu    sync.RWMutex
	hosts []Host

	subMu sync.Mutex
	subs  []func([]Host)
}

// NewManager loads the inventory once; the initial load must succeed.
func NewManager(path string) (*Manager, error) {
	hosts, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, hosts: hosts}, nil
}

// Hosts returns the current snapshot. The returned slice must not be mutated.
func (m *Manager) Hosts() []Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hosts
}

// Find returns the named host or nil.
func (m *Manager) Find(name string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.hosts {
		if m.hosts[i].Name == name {
			h := m.hosts[i]
			return &h
		}
	}
	return nil
}

// Subscribe registers fn to run after every successful reload.
func (m *Manager) Subscribe(fn func([]Host)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

// Watch reloads the inventory on file change until ctx is cancelled. Events
// are debounced because editors produce bursts of writes and renames. The
// parent directory is watched rather than the file itself so atomic
// save-and-rename (vim, sed -i) keeps working.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go m.runWatcher(ctx, watcher)

	slog.Info("inventory watcher started", "path", m.path)
	return nil
}

func (m *Manager) runWatcher(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounceMu sync.Mutex
	var pending *time.Timer

	triggerReload := func() {
		debounceMu.Lock()
		defer debounceMu.Unlock()

		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(200*time.Millisecond, func() {
			if err := m.Reload(); err != nil {
				slog.Warn("inventory reload failed, keeping previous", "err", err)
			}
		})
	}

	base := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			if pending != nil {
				pending.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				triggerReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("inventory watcher error", "err", err)
		}
	}
}

// Reload re-reads the file, swaps the snapshot and notifies subscribers.
func (m *Manager) Reload() error {
	hosts, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.hosts = hosts
	m.mu.Unlock()

	slog.Info("inventory reloaded", "hosts", len(hosts))

	m.subMu.Lock()
	subs := make([]func([]Host), len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(hosts)
	}
	return nil
}
