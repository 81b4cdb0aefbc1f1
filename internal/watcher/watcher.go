// Package watcher reloads the config file when it changes and re-registers its connections.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/casedesk/internal/config"
	"github.com/saltyorg/casedesk/internal/secret"
)

// DefaultDebounce collapses the burst of events an editor save produces
const DefaultDebounce = 500 * time.Millisecond

// Registrar accepts connection strings by key
type Registrar interface {
	RegisterConnectionString(key, connectionString string) error
}

// Revealer opens sealed connection strings
type Revealer interface {
	Reveal(value string) (string, error)
}

// RegisterConnections registers every connection in conns, opening sealed values with
// opener. It keeps going past failures and returns how many were registered.
func RegisterConnections(reg Registrar, opener Revealer, conns []config.Connection) (int, error) {
	var errs []error
	registered := 0

	for _, c := range conns {
		value := c.ConnectionString
		if secret.IsSealed(value) {
			if opener == nil {
				errs = append(errs, fmt.Errorf("connection %s is sealed but no key is loaded", c.Key))
				continue
			}
			plain, err := opener.Reveal(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("connection %s: %w", c.Key, err))
				continue
			}
			value = plain
		}

		if err := reg.RegisterConnectionString(c.Key, value); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}
	return registered, errors.Join(errs...)
}

// Watcher watches one config file
type Watcher struct {
	path     string
	reg      Registrar
	opener   Revealer
	debounce time.Duration
	onReload func(*config.File, error)

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for path. opener may be nil when no install key is loaded.
func New(path string, reg Registrar, opener Revealer) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     absPath,
		reg:      reg,
		opener:   opener,
		debounce: DefaultDebounce,
		watcher:  fsWatcher,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetDebounce changes the debounce delay. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// OnReload installs a callback run after every reload attempt. Call before Start.
func (w *Watcher) OnReload(fn func(*config.File, error)) {
	w.onReload = fn
}

// Start begins watching. The parent directory is watched because editors often
// replace the file instead of writing it in place.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher and drops any pending reload
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.cancel()
	w.watcher.Close()
	w.wg.Wait()

	log.Info().Msg("Config watcher stopped")
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.timer = nil
	running := w.running
	w.mu.Unlock()

	if !running {
		return
	}

	f, err := w.Reload()
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload failed")
	}
	if w.onReload != nil {
		w.onReload(f, err)
	}
}

// Reload reads the file and registers its connections
func (w *Watcher) Reload() (*config.File, error) {
	f, _, err := config.LoadFromPath(w.path)
	if err != nil {
		return nil, err
	}

	n, err := RegisterConnections(w.reg, w.opener, f.Connections)
	log.Info().Str("path", w.path).Int("registered", n).Int("connections", len(f.Connections)).Msg("Config reloaded")
	return f, err
}
