package templates

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads a Store when its directory changes. Bursts of events are
// collapsed into one reload after the stability threshold.
type Watcher struct {
	store              *Store
	watcher            *fsnotify.Watcher
	stabilityThreshold time.Duration
	onReload           func()

	done     chan struct{}
	stopOnce sync.Once
	timerMu  sync.Mutex
	timer    *time.Timer
}

// NewWatcher watches store's directory. onReload, if set, runs after each reload.
func NewWatcher(store *Store, stabilityThreshold time.Duration, onReload func()) (*Watcher, error) {
	if store.dir == "" {
		return nil, fmt.Errorf("template store has no directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if stabilityThreshold <= 0 {
		stabilityThreshold = 100 * time.Millisecond
	}
	return &Watcher{
		store:              store,
		watcher:            watcher,
		stabilityThreshold: stabilityThreshold,
		onReload:           onReload,
		done:               make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.dir); err != nil {
		return fmt.Errorf("failed to watch template dir: %w", err)
	}
	go w.eventLoop()

	log.Info().Str("path", w.store.dir).Msg("Template watcher started")
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()
		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		log.Info().Msg("Template watcher stopped")
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, isTemplate := templateName(filepath.Base(event.Name)); !isTemplate {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Template watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.store.Reload(); err != nil {
			log.Error().Err(err).Msg("Template reload failed")
			return
		}
		log.Info().Strs("templates", w.store.Names()).Msg("Templates reloaded")
		if w.onReload != nil {
			w.onReload()
		}
	})
}
