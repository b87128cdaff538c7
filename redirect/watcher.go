package redirect

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Loader builds a fresh table from the rule sources.
type Loader func() (*Table, error)

// WatcherConfig configures a rule file watcher.
type WatcherConfig struct {
	// Rule file to watch.
	Filename string
	// Store to publish reloaded tables to.
	Store *Store
	// Builds the table to publish. Defaults to reading Filename.
	Load Loader
	// Debounce period for rapid changes.
	Debounce time.Duration
	// Called after each reload attempt.
	OnReload func(t *Table, err error)
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Watcher reloads the rule table when the rule file changes.
// Invalid files are rejected and the previous snapshot stays published.
type Watcher struct {
	WatcherConfig
	log zerolog.Logger
}

func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("rule file is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Debounce == 0 {
		config.Debounce = 100 * time.Millisecond
	}
	if config.Load == nil {
		filename := config.Filename
		config.Load = func() (*Table, error) {
			f, err := LoadRulesFile(filename)
			if err != nil {
				return nil, err
			}
			return NewTable(f.Rules)
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	return &Watcher{
		WatcherConfig: config,
		log:           logger.With().Str("component", "watcher").Str("file", config.Filename).Logger(),
	}, nil
}

// Reload builds and publishes a new table immediately.
func (w *Watcher) Reload() error {
	t, err := w.Load()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not reload rules, keeping previous table")
	} else {
		w.Store.Publish(t)
	}
	if w.OnReload != nil {
		w.OnReload(t, err)
	}
	return err
}

// Start watches the rule file until ctx is done.
// The directory is watched, since editors often replace files instead of writing them.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.Filename)); err != nil {
		fsw.Close()
		return fmt.Errorf("watching directory: %w", err)
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	target := filepath.Clean(w.Filename)
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.log.Trace().Str("op", event.Op.String()).Msg("Rule file changed")
				pending = time.After(w.Debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("Watcher error")
		case <-pending:
			pending = nil
			w.Reload()
		case <-ctx.Done():
			return
		}
	}
}
