package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

// Loader holds the active rule Set for a file and swaps it on reload.
// Readers never block.
type Loader struct {
	path     string
	current  atomic.Pointer[Set]
	logger   *logging.Logger
	onReload []func(*Set)
}

var _ resolve.StrategySelector = (*Loader)(nil)

// LoaderOption configures a Loader.
type LoaderOption interface{ apply(*Loader) }

type loaderOptionFunc func(*Loader)

func (f loaderOptionFunc) apply(l *Loader) { f(l) }

func WithLogger(logger *logging.Logger) LoaderOption {
	return loaderOptionFunc(func(l *Loader) { l.logger = logger })
}

// WithOnReload registers a callback run after every successful load.
func WithOnReload(fn func(*Set)) LoaderOption {
	return loaderOptionFunc(func(l *Loader) { l.onReload = append(l.onReload, fn) })
}

func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{path: filepath.Clean(path)}
	for _, opt := range opts {
		opt.apply(l)
	}
	if l.logger == nil {
		l.logger = logging.Default()
	}
	l.logger = l.logger.WithComponent(logging.Component("rules"))
	return l
}

// Load reads the file and replaces the active set. On error the previous
// set stays active.
func (l *Loader) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return errors.E(errors.OpLoadRules, errors.Component("rules"), errors.KindNotFound, fmt.Errorf("read %s: %w", l.path, err))
	}
	set, err := Parse(data, FormatOf(l.path))
	if err != nil {
		return err
	}
	l.current.Store(set)
	l.logger.Info("rules loaded",
		slog.String("path", l.path),
		slog.String("version", set.Version),
		slog.Int("rules", len(set.rules)))
	for _, fn := range l.onReload {
		fn(set)
	}
	return nil
}

// Current returns the active set, or nil before the first Load.
func (l *Loader) Current() *Set { return l.current.Load() }

func (l *Loader) Select(field string) (resolve.Selection, bool) {
	return l.current.Load().Select(field)
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are seen.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.E(errors.OpLoadRules, errors.Component("rules"), err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(l.path)); err != nil {
		return errors.E(errors.OpLoadRules, errors.Component("rules"), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != l.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Load(); err != nil {
				l.logger.LogWarn(ctx, err, "rules reload failed, keeping previous set",
					slog.String("path", l.path))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.LogWarn(ctx, err, "rules watcher error")
		}
	}
}
