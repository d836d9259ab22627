package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type fileWatcher struct {
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Watch reloads secret files whenever they change on disk until ctx ends or
// Close is called. Parent directories are watched so atomic replacements
// (write to temp, rename) are picked up. Watch is a no-op without secret files.
func (g *Gate) Watch(ctx context.Context) error {
	reloaders := make(map[string]func() error)
	if g.cfg.TokenFile != "" {
		reloaders[filepath.Clean(g.cfg.TokenFile)] = g.reloadToken
	}
	if g.cfg.SignatureSecretFile != "" {
		reloaders[filepath.Clean(g.cfg.SignatureSecretFile)] = g.reloadSecret
	}
	if len(reloaders) == 0 {
		return nil
	}
	g.watchMu.Lock()
	defer g.watchMu.Unlock()
	if g.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("auth: create secret watcher: %w", err)
	}
	dirs := make(map[string]struct{})
	for path := range reloaders {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("auth: watch %q: %w", dir, err)
		}
	}
	fw := &fileWatcher{
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	g.watcher = fw
	go g.runWatcher(ctx, fw, reloaders)
	return nil
}

func (g *Gate) runWatcher(ctx context.Context, fw *fileWatcher, reloaders map[string]func() error) {
	defer close(fw.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stop:
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			reload, ok := reloaders[filepath.Clean(ev.Name)]
			if !ok {
				continue
			}
			if err := reload(); err != nil {
				g.logger.Warn("auth.secret.reload_failed", "file", ev.Name, "error", err)
				continue
			}
			g.logger.Info("auth.secret.reloaded", "file", ev.Name)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("auth.secret.watch_error", "error", err)
		}
	}
}

// Close stops the secret watcher, if any.
func (g *Gate) Close() error {
	g.watchMu.Lock()
	fw := g.watcher
	g.watcher = nil
	g.watchMu.Unlock()
	if fw == nil {
		return nil
	}
	var err error
	fw.once.Do(func() {
		close(fw.stop)
		err = fw.watcher.Close()
	})
	<-fw.done
	return err
}
