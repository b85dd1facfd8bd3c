package agentd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/grip-on-software/data-gathering-sub000/internal/collector"
)

// watchDebounce coalesces the burst of writes an unpacking archive
// produces into one log line.
const watchDebounce = 500 * time.Millisecond

// watchDropins logs when archive files land in the dropin directories
// between cycles. Informational only: the run decision is computed fresh
// at cycle start, so a watcher failure never affects gathering.
func (d *Daemon) watchDropins(ctx context.Context) {
	if d.cfg.SkipDropins {
		return
	}
	root := d.dropinDir()
	if err := os.MkdirAll(root, 0700); err != nil {
		d.logger.Printf("WARN dropin watcher: %v", err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Printf("WARN dropin watcher: %v", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(root); err != nil {
		d.logger.Printf("WARN dropin watcher: %v", err)
		return
	}
	// Watches are not recursive; cover the per-collector directories
	// that already exist and pick up new ones from create events.
	for _, spec := range d.registry {
		dir := collector.DropinPath(root, spec.Name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := watcher.Add(dir); err != nil {
				d.logger.Printf("WARN dropin watcher on %s: %v", spec.Name, err)
			}
		}
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						d.logger.Printf("WARN dropin watcher on %s: %v", filepath.Base(event.Name), err)
					}
					continue
				}
			}
			name := dropinCollector(root, event.Name)
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				d.logger.Printf("dropin files arrived for %s; they are considered at the next cycle", name)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("WARN dropin watcher: %v", err)
		}
	}
}

// dropinCollector names the collector a dropin path belongs to, falling
// back to the file name for writes directly under the root.
func dropinCollector(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	if dir := filepath.Dir(rel); dir != "." {
		return dir
	}
	return filepath.Base(rel)
}
