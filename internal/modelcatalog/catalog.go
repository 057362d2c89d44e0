// Package modelcatalog serves spec.md §6's `GET /v1/models` and
// `/v1beta/models` endpoints from `configs/models.json`, live-reloaded on
// change the way the teacher's pack reloads file-backed config: grounded
// on _examples/teranos-QNTX/am/watcher.go's fsnotify debounce-then-reload
// shape, since the teacher repo itself has no file-watched config.
package modelcatalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Model is one entry in configs/models.json.
type Model struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName,omitempty"`
	OwnedBy       string `json:"ownedBy,omitempty"`
	InputTokenLimit  int `json:"inputTokenLimit,omitempty"`
	OutputTokenLimit int `json:"outputTokenLimit,omitempty"`
}

// Catalog holds the current model list, refreshed from disk on write.
type Catalog struct {
	path string

	mu     sync.RWMutex
	models []Model

	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// Load reads configs/models.json and starts watching it for changes.
// A missing file is not an error: the catalog starts empty and picks up
// models.json as soon as it's created.
func Load(path string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Catalog{path: path, log: log}
	if err := c.reload(); err != nil {
		log.Warn("modelcatalog: initial load failed", "path", path, "error", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("modelcatalog: new watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		// Watch the containing directory instead, so a later Create of the
		// file is still observed.
		if dirErr := w.Add(dirOf(path)); dirErr != nil {
			w.Close()
			return nil, fmt.Errorf("modelcatalog: watch: %w", err)
		}
	}
	c.watcher = w
	go c.watchLoop()

	return c, nil
}

// Models returns a snapshot of the current model list.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Close stops the background watcher.
func (c *Catalog) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}

func (c *Catalog) watchLoop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Name != c.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(250 * time.Millisecond)
		case <-debounce.C:
			if err := c.reload(); err != nil {
				c.log.Warn("modelcatalog: reload failed", "error", err)
				continue
			}
			c.log.Info("modelcatalog: reloaded", "path", c.path, "count", len(c.Models()))
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("modelcatalog: watcher error", "error", err)
		}
	}
}

func (c *Catalog) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var models []Model
	if err := json.Unmarshal(raw, &models); err != nil {
		return fmt.Errorf("parse %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
