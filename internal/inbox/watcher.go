// Package inbox ingests Markdown files dropped into a watched directory.
package inbox

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
)

const DefaultDebounce = 300 * time.Millisecond

// Ingester stores parsed content for an owner.
type Ingester interface {
	IngestPage(ctx context.Context, ownerID string, page docservice.Page) (models.Document, error)
}

// Watcher turns settled .md file writes into documents. A file is ingested
// again only when its content checksum changes.
type Watcher struct {
	dir      string
	ownerID  string
	ing      Ingester
	debounce time.Duration
	logger   *slog.Logger

	// seen maps absolute path to the checksum of the last ingested content.
	// Only the Run goroutine touches it.
	seen map[string]string
	// OnIngest, if set, is called after every successful ingestion.
	OnIngest func(path string, doc models.Document)
}

func NewWatcher(dir, ownerID string, ing Ingester, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		ownerID:  ownerID,
		ing:      ing,
		debounce: debounce,
		logger:   logger,
		seen:     make(map[string]string),
	}
}

// Run watches the directory tree until ctx is cancelled. Files already
// present at start are not ingested.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addDirsRecursive(fw, w.dir); err != nil {
		return err
	}
	w.logger.Info("inbox: watching", slog.String("dir", w.dir))

	ready := make(chan string, 64)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Reset(w.debounce)
			return
		}
		timers[path] = time.AfterFunc(w.debounce, func() {
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox: stopped")
			return nil

		case path := <-ready:
			delete(timers, path)
			w.ingest(ctx, path)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(fw, ev.Name); addErr != nil {
						w.logger.Warn("inbox: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					continue
				}
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				schedule(ev.Name)
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("inbox: read failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	sum := checksum.Content(string(data))
	if w.seen[path] == sum {
		w.logger.Debug("inbox: unchanged", slog.String("path", path))
		return
	}

	page, err := pageFromFile(path, data)
	if err != nil {
		w.logger.Warn("inbox: skipped", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	page.Metadata["checksum"] = sum

	doc, err := w.ing.IngestPage(ctx, w.ownerID, page)
	if err != nil {
		w.logger.Error("inbox: ingest failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	w.seen[path] = sum
	w.logger.Info("inbox: ingested", slog.String("path", path), slog.String("document_id", doc.ID))
	if w.OnIngest != nil {
		w.OnIngest(path, doc)
	}
}

// pageFromFile builds a page from a Markdown file. The frontmatter url or
// source field wins over the file:// location of the file itself.
func pageFromFile(path string, data []byte) (docservice.Page, error) {
	res, err := parser.Parse(data)
	if err != nil {
		return docservice.Page{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return docservice.Page{}, err
	}

	url := res.URL
	if url == "" {
		url = "file://" + filepath.ToSlash(abs)
	}
	title := res.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	meta := map[string]any{"source": "inbox", "path": abs}
	if len(res.Tags) > 0 {
		meta["tags"] = res.Tags
	}
	for k, v := range res.Frontmatter {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}

	return docservice.Page{
		URL:      url,
		Title:    title,
		Markdown: res.Body,
		Metadata: meta,
	}, nil
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
