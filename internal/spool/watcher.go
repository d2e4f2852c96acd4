// Package spool watches a directory for background reply files.
//
// On a device, the quick-reply action runs in the platform notification
// handler, a separate process from any foreground session. That process
// boundary is modeled here as a file hand-off: the handler drops one
// JSON file per reply into the spool directory, and this watcher picks
// it up and submits it through the notification bridge. The two sides
// share nothing in memory; consistency with a later-opened conversation
// comes entirely from the server store and the merge dedup rule.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	pikaerrors "github.com/pikachat/pikachat/internal/errors"
	"github.com/pikachat/pikachat/pika"
)

// ReplySubmitter consumes decoded replies. *pika.NotificationBridge
// satisfies this interface.
type ReplySubmitter interface {
	SubmitBackgroundReply(ctx context.Context, reply pika.Reply) error
}

// Watcher monitors the spool directory and submits reply files.
type Watcher struct {
	dir       string
	submitter ReplySubmitter
	logger    *slog.Logger
}

// NewWatcher creates a watcher over the given spool directory.
func NewWatcher(dir string, submitter ReplySubmitter, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:       dir,
		submitter: submitter,
		logger:    logger,
	}
}

// Run watches the spool directory until the context is cancelled.
// Files already present at startup are processed first, so replies
// composed while the daemon was down are not stranded.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("adding spool dir to watcher: %w", err)
	}

	if err := w.drain(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			// Create fires when the handler drops the file; Write covers
			// handlers that create-then-fill. A partial file fails to
			// decode on Create and is retried on the Write that follows.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.process(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("spool watcher error", slog.String("error", err.Error()))
		}
	}
}

// drain processes reply files already sitting in the spool directory.
func (w *Watcher) drain(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		w.process(ctx, filepath.Join(w.dir, entry.Name()))
	}

	return nil
}

// process decodes and submits one reply file, removing it afterwards.
// A reply that fails with IdentityUnresolved is dropped (file removed,
// failure logged) per the no-retry rule; a file that does not decode is
// left in place in case a later Write completes it.
func (w *Watcher) process(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading reply file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	var reply pika.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		w.logger.Debug("undecodable reply file, waiting for complete write",
			slog.String("path", path),
		)
		return
	}

	err = w.submitter.SubmitBackgroundReply(ctx, reply)
	switch {
	case err == nil:
		w.logger.Info("spooled reply submitted", slog.String("path", path))
	case errors.Is(err, pikaerrors.ErrIdentityUnresolved),
		errors.Is(err, pikaerrors.ErrEmptyContent):
		w.logger.Warn("spooled reply dropped", slog.String("path", path), slog.String("error", err.Error()))
	default:
		w.logger.Warn("spooled reply failed", slog.String("path", path), slog.String("error", err.Error()))
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing reply file", slog.String("path", path), slog.String("error", err.Error()))
	}
}
