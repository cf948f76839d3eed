package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maruel/speedtin/internal/localcache"
	"github.com/maruel/speedtin/internal/syncsvc"
)

func cmdWatch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("watch")
	debounce := fs.Duration("debounce", 2*time.Second, "Delay between the last change and the commit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("watch: unknown arguments: %v", fs.Args())
	}
	svc, err := a.newService(true)
	if err != nil {
		return err
	}
	defer svc.Stop()
	return watchCache(ctx, svc, *debounce)
}

// watchCache commits whenever a bucket file of the service's cache changes,
// until ctx is canceled.
func watchCache(ctx context.Context, svc *syncsvc.Service, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	dir := svc.Cache().Dir()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.InfoContext(ctx, "Watching", "dir", dir, "debounce", debounce)
	// Sends what a previous run left behind.
	svc.TriggerCommit(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isBucketEvent(event) {
				continue
			}
			slog.DebugContext(ctx, "Bucket changed", "file", event.Name, "op", event.Op.String())
			svc.TriggerCommit(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching cache", "err", err)
		}
	}
}

// isBucketEvent reports whether event is a write to a bucket file. Snapshots
// are renamed over the bucket so a Create is what shows up on most platforms.
func isBucketEvent(event fsnotify.Event) bool {
	if localcache.IsTemp(filepath.Base(event.Name)) {
		return false
	}
	switch filepath.Base(event.Name) {
	case syncsvc.BucketBenchmark, syncsvc.BucketMeasurement:
	default:
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}
