package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tree-inventory/internal/manifest"
)

// slowSave is how long a checkpoint save may take before the interval is
// stretched to checkpointStretch times its duration.
const (
	slowSave          = 2 * time.Second
	checkpointStretch = 25
)

// checkpointed runs build while saving the finished part of the tree as the
// sidecar of root every interval, and once more when the build is interrupted.
// An interval of zero only saves on interruption.
func checkpointed(ctx context.Context, store *manifest.Store, b *manifest.Builder, root string, interval time.Duration,
	build func(context.Context) (*manifest.Manifest, error)) (*manifest.Manifest, error) {
	cp := b.Checkpoint(root)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			saveEvery(store, cp, root, interval, stop)
		}()
	}

	m, err := build(ctx)
	close(stop)
	wg.Wait()

	if err != nil && ctx.Err() != nil {
		if serr := saveCheckpoint(store, cp, root); serr != nil {
			logrus.WithError(serr).Warn("Failed to save the interrupted calculation")
		} else if cp.Len() > 0 {
			logrus.WithField("root", root).Warn("Calculation interrupted, finished folders were saved; resume with calculate --continue")
		}
	}
	return m, err
}

func saveEvery(store *manifest.Store, cp *manifest.Checkpoint, root string, interval time.Duration, stop <-chan struct{}) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := saveCheckpoint(store, cp, root); err != nil {
			logrus.WithError(err).Warn("Failed to save checkpoint")
		}
		next := interval
		if elapsed := time.Since(start); elapsed > slowSave {
			next = max(interval, elapsed*checkpointStretch)
		}
		timer.Reset(next)
	}
}

func saveCheckpoint(store *manifest.Store, cp *manifest.Checkpoint, root string) error {
	n := cp.Len()
	if n == 0 {
		return nil
	}
	if err := store.Save(cp.Manifest(), root); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"sidecar":  store.SidecarPath(root),
		"subtrees": n,
	}).Debug("Checkpoint saved")
	return nil
}
