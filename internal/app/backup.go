package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const backupGlob = "pending-*.bak.zst"

// BackupOnce exports the store into the backup directory, drops local backups
// beyond the configured count and queues the new file for offsite upload.
func (a *App) BackupOnce(now time.Time) (string, error) {
	dir := a.Config.Store.BackupDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.Metrics.ObserveBackup("export", err)
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("pending-%d.bak.zst", now.Unix()))
	_, err := a.Engine.Export(path)
	a.Metrics.ObserveBackup("export", err)
	if err != nil {
		return "", err
	}
	if err := pruneBackups(dir, a.Config.Backup.Keep); err != nil {
		return path, err
	}
	a.Uploader.Enqueue(path)
	return path, nil
}

// RunBackups calls BackupOnce on every interval tick until ctx ends.
func (a *App) RunBackups(ctx context.Context, logger *log.Logger) error {
	interval := a.Config.Backup.Interval
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if _, err := a.BackupOnce(now); err != nil && logger != nil {
				logger.Printf("backup failed err=%v", err)
			}
		}
	}
}

// pruneBackups keeps the newest keep files. Names embed a unix time, so lexical
// order is chronological for equal digit counts.
func pruneBackups(dir string, keep int) error {
	files, err := filepath.Glob(filepath.Join(dir, backupGlob))
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool {
		if len(files[i]) != len(files[j]) {
			return len(files[i]) < len(files[j])
		}
		return files[i] < files[j]
	})
	for len(files) > keep {
		if err := os.Remove(files[0]); err != nil {
			return err
		}
		files = files[1:]
	}
	return nil
}
