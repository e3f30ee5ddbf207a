package document

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultUploadTTL           = time.Hour
	DefaultUploadSweepInterval = 30 * time.Minute
)

// StartUploadSweeper removes uploads older than ttl from dir every interval
// until ctx is done. Uploads are normally deleted right after ingestion; the
// sweeper catches files left behind by failed requests.
func StartUploadSweeper(ctx context.Context, dir string, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	if interval <= 0 {
		interval = DefaultUploadSweepInterval
	}
	go sweepLoop(ctx, dir, ttl, interval)
}

func sweepLoop(ctx context.Context, dir string, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := SweepUploads(dir, ttl, time.Now()); err != nil {
				log.Printf("sweep uploads error: %v", err)
			}
		}
	}
}

// SweepUploads deletes regular files under dir last modified before now-ttl
// and prunes empty directories that were already older than the ttl when the
// sweep reached them. It returns the number of removed files.
func SweepUploads(dir string, ttl time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-ttl)
	removed := 0
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove upload %s failed: %v", path, err)
			return nil
		}
		removed++
		return nil
	})
	// deepest first so parents can become empty
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return removed, err
}
