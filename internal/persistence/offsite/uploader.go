package offsite

import (
	"context"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	uploadQueue    = 16
	uploadAttempts = 4
)

// Uploader copies local backup files to the bucket in the background, one at a
// time, retrying with quadratic backoff. Files are keyed by base name under prefix.
type Uploader struct {
	client  *Client
	prefix  string
	logger  *log.Logger
	observe func(error)

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan string
	wg     sync.WaitGroup
}

// NewUploader starts the worker. observe, when set, is called once per file with
// the final upload result.
func NewUploader(client *Client, prefix string, logger *log.Logger, observe func(error)) *Uploader {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		client:  client,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:  logger,
		observe: observe,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan string, uploadQueue),
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for p := range u.jobs {
			err := u.upload(p)
			if err != nil {
				u.logger.Printf("offsite upload failed file=%s err=%v", p, err)
			}
			if u.observe != nil {
				u.observe(err)
			}
		}
	}()
	return u
}

// Enqueue schedules localPath for upload. It never blocks; when the queue is full
// the file is skipped and the next backup supersedes it.
func (u *Uploader) Enqueue(localPath string) bool {
	if u == nil {
		return false
	}
	select {
	case u.jobs <- localPath:
		return true
	default:
		u.logger.Printf("offsite queue full, skipped file=%s", localPath)
		return false
	}
}

// Close drains the queue and stops the worker. Pending retries are abandoned.
func (u *Uploader) Close() error {
	if u == nil {
		return nil
	}
	close(u.jobs)
	done := make(chan struct{})
	go func() { u.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		u.cancel()
		<-done
	}
	u.cancel()
	return nil
}

func (u *Uploader) key(localPath string) string {
	name := filepath.Base(localPath)
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

func (u *Uploader) upload(localPath string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	key := u.key(localPath)
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(u.ctx, 2*time.Minute)
		lastErr = u.client.Put(ctx, key, body)
		cancel()
		if lastErr == nil {
			u.logger.Printf("offsite uploaded key=%s bytes=%d", key, len(body))
			return nil
		}
		if attempt == uploadAttempts {
			break
		}
		select {
		case <-u.ctx.Done():
			return lastErr
		case <-time.After(time.Duration(attempt*attempt) * 200 * time.Millisecond):
		}
	}
	return lastErr
}
