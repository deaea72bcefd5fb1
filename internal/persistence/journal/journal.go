// Package journal appends engine events to hourly zstd-compressed JSONL segments.
// A segment reopened after a restart gets a new zstd frame appended; readers
// decode concatenated frames transparently.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"conquest.eth/internal/protocol"
)

const (
	segmentLayout = "2006-01-02-15"
	segmentGlob   = "events-*.jsonl.zst"
)

// Journal records lifecycle transitions. A nil *Journal discards them.
type Journal struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	segment string
	file    *os.File
	zw      *zstd.Encoder
	buf     *bufio.Writer
}

func New(dir string) *Journal {
	return &Journal{dir: dir, now: time.Now}
}

func segmentPath(dir, segment string) string {
	return filepath.Join(dir, "events-"+segment+".jsonl.zst")
}

// Append assigns an id when the event has none and writes it as one line. The
// line is flushed through the compressor before Append returns, so a crash loses
// at most the event being written.
func (j *Journal) Append(ev *protocol.Event) error {
	if j == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if seg := j.now().UTC().Format(segmentLayout); seg != j.segment {
		if err := j.openLocked(seg); err != nil {
			return fmt.Errorf("journal segment %s: %w", seg, err)
		}
	}
	if _, err := j.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.zw.Flush()
}

func (j *Journal) openLocked(segment string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(segmentPath(j.dir, segment), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.segment, j.file, j.zw = segment, f, zw
	j.buf = bufio.NewWriterSize(zw, 32*1024)
	return nil
}

func (j *Journal) closeLocked() error {
	if j.file == nil {
		return nil
	}
	err := j.buf.Flush()
	if cerr := j.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.segment, j.file, j.zw, j.buf = "", nil, nil, nil
	return err
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

// ReadFile decodes every event of one segment. A truncated final line, as left by
// a crash mid-write, ends the segment without error.
func ReadFile(path string) ([]protocol.Event, error) {
	var out []protocol.Event
	err := readSegment(path, func(ev protocol.Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

func readSegment(path string, fn func(protocol.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReader(zr))
	for {
		var ev protocol.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("journal %s: %w", filepath.Base(path), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Files lists the segments in dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, segmentGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Replay calls fn for every journaled event in dir in write order. It stops at the
// first error fn returns.
func Replay(dir string, fn func(protocol.Event) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := readSegment(f, fn); err != nil {
			return err
		}
	}
	return nil
}
