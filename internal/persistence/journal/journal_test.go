package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conquest.eth/internal/protocol"
)

func TestJournalRoundTripAndRotation(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	j.now = func() time.Time { return clock }

	ev := protocol.Event{Kind: protocol.EventFleetCommitted, At: 100, Subject: "0x01"}
	if err := j.Append(&ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ID == "" {
		t.Fatalf("expected id assigned")
	}
	clock = clock.Add(2 * time.Minute)
	if err := j.Append(&protocol.Event{Kind: protocol.EventFleetResolved, At: 200, Subject: "0x01"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Base(files[0]) != "events-2026-03-01-10.jsonl.zst" {
		t.Fatalf("first file = %s", files[0])
	}
	first, err := ReadFile(files[0])
	if err != nil || len(first) != 1 || first[0].ID != ev.ID {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := ReadFile(files[1])
	if err != nil || len(second) != 1 || second[0].Kind != protocol.EventFleetResolved {
		t.Fatalf("second = %+v, %v", second, err)
	}
}

func TestJournalAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fixed := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		j := New(dir)
		j.now = fixed
		if err := j.Append(&protocol.Event{Kind: protocol.EventSweep, At: int64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := j.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	files, _ := Files(dir)
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	evs, err := ReadFile(files[0])
	if err != nil || len(evs) != 2 {
		t.Fatalf("events = %+v, %v", evs, err)
	}
}

func TestReplayStopsOnError(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	for i := 0; i < 3; i++ {
		if err := j.Append(&protocol.Event{Kind: protocol.EventSweep, At: int64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var seen []int64
	stop := errors.New("stop")
	err := Replay(dir, func(ev protocol.Event) error {
		seen = append(seen, ev.At)
		if len(seen) == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Fatalf("replay err=%v seen=%v", err, seen)
	}
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	if err := j.Append(&protocol.Event{Kind: protocol.EventSweep}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
