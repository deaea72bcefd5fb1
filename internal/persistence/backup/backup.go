// Package backup exports and restores the pending store. A backup is a zstd stream
// holding a JSON header line followed by the JSON body; the header carries a blake3
// checksum of the body.
package backup

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"conquest.eth/internal/persistence/pendingdb"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	CreatedAt int64  `json:"created_at"`
	Fleets    int    `json:"fleets"`
	Exits     int    `json:"exits"`
	Checksum  string `json:"blake3"`
}

type Contents struct {
	Fleets []pendingdb.Fleet `json:"fleets"`
	Exits  []pendingdb.Exit  `json:"exits"`
}

type Source interface {
	ListFleets(pendingdb.FleetFilter) ([]pendingdb.Fleet, error)
	ListExits(pendingdb.ExitFilter) ([]pendingdb.Exit, error)
}

type Sink interface {
	UpsertFleet(pendingdb.Fleet) error
	UpsertExit(pendingdb.Exit) error
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Export writes every record of src to path atomically.
func Export(src Source, path string, createdAt int64) (Header, error) {
	fleets, err := src.ListFleets(pendingdb.FleetFilter{})
	if err != nil {
		return Header{}, err
	}
	exits, err := src.ListExits(pendingdb.ExitFilter{})
	if err != nil {
		return Header{}, err
	}
	body, err := json.Marshal(Contents{Fleets: fleets, Exits: exits})
	if err != nil {
		return Header{}, fmt.Errorf("encode backup: %w", err)
	}
	h := Header{
		Version:   Version,
		CreatedAt: createdAt,
		Fleets:    len(fleets),
		Exits:     len(exits),
		Checksum:  checksum(body),
	}
	if err := writeFile(path, h, body); err != nil {
		return Header{}, err
	}
	return h, nil
}

func writeFile(path string, h Header, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(h)
	_, err = bw.Write(append(hb, '\n'))
	if err == nil {
		_, err = bw.Write(body)
	}
	if err == nil {
		err = bw.Flush()
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if serr := f.Sync(); err == nil {
		err = serr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Read decodes and verifies a backup.
func Read(path string) (Header, Contents, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, Contents{}, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, Contents{}, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return Header{}, Contents{}, fmt.Errorf("backup header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return Header{}, Contents{}, fmt.Errorf("backup header: %w", err)
	}
	if h.Version != Version {
		return h, Contents{}, fmt.Errorf("unsupported backup version %d", h.Version)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return h, Contents{}, fmt.Errorf("backup body: %w", err)
	}
	if got := checksum(body); got != h.Checksum {
		return h, Contents{}, fmt.Errorf("backup checksum mismatch: header %s, body %s", h.Checksum, got)
	}
	var c Contents
	if err := json.Unmarshal(body, &c); err != nil {
		return h, Contents{}, fmt.Errorf("backup body: %w", err)
	}
	if len(c.Fleets) != h.Fleets || len(c.Exits) != h.Exits {
		return h, Contents{}, fmt.Errorf("backup counts mismatch")
	}
	return h, c, nil
}

// Import verifies path and upserts every record into dst. Nothing is written when
// verification fails.
func Import(dst Sink, path string) (Header, error) {
	h, c, err := Read(path)
	if err != nil {
		return h, err
	}
	for _, fl := range c.Fleets {
		if err := dst.UpsertFleet(fl); err != nil {
			return h, err
		}
	}
	for _, e := range c.Exits {
		if err := dst.UpsertExit(e); err != nil {
			return h, err
		}
	}
	return h, nil
}
