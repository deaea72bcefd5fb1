package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"

	"conquest.eth/internal/game/commit"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/persistence/pendingdb"
)

func seeded(t *testing.T) *pendingdb.Store {
	t.Helper()
	s, err := pendingdb.Open(filepath.Join(t.TempDir(), "src.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	secret, err := commit.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if err := s.PutFleet(pendingdb.Fleet{
		FleetID:  common.Hash{1},
		From:     location.Pack(1, 2),
		To:       location.Pack(-3, 4),
		Quantity: 10,
		Secret:   secret,
	}); err != nil {
		t.Fatalf("PutFleet: %v", err)
	}
	if err := s.PutExit(pendingdb.Exit{Planet: location.Pack(1, 2), ExitStartTime: 50}); err != nil {
		t.Fatalf("PutExit: %v", err)
	}
	return s
}

func TestExportImport(t *testing.T) {
	src := seeded(t)
	path := filepath.Join(t.TempDir(), "pending.backup.zst")
	h, err := Export(src, path, 1234)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if h.Fleets != 1 || h.Exits != 1 || h.Checksum == "" {
		t.Fatalf("header = %+v", h)
	}

	dst, err := pendingdb.Open(filepath.Join(t.TempDir(), "dst.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dst.Close()
	if _, err := Import(dst, path); err != nil {
		t.Fatalf("Import: %v", err)
	}
	want, _ := src.GetFleet(common.Hash{1})
	got, err := dst.GetFleet(common.Hash{1})
	if err != nil {
		t.Fatalf("GetFleet: %v", err)
	}
	if got.Secret != want.Secret || got.To != want.To {
		t.Fatalf("restored fleet mismatch")
	}
	if _, err := dst.GetExit(location.Pack(1, 2)); err != nil {
		t.Fatalf("GetExit: %v", err)
	}
}

func TestReadRejectsTamperedBody(t *testing.T) {
	src := seeded(t)
	path := filepath.Join(t.TempDir(), "pending.backup.zst")
	h, err := Export(src, path, 1)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, _, err := Read(path); err != nil {
		t.Fatalf("Read: %v", err)
	}
	body := []byte(`{"fleets":[{"quantity":99}],"exits":[]}`)
	if err := writeFile(path, h, body); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	if _, _, err := Read(path); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v9.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	enc, _ := zstd.NewWriter(f)
	_, _ = enc.Write([]byte(`{"version":9}` + "\n{}"))
	_ = enc.Close()
	_ = f.Close()
	if _, _, err := Read(path); err == nil {
		t.Fatalf("expected version error")
	}
}
