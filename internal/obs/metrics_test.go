package obs

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conquest.eth/internal/persistence/pendingdb"
)

func TestMetricsHandlerExposesObservations(t *testing.T) {
	m := NewMetrics()
	m.ObserveOp("send", "OK", time.Now())
	m.ObserveLedger("send", "ok")
	m.ObserveEvent("FLEET_COMMITTED")
	m.ObserveStore(pendingdb.Stats{FleetsInFlight: 3, ExitsCompleted: 1})
	m.ObserveSweep(1_700_000_000)
	m.ObserveBackup("export", nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	for _, want := range []string{
		`conquest_ops_total{code="OK",op="send"} 1`,
		`conquest_fleets{stage="in_flight"} 3`,
		`conquest_exits{stage="completed"} 1`,
		`conquest_events_total{kind="FLEET_COMMITTED"} 1`,
		"conquest_sweep_runs_total 1",
		`conquest_backups_total{result="ok",stage="export"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	m.ObserveOp("send", "OK", time.Now())
	m.ObserveStore(pendingdb.Stats{})
}

func TestMetricsIndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.ObserveSweep(1)
	if a.Registry == b.Registry {
		t.Fatalf("registries must be distinct")
	}
}
