package db

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolStatsCollector_Describe(t *testing.T) {
	collector := NewPoolStatsCollector(nil, "ftm", "server")

	ch := make(chan *prometheus.Desc, 10)
	collector.Describe(ch)
	close(ch)

	want := []string{
		"ftm_db_pool_total_conns",
		"ftm_db_pool_idle_conns",
		"ftm_db_pool_acquired_conns",
		"ftm_db_pool_max_conns",
	}
	i := 0
	for desc := range ch {
		s := desc.String()
		if !strings.Contains(s, want[i]) {
			t.Errorf("descriptor %d = %s, want name %s", i, s, want[i])
		}
		if !strings.Contains(s, `service="server"`) {
			t.Errorf("descriptor %d missing service label: %s", i, s)
		}
		i++
	}
	if i != len(want) {
		t.Errorf("got %d descriptors, want %d", i, len(want))
	}
}

func TestPoolStatsCollector_NilPoolCollectsNothing(t *testing.T) {
	collector := NewPoolStatsCollector(nil, "ftm", "server")
	if n := testutil.CollectAndCount(collector); n != 0 {
		t.Errorf("collected %d metrics from nil pool, want 0", n)
	}
}

func TestRegisterPoolStatsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := RegisterPoolStatsCollector(reg, nil, "ftm", "server"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := RegisterPoolStatsCollector(reg, nil, "ftm", "server"); err != nil {
		t.Fatalf("second registration should be tolerated: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
}

func TestPoolStatsCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewPoolStatsCollector(nil, "ftm", "server"))
	if err != nil {
		t.Fatalf("CollectAndLint failed: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint problem: %s", p.Text)
	}
}
