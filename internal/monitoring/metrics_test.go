package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PacketReceived("WWV_10")
	m.PacketReceived("WWV_10")
	if got := testutil.ToFloat64(m.packetsReceived.WithLabelValues("WWV_10")); got != 2 {
		t.Fatalf("expected 2 packets, got %f", got)
	}

	m.PacketsResequenced("WWV_10", 3)
	m.PacketsResequenced("WWV_10", 0)
	if got := testutil.ToFloat64(m.packetsResequenced.WithLabelValues("WWV_10")); got != 3 {
		t.Fatalf("expected 3 resequenced, got %f", got)
	}

	m.Gap("WWV_10", true, 320)
	m.Gap("WWV_10", false, 0)
	if got := testutil.ToFloat64(m.gaps.WithLabelValues("WWV_10", "recoverable")); got != 1 {
		t.Fatalf("expected 1 recoverable gap, got %f", got)
	}
	if got := testutil.ToFloat64(m.samplesFilled.WithLabelValues("WWV_10")); got != 320 {
		t.Fatalf("expected 320 filled samples, got %f", got)
	}

	m.Measurement("WWV_10", 4.5)
	if got := testutil.ToFloat64(m.channelOffset.WithLabelValues("WWV_10")); got != 4.5 {
		t.Fatalf("expected offset gauge 4.5, got %f", got)
	}
}

func TestMetricsConsensus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	states := []string{"NO_DATA", "LOCKED"}
	m.Consensus(10.1, 0.3, 0.5, "LOCKED", states, 4, 0.002)

	if got := testutil.ToFloat64(m.consensusState.WithLabelValues("LOCKED")); got != 1 {
		t.Fatalf("expected LOCKED=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.consensusState.WithLabelValues("NO_DATA")); got != 0 {
		t.Fatalf("expected NO_DATA=0, got %f", got)
	}
	if got := testutil.ToFloat64(m.consensusIncluded); got != 4 {
		t.Fatalf("expected 4 included, got %f", got)
	}
	if n := testutil.CollectAndCount(m.consensusLatency); n != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", n)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.PacketReceived("x")
	m.Gap("x", true, 1)
	m.Consensus(0, 0, 0, "NO_DATA", nil, 0, 0)
}
