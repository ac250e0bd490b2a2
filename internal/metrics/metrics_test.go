package metrics

import "testing"

func TestNewRegistersEveryMetric(t *testing.T) {
	m := New()
	m.SyncSessionsTotal.Inc()
	m.RuntimeGasUsedTotal.Add(42)
	m.ConnectedPeers.Set(3)

	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}
}
