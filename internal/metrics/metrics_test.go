package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RunsFinished.WithLabelValues("CRASHED").Inc()
	m.RunsFinished.WithLabelValues("CRASHED").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var got float64
	for _, f := range families {
		if f.GetName() == "runengine_runs_finished_total" {
			got = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if got != 2 {
		t.Fatalf("runs finished = %v, want 2", got)
	}
	// a second set on its own registry must not collide
	New(prometheus.NewRegistry())
}
