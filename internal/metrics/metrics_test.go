package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewRegistryRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.BlockCommits.Inc()
	if got := counterValue(t, r.BlockCommits); got != 1 {
		t.Fatalf("BlockCommits = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestNewUnregisteredIsIndependent(t *testing.T) {
	a := NewUnregistered()
	b := NewUnregistered()
	a.DefragRuns.Inc()
	if got := counterValue(t, a.DefragRuns); got != 1 {
		t.Fatalf("a.DefragRuns = %v, want 1", got)
	}
	if got := counterValue(t, b.DefragRuns); got != 0 {
		t.Fatalf("b.DefragRuns = %v, want 0 (registries must not share state)", got)
	}
}

func TestSyscallCounterVecLabelsByName(t *testing.T) {
	r := NewUnregistered()
	r.SyscallTotal.WithLabelValues("fs_read").Inc()
	r.SyscallTotal.WithLabelValues("fs_write").Inc()
	r.SyscallTotal.WithLabelValues("fs_write").Inc()

	if got := counterValue(t, r.SyscallTotal.WithLabelValues("fs_write")); got != 2 {
		t.Fatalf("fs_write count = %v, want 2", got)
	}
	if got := counterValue(t, r.SyscallTotal.WithLabelValues("fs_read")); got != 1 {
		t.Fatalf("fs_read count = %v, want 1", got)
	}
}
