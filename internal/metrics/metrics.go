// Package metrics defines the prometheus instrumentation surface for the
// kernel (spec.md §9: "avoid lazy initialisation tied to first-use" rules
// out package-level metric singletons, so every collector here is owned by
// an explicit Registry value constructed once in cmd/trusted-os/main.go).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the kernel exposes, grouped the way the
// wider example ecosystem groups per-subsystem prometheus metrics (counters
// for events, gauges for point-in-time state).
type Registry struct {
	BlockCommits    prometheus.Counter
	BlockRetires    prometheus.Counter
	DefragRuns      prometheus.Counter
	DefragBytes     prometheus.Counter
	SyscallTotal    *prometheus.CounterVec
	SyscallErrors   *prometheus.CounterVec
	ContextEnters   prometheus.Counter
	ContextLeaves   prometheus.Counter
	ContextFaults   *prometheus.CounterVec
	IndexSize       prometheus.Gauge
}

// NewRegistry constructs every collector, namespaced "flashkernel", and
// registers them against reg. reg may be a fresh prometheus.NewRegistry()
// in tests or the default prometheus.DefaultRegisterer in production.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BlockCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "block",
			Name:      "commits_total",
			Help:      "Number of blocks successfully promoted to Valid.",
		}),
		BlockRetires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "block",
			Name:      "retires_total",
			Help:      "Number of blocks retired to Invalid.",
		}),
		DefragRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "fs",
			Name:      "defrag_runs_total",
			Help:      "Number of defragmentation passes run.",
		}),
		DefragBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "fs",
			Name:      "defrag_bytes_total",
			Help:      "Total bytes copied through the defrag sector.",
		}),
		SyscallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "syscall",
			Name:      "calls_total",
			Help:      "Number of syscalls dispatched, by syscall name.",
		}, []string{"syscall"}),
		SyscallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "syscall",
			Name:      "errors_total",
			Help:      "Number of syscalls returning a non-zero status, by syscall name and status.",
		}, []string{"syscall", "status"}),
		ContextEnters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "context",
			Name:      "enters_total",
			Help:      "Number of context enter transitions.",
		}),
		ContextLeaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "context",
			Name:      "leaves_total",
			Help:      "Number of context leave transitions.",
		}),
		ContextFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashkernel",
			Subsystem: "context",
			Name:      "faults_total",
			Help:      "Number of contexts terminated by a fault, by reason.",
		}, []string{"reason"}),
		IndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flashkernel",
			Subsystem: "fs",
			Name:      "index_entries",
			Help:      "Number of tags currently present in the in-RAM index.",
		}),
	}
	reg.MustRegister(
		r.BlockCommits, r.BlockRetires,
		r.DefragRuns, r.DefragBytes,
		r.SyscallTotal, r.SyscallErrors,
		r.ContextEnters, r.ContextLeaves, r.ContextFaults,
		r.IndexSize,
	)
	return r
}

// NewUnregistered builds a Registry backed by a private prometheus.Registry,
// for tests and call sites that do not want to touch the global default
// registry.
func NewUnregistered() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
