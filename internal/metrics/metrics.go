// Package metrics collects engine-level counters and latency histograms.
//
// Every engine instance owns its own metric set so that multiple engines in
// one process (and unit tests) do not share ambient global state. The set
// can be exposed through any HTTP handler via WritePrometheus.
package metrics

import (
	"io"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

// Engine holds the metric instruments for one engine instance.
type Engine struct {
	set *vm.Set

	// Foreground I/O.
	Fetches      *vm.Counter
	Updates      *vm.Counter
	Punches      *vm.Counter
	Conflicts    *vm.Counter
	NotFound     *vm.Counter
	OutOfSpace   *vm.Counter
	FetchLatency *vm.Histogram

	// Transactions.
	DTXBegun     *vm.Counter
	DTXCommitted *vm.Counter
	DTXAborted   *vm.Counter
	DTXRetired   *vm.Counter

	// Aggregation.
	AggPasses    *vm.Counter
	AggYields    *vm.Counter
	AggReclaimed *vm.Counter
	AggSkipped   *vm.Counter
	Checkpoints  *vm.Counter

	// Object cache.
	CacheHits   *vm.Counter
	CacheMisses *vm.Counter
}

// New returns a fresh metric set for one engine instance.
func New() *Engine {
	s := vm.NewSet()
	return &Engine{
		set:          s,
		Fetches:      s.NewCounter("vostore_fetch_total"),
		Updates:      s.NewCounter("vostore_update_total"),
		Punches:      s.NewCounter("vostore_punch_total"),
		Conflicts:    s.NewCounter("vostore_conflict_total"),
		NotFound:     s.NewCounter("vostore_not_found_total"),
		OutOfSpace:   s.NewCounter("vostore_out_of_space_total"),
		FetchLatency: s.NewHistogram("vostore_fetch_duration_seconds"),
		DTXBegun:     s.NewCounter("vostore_dtx_begun_total"),
		DTXCommitted: s.NewCounter("vostore_dtx_committed_total"),
		DTXAborted:   s.NewCounter("vostore_dtx_aborted_total"),
		DTXRetired:   s.NewCounter("vostore_dtx_retired_total"),
		AggPasses:    s.NewCounter("vostore_aggregation_passes_total"),
		AggYields:    s.NewCounter("vostore_aggregation_yields_total"),
		AggReclaimed: s.NewCounter("vostore_aggregation_reclaimed_bytes_total"),
		AggSkipped:   s.NewCounter("vostore_aggregation_skipped_entities_total"),
		Checkpoints:  s.NewCounter("vostore_checkpoint_total"),
		CacheHits:    s.NewCounter("vostore_object_cache_hits_total"),
		CacheMisses:  s.NewCounter("vostore_object_cache_misses_total"),
	}
}

// ObserveFetch records the latency of one fetch.
func (e *Engine) ObserveFetch(start time.Time) {
	e.FetchLatency.UpdateDuration(start)
}

// WritePrometheus writes all metrics of this engine in Prometheus text
// exposition format.
func (e *Engine) WritePrometheus(w io.Writer) {
	e.set.WritePrometheus(w)
}
