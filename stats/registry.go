package stats

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// TaskStat accumulates queue-wait and compute durations for one task kind.
// Registration into a Registry is mutex-guarded (MetricMap.Get); every
// field here is updated with lock-free atomics on the hot path, matching
// spec.md's requirement that the statistics mutex protects only the
// telemetry vectors themselves, not the recording of each sample.
type TaskStat struct {
	Count      atomic.Int64
	QueueWait  AtomicFloat
	Compute    AtomicFloat
	MaxCompute AtomicFloat
}

// Record folds one executed task's timings into the stat.
func (s *TaskStat) Record(queueWait, compute time.Duration) {
	s.Count.Add(1)
	s.QueueWait.Add(queueWait.Seconds())
	s.Compute.Add(compute.Seconds())
	s.MaxCompute.Max(compute.Seconds())
}

// Registry is the telemetry facade for a single rank's Framebuffer.
type Registry struct {
	tasks *MetricMap[TaskStat]
}

// NewRegistry creates an initialized Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: NewMetricMap[TaskStat](),
	}
}

// Task returns the stat bucket for a task kind (e.g. "router.process",
// "gather.compress"), creating it on first use.
func (r *Registry) Task(kind string) *TaskStat {
	return r.tasks.Get(kind)
}

// TaskKinds reports how many distinct task kinds have been recorded
// since this Registry was created (Reset clears counters, not kinds).
func (r *Registry) TaskKinds() int {
	return r.tasks.Count()
}

// Reset clears per-frame counters; called at the start of each frame by
// the Frame Controller per spec.md §4.E ("clears per-frame telemetry").
func (r *Registry) Reset() {
	r.tasks.Range(func(_ string, s *TaskStat) {
		s.Count.Store(0)
		s.QueueWait.Set(0)
		s.Compute.Set(0)
		s.MaxCompute.Set(0)
	})
}

// Report writes a human-readable telemetry dump, the implementation
// behind Framebuffer.ReportTimings (spec.md §6).
func (r *Registry) Report(w io.Writer) {
	fmt.Fprintf(w, "%d task kinds tracked\n", r.TaskKinds())
	r.tasks.Range(func(kind string, s *TaskStat) {
		count := s.Count.Load()
		if count == 0 {
			return
		}
		avgQueue := s.QueueWait.Get() / float64(count)
		avgCompute := s.Compute.Get() / float64(count)
		fmt.Fprintf(w, "%-24s n=%-8d avg_queue=%-10.6fs avg_compute=%-10.6fs max_compute=%-10.6fs\n",
			kind, count, avgQueue, avgCompute, s.MaxCompute.Get())
	})
}
