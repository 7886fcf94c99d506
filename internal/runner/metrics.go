package runner

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/dwiprep/internal/execution"
)

const namespace = "dwiprep"

// ToolStats aggregates every process of one tool.
type ToolStats struct {
	Tool         string
	Calls        int
	Failed       int
	Total        time.Duration
	Durations    []time.Duration
	PeakMemoryKB int64
}

// Metrics collects stage and tool measurements during a run and exposes
// them as Prometheus collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	subjects      *prometheus.CounterVec
	inProgress    prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	toolDuration  *prometheus.HistogramVec
	toolMemory    *prometheus.GaugeVec

	mu    sync.Mutex
	tools map[string]*ToolStats
}

// NewMetrics creates the collectors and registers them.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		subjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subjects_total",
			Help:      "Cohort entries by final status",
		}, []string{"status"}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subjects_in_progress",
			Help:      "Cohort entries currently running",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of top-level graph stages",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}, []string{"stage", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Wall time of external tool processes",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 16),
		}, []string{"tool"}),
		toolMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_peak_memory_bytes",
			Help:      "Highest resident set size seen for a tool",
		}, []string{"tool"}),
		tools: make(map[string]*ToolStats),
	}
	m.registry.MustRegister(m.subjects, m.inProgress, m.stageDuration, m.toolDuration, m.toolMemory)
	return m
}

// Registry returns the registry holding the run collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordTool implements tools.Recorder.
func (m *Metrics) RecordTool(tool string, elapsed time.Duration, res *execution.RunResult) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tools[tool]
	if !ok {
		ts = &ToolStats{Tool: tool}
		m.tools[tool] = ts
	}
	ts.Calls++
	if res.ExitCode != 0 {
		ts.Failed++
	}
	ts.Total += elapsed
	ts.Durations = append(ts.Durations, elapsed)
	if res.PeakMemoryKB > ts.PeakMemoryKB {
		ts.PeakMemoryKB = res.PeakMemoryKB
		m.toolMemory.WithLabelValues(tool).Set(float64(res.PeakMemoryKB * 1024))
	}
}

func (m *Metrics) stageFinished(stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

func (m *Metrics) subjectStarted() {
	if m != nil {
		m.inProgress.Inc()
	}
}

func (m *Metrics) subjectFinished(status Status) {
	if m == nil {
		return
	}
	if status != StatusSkipped {
		m.inProgress.Dec()
	}
	m.subjects.WithLabelValues(string(status)).Inc()
}

// Tools returns per-tool statistics sorted by total time, longest first.
func (m *Metrics) Tools() []ToolStats {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolStats, 0, len(m.tools))
	for _, ts := range m.tools {
		c := *ts
		c.Durations = append([]time.Duration(nil), ts.Durations...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}

// WriteTextfile writes the collectors in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// meanStddev returns the mean and population standard deviation.
func meanStddev(ds []time.Duration) (mean, stddev time.Duration) {
	if len(ds) == 0 {
		return 0, 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	mean = total / time.Duration(len(ds))
	if len(ds) == 1 {
		return mean, 0
	}
	var sumSquaredDiff float64
	for _, d := range ds {
		diff := float64(d - mean)
		sumSquaredDiff += diff * diff
	}
	return mean, time.Duration(math.Sqrt(sumSquaredDiff / float64(len(ds))))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatMemory formats memory in KB to a human-readable string.
func formatMemory(kb int64) string {
	if kb <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(kb) * 1024)
}

// PrintSummary prints the per-subject outcome and per-tool usage of a run.
func PrintSummary(w io.Writer, r *Report, m *Metrics) {
	if r == nil {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Preprocessing Summary ===")
	fmt.Fprintf(w, "Pipeline: %s\n", r.Pipeline)
	if r.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", r.RunID)
	}
	fmt.Fprintf(w, "Total Duration: %s\n", formatDuration(r.Duration))
	fmt.Fprintln(w)

	if len(r.Subjects) > 0 {
		width := len("Image")
		for _, s := range r.Subjects {
			width = max(width, len(s.ImageID))
		}
		width = min(width, 40)

		fmt.Fprintf(w, "%-*s  %12s  %s\n", width, "Image", "Duration", "Status")
		fmt.Fprintln(w, strings.Repeat("-", width+40))
		for _, s := range r.Subjects {
			id := s.ImageID
			if len(id) > width {
				id = id[:width-3] + "..."
			}
			dur := "-"
			if s.Duration > 0 {
				dur = formatDuration(s.Duration)
			}
			status := "✓ " + string(s.Status)
			switch s.Status {
			case StatusFailed:
				status = fmt.Sprintf("✗ %s (%s", s.Status, s.Kind)
				if s.Stage != "" {
					status += " in " + s.Stage
				}
				status += ")"
			case StatusSkipped:
				status = "○ " + string(s.Status)
			}
			fmt.Fprintf(w, "%-*s  %12s  %s\n", width, id, dur, status)
		}
		fmt.Fprintln(w, strings.Repeat("-", width+40))
		fmt.Fprintf(w, "Subjects: %d completed", r.Count(StatusCompleted))
		if n := r.Count(StatusFailed); n > 0 {
			fmt.Fprintf(w, ", %d failed", n)
		}
		if n := r.Count(StatusSkipped); n > 0 {
			fmt.Fprintf(w, ", %d skipped", n)
		}
		fmt.Fprintln(w)
	}

	if stats := m.Tools(); len(stats) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-24s  %6s  %18s  %12s\n", "Tool", "Calls", "Duration", "Peak Memory")
		fmt.Fprintln(w, strings.Repeat("-", 66))
		for _, ts := range stats {
			mean, stddev := meanStddev(ts.Durations)
			dur := formatDuration(mean)
			if stddev > 0 {
				dur += " ± " + formatDuration(stddev)
			}
			fmt.Fprintf(w, "%-24s  %6s  %18s  %12s\n", ts.Tool, humanize.Comma(int64(ts.Calls)), dur, formatMemory(ts.PeakMemoryKB))
		}
	}
	fmt.Fprintln(w)
}
