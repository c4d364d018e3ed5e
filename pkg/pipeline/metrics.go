package pipeline

import (
	"sort"
	"sync/atomic"
)

// Counter is a monotonically increasing count.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int)    { c.v.Add(int64(n)) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge holds the last observed value.
type Gauge struct {
	v atomic.Int64
}

func (g *Gauge) Set(n int)    { g.v.Store(int64(n)) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Metrics are incremented by the pipeline as a side effect and only read by
// whatever exports them.
type Metrics struct {
	Candidates           Counter
	MetadataFetchOK      Counter
	MetadataFetchFailed  Counter
	AnalysisOK           Counter
	AnalysisFailed       Counter
	VersionsAdded        Counter
	VersionsDeleted      Counter
	VersionsUpdated      Counter
	BuildCandidates      Gauge
	PendingJobs          Gauge
	BuildsTriggered      Counter
	BuildTriggerFailures Counter
	BuildsTrimmed        Counter
	PackagesAdded        Counter
	PackagesDeleted      Counter
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns the current values keyed by metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"candidates":             m.Candidates.Value(),
		"metadata_fetch_ok":      m.MetadataFetchOK.Value(),
		"metadata_fetch_failed":  m.MetadataFetchFailed.Value(),
		"analysis_ok":            m.AnalysisOK.Value(),
		"analysis_failed":        m.AnalysisFailed.Value(),
		"versions_added":         m.VersionsAdded.Value(),
		"versions_deleted":       m.VersionsDeleted.Value(),
		"versions_updated":       m.VersionsUpdated.Value(),
		"build_candidates":       m.BuildCandidates.Value(),
		"pending_jobs":           m.PendingJobs.Value(),
		"builds_triggered":       m.BuildsTriggered.Value(),
		"build_trigger_failures": m.BuildTriggerFailures.Value(),
		"builds_trimmed":         m.BuildsTrimmed.Value(),
		"packages_added":         m.PackagesAdded.Value(),
		"packages_deleted":       m.PackagesDeleted.Value(),
	}
}

// NonZero returns the names of counters that moved, sorted.
func (m *Metrics) NonZero() []string {
	var names []string
	for k, v := range m.Snapshot() {
		if v != 0 {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}
