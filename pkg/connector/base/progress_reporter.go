package base

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProgressReporter counts records per stream and logs periodic throughput
type ProgressReporter struct {
	logger         *zap.Logger
	reportInterval time.Duration
	now            func() time.Time

	mu         sync.Mutex
	counts     map[string]int64
	total      int64
	startTime  time.Time
	lastReport time.Time
}

// NewProgressReporter creates a reporter that logs at most once per interval
func NewProgressReporter(logger *zap.Logger, interval time.Duration) *ProgressReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	now := time.Now()
	return &ProgressReporter{
		logger:         logger,
		reportInterval: interval,
		now:            time.Now,
		counts:         make(map[string]int64),
		startTime:      now,
		lastReport:     now,
	}
}

// Record counts one record of stream
func (pr *ProgressReporter) Record(stream string) {
	pr.mu.Lock()
	pr.counts[stream]++
	pr.total++
	total := pr.total
	due := pr.now().Sub(pr.lastReport) >= pr.reportInterval
	if due {
		pr.lastReport = pr.now()
	}
	pr.mu.Unlock()

	if due {
		elapsed := pr.now().Sub(pr.startTime)
		pr.logger.Info("progress",
			zap.Int64("records", total),
			zap.Float64("records_per_sec", float64(total)/elapsed.Seconds()))
	}
}

// Counts returns a copy of the per-stream counts
func (pr *ProgressReporter) Counts() map[string]int64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out := make(map[string]int64, len(pr.counts))
	for k, v := range pr.counts {
		out[k] = v
	}
	return out
}

// Total returns the number of records counted
func (pr *ProgressReporter) Total() int64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.total
}

// Finish logs the final per-stream summary
func (pr *ProgressReporter) Finish() {
	counts := pr.Counts()
	streams := make([]string, 0, len(counts))
	for s := range counts {
		streams = append(streams, s)
	}
	sort.Strings(streams)

	fields := make([]zap.Field, 0, len(streams)+2)
	fields = append(fields,
		zap.Int64("records", pr.Total()),
		zap.Duration("elapsed", pr.now().Sub(pr.startTime)))
	for _, s := range streams {
		fields = append(fields, zap.Int64("stream."+s, counts[s]))
	}
	pr.logger.Info("write complete", fields...)
}
