package extract

import (
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp and date formats Business Central uses.
// Values without a zone are UTC.
func ParseTimestamp(v string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeData, "unrecognized timestamp %q", v)
}

// WatermarkStore holds the highest incremental value seen per resource and
// partition. Values only move forward.
type WatermarkStore struct {
	mu    sync.RWMutex
	marks map[string]map[string]string
}

// NewWatermarkStore creates an empty store
func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{marks: make(map[string]map[string]string)}
}

// Get returns the watermark of one partition
func (s *WatermarkStore) Get(resource, partition string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.marks[resource][partition]
	return v, ok
}

// Advance stores value if it is later than the current watermark and
// reports whether it did.
func (s *WatermarkStore) Advance(resource, partition, value string) bool {
	if value == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.marks[resource][partition]
	if ok && !later(value, current) {
		return false
	}
	if s.marks[resource] == nil {
		s.marks[resource] = make(map[string]string)
	}
	s.marks[resource][partition] = value
	return true
}

// Load merges previously persisted bookmarks, keeping the later value on conflict
func (s *WatermarkStore) Load(bookmarks core.Bookmarks) {
	for resource, partitions := range bookmarks {
		for partition, value := range partitions {
			s.Advance(resource, partition, value)
		}
	}
}

// Snapshot returns a copy of every watermark
func (s *WatermarkStore) Snapshot() core.Bookmarks {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(core.Bookmarks, len(s.marks))
	for resource, partitions := range s.marks {
		cp := make(map[string]string, len(partitions))
		for k, v := range partitions {
			cp[k] = v
		}
		out[resource] = cp
	}
	return out
}

// later compares as timestamps when both parse, lexically otherwise
func later(a, b string) bool {
	ta, errA := ParseTimestamp(a)
	tb, errB := ParseTimestamp(b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}
