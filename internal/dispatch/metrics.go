package dispatch

import (
	"sync"
	"time"
)

// Metrics tracks task processing statistics per task type
type Metrics struct {
	mu sync.RWMutex

	processed map[string]int64
	succeeded map[string]int64
	failed    map[string]int64
	dropped   map[string]int64

	totalDuration map[string]time.Duration
	maxDuration   map[string]time.Duration
}

// NewMetrics creates an empty metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		processed:     make(map[string]int64),
		succeeded:     make(map[string]int64),
		failed:        make(map[string]int64),
		dropped:       make(map[string]int64),
		totalDuration: make(map[string]time.Duration),
		maxDuration:   make(map[string]time.Duration),
	}
}

// RecordSuccess records a completed task
func (m *Metrics) RecordSuccess(taskType string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[taskType]++
	m.succeeded[taskType]++
	m.updateDuration(taskType, duration)
}

// RecordFailure records a failed task
func (m *Metrics) RecordFailure(taskType string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[taskType]++
	m.failed[taskType]++
	m.updateDuration(taskType, duration)
}

// RecordDrop records a task rejected by a full or stopped queue
func (m *Metrics) RecordDrop(taskType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[taskType]++
}

func (m *Metrics) updateDuration(taskType string, duration time.Duration) {
	m.totalDuration[taskType] += duration
	if max, ok := m.maxDuration[taskType]; !ok || duration > max {
		m.maxDuration[taskType] = duration
	}
}

// Stats returns the statistics of one task type
func (m *Metrics) Stats(taskType string) TaskStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statsLocked(taskType)
}

// AllStats returns the statistics of every task type seen so far
func (m *Metrics) AllStats() map[string]TaskStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]TaskStats)
	for taskType := range m.processed {
		stats[taskType] = m.statsLocked(taskType)
	}
	for taskType := range m.dropped {
		stats[taskType] = m.statsLocked(taskType)
	}
	return stats
}

func (m *Metrics) statsLocked(taskType string) TaskStats {
	s := TaskStats{
		TaskType:    taskType,
		Processed:   m.processed[taskType],
		Succeeded:   m.succeeded[taskType],
		Failed:      m.failed[taskType],
		Dropped:     m.dropped[taskType],
		MaxDuration: m.maxDuration[taskType],
	}
	if s.Processed > 0 {
		s.AvgDuration = m.totalDuration[taskType] / time.Duration(s.Processed)
	}
	return s
}

// TaskStats holds statistics for one task type
type TaskStats struct {
	TaskType    string        `json:"task_type"`
	Processed   int64         `json:"processed"`
	Succeeded   int64         `json:"succeeded"`
	Failed      int64         `json:"failed"`
	Dropped     int64         `json:"dropped"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
}
