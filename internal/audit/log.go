// Package audit provides the append-only audit trail for controller
// decisions. Records are never rewritten: learning reads history but
// cannot edit it.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantfold/papertrader/pkg/types"
	"go.uber.org/zap"
)

// Record kinds.
const (
	KindRegime      = "regime_state"
	KindPerformance = "performance_snapshot"
	KindAdaptive    = "adaptive_decision"
)

// Record is one self-describing audit entry. Seq is assigned by the log
// and strictly increases within a run.
type Record struct {
	Seq       uint64      `json:"seq"`
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Log is the append-only audit contract. Append must be durable before it
// returns: a tick is not complete until its record is committed.
type Log interface {
	Append(kind string, timestamp time.Time, payload interface{}) error
	Close() error
}

// FileLog appends JSON-lines records to a single file, syncing after
// every append so a crash loses at most the in-flight tick.
type FileLog struct {
	mu     sync.Mutex
	logger *zap.Logger
	file   *os.File
	seq    uint64
}

// NewFileLog opens (or creates) the audit file in append mode.
func NewFileLog(logger *zap.Logger, path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileLog{
		logger: logger.Named("audit"),
		file:   file,
	}, nil
}

// Append writes one record and syncs it to disk. An error here is fatal
// for the tick: the caller must not treat the tick as committed.
func (l *FileLog) Append(kind string, timestamp time.Time, payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	record := Record{
		Seq:       l.seq,
		Kind:      kind,
		Timestamp: timestamp,
		Payload:   payload,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	return nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// MemoryLog keeps records in memory. Used in tests and for the status
// API's recent-decision view.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     uint64
	records []Record
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append stores one record.
func (l *MemoryLog) Append(kind string, timestamp time.Time, payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.records = append(l.records, Record{
		Seq:       l.seq,
		Kind:      kind,
		Timestamp: timestamp,
		Payload:   payload,
	})
	return nil
}

// Close is a no-op.
func (l *MemoryLog) Close() error { return nil }

// Records returns a copy of all records in append order.
func (l *MemoryLog) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Decisions returns the adaptive decisions in the log, oldest first.
func (l *MemoryLog) Decisions() []types.AdaptiveDecision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.AdaptiveDecision
	for _, record := range l.records {
		if record.Kind != KindAdaptive {
			continue
		}
		if decision, ok := record.Payload.(types.AdaptiveDecision); ok {
			out = append(out, decision)
		}
	}
	return out
}

// TeeLog fans one append out to several logs, failing on the first error.
type TeeLog struct {
	logs []Log
}

// NewTeeLog combines logs; every Append must succeed on all of them.
func NewTeeLog(logs ...Log) *TeeLog {
	return &TeeLog{logs: logs}
}

// Append writes the record to each underlying log in order.
func (t *TeeLog) Append(kind string, timestamp time.Time, payload interface{}) error {
	for _, l := range t.logs {
		if err := l.Append(kind, timestamp, payload); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all underlying logs, returning the first error.
func (t *TeeLog) Close() error {
	var firstErr error
	for _, l := range t.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
