// Package audit keeps a bounded, in-process trail of security events for
// inspection by operators.
//
// Design decisions:
// - Fixed-capacity ring: the oldest entry is overwritten once full
// - Append-only: entries are never modified after insert
// - Idempotent on event ID while the original entry is retained
// - Events arrive already redacted; the log never sees raw payloads
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
	"github.com/o-tero/requestguard/pkg/utils"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 10000

// ErrInvalidCapacity is returned by New for capacity <= 0.
var ErrInvalidCapacity = errors.New("audit: capacity must be positive")

// Entry is one audited event.
type Entry struct {
	Seq   uint64               `json:"seq"`
	Topic string               `json:"topic"`
	Event models.SecurityEvent `json:"event"`
}

// Stats aggregates the retained entries.
type Stats struct {
	Total              int64                      `json:"total"`
	ByType             map[models.EventType]int64 `json:"by_type"`
	BySeverity         map[models.Severity]int64  `json:"by_severity"`
	MostFrequentReason models.ReasonCode          `json:"most_frequent_reason,omitempty"`
	EncodedBytes       int64                      `json:"encoded_bytes"` // approximate JSON size of the counted entries
}

// Log is a bounded audit trail, safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	ring    []Entry
	head    int // index of the oldest entry
	count   int
	seq     uint64
	ids     map[string]struct{}
	dropped uint64

	logger *zap.Logger
}

// New creates a log retaining up to capacity entries.
func New(capacity int, logger *zap.Logger) (*Log, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		ring:   make([]Entry, capacity),
		ids:    make(map[string]struct{}, capacity),
		logger: logger.Named("audit"),
	}, nil
}

// Insert appends ev and returns its sequence number. A duplicate event ID
// still retained is ignored and reported with ok=false.
//
// Complexity: O(1)
func (l *Log) Insert(topic string, ev models.SecurityEvent) (seq uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID != "" {
		if _, dup := l.ids[ev.ID]; dup {
			return 0, false
		}
	}

	if l.count == len(l.ring) {
		l.popOldest()
		l.dropped++
	}
	l.seq++
	idx := (l.head + l.count) % len(l.ring)
	l.ring[idx] = Entry{Seq: l.seq, Topic: topic, Event: ev}
	l.count++
	if ev.ID != "" {
		l.ids[ev.ID] = struct{}{}
	}
	return l.seq, true
}

func (l *Log) popOldest() {
	old := l.ring[l.head]
	delete(l.ids, old.Event.ID)
	l.ring[l.head] = Entry{}
	l.head = (l.head + 1) % len(l.ring)
	l.count--
}

// Subscribe records every envelope published on both security topics.
func (l *Log) Subscribe(bus *pubsub.Bus) (func(), error) {
	handler := func(_ context.Context, env pubsub.Envelope) error {
		l.Insert(env.Topic, env.Event)
		return nil
	}

	var unsubs []func()
	for _, topic := range pubsub.AllTopics() {
		unsub, err := bus.Subscribe(topic, "audit-log", pubsub.SubscriptionConfig{Handler: handler})
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, fmt.Errorf("audit subscribe %s: %w", topic, err)
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// each visits entries newest first until fn returns false. Caller holds mu.
func (l *Log) each(fn func(Entry) bool) {
	for i := l.count - 1; i >= 0; i-- {
		if !fn(l.ring[(l.head+i)%len(l.ring)]) {
			return
		}
	}
}

// GetRecent returns up to limit entries, newest first, skipping offset
// matches. An empty typ matches every event type.
func (l *Log) GetRecent(limit, offset int, typ models.EventType) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	logs := make([]Entry, 0, min(max(limit, 0), l.count))
	if limit <= 0 {
		return logs
	}
	l.each(func(e Entry) bool {
		if typ != "" && e.Event.Type != typ {
			return true
		}
		if offset > 0 {
			offset--
			return true
		}
		logs = append(logs, e)
		return len(logs) < limit
	})
	return logs
}

// GetCount returns the number of retained entries of typ (all when empty).
func (l *Log) GetCount(typ models.EventType) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if typ == "" {
		return l.count
	}
	n := 0
	l.each(func(e Entry) bool {
		if e.Event.Type == typ {
			n++
		}
		return true
	})
	return n
}

// GetByRequestID returns entries correlated to one request, newest first.
func (l *Log) GetByRequestID(requestID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	logs := make([]Entry, 0)
	if requestID == "" {
		return logs
	}
	l.each(func(e Entry) bool {
		if e.Event.RequestID == requestID {
			logs = append(logs, e)
		}
		return true
	})
	return logs
}

// GetByTimeRange returns up to limit entries with start <= timestamp <= end,
// newest first.
func (l *Log) GetByTimeRange(start, end time.Time, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	logs := make([]Entry, 0)
	if limit <= 0 {
		return logs
	}
	l.each(func(e Entry) bool {
		ts := e.Event.Timestamp
		if !ts.Before(start) && !ts.After(end) {
			logs = append(logs, e)
		}
		return len(logs) < limit
	})
	return logs
}

// GetStats aggregates entries with timestamp >= since.
func (l *Log) GetStats(since time.Time) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		ByType:     make(map[models.EventType]int64),
		BySeverity: make(map[models.Severity]int64),
	}
	reasons := make(map[models.ReasonCode]int64)
	l.each(func(e Entry) bool {
		if e.Event.Timestamp.Before(since) {
			return true
		}
		stats.Total++
		stats.ByType[e.Event.Type]++
		stats.BySeverity[e.Event.Severity]++
		stats.EncodedBytes += int64(utils.EstimateEncodedSize(e.Event))
		if e.Event.Reason != models.ReasonNone {
			reasons[e.Event.Reason]++
		}
		return true
	})

	// Ties break on the reason code so the result is deterministic.
	keys := make([]models.ReasonCode, 0, len(reasons))
	for r := range reasons {
		keys = append(keys, r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var best int64
	for _, r := range keys {
		if reasons[r] > best {
			best = reasons[r]
			stats.MostFrequentReason = r
		}
	}
	return stats
}

// Cleanup removes entries older than now-olderThan and returns how many
// were removed. Entries are appended in time order, so removal stops at the
// first entry that is recent enough.
func (l *Log) Cleanup(now time.Time, olderThan time.Duration) int {
	cutoff := now.Add(-olderThan)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for l.count > 0 && l.ring[l.head].Event.Timestamp.Before(cutoff) {
		l.popOldest()
		removed++
	}
	if removed > 0 {
		l.logger.Debug("audit entries expired", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Overwritten returns how many entries were displaced by newer ones.
func (l *Log) Overwritten() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}
