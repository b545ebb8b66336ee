// Package audit implements the append-only decision trail with content
// addressing and hash chaining. Entries are never updated or deleted.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Outcome is the terminal result of one governance decision.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeDenied   Outcome = "denied"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeQueued   Outcome = "queued"
	OutcomeRejected Outcome = "rejected"
)

// Severity grades an entry for violation review. Halted path verdicts
// and blocked outcomes are suspicious-by-default and carry SeverityWarn
// or above.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Record is the caller-supplied portion of an audit entry.
type Record struct {
	Identity       string  `json:"identity"`
	Platform       string  `json:"platform,omitempty"`
	Command        string  `json:"command,omitempty"`
	PathVerdict    string  `json:"path_verdict,omitempty"`
	ApprovalStatus string  `json:"approval_status,omitempty"`
	Outcome        Outcome `json:"outcome"`
	Severity       Severity `json:"severity,omitempty"`
	Detail         string  `json:"detail,omitempty"`
}

// Entry is one immutable row of the trail.
type Entry struct {
	EventID   string    `json:"event_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Record

	PayloadHash  string `json:"payload_hash"`
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// Log is an append-only audit log with hash chaining.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

func NewLog() *Log {
	return &Log{
		byID:      make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append records one decision. The payload hash is computed over the
// RFC 8785 canonical form of the record so re-serialization cannot
// change it.
func (l *Log) Append(rec Record) (*Entry, error) {
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serialize audit record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := &Entry{
		EventID:      uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UTC(),
		Record:       rec,
		PayloadHash:  hashBytes(canonical),
		PreviousHash: l.chainHead,
	}
	entryHash, err := computeEntryHash(entry)
	if err != nil {
		l.sequence--
		return nil, err
	}
	entry.EntryHash = entryHash
	l.chainHead = entryHash

	l.entries = append(l.entries, entry)
	l.byID[entry.EventID] = entry
	return entry, nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

func computeEntryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.PayloadHash, e.PreviousHash}

	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	return hashBytes(data), nil
}

// Get retrieves an entry by event id.
func (l *Log) Get(eventID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[eventID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Size returns the number of entries.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter selects entries for Query and ExportBundle.
type Filter struct {
	Identity    string
	Command     string
	Outcome     Outcome
	MinSeverity Severity
	Since       *time.Time
	MaxResults  int
}

func severityRank(s Severity) int {
	switch s {
	case SeverityWarn:
		return 1
	case SeverityError:
		return 2
	default:
		return 0
	}
}

func (f Filter) matches(e *Entry) bool {
	if f.Identity != "" && e.Identity != f.Identity {
		return false
	}
	if f.Command != "" && e.Command != f.Command {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.MinSeverity != "" && severityRank(e.Severity) < severityRank(f.MinSeverity) {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// Query returns entries matching the filter, oldest first.
func (l *Log) Query(f Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range l.entries {
		if f.matches(e) {
			out = append(out, e)
			if f.MaxResults > 0 && len(out) >= f.MaxResults {
				break
			}
		}
	}
	return out
}

// Violations returns the most recent warn-or-worse entries, newest
// first, for operator review of halted and blocked decisions.
func (l *Log) Violations(limit int) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Entry, 0, limit)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if severityRank(e.Severity) >= severityRank(SeverityWarn) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// VerifyChain recomputes every hash and checks chain continuity.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	for i, e := range l.entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d previous_hash %s, expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}
