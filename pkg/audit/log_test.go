package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendChainsEntries(t *testing.T) {
	l := NewLog()

	first, err := l.Append(Record{Identity: "user-1", Command: "/status", Outcome: OutcomeExecuted})
	require.NoError(t, err)
	second, err := l.Append(Record{Identity: "user-1", Command: "/scan", Outcome: OutcomeDenied})
	require.NoError(t, err)

	assert.Equal(t, "genesis", first.PreviousHash)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, SeverityInfo, first.Severity)
	require.NoError(t, l.VerifyChain())
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l := NewLog()
	_, err := l.Append(Record{Identity: "u", Outcome: OutcomeExecuted})
	require.NoError(t, err)
	_, err = l.Append(Record{Identity: "u", Outcome: OutcomeDenied})
	require.NoError(t, err)

	l.entries[0].PayloadHash = "sha256:forged"
	assert.ErrorIs(t, l.VerifyChain(), ErrChainBroken)
}

func TestQueryAndViolations(t *testing.T) {
	l := NewLog()
	mustAppend(t, l, Record{Identity: "a", Command: "/status", Outcome: OutcomeExecuted})
	mustAppend(t, l, Record{Identity: "b", Command: "/path", Outcome: OutcomeDenied,
		PathVerdict: "halted", Severity: SeverityWarn})
	mustAppend(t, l, Record{Identity: "b", Command: "/refund", Outcome: OutcomeBlocked,
		Severity: SeverityWarn})

	byIdentity := l.Query(Filter{Identity: "b"})
	assert.Len(t, byIdentity, 2)

	violations := l.Violations(10)
	require.Len(t, violations, 2)
	// Newest first.
	assert.Equal(t, OutcomeBlocked, violations[0].Outcome)
	assert.Equal(t, "halted", violations[1].PathVerdict)

	assert.Len(t, l.Violations(1), 1)
	assert.Len(t, l.Query(Filter{Outcome: OutcomeExecuted}), 1)
}

func TestExportBundleRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLog().WithClock(func() time.Time { return now })
	mustAppend(t, l, Record{Identity: "a", Outcome: OutcomeQueued})
	mustAppend(t, l, Record{Identity: "a", Outcome: OutcomeExecuted})

	b, err := l.ExportBundle(Filter{Identity: "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, b.EntryCount)
	assert.Equal(t, uint64(1), b.StartSeq)
	assert.Equal(t, uint64(2), b.EndSeq)
	require.NoError(t, VerifyBundle(b))

	b.Entries[1].PreviousHash = "sha256:forged"
	assert.Error(t, VerifyBundle(b))
}

func TestExportBundleEmptyFilter(t *testing.T) {
	l := NewLog()
	_, err := l.ExportBundle(Filter{Identity: "nobody"})
	assert.Error(t, err)
}

func mustAppend(t *testing.T, l *Log, r Record) {
	t.Helper()
	_, err := l.Append(r)
	require.NoError(t, err)
}
