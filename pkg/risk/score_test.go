package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanBoundRequesterIsLowRisk(t *testing.T) {
	s := NewThresholdScorer()
	sig := Signal{Identity: "user:42", Bound: true, Command: "refund"}
	assert.Less(t, s.Score(sig), 0.5)
	assert.False(t, s.ShouldBlock(sig))
}

func TestUnboundRepeatViolatorBlocks(t *testing.T) {
	s := NewThresholdScorer()
	sig := Signal{
		Identity:         "telegram:99887",
		Bound:            false,
		Command:          "refund",
		RecentViolations: 6,
		PendingRequests:  4,
	}
	assert.GreaterOrEqual(t, s.Score(sig), s.BlockThreshold)
	assert.True(t, s.ShouldBlock(sig))
}

func TestScoreIsCapped(t *testing.T) {
	s := NewThresholdScorer()
	sig := Signal{RecentViolations: 100, PendingRequests: 100}
	assert.LessOrEqual(t, s.Score(sig), 1.0)
}

func TestCustomThreshold(t *testing.T) {
	s := &ThresholdScorer{BlockThreshold: 0.2}
	assert.True(t, s.ShouldBlock(Signal{Bound: false}))
}
