// Package risk scores queued command requests so the approval queue can
// block obviously fraudulent traffic without waiting for a human.
package risk

import "strings"

// Signal is the per-request evidence a scorer works from. The pipeline
// fills in what it knows; zero values are neutral.
type Signal struct {
	// Identity is the resolved identity key of the requester.
	Identity string
	// Bound reports whether the requester has a verified binding.
	Bound bool
	// Command and Args describe what was requested.
	Command string
	Args    map[string]string
	// RecentViolations counts warn-or-worse audit entries for this
	// identity within the scorer's observation window.
	RecentViolations int
	// PendingRequests counts requests this identity already has queued.
	PendingRequests int
}

// Scorer turns a signal into a score in [0, 1]. Higher is riskier.
type Scorer interface {
	Score(sig Signal) float64
}

// ThresholdScorer is a fixed-weight scorer with a block threshold.
// It is deliberately simple; anything smarter lives outside this module
// and plugs in through the Scorer interface.
type ThresholdScorer struct {
	// BlockThreshold is the score at or above which ShouldBlock fires.
	BlockThreshold float64
}

// NewThresholdScorer returns a scorer with the default 0.8 threshold.
func NewThresholdScorer() *ThresholdScorer {
	return &ThresholdScorer{BlockThreshold: 0.8}
}

// Score weights unbound identities, repeat violators and queue flooding.
func (s *ThresholdScorer) Score(sig Signal) float64 {
	score := 0.0
	if !sig.Bound {
		score += 0.3
	}
	switch {
	case sig.RecentViolations >= 5:
		score += 0.5
	case sig.RecentViolations >= 2:
		score += 0.3
	case sig.RecentViolations == 1:
		score += 0.1
	}
	if sig.PendingRequests >= 3 {
		score += 0.3
	}
	if strings.TrimSpace(sig.Identity) == "" {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

// ShouldBlock reports whether the signal scores at or above the block
// threshold.
func (s *ThresholdScorer) ShouldBlock(sig Signal) bool {
	return s.Score(sig) >= s.BlockThreshold
}
