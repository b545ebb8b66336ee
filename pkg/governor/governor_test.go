package governor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seobaike/remotegate/pkg/audit"
	"github.com/seobaike/remotegate/pkg/taxonomy"
)

// seedStore builds manufacturing → machining → cnc-milling → spindle-swap
// with external code aliases on L1.
func seedStore() *taxonomy.MemoryStore {
	s := taxonomy.NewMemoryStore()
	s.AddNode(taxonomy.Node{ID: "c1", Level: taxonomy.L1, Code: "A01", Name: "manufacturing",
		Codes: map[taxonomy.Scheme]string{taxonomy.SchemeTSIC: "C25", taxonomy.SchemeNAICS: "332"}})
	s.AddNode(taxonomy.Node{ID: "c2", Level: taxonomy.L1, Code: "B01", Name: "finance"})
	s.AddNode(taxonomy.Node{ID: "s1", Level: taxonomy.L2, ParentID: "c1", Code: "A01-1", Name: "machining"})
	s.AddNode(taxonomy.Node{ID: "s2", Level: taxonomy.L2, ParentID: "c2", Code: "B01-1", Name: "lending"})
	s.AddNode(taxonomy.Node{ID: "p1", Level: taxonomy.L3, ParentID: "s1", Code: "A01-1-1", Name: "cnc-milling"})
	s.AddNode(taxonomy.Node{ID: "n1", Level: taxonomy.L4, ParentID: "p1", Code: "A01-1-1-1", Name: "spindle-swap"})
	return s
}

func newGovernor(t *testing.T, s *taxonomy.MemoryStore) (*Governor, *audit.Log) {
	t.Helper()
	trail := audit.NewLog()
	g, err := New(s, trail, nil)
	require.NoError(t, err)
	return g, trail
}

func TestAllowedPath(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{ID: "allow-1", Kind: taxonomy.RuleAllow, L1: "c1"})
	g, trail := newGovernor(t, s)

	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s1", L3: "p1", L4: "n1"}, "user-1")
	assert.Equal(t, StatusAllowed, v.Status)
	assert.Equal(t, "allow-1", v.MatchedRuleID)
	assert.NotEmpty(t, v.CheckID)
	assert.Equal(t, 1, trail.Size())
}

func TestExternalCodeResolution(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{ID: "allow-1", Kind: taxonomy.RuleAllow, L1: "c1"})
	g, _ := newGovernor(t, s)

	// L1 addressed by its NAICS code instead of the internal id.
	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "332", L2: "s1", L3: "p1", L4: "n1"}, "user-1")
	assert.Equal(t, StatusAllowed, v.Status)
}

func TestDefaultDeny(t *testing.T) {
	g, trail := newGovernor(t, seedStore())

	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s1", L3: "p1", L4: "n1"}, "user-1")
	assert.Equal(t, StatusDenied, v.Status)
	entries := trail.Query(audit.Filter{Outcome: audit.OutcomeDenied})
	require.Len(t, entries, 1)
	assert.Equal(t, "denied", entries[0].PathVerdict)
}

func TestIncompletePathDenied(t *testing.T) {
	g, _ := newGovernor(t, seedStore())

	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s1"}, "user-1")
	assert.Equal(t, StatusDenied, v.Status)
}

func TestUnknownNodeDenied(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{ID: "allow-1", Kind: taxonomy.RuleAllow})
	g, _ := newGovernor(t, s)

	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s1", L3: "ghost", L4: "n1"}, "user-1")
	assert.Equal(t, StatusDenied, v.Status)
}

func TestDriftIsHaltedNotDenied(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{ID: "allow-1", Kind: taxonomy.RuleAllow})
	g, trail := newGovernor(t, s)

	// s2 exists but belongs to finance (c2), not manufacturing (c1).
	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s2", L3: "p1", L4: "n1"}, "user-1")
	require.Equal(t, StatusHalted, v.Status)
	assert.Equal(t, taxonomy.L2, v.DriftLevel)

	violations := trail.Violations(10)
	require.Len(t, violations, 1)
	assert.Equal(t, audit.SeverityWarn, violations[0].Severity)
	assert.Equal(t, "halted", violations[0].PathVerdict)
}

func TestForbiddenBeatsAllow(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{ID: "allow-1", Kind: taxonomy.RuleAllow, L1: "c1"})
	s.AddRule(taxonomy.Rule{ID: "deny-1", Kind: taxonomy.RuleForbidden, L1: "c1", L2: "s1", Reason: "restricted process"})
	g, trail := newGovernor(t, s)

	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s1", L3: "p1", L4: "n1"}, "user-1")
	require.Equal(t, StatusBlocked, v.Status)
	assert.Equal(t, "deny-1", v.MatchedRuleID)
	assert.Equal(t, "restricted process", v.Reason)

	entries := trail.Query(audit.Filter{Outcome: audit.OutcomeBlocked})
	assert.Len(t, entries, 1)
}

func TestRuleConditions(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{
		ID: "allow-cond", Kind: taxonomy.RuleAllow, L1: "c1",
		Condition: `input.l4.name == "spindle-swap"`,
	})
	g, _ := newGovernor(t, s)
	path := taxonomy.Path{L1: "c1", L2: "s1", L3: "p1", L4: "n1"}

	v := g.CheckPath(context.Background(), path, "user-1")
	assert.Equal(t, StatusAllowed, v.Status)
}

func TestAllowConditionErrorCannotGrant(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{
		ID: "allow-broken", Kind: taxonomy.RuleAllow, L1: "c1",
		Condition: `input.l4.name ==`, // malformed on purpose
	})
	g, _ := newGovernor(t, s)

	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s1", L3: "p1", L4: "n1"}, "user-1")
	assert.Equal(t, StatusDenied, v.Status)
}

func TestForbiddenConditionErrorFailsClosed(t *testing.T) {
	s := seedStore()
	s.AddRule(taxonomy.Rule{ID: "allow-1", Kind: taxonomy.RuleAllow, L1: "c1"})
	s.AddRule(taxonomy.Rule{
		ID: "deny-broken", Kind: taxonomy.RuleForbidden, L1: "c1",
		Condition: `input.l4.name ==`, // malformed on purpose
	})
	g, _ := newGovernor(t, s)

	v := g.CheckPath(context.Background(), taxonomy.Path{L1: "c1", L2: "s1", L3: "p1", L4: "n1"}, "user-1")
	assert.Equal(t, StatusBlocked, v.Status)
}
