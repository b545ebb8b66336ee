// Package taxonomy models the four-level industry/process hierarchy
// (L1 category → L2 subcategory → L3 process → L4 leaf action) and the
// allow/forbidden path rule tables. Nodes and rules are managed by an
// external administration process; this package only reads them.
package taxonomy

import "fmt"

// Level is the depth of a node in the hierarchy.
type Level int

const (
	L1 Level = 1
	L2 Level = 2
	L3 Level = 3
	L4 Level = 4
)

func (l Level) String() string { return fmt.Sprintf("L%d", int(l)) }

// Scheme names an identifier namespace. The same node may be addressed
// by its internal id or by an external industry code.
type Scheme string

const (
	SchemeID    Scheme = "id"
	SchemeTSIC  Scheme = "tsic"
	SchemeNAICS Scheme = "naics"
)

// Identifier is one (scheme, value) candidate for node resolution.
type Identifier struct {
	Scheme Scheme
	Value  string
}

// Candidates expands a raw value into one Identifier per known scheme,
// for callers that do not know which namespace a value belongs to.
func Candidates(value string) []Identifier {
	return []Identifier{
		{Scheme: SchemeID, Value: value},
		{Scheme: SchemeTSIC, Value: value},
		{Scheme: SchemeNAICS, Value: value},
	}
}

// Node is one taxonomy entry. ParentID references the node one level
// up; it is empty only for L1 nodes.
type Node struct {
	ID       string
	Level    Level
	ParentID string
	Code     string
	Name     string
	// Codes holds the external identifiers per scheme, e.g. tsic, naics.
	Codes map[Scheme]string
}

// Path is a requested L1→L4 traversal with raw identifier values, as
// supplied by the caller before resolution.
type Path struct {
	L1 string
	L2 string
	L3 string
	L4 string
}

// Complete reports whether all four levels are present.
func (p Path) Complete() bool {
	return p.L1 != "" && p.L2 != "" && p.L3 != "" && p.L4 != ""
}

// At returns the raw value for a level.
func (p Path) At(level Level) string {
	switch level {
	case L1:
		return p.L1
	case L2:
		return p.L2
	case L3:
		return p.L3
	case L4:
		return p.L4
	}
	return ""
}

func (p Path) String() string {
	return fmt.Sprintf("%s→%s→%s→%s", p.L1, p.L2, p.L3, p.L4)
}

// RuleKind separates allow rules from forbidden rules.
type RuleKind string

const (
	RuleAllow     RuleKind = "allow"
	RuleForbidden RuleKind = "forbidden"
)

// Rule matches a resolved path by node id. Empty trailing levels make
// the rule a prefix match: a rule with only L1 and L2 set covers every
// path underneath that subcategory. Condition, when set, is a CEL
// expression that must also hold for the rule to apply.
type Rule struct {
	ID        string
	Kind      RuleKind
	L1        string
	L2        string
	L3        string
	L4        string
	Condition string
	Reason    string
}

// MatchesIDs reports whether the rule covers the path given as resolved
// node ids, exact or by prefix.
func (r Rule) MatchesIDs(l1, l2, l3, l4 string) bool {
	levels := [4][2]string{{r.L1, l1}, {r.L2, l2}, {r.L3, l3}, {r.L4, l4}}
	for _, pair := range levels {
		if pair[0] == "" {
			return true // prefix rule: remaining levels unconstrained
		}
		if pair[0] != pair[1] {
			return false
		}
	}
	return true
}
