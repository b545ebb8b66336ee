package taxonomy

import (
	"context"
	"errors"
	"sync"
)

// ErrNodeNotFound is returned when no candidate identifier resolves.
var ErrNodeNotFound = errors.New("taxonomy node not found")

// Store is the read capability the governor needs: indexed node lookup
// across identifier schemes, plus the rule tables.
type Store interface {
	// ResolveAny returns the first node at the level matching any of
	// the candidate identifiers, trying each scheme's index in turn.
	ResolveAny(ctx context.Context, level Level, candidates []Identifier) (*Node, error)
	ListRules(ctx context.Context, kind RuleKind) ([]Rule, error)
}

// MemoryStore is an in-memory Store for tests and seeded deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[Level]map[string]*Node
	byCode  map[Level]map[Scheme]map[string]*Node
	allow   []Rule
	forbid  []Rule
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		byID:   make(map[Level]map[string]*Node),
		byCode: make(map[Level]map[Scheme]map[string]*Node),
	}
	for _, l := range []Level{L1, L2, L3, L4} {
		s.byID[l] = make(map[string]*Node)
		s.byCode[l] = map[Scheme]map[string]*Node{
			SchemeTSIC:  make(map[string]*Node),
			SchemeNAICS: make(map[string]*Node),
		}
	}
	return s
}

// AddNode indexes a node by id and by each external code it carries.
func (s *MemoryStore) AddNode(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := n
	s.byID[n.Level][n.ID] = &node
	for scheme, code := range n.Codes {
		if idx, ok := s.byCode[n.Level][scheme]; ok {
			idx[code] = &node
		}
	}
}

// AddRule appends a rule to the matching table.
func (s *MemoryStore) AddRule(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Kind == RuleForbidden {
		s.forbid = append(s.forbid, r)
	} else {
		s.allow = append(s.allow, r)
	}
}

func (s *MemoryStore) ResolveAny(ctx context.Context, level Level, candidates []Identifier) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range candidates {
		if c.Value == "" {
			continue
		}
		if c.Scheme == SchemeID {
			if n, ok := s.byID[level][c.Value]; ok {
				return n, nil
			}
			continue
		}
		if idx, ok := s.byCode[level][c.Scheme]; ok {
			if n, ok := idx[c.Value]; ok {
				return n, nil
			}
		}
	}
	return nil, ErrNodeNotFound
}

func (s *MemoryStore) ListRules(ctx context.Context, kind RuleKind) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == RuleForbidden {
		return append([]Rule(nil), s.forbid...), nil
	}
	return append([]Rule(nil), s.allow...), nil
}
