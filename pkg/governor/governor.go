// Package governor validates requested taxonomy paths against the
// allow/forbidden rule tables. Policy is default-deny: absence of an
// explicit allow rule is a denial, and forbidden rules always win.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seobaike/remotegate/pkg/audit"
	"github.com/seobaike/remotegate/pkg/taxonomy"
)

// Status is the outcome of a path check.
type Status string

const (
	// StatusAllowed: the path resolved consistently and an allow rule
	// matched with no forbidden rule in the way.
	StatusAllowed Status = "allowed"
	// StatusDenied: a level is missing, a node was not found, or no
	// allow rule matched.
	StatusDenied Status = "denied"
	// StatusHalted: every level resolves individually but a parent
	// pointer diverges — an internally inconsistent path, distinct
	// from "not found" and flagged for operator review.
	StatusHalted Status = "halted"
	// StatusBlocked: an explicit forbidden rule matched.
	StatusBlocked Status = "blocked"
)

// Verdict is the result of evaluating one path.
type Verdict struct {
	Status        Status
	Reason        string
	MatchedRuleID string
	// DriftLevel is the level at which the parent relationship broke,
	// set only for StatusHalted.
	DriftLevel taxonomy.Level
	CheckID    string
}

// Governor checks paths level by level and records every verdict in the
// audit trail, halted ones at warn severity.
type Governor struct {
	store   taxonomy.Store
	trail   *audit.Log
	rules   *ruleEvaluator
	timeout time.Duration
	logger  *slog.Logger
}

func New(store taxonomy.Store, trail *audit.Log, logger *slog.Logger) (*Governor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := newRuleEvaluator()
	if err != nil {
		return nil, err
	}
	return &Governor{
		store:   store,
		trail:   trail,
		rules:   rules,
		timeout: 5 * time.Second,
		logger:  logger,
	}, nil
}

// CheckPath evaluates one L1→L4 path for the given actor. It never
// returns an error: store failures and timeouts fail closed to denied.
func (g *Governor) CheckPath(ctx context.Context, path taxonomy.Path, actor string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	v := g.evaluate(ctx, path)
	v.CheckID = uuid.New().String()
	g.record(actor, path, v)
	return v
}

func (g *Governor) evaluate(ctx context.Context, path taxonomy.Path) Verdict {
	if !path.Complete() {
		return Verdict{Status: StatusDenied, Reason: "path incomplete: all four levels are required"}
	}

	// Resolve level by level, carrying the required parent forward.
	var nodes [4]*taxonomy.Node
	parentID := ""
	for i, level := range []taxonomy.Level{taxonomy.L1, taxonomy.L2, taxonomy.L3, taxonomy.L4} {
		node, err := g.store.ResolveAny(ctx, level, taxonomy.Candidates(path.At(level)))
		if err != nil {
			if errors.Is(err, taxonomy.ErrNodeNotFound) {
				return Verdict{
					Status: StatusDenied,
					Reason: fmt.Sprintf("%s %q not found", level, path.At(level)),
				}
			}
			g.logger.Error("taxonomy lookup failed, path denied", "level", level.String(), "error", err)
			return Verdict{Status: StatusDenied, Reason: "taxonomy unavailable"}
		}
		if level != taxonomy.L1 && node.ParentID != parentID {
			return Verdict{
				Status:     StatusHalted,
				DriftLevel: level,
				Reason: fmt.Sprintf("%s %q is not under the resolved %s parent",
					level, path.At(level), taxonomy.Level(int(level)-1)),
			}
		}
		nodes[i] = node
		parentID = node.ID
	}

	input := conditionInput(nodes)

	// Forbidden rules are checked first and always win.
	forbidden, err := g.store.ListRules(ctx, taxonomy.RuleForbidden)
	if err != nil {
		g.logger.Error("forbidden rules unavailable, path denied", "error", err)
		return Verdict{Status: StatusDenied, Reason: "policy unavailable"}
	}
	for _, r := range forbidden {
		if !r.MatchesIDs(nodes[0].ID, nodes[1].ID, nodes[2].ID, nodes[3].ID) {
			continue
		}
		if r.Condition != "" {
			ok, err := g.rules.eval(r.Condition, input)
			if err != nil {
				// A broken forbidden condition fails closed.
				g.logger.Error("forbidden rule condition error, treating as matched",
					"rule", r.ID, "error", err)
			} else if !ok {
				continue
			}
		}
		return Verdict{Status: StatusBlocked, MatchedRuleID: r.ID, Reason: r.Reason}
	}

	allowed, err := g.store.ListRules(ctx, taxonomy.RuleAllow)
	if err != nil {
		g.logger.Error("allow rules unavailable, path denied", "error", err)
		return Verdict{Status: StatusDenied, Reason: "policy unavailable"}
	}
	for _, r := range allowed {
		if !r.MatchesIDs(nodes[0].ID, nodes[1].ID, nodes[2].ID, nodes[3].ID) {
			continue
		}
		if r.Condition != "" {
			ok, err := g.rules.eval(r.Condition, input)
			if err != nil {
				// A broken allow condition cannot grant access.
				g.logger.Error("allow rule condition error, rule skipped",
					"rule", r.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		return Verdict{Status: StatusAllowed, MatchedRuleID: r.ID}
	}

	return Verdict{Status: StatusDenied, Reason: "no allow rule matches this path"}
}

func conditionInput(nodes [4]*taxonomy.Node) map[string]any {
	m := map[string]any{"now": time.Now().Unix()}
	for i, key := range []string{"l1", "l2", "l3", "l4"} {
		m[key] = map[string]any{
			"id":   nodes[i].ID,
			"code": nodes[i].Code,
			"name": nodes[i].Name,
		}
	}
	return m
}

// record writes the single audit entry every invocation produces.
// Allowed checks carry no terminal outcome; the dispatcher records the
// pipeline's own outcome separately.
func (g *Governor) record(actor string, path taxonomy.Path, v Verdict) {
	if g.trail == nil {
		return
	}
	rec := audit.Record{
		Identity:    actor,
		Command:     "path-check",
		PathVerdict: string(v.Status),
		Detail:      fmt.Sprintf("path %s: %s", path.String(), v.Reason),
	}
	switch v.Status {
	case StatusBlocked:
		rec.Outcome = audit.OutcomeBlocked
		rec.Severity = audit.SeverityWarn
	case StatusHalted:
		rec.Outcome = audit.OutcomeDenied
		rec.Severity = audit.SeverityWarn
		rec.Detail = fmt.Sprintf("path %s: drift at %s: %s", path.String(), v.DriftLevel, v.Reason)
	case StatusDenied:
		rec.Outcome = audit.OutcomeDenied
	}
	if _, err := g.trail.Append(rec); err != nil {
		g.logger.Error("audit append failed for path check", "error", err)
	}
}
