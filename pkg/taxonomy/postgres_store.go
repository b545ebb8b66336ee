package taxonomy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore reads the taxonomy tables maintained by the external
// administration process. One table per level, plus two rule tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var levelTables = map[Level]string{
	L1: "l1_categories",
	L2: "l2_subcategories",
	L3: "l3_processes",
	L4: "l4_nodes",
}

var schemeColumns = map[Scheme]string{
	SchemeID:    "id",
	SchemeTSIC:  "tsic_code",
	SchemeNAICS: "naics_code",
}

// ResolveAny looks the node up by each candidate scheme's column until
// one matches. Per-scheme indexed lookups, not a dynamic OR string.
func (s *PostgresStore) ResolveAny(ctx context.Context, level Level, candidates []Identifier) (*Node, error) {
	table, ok := levelTables[level]
	if !ok {
		return nil, fmt.Errorf("invalid taxonomy level %d", int(level))
	}
	parentCol := "parent_id"
	if level == L1 {
		parentCol = "''"
	}

	for _, c := range candidates {
		col, ok := schemeColumns[c.Scheme]
		if !ok || c.Value == "" {
			continue
		}
		//nolint:gosec // table and column names come from fixed maps above
		q := fmt.Sprintf(
			`SELECT id, %s, code, name, COALESCE(tsic_code, ''), COALESCE(naics_code, '')
			 FROM %s WHERE %s = $1 AND is_active = TRUE LIMIT 1`,
			parentCol, table, col)

		var n Node
		var tsic, naics string
		err := s.db.QueryRowContext(ctx, q, c.Value).
			Scan(&n.ID, &n.ParentID, &n.Code, &n.Name, &tsic, &naics)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("taxonomy lookup %s: %w", table, err)
		}
		n.Level = level
		n.Codes = map[Scheme]string{}
		if tsic != "" {
			n.Codes[SchemeTSIC] = tsic
		}
		if naics != "" {
			n.Codes[SchemeNAICS] = naics
		}
		return &n, nil
	}
	return nil, ErrNodeNotFound
}

// ListRules reads the active rows of one rule table.
func (s *PostgresStore) ListRules(ctx context.Context, kind RuleKind) ([]Rule, error) {
	table := "allowed_inference_paths"
	if kind == RuleForbidden {
		table = "forbidden_inference_paths"
	}
	//nolint:gosec // table name chosen from the two constants above
	q := fmt.Sprintf(
		`SELECT id, COALESCE(l1_id, ''), COALESCE(l2_id, ''), COALESCE(l3_id, ''),
		        COALESCE(l4_id, ''), COALESCE(condition, ''), COALESCE(reason, '')
		 FROM %s WHERE is_active = TRUE`, table)

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list %s rules: %w", kind, err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r := Rule{Kind: kind}
		if err := rows.Scan(&r.ID, &r.L1, &r.L2, &r.L3, &r.L4, &r.Condition, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan %s rule: %w", kind, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
