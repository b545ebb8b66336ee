package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresBindingStore reads verified bindings from PostgreSQL.
// The table is owned by the binding flow; this store never writes.
type PostgresBindingStore struct {
	db *sql.DB
}

func NewPostgresBindingStore(db *sql.DB) *PostgresBindingStore {
	return &PostgresBindingStore{db: db}
}

const bindingSchema = `
CREATE TABLE IF NOT EXISTS command_bindings (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	permission_level TEXT NOT NULL DEFAULT 'user',
	display_name TEXT,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL DEFAULT NOW(),
	UNIQUE (platform, platform_user_id)
);
`

// Init creates the schema when the binding flow has not provisioned it.
func (s *PostgresBindingStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, bindingSchema)
	return err
}

// FindBinding returns the verified binding for the account, or nil when
// no row exists.
func (s *PostgresBindingStore) FindBinding(ctx context.Context, platform Platform, platformUserID string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, permission_level, COALESCE(display_name, '')
		 FROM command_bindings
		 WHERE platform = $1 AND platform_user_id = $2 AND is_verified = TRUE
		 LIMIT 1`,
		string(platform), platformUserID)

	var b Binding
	var level string
	if err := row.Scan(&b.ID, &b.InternalUserID, &level, &b.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("binding lookup: %w", err)
	}
	b.Platform = platform
	b.PlatformUserID = platformUserID
	b.Level = ParseLevel(level)
	return &b, nil
}
