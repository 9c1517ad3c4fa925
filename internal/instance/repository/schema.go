package repository

import (
	"context"
	"fmt"

	"ctfgate/internal/common/db"
)

// The composite primary key and the host_port unique constraint enforce
// the two registry invariants in the store itself.
const instanceSchema = `
CREATE TABLE IF NOT EXISTS instance_records (
	principal_id  VARCHAR(128) NOT NULL,
	challenge_id  VARCHAR(128) NOT NULL,
	container_ref VARCHAR(128) NOT NULL,
	host_port     INTEGER      NOT NULL,
	created_at    BIGINT       NOT NULL,
	PRIMARY KEY (principal_id, challenge_id),
	CONSTRAINT uk_instance_host_port UNIQUE (host_port)
)`

// Migrate creates the registry table when it is missing.
func Migrate(ctx context.Context, database db.Database) error {
	if database == nil {
		return fmt.Errorf("database is nil")
	}
	if _, err := database.Exec(ctx, instanceSchema); err != nil {
		return fmt.Errorf("create instance_records: %w", err)
	}
	return nil
}
