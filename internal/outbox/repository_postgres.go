package outbox

import (
	"database/sql"
	"fmt"
)

// NewPostgresRepository creates an outbox repository on PostgreSQL.
// The caller supplies the *sql.DB; the linked driver is the deployment's
// choice.
func NewPostgresRepository(db *sql.DB, config *RepositoryConfig) Repository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &sqlRepository{
		db:      db,
		config:  config,
		dialect: postgresDialect,
	}
}

var postgresDialect = sqlDialect{
	name: "postgres",
	placeholder: func(n int) string {
		return fmt.Sprintf("$%d", n)
	},
	// Postgres sorts NULLs last on ASC by default.
	pendingOrder: "message_group NULLS FIRST, created_at",
	ddl: func(table string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id            VARCHAR(13)  PRIMARY KEY,
					type          VARCHAR(20)  NOT NULL,
					message_group VARCHAR(255),
					payload       TEXT         NOT NULL,
					status        SMALLINT     NOT NULL DEFAULT 0,
					retry_count   INT          NOT NULL DEFAULT 0,
					created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
					updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
					error_message TEXT
				)`, table),
			fmt.Sprintf(`
				CREATE INDEX IF NOT EXISTS idx_%s_status_group_created
				ON %s (status, message_group, created_at)`, table, table),
		}
	},
}
