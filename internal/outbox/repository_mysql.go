package outbox

import (
	"database/sql"
	"fmt"
)

// NewMySQLRepository creates an outbox repository on MySQL.
func NewMySQLRepository(db *sql.DB, config *RepositoryConfig) Repository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &sqlRepository{
		db:      db,
		config:  config,
		dialect: mysqlDialect,
	}
}

var mysqlDialect = sqlDialect{
	name: "mysql",
	placeholder: func(int) string {
		return "?"
	},
	// MySQL sorts NULLs first on ASC by default.
	pendingOrder: "message_group, created_at",
	ddl: func(table string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id            VARCHAR(13)  PRIMARY KEY,
					type          VARCHAR(20)  NOT NULL,
					message_group VARCHAR(255),
					payload       TEXT         NOT NULL,
					status        TINYINT      NOT NULL DEFAULT 0,
					retry_count   INT          NOT NULL DEFAULT 0,
					created_at    TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
					updated_at    TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
					error_message TEXT,
					INDEX idx_status_group_created (status, message_group, created_at)
				)`, table),
		}
	},
}
