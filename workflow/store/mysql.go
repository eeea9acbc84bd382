package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// MySQLStore is a Store backed by MySQL or MariaDB.
//
// Use it when several agentflow processes share workflows and execution
// history. Connections are pooled.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects using dsn and migrates the schema.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param=value]
//
// for example "agentflow:secret@tcp(localhost:3306)/agentflow". Read the DSN
// from configuration or the environment, never from source.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore: &sqlStore{db: db, isDuplicate: isMySQLDuplicate}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	workflowsTable := `
		CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			code VARCHAR(128) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			definition MEDIUMTEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY unique_code (code),
			INDEX idx_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, workflowsTable); err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}

	executionsTable := `
		CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(128) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			input MEDIUMTEXT NOT NULL,
			output MEDIUMTEXT NOT NULL,
			error_message TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NULL,
			INDEX idx_workflow_started (workflow_id, started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, executionsTable); err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}

	recommendationsTable := `
		CREATE TABLE IF NOT EXISTS recommendations (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			prompt TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			outfit_id VARCHAR(64) NOT NULL DEFAULT '',
			fail_reason TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY unique_execution (execution_id),
			INDEX idx_user_created (user_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, recommendationsTable); err != nil {
		return fmt.Errorf("failed to create recommendations table: %w", err)
	}
	return nil
}

func isMySQLDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
