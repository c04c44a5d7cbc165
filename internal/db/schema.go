package db

import (
	"database/sql"
)

const schemaSQL = `
-- Registered conversations (one per mailbox namespace)
CREATE TABLE IF NOT EXISTS roost_conversations (
  chat_id TEXT PRIMARY KEY,             -- channel-qualified id, e.g. "local:main"
  name TEXT NOT NULL,                   -- display name
  folder TEXT NOT NULL UNIQUE,          -- workspace folder == mailbox namespace
  trigger_word TEXT NOT NULL,           -- e.g. "@Andy"
  requires_trigger INTEGER NOT NULL DEFAULT 1,
  container_config TEXT,                -- JSON: ContainerOverrides
  added_at INTEGER NOT NULL             -- unix ms
);

-- Scheduled tasks
CREATE TABLE IF NOT EXISTS roost_tasks (
  id TEXT PRIMARY KEY,                  -- e.g. "task-a1b2c3d4"
  owner TEXT NOT NULL,                  -- namespace of the owning conversation
  chat_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  schedule_type TEXT NOT NULL,          -- cron, interval, once
  schedule_value TEXT NOT NULL,
  context_mode TEXT NOT NULL DEFAULT 'isolated',
  status TEXT NOT NULL DEFAULT 'active',-- active, paused, completed
  next_run TEXT,                        -- RFC3339 UTC with milliseconds
  last_run TEXT,
  last_result TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_roost_tasks_next_run ON roost_tasks(next_run);
CREATE INDEX IF NOT EXISTS idx_roost_tasks_status ON roost_tasks(status);

-- Task run history
CREATE TABLE IF NOT EXISTS roost_task_run_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  run_at TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  status TEXT NOT NULL,                 -- success, error, timeout
  result TEXT,
  error TEXT
);

CREATE INDEX IF NOT EXISTS idx_roost_task_run_logs_task ON roost_task_run_logs(task_id, run_at);

-- Chat history (inbound and outbound)
CREATE TABLE IF NOT EXISTS roost_messages (
  id TEXT NOT NULL,
  chat_id TEXT NOT NULL,
  sender TEXT NOT NULL,
  sender_name TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  ts INTEGER NOT NULL,                  -- unix ms
  is_from_me INTEGER NOT NULL DEFAULT 0,
  is_bot INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (id, chat_id)
);

CREATE INDEX IF NOT EXISTS idx_roost_messages_chat_ts ON roost_messages(chat_id, ts);
CREATE INDEX IF NOT EXISTS idx_roost_messages_ts ON roost_messages(ts);

-- Resumable agent sessions per namespace
CREATE TABLE IF NOT EXISTS roost_sessions (
  namespace TEXT PRIMARY KEY,
  session_id TEXT NOT NULL
);

-- Router cursors and other small key/value state
CREATE TABLE IF NOT EXISTS roost_router_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

-- Invocation runs for usage statistics
CREATE TABLE IF NOT EXISTS roost_runs (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  namespace TEXT NOT NULL,
  kind TEXT NOT NULL,                   -- messages, task
  started_at INTEGER NOT NULL,          -- unix ms
  duration_ms INTEGER NOT NULL,
  status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_roost_runs_namespace ON roost_runs(namespace, started_at);
`

// DBTX is the subset of *sql.DB and *sql.Tx used by schema setup.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// InitSchema initializes the roost schema.
func InitSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := initSchemaWith(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func initSchemaWith(db DBTX) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	return migrateSchema(db)
}

// SchemaExists reports whether the roost schema is present.
func SchemaExists(db *sql.DB) (bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'roost_conversations'`).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type tableColumn struct {
	Name string
	PK   int
}

func getTableInfo(db DBTX, table string) ([]tableColumn, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []tableColumn
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, tableColumn{Name: name, PK: pk})
	}
	return columns, rows.Err()
}

func hasColumn(columns []tableColumn, name string) bool {
	for _, col := range columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// migrateSchema adds columns introduced after the first release.
func migrateSchema(db DBTX) error {
	taskColumns, err := getTableInfo(db, "roost_tasks")
	if err != nil {
		return err
	}
	if len(taskColumns) > 0 && !hasColumn(taskColumns, "chat_id") {
		if _, err := db.Exec("ALTER TABLE roost_tasks ADD COLUMN chat_id TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	if len(taskColumns) > 0 && !hasColumn(taskColumns, "context_mode") {
		if _, err := db.Exec("ALTER TABLE roost_tasks ADD COLUMN context_mode TEXT NOT NULL DEFAULT 'isolated'"); err != nil {
			return err
		}
	}
	return nil
}
