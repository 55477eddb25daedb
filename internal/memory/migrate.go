package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in
// schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: agents, conversations, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT DEFAULT '',
			role          TEXT NOT NULL,
			model         TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			personality   TEXT DEFAULT '{}',
			settings      TEXT DEFAULT '{}',
			capabilities  TEXT DEFAULT '{}',
			channels      TEXT DEFAULT '{}',
			status        TEXT NOT NULL DEFAULT 'active',
			last_error    TEXT DEFAULT '',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			channel        TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			metadata       TEXT DEFAULT '{}',
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(channel, participant_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			channel         TEXT NOT NULL,
			type            TEXT NOT NULL,
			origin          TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			sender_name     TEXT DEFAULT '',
			recipient_id    TEXT DEFAULT '',
			agent_id        TEXT DEFAULT '',
			status          TEXT NOT NULL,
			text            TEXT DEFAULT '',
			payload         TEXT DEFAULT '',
			created_at      DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq);
		`,
	},
	{
		Version:     2,
		Description: "v2: delivery tracking by platform message id",
		SQL: `
		ALTER TABLE messages ADD COLUMN external_id TEXT DEFAULT '';
		ALTER TABLE messages ADD COLUMN delivery_error TEXT DEFAULT '';
		ALTER TABLE messages ADD COLUMN status_updated_at DATETIME;
		CREATE INDEX IF NOT EXISTS idx_messages_external ON messages(channel, external_id);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m); err != nil {
			// A partially upgraded database may already carry some of the
			// columns; fall back to one statement at a time.
			logger.Warn("migration failed as a batch, retrying per statement", "version", m.Version, "err", err)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	if _, err := tx.Exec(m.SQL); err != nil {
		tx.Rollback()
		return err
	}
	if err := recordVersion(tx, m); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// applyMigrationStatements runs each statement on its own, skipping the ones
// that fail because their effect is already present.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement already applied", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	return recordVersion(db, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func recordVersion(db execer, m migration) error {
	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
