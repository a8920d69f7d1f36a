package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// migration is one additive step. Steps must tolerate being re-applied
// against a database that already has them (§4.1: "migrations ... must
// be idempotent and tolerate prior versions of the schema").
type migration struct {
	name string
	run  func(ctx context.Context, tx *sql.Tx) error
}

// RunMigrations applies every migration in order, each inside its own
// transaction, mirroring the teacher's RunMigrations/createXTable list.
func RunMigrations(ctx context.Context, db *DB, log *logrus.Logger) error {
	migrations := []migration{
		{"create_instances_table", createInstancesTable},
		{"create_allocated_ports_table", createAllocatedPortsTable},
		{"create_ollama_models_table", createOllamaModelsTable},
		{"create_settings_table", createSettingsTable},
		{"add_instances_running_hint_column", addInstancesRunningHintColumn},
		{"relax_ollama_port_uniqueness", relaxOllamaPortUniqueness},
	}

	for i, m := range migrations {
		log.WithFields(logrus.Fields{"step": i + 1, "total": len(migrations), "name": m.name}).
			Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", m.name, err)
		}
		if err := m.run(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", m.name, err)
		}
	}

	log.Info("all migrations completed successfully")
	return nil
}

func createInstancesTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS instances (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	name          TEXT NOT NULL,
	hostname      TEXT NOT NULL DEFAULT '',
	port          INTEGER,
	container_id  TEXT,
	status        TEXT NOT NULL DEFAULT 'creating',
	api_key_hash  TEXT,
	require_auth  INTEGER NOT NULL DEFAULT 0,
	gpu_id        TEXT,
	config        TEXT NOT NULL DEFAULT '{}',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_kind ON instances(kind);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_port ON instances(port) WHERE port IS NOT NULL AND status != 'removed';
`)
	return err
}

func createAllocatedPortsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS allocated_ports (
	port         INTEGER PRIMARY KEY,
	instance_id  TEXT NOT NULL,
	allocated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_allocated_ports_instance_id ON allocated_ports(instance_id);
`)
	return err
}

func createOllamaModelsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS ollama_models (
	id           TEXT PRIMARY KEY,
	instance_id  TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'downloading',
	size         INTEGER NOT NULL DEFAULT 0,
	digest       TEXT NOT NULL DEFAULT '',
	modified_at  TIMESTAMP,
	UNIQUE(instance_id, name)
);
CREATE INDEX IF NOT EXISTS idx_ollama_models_instance_id ON ollama_models(instance_id);
`)
	return err
}

func createSettingsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`)
	return err
}

// addInstancesRunningHintColumn demonstrates the additive-ALTER path the
// spec calls out (§4.1): SQLite has no "ADD COLUMN IF NOT EXISTS", so
// check pragma table_info first, the way a pre-upgrade database must be
// tolerated.
func addInstancesRunningHintColumn(ctx context.Context, tx *sql.Tx) error {
	exists, err := columnExists(ctx, tx, "instances", "last_seen_running")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, `ALTER TABLE instances ADD COLUMN last_seen_running INTEGER NOT NULL DEFAULT 0`)
	return err
}

// relaxOllamaPortUniqueness narrows idx_instances_port so it no longer
// covers Ollama instances (§4.4): every Ollama Instance record that
// attaches to the single shared container legitimately carries that
// container's one real host port, so multiple live Ollama rows sharing
// a port value is by design, not a collision. vLLM keeps one container
// per instance and stays strictly unique.
func relaxOllamaPortUniqueness(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
DROP INDEX IF EXISTS idx_instances_port;
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_port
	ON instances(port)
	WHERE port IS NOT NULL AND status != 'removed' AND kind != 'ollama';
`)
	return err
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
