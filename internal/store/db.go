// Package store provides SQLite-backed persistence for the local ticket
// cache. Each ticket is stored as its serialized document plus the patch
// against its snapshot; the snapshot itself is reconstructed on load by
// reverting the patch.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/offtix/offtix/internal/model"
)

// DB is the local ticket database. The sync orchestrator reads and
// writes it only at pull/push boundaries, never mid-merge.
type DB struct {
	path string
	conn *sql.DB
}

// createTableSQL defines the schema for the tickets table.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS tickets (
    key TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    doc TEXT NOT NULL,   -- serialized ticket document (JSON)
    patch TEXT           -- diff against the last-confirmed server state (JSON)
);
`

// Open creates or opens the ticket database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; one connection avoids
	// "database is locked" errors.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tickets table: %w", err)
	}

	return &DB{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// LoadAll reads every cached ticket, rebuilding each one's snapshot from
// its stored patch.
func (db *DB) LoadAll() ([]*model.Ticket, error) {
	rows, err := db.conn.Query(`SELECT key, doc, patch FROM tickets ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*model.Ticket
	for rows.Next() {
		var key, docJSON string
		var patchJSON sql.NullString

		if err := rows.Scan(&key, &docJSON, &patchJSON); err != nil {
			return nil, fmt.Errorf("failed to scan ticket row: %w", err)
		}

		ticket, err := decodeTicket(docJSON, patchJSON.String)
		if err != nil {
			return nil, fmt.Errorf("ticket %s: %w", key, err)
		}
		tickets = append(tickets, ticket)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticket rows: %w", err)
	}
	return tickets, nil
}

// SaveAll replaces the entire ticket table with the given tickets in one
// transaction. The full rewrite is the durability boundary: a crash
// mid-sync leaves either the old or the new state, never a mix.
func (db *DB) SaveAll(tickets []*model.Ticket) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tickets`); err != nil {
		return fmt.Errorf("failed to clear tickets table: %w", err)
	}

	insert := `INSERT INTO tickets (key, project, doc, patch) VALUES (?, ?, ?, ?)`
	for _, t := range tickets {
		docJSON, patchJSON, err := encodeTicket(t)
		if err != nil {
			return fmt.Errorf("ticket %s: %w", t.Key, err)
		}
		if _, err := tx.Exec(insert, t.Key, t.Project, docJSON,
			sql.NullString{String: patchJSON, Valid: patchJSON != ""}); err != nil {
			return fmt.Errorf("failed to insert ticket %s: %w", t.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rekey moves a ticket row from a temporary local key to the
// server-assigned key after a successful push.
func (db *DB) Rekey(oldKey, newKey string) error {
	result, err := db.conn.Exec(`UPDATE tickets SET key = ? WHERE key = ?`, newKey, oldKey)
	if err != nil {
		return fmt.Errorf("failed to rekey ticket: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no ticket found with key %s", oldKey)
	}
	return nil
}

func encodeTicket(t *model.Ticket) (docJSON, patchJSON string, err error) {
	doc, err := json.Marshal(t.Serialize())
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal doc: %w", err)
	}
	patch := t.Patch()
	if len(patch) == 0 {
		return string(doc), "", nil
	}
	pj, err := json.Marshal(patch)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal patch: %w", err)
	}
	return string(doc), string(pj), nil
}

func decodeTicket(docJSON, patchJSON string) (*model.Ticket, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(docJSON), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal doc: %w", err)
	}
	doc, err := model.NormalizeDoc(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid doc: %w", err)
	}

	var patch model.Patch
	if patchJSON != "" {
		if err := json.Unmarshal([]byte(patchJSON), &patch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal patch: %w", err)
		}
	}

	return model.FromStored(doc, patch)
}
