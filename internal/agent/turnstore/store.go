// Package turnstore is the local SQLite-backed persistence layer for conversation
// turns and workspaces.
//
// Notes:
//   - Rows are scoped by the thread key (portfolio:org:entity_type:entity_id:thread).
//   - WAL is enabled to support concurrent reads while writing.
//   - Workspace replaces are version-checked; a stale writer gets
//     agent.ErrWorkspaceConflict instead of silently winning.
package turnstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	_ "modernc.org/sqlite"

	"github.com/renvo/renvo-agent/internal/agent"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_key TEXT NOT NULL,
  turn_id TEXT NOT NULL,
  context_json TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_key, turn_id)
);
CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_key, id ASC);

CREATE TABLE IF NOT EXISTS turn_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  turn_rowid INTEGER NOT NULL,
  thread_key TEXT NOT NULL,
  position INTEGER NOT NULL,
  msg_type TEXT NOT NULL,
  interface TEXT NOT NULL DEFAULT '',
  next_json TEXT NOT NULL DEFAULT '',
  out_json TEXT NOT NULL,
  call_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_messages_turn ON turn_messages(turn_rowid, position ASC);
CREATE INDEX IF NOT EXISTS idx_turn_messages_call ON turn_messages(thread_key, call_id);

CREATE TABLE IF NOT EXISTS workspaces (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_key TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  doc_json TEXT NOT NULL,
  version INTEGER NOT NULL DEFAULT 1,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_key, workspace_id)
);
CREATE INDEX IF NOT EXISTS idx_workspaces_thread ON workspaces(thread_key, id ASC);
`)
	return err
}

func (s *Store) ListTurns(ctx context.Context, ref agent.ThreadRef) ([]agent.Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := ref.Key()

	rows, err := s.db.QueryContext(ctx, `
SELECT id, turn_id, context_json, created_at_unix_ms
FROM turns
WHERE thread_key = ?
ORDER BY id ASC
`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type turnRow struct {
		rowid int64
		turn  agent.Turn
	}
	turnRows := make([]turnRow, 0, 8)
	for rows.Next() {
		var tr turnRow
		var contextJSON string
		if err := rows.Scan(&tr.rowid, &tr.turn.TurnID, &contextJSON, &tr.turn.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		if contextJSON != "" {
			if err := decodeJSON(contextJSON, &tr.turn.Context); err != nil {
				return nil, fmt.Errorf("turn %s context: %w", tr.turn.TurnID, err)
			}
		}
		turnRows = append(turnRows, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]agent.Turn, 0, len(turnRows))
	for _, tr := range turnRows {
		msgs, err := s.turnMessages(ctx, tr.rowid)
		if err != nil {
			return nil, err
		}
		tr.turn.Messages = msgs
		out = append(out, tr.turn)
	}
	return out, nil
}

func (s *Store) turnMessages(ctx context.Context, turnRowID int64) ([]agent.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT msg_type, interface, next_json, out_json
FROM turn_messages
WHERE turn_rowid = ?
ORDER BY position ASC
`, turnRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]agent.Message, 0, 4)
	for rows.Next() {
		var m agent.Message
		var nextJSON, outJSON string
		if err := rows.Scan(&m.Type, &m.Interface, &nextJSON, &outJSON); err != nil {
			return nil, err
		}
		if err := decodeJSON(outJSON, &m.Out); err != nil {
			return nil, fmt.Errorf("message out: %w", err)
		}
		if nextJSON != "" {
			var next any
			if err := decodeJSON(nextJSON, &next); err == nil {
				m.Next = next
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateTurn(ctx context.Context, ref agent.ThreadRef, turn agent.Turn) (agent.Turn, error) {
	if s == nil || s.db == nil {
		return agent.Turn{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(turn.TurnID) == "" {
		turn.TurnID = uuid.NewString()
	}
	nowMs := s.now().UnixMilli()
	turn.CreatedAtUnixMs = nowMs

	contextJSON, err := json.Marshal(turn.Context)
	if err != nil {
		return agent.Turn{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agent.Turn{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO turns (thread_key, turn_id, context_json, created_at_unix_ms)
VALUES (?, ?, ?, ?)
`, ref.Key(), turn.TurnID, string(contextJSON), nowMs)
	if err != nil {
		return agent.Turn{}, err
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return agent.Turn{}, err
	}

	for i, m := range turn.Messages {
		if err := insertMessage(ctx, tx, rowid, ref.Key(), i, m, nowMs); err != nil {
			return agent.Turn{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return agent.Turn{}, err
	}
	return turn, nil
}

func (s *Store) AppendMessage(ctx context.Context, ref agent.ThreadRef, turnID string, msg agent.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := ref.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var rowid int64
	if strings.TrimSpace(turnID) == "" {
		err = tx.QueryRowContext(ctx, `SELECT id FROM turns WHERE thread_key = ? ORDER BY id DESC LIMIT 1`, key).Scan(&rowid)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT id FROM turns WHERE thread_key = ? AND turn_id = ?`, key, turnID).Scan(&rowid)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("thread has no turn to append to")
	}
	if err != nil {
		return err
	}

	var nextPos int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1, 0) FROM turn_messages WHERE turn_rowid = ?`, rowid).Scan(&nextPos); err != nil {
		return err
	}
	if err := insertMessage(ctx, tx, rowid, key, nextPos, msg, s.now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// FillToolResponse replaces the empty tool_rs placeholder correlated by call id.
// The stored message JSON is patched in place; sibling placeholders are untouched.
func (s *Store) FillToolResponse(ctx context.Context, ref agent.ThreadRef, callID string, msg agent.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return errors.New("missing tool call id")
	}

	var rowid int64
	var outJSON string
	err := s.db.QueryRowContext(ctx, `
SELECT id, out_json
FROM turn_messages
WHERE thread_key = ? AND call_id = ? AND msg_type = ?
ORDER BY id DESC
LIMIT 1
`, ref.Key(), callID, agent.MessageToolRs).Scan(&rowid, &outJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no tool response placeholder for call id %q", callID)
	}
	if err != nil {
		return err
	}

	patched, err := sjson.Set(outJSON, "content", msg.Out["content"])
	if err != nil {
		return err
	}

	nextJSON := ""
	if msg.Next != nil {
		b, err := json.Marshal(msg.Next)
		if err != nil {
			return err
		}
		nextJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE turn_messages
SET out_json = ?, interface = ?, next_json = ?
WHERE id = ?
`, patched, msg.Interface, nextJSON, rowid)
	return err
}

func insertMessage(ctx context.Context, tx *sql.Tx, turnRowID int64, threadKey string, position int, m agent.Message, nowMs int64) error {
	outJSON, err := json.Marshal(m.Out)
	if err != nil {
		return err
	}
	nextJSON := ""
	if m.Next != nil {
		b, err := json.Marshal(m.Next)
		if err != nil {
			return err
		}
		nextJSON = string(b)
	}
	callID := ""
	if m.Out != nil {
		if v, ok := m.Out["tool_call_id"].(string); ok {
			callID = v
		}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO turn_messages (turn_rowid, thread_key, position, msg_type, interface, next_json, out_json, call_id, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, turnRowID, threadKey, position, m.Type, m.Interface, nextJSON, string(outJSON), callID, nowMs)
	return err
}

func (s *Store) ListWorkspaces(ctx context.Context, ref agent.ThreadRef) ([]agent.Workspace, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT workspace_id, doc_json, version
FROM workspaces
WHERE thread_key = ?
ORDER BY id ASC
`, ref.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]agent.Workspace, 0, 2)
	for rows.Next() {
		var id, doc string
		var version int64
		if err := rows.Scan(&id, &doc, &version); err != nil {
			return nil, err
		}
		var ws agent.Workspace
		if err := decodeJSON(doc, &ws); err != nil {
			return nil, fmt.Errorf("workspace %s: %w", id, err)
		}
		ws.ID = id
		ws.Version = version
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) CreateWorkspace(ctx context.Context, ref agent.ThreadRef, ws agent.Workspace) (agent.Workspace, error) {
	if s == nil || s.db == nil {
		return agent.Workspace{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(ws.ID) == "" {
		ws.ID = uuid.NewString()
	}
	nowMs := s.now().UnixMilli()
	ws.CreatedAtUnixMs = nowMs
	ws.Version = 1

	doc, err := json.Marshal(ws)
	if err != nil {
		return agent.Workspace{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workspaces (thread_key, workspace_id, doc_json, version, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, 1, ?, ?)
`, ref.Key(), ws.ID, string(doc), nowMs, nowMs)
	if err != nil {
		return agent.Workspace{}, err
	}
	return ws, nil
}

// UpdateWorkspace is a version-checked whole-document replace. A concurrent writer
// that advanced the version since the caller's read makes this fail with
// agent.ErrWorkspaceConflict.
func (s *Store) UpdateWorkspace(ctx context.Context, ref agent.ThreadRef, workspaceID string, ws agent.Workspace, version int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return errors.New("missing workspace id")
	}

	doc, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workspaces
SET doc_json = ?, version = version + 1, updated_at_unix_ms = ?
WHERE thread_key = ? AND workspace_id = ? AND version = ?
`, string(doc), s.now().UnixMilli(), ref.Key(), workspaceID, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM workspaces WHERE thread_key = ? AND workspace_id = ?`, ref.Key(), workspaceID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("workspace %q not found", workspaceID)
		}
		return agent.ErrWorkspaceConflict
	}
	return nil
}

// decodeJSON keeps numbers arbitrary-precision so the sanitizer can decide their
// final representation.
func decodeJSON(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
