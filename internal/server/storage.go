package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vtt/internal/table"
)

// ErrNotFound is returned by Store lookups when the target row does not
// exist. Handlers translate it into a 404 response, which the client's
// stale-entity policy keys on.
var ErrNotFound = errors.New("not found")

// Store persists tables, tokens and chat messages in SQLite.
type Store struct {
	db *sql.DB
}

// openStore prepares a SQLite database at the given path and ensures the
// schema exists.
func openStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("ensure db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tables (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			table_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			color TEXT,
			locked INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY(table_id) REFERENCES tables(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			table_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			user TEXT,
			FOREIGN KEY(table_id) REFERENCES tables(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_table ON tokens(table_id);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_table ON chat_messages(table_id);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

// Close releases database resources.
func (st *Store) Close() error {
	if st.db != nil {
		return st.db.Close()
	}
	return nil
}

func (st *Store) createTable(ctx context.Context, name string) (table.Table, error) {
	now := time.Now().UTC()
	res, err := st.db.ExecContext(ctx,
		`INSERT INTO tables (name, created_at, updated_at) VALUES (?, ?, ?)`,
		name, now, now)
	if err != nil {
		return table.Table{}, fmt.Errorf("insert table: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return table.Table{}, fmt.Errorf("table id: %w", err)
	}
	return table.Table{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

func (st *Store) getTable(ctx context.Context, id int64) (table.Table, error) {
	var tbl table.Table
	err := st.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM tables WHERE id = ?`, id).
		Scan(&tbl.ID, &tbl.Name, &tbl.CreatedAt, &tbl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return table.Table{}, ErrNotFound
	}
	if err != nil {
		return table.Table{}, fmt.Errorf("select table: %w", err)
	}
	return tbl, nil
}

func (st *Store) listTables(ctx context.Context) ([]table.Table, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := []table.Table{}
	for rows.Next() {
		var tbl table.Table
		if err := rows.Scan(&tbl.ID, &tbl.Name, &tbl.CreatedAt, &tbl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, tbl)
	}
	return tables, rows.Err()
}

func (st *Store) deleteTable(ctx context.Context, id int64) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM tables WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete table: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (st *Store) createToken(ctx context.Context, tableID int64, name string, x, y float64, color string) (table.Token, error) {
	if _, err := st.getTable(ctx, tableID); err != nil {
		return table.Token{}, err
	}

	now := time.Now().UTC()
	tok := table.Token{
		ID:    uuid.NewString(),
		Name:  name,
		X:     x,
		Y:     y,
		Color: color,
	}
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO tokens (id, table_id, name, x, y, color, locked, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		tok.ID, tableID, tok.Name, tok.X, tok.Y, nullable(tok.Color), now, now)
	if err != nil {
		return table.Token{}, fmt.Errorf("insert token: %w", err)
	}
	return tok, nil
}

func (st *Store) getToken(ctx context.Context, tableID int64, tokenID string) (table.Token, error) {
	var (
		tok   table.Token
		color sql.NullString
	)
	err := st.db.QueryRowContext(ctx,
		`SELECT id, name, x, y, color, locked FROM tokens WHERE id = ? AND table_id = ?`,
		tokenID, tableID).
		Scan(&tok.ID, &tok.Name, &tok.X, &tok.Y, &color, &tok.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return table.Token{}, ErrNotFound
	}
	if err != nil {
		return table.Token{}, fmt.Errorf("select token: %w", err)
	}
	tok.Color = color.String
	return tok, nil
}

func (st *Store) listTokens(ctx context.Context, tableID int64) (map[string]table.Token, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT id, name, x, y, color, locked FROM tokens WHERE table_id = ?`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	tokens := map[string]table.Token{}
	for rows.Next() {
		var (
			tok   table.Token
			color sql.NullString
		)
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.X, &tok.Y, &color, &tok.Locked); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tok.Color = color.String
		tokens[tok.ID] = tok
	}
	return tokens, rows.Err()
}

func (st *Store) updateToken(ctx context.Context, tableID int64, tokenID string, upd table.TokenUpdate) (table.Token, error) {
	tok, err := st.getToken(ctx, tableID, tokenID)
	if err != nil {
		return table.Token{}, err
	}

	if upd.Name != nil {
		tok.Name = *upd.Name
	}
	if upd.X != nil {
		tok.X = *upd.X
	}
	if upd.Y != nil {
		tok.Y = *upd.Y
	}
	if upd.Color != nil {
		tok.Color = *upd.Color
	}
	if upd.Locked != nil {
		tok.Locked = *upd.Locked
	}

	_, err = st.db.ExecContext(ctx,
		`UPDATE tokens SET name = ?, x = ?, y = ?, color = ?, locked = ?, updated_at = ?
		 WHERE id = ? AND table_id = ?`,
		tok.Name, tok.X, tok.Y, nullable(tok.Color), tok.Locked, time.Now().UTC(), tokenID, tableID)
	if err != nil {
		return table.Token{}, fmt.Errorf("update token: %w", err)
	}
	return tok, nil
}

func (st *Store) deleteToken(ctx context.Context, tableID int64, tokenID string) error {
	res, err := st.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE id = ? AND table_id = ?`, tokenID, tableID)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// appendChat stores one chat entry. Readers see messages in insertion
// (rowid) order regardless of clock skew between writers.
func (st *Store) appendChat(ctx context.Context, tableID int64, msg table.ChatMessage) (table.ChatMessage, error) {
	if _, err := st.getTable(ctx, tableID); err != nil {
		return table.ChatMessage{}, err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	payload, err := json.Marshal(chatPayload(msg))
	if err != nil {
		return table.ChatMessage{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	_, err = st.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, table_id, kind, payload, timestamp, user)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, tableID, string(msg.Kind), string(payload), msg.At, nullable(msg.User))
	if err != nil {
		return table.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

func (st *Store) listChat(ctx context.Context, tableID int64) ([]table.ChatMessage, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT id, kind, payload, timestamp, user FROM chat_messages
		 WHERE table_id = ? ORDER BY rowid`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	defer rows.Close()

	chat := []table.ChatMessage{}
	for rows.Next() {
		var (
			msg     table.ChatMessage
			kind    string
			payload string
			user    sql.NullString
		)
		if err := rows.Scan(&msg.ID, &kind, &payload, &msg.At, &user); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msg.Kind = table.MessageKind(kind)
		msg.User = user.String
		if err := decodeChatPayload(&msg, []byte(payload)); err != nil {
			return nil, err
		}
		chat = append(chat, msg)
	}
	return chat, rows.Err()
}

func (st *Store) snapshot(ctx context.Context, tableID int64) (table.Snapshot, error) {
	if _, err := st.getTable(ctx, tableID); err != nil {
		return table.Snapshot{}, err
	}
	tokens, err := st.listTokens(ctx, tableID)
	if err != nil {
		return table.Snapshot{}, err
	}
	chat, err := st.listChat(ctx, tableID)
	if err != nil {
		return table.Snapshot{}, err
	}
	return table.Snapshot{Tokens: tokens, Chat: chat}, nil
}

func chatPayload(msg table.ChatMessage) any {
	if msg.Kind == table.KindRoll && msg.Roll != nil {
		return msg.Roll
	}
	if msg.Text != nil {
		return msg.Text
	}
	return table.TextMessage{}
}

func decodeChatPayload(msg *table.ChatMessage, payload []byte) error {
	switch msg.Kind {
	case table.KindRoll:
		var roll table.DiceRoll
		if err := json.Unmarshal(payload, &roll); err != nil {
			return fmt.Errorf("decode roll payload: %w", err)
		}
		msg.Roll = &roll
	default:
		var text table.TextMessage
		if err := json.Unmarshal(payload, &text); err != nil {
			return fmt.Errorf("decode text payload: %w", err)
		}
		msg.Text = &text
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
