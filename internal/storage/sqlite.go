package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"litechat-backend/internal/model"
	"litechat-backend/pkg/logger"

	_ "modernc.org/sqlite"
)

type SQLiteStorage struct {
	dataDir string
	db      *sql.DB
}

func NewSQLiteStorage(dataDir string) *SQLiteStorage {
	return &SQLiteStorage{dataDir: dataDir}
}

func (s *SQLiteStorage) Init() error {
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(s.dataDir, "litechat.db"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			images TEXT NOT NULL DEFAULT '',
			html_content TEXT NOT NULL DEFAULT '',
			is_rendered INTEGER NOT NULL DEFAULT 0,
			render_time_ms INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS app_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			key_cursor INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, timestamp);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("%w: %v", ErrStorageInit, err)
		}
	}

	s.db = db
	logger.Info("SQLite存储初始化完成")
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backup 使用sqlite的VACUUM INTO导出快照
func (s *SQLiteStorage) Backup() error {
	target := filepath.Join(s.dataDir, fmt.Sprintf("backup_%d.db", time.Now().Unix()))
	if _, err := s.db.Exec("VACUUM INTO ?", target); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	logger.Infof("备份完成: %s", target)
	return nil
}

func (s *SQLiteStorage) CreateSession(session *model.Session) error {
	_, err := s.db.Exec(
		"INSERT INTO sessions(id, title, created_at, updated_at) VALUES(?, ?, ?, ?)",
		session.ID, session.Title, session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	for i := range session.Messages {
		if err := s.insertMessage(&session.Messages[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) GetSession(sessionID string) (*model.Session, error) {
	var session model.Session
	var createdAt, updatedAt int64

	err := s.db.QueryRow(
		"SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?", sessionID,
	).Scan(&session.ID, &session.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	session.CreatedAt = time.Unix(0, createdAt)
	session.UpdatedAt = time.Unix(0, updatedAt)

	messages, err := s.queryMessages(sessionID)
	if err != nil {
		return nil, err
	}
	session.Messages = messages

	return &session, nil
}

func (s *SQLiteStorage) UpdateSession(session *model.Session) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?",
		session.Title, session.UpdatedAt.UnixNano(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteSession(sessionID string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStorage) ListSessions() ([]*model.Session, error) {
	rows, err := s.db.Query("SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		var session model.Session
		var createdAt, updatedAt int64
		if err := rows.Scan(&session.ID, &session.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		session.CreatedAt = time.Unix(0, createdAt)
		session.UpdatedAt = time.Unix(0, updatedAt)
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return sessions, nil
}

func (s *SQLiteStorage) insertMessage(msg *model.Message) error {
	images := ""
	if len(msg.Images) > 0 {
		data, err := json.Marshal(msg.Images)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		images = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO messages(id, session_id, role, content, images, html_content, is_rendered, render_time_ms, timestamp)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, images,
		msg.HTMLContent, boolToInt(msg.IsRendered), msg.RenderTimeMs, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (s *SQLiteStorage) AddMessage(sessionID string, message *model.Message) error {
	if _, err := s.GetSession(sessionID); err != nil {
		return err
	}

	if err := s.insertMessage(message); err != nil {
		return err
	}

	_, err := s.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (s *SQLiteStorage) queryMessages(sessionID string) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, images, html_content, is_rendered, render_time_ms, timestamp
		 FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var msg model.Message
		var images string
		var isRendered int
		var timestamp int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &images,
			&msg.HTMLContent, &isRendered, &msg.RenderTimeMs, &timestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		if images != "" {
			if err := json.Unmarshal([]byte(images), &msg.Images); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
			}
		}
		msg.IsRendered = isRendered != 0
		msg.Timestamp = time.Unix(0, timestamp)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return messages, nil
}

func (s *SQLiteStorage) GetMessages(sessionID string) ([]*model.Message, error) {
	if _, err := s.GetSession(sessionID); err != nil {
		return nil, err
	}

	messages, err := s.queryMessages(sessionID)
	if err != nil {
		return nil, err
	}

	result := make([]*model.Message, len(messages))
	for i := range messages {
		result[i] = &messages[i]
	}
	return result, nil
}

func (s *SQLiteStorage) UpdateMessageContent(sessionID, messageID, content string) error {
	res, err := s.db.Exec(
		"UPDATE messages SET content = ? WHERE id = ? AND session_id = ?",
		content, messageID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStorage) UpdateMessageRender(sessionID, messageID, htmlContent string, renderTimeMs int64) error {
	res, err := s.db.Exec(
		"UPDATE messages SET html_content = ?, is_rendered = 1, render_time_ms = ? WHERE id = ? AND session_id = ?",
		htmlContent, renderTimeMs, messageID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStorage) GetState() (*model.AppState, error) {
	var state model.AppState
	var updatedAt int64

	err := s.db.QueryRow("SELECT key_cursor, total_tokens, updated_at FROM app_state WHERE id = 1").
		Scan(&state.KeyCursor, &state.TotalTokens, &updatedAt)
	if err == sql.ErrNoRows {
		return &model.AppState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	state.UpdatedAt = time.Unix(0, updatedAt)
	return &state, nil
}

func (s *SQLiteStorage) SaveState(state *model.AppState) error {
	_, err := s.db.Exec(
		`INSERT INTO app_state(id, key_cursor, total_tokens, updated_at) VALUES(1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET key_cursor = excluded.key_cursor,
		 total_tokens = excluded.total_tokens, updated_at = excluded.updated_at`,
		state.KeyCursor, state.TotalTokens, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
