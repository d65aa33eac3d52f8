package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hivemux/hivemux/internal/models"
)

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func Migrate(db *sql.DB, migrationSQL string) error {
	if _, err := db.Exec(migrationSQL); err != nil {
		return fmt.Errorf("run migration: %w", err)
	}
	return nil
}

// Sessions is the session metadata repository. Transcripts are never
// stored; only the facts needed to list and reconcile sessions.
type Sessions struct {
	db *sql.DB
}

func NewSessions(db *sql.DB) *Sessions {
	return &Sessions{db: db}
}

func (s *Sessions) Insert(rec models.Session) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, cwd, rows, cols, status, pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Cwd, rec.Rows, rec.Cols, rec.Status, rec.PID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Sessions) Get(id string) (*models.Session, error) {
	var rec models.Session
	err := s.db.QueryRow(`SELECT id, cwd, rows, cols, status, pid, created_at
		FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Cwd, &rec.Rows, &rec.Cols, &rec.Status, &rec.PID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

func (s *Sessions) List() ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT id, cwd, rows, cols, status, pid, created_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var rec models.Session
		if err := rows.Scan(&rec.ID, &rec.Cwd, &rec.Rows, &rec.Cols, &rec.Status, &rec.PID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

func (s *Sessions) SetStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *Sessions) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Reconcile marks rows still flagged running as exited unless their id is
// in liveIDs. Returns the number of rows corrected.
func (s *Sessions) Reconcile(liveIDs []string) (int64, error) {
	if len(liveIDs) == 0 {
		res, err := s.db.Exec(`UPDATE sessions SET status = 'exited' WHERE status = 'running'`)
		if err != nil {
			return 0, fmt.Errorf("reconcile sessions: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(liveIDs)), ",")
	args := make([]any, len(liveIDs))
	for i, id := range liveIDs {
		args[i] = id
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET status = 'exited' WHERE status = 'running' AND id NOT IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("reconcile sessions: %w", err)
	}
	return res.RowsAffected()
}
