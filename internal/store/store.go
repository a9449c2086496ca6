// Package store persists users and message logs in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// Message log statuses.
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
)

// ErrUserNotFound is returned when a lookup misses.
var ErrUserNotFound = errors.New("user not found")

// User is a chat user seen by the gateway. Rows are auto-created with
// defaults on first sight.
type User struct {
	QQID                int64             `json:"qq_id"`
	Nickname            string            `json:"nickname"`
	IsAdmin             bool              `json:"is_admin"`
	IsPrivileged        bool              `json:"is_privileged"`
	SelectedStyles      map[string]string `json:"selected_styles"`
	AllowedSwitchGroups []string          `json:"allowed_switch_groups"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// SelectedStyle returns the user's pick for a category, if any.
func (u *User) SelectedStyle(categoryID string) (string, bool) {
	if u == nil || u.SelectedStyles == nil {
		return "", false
	}
	style, ok := u.SelectedStyles[categoryID]
	return style, ok
}

// CanSwitch reports whether an admin granted this user a per-category switch
// override.
func (u *User) CanSwitch(categoryID string) bool {
	if u == nil {
		return false
	}
	for _, id := range u.AllowedSwitchGroups {
		if id == categoryID {
			return true
		}
	}
	return false
}

// MessageLog is one append-only audit row per routed message.
type MessageLog struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	GroupID      *int64    `json:"group_id,omitempty"`
	Command      string    `json:"command"`
	CommandSetID string    `json:"command_set_id,omitempty"`
	TargetWS     string    `json:"target_ws,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store wraps the SQLite database. Writes are serialized by a mutex; each
// update is one short transaction with last-write-wins semantics.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		qq_id INTEGER PRIMARY KEY,
		nickname TEXT NOT NULL DEFAULT '',
		is_admin INTEGER NOT NULL DEFAULT 0,
		is_privileged INTEGER NOT NULL DEFAULT 0,
		selected_styles TEXT NOT NULL DEFAULT '{}',
		allowed_switch_groups TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS message_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		group_id INTEGER,
		command TEXT NOT NULL,
		command_set_id TEXT,
		target_ws TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_message_logs_user_id ON message_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_message_logs_group_id ON message_logs(group_id);
	CREATE INDEX IF NOT EXISTS idx_message_logs_timestamp ON message_logs(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// GetOrCreateUser returns the user row for qqID, creating it with defaults on
// first sight. A non-empty nickname backfills a row whose nickname is empty.
func (s *Store) GetOrCreateUser(qqID int64, nickname string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.getUserLocked(qqID)
	if err == nil {
		if user.Nickname == "" && nickname != "" {
			user.Nickname = nickname
			if err := s.saveUserLocked(user); err != nil {
				return nil, err
			}
		}
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = &User{
		QQID:                qqID,
		Nickname:            nickname,
		SelectedStyles:      map[string]string{},
		AllowedSwitchGroups: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.insertUserLocked(user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser returns the user row for qqID or ErrUserNotFound.
func (s *Store) GetUser(qqID int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserLocked(qqID)
}

// ListUsers returns all user rows ordered by qq id.
func (s *Store) ListUsers() ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT qq_id, nickname, is_admin, is_privileged, selected_styles,
		        allowed_switch_groups, created_at, updated_at
		 FROM users ORDER BY qq_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateUser overwrites the mutable fields of an existing row.
func (s *Store) UpdateUser(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getUserLocked(user.QQID); err != nil {
		return err
	}
	return s.saveUserLocked(user)
}

// SetSelectedStyle records the user's style pick for a category, creating the
// row if needed.
func (s *Store) SetSelectedStyle(qqID int64, categoryID, setID string) error {
	return s.mutateUser(qqID, func(user *User) {
		if user.SelectedStyles == nil {
			user.SelectedStyles = map[string]string{}
		}
		user.SelectedStyles[categoryID] = setID
	})
}

// SetPrivileged toggles the user's privilege flag, creating the row if needed.
func (s *Store) SetPrivileged(qqID int64, privileged bool) error {
	return s.mutateUser(qqID, func(user *User) {
		user.IsPrivileged = privileged
	})
}

// AllowSwitchGroup grants the user a per-category style-switch override.
func (s *Store) AllowSwitchGroup(qqID int64, categoryID string) error {
	return s.mutateUser(qqID, func(user *User) {
		for _, id := range user.AllowedSwitchGroups {
			if id == categoryID {
				return
			}
		}
		user.AllowedSwitchGroups = append(user.AllowedSwitchGroups, categoryID)
	})
}

// DenySwitchGroup revokes a previously granted override.
func (s *Store) DenySwitchGroup(qqID int64, categoryID string) error {
	return s.mutateUser(qqID, func(user *User) {
		kept := user.AllowedSwitchGroups[:0]
		for _, id := range user.AllowedSwitchGroups {
			if id != categoryID {
				kept = append(kept, id)
			}
		}
		user.AllowedSwitchGroups = kept
	})
}

func (s *Store) mutateUser(qqID int64, mutate func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.getUserLocked(qqID)
	if errors.Is(err, ErrUserNotFound) {
		now := time.Now().UTC()
		user = &User{
			QQID:                qqID,
			SelectedStyles:      map[string]string{},
			AllowedSwitchGroups: []string{},
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		mutate(user)
		return s.insertUserLocked(user)
	}
	if err != nil {
		return err
	}
	mutate(user)
	return s.saveUserLocked(user)
}

// AppendMessageLog appends one audit row.
func (s *Store) AppendMessageLog(entry *MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO message_logs
		   (user_id, group_id, command, command_set_id, target_ws, status, error_message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID,
		entry.GroupID,
		truncate(entry.Command, 256),
		nullable(entry.CommandSetID),
		nullable(entry.TargetWS),
		entry.Status,
		nullable(truncate(entry.ErrorMessage, 512)),
		entry.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append message log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// LogFilter narrows ListMessageLogs. Zero-valued fields do not filter.
type LogFilter struct {
	UserID  *int64
	GroupID *int64
	Status  string
}

// ListMessageLogs returns the most recent rows matching the filter, newest
// first. limit <= 0 means 100.
func (s *Store) ListMessageLogs(limit int, filter LogFilter) ([]MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, user_id, group_id, command, command_set_id, target_ws,
	                 status, error_message, timestamp
	          FROM message_logs`
	var where []string
	args := []any{}
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.GroupID != nil {
		where = append(where, "group_id = ?")
		args = append(args, *filter.GroupID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list message logs: %w", err)
	}
	defer rows.Close()

	var logs []MessageLog
	for rows.Next() {
		var (
			entry        MessageLog
			groupID      sql.NullInt64
			commandSetID sql.NullString
			targetWS     sql.NullString
			errorMessage sql.NullString
			ts           int64
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &groupID, &entry.Command,
			&commandSetID, &targetWS, &entry.Status, &errorMessage, &ts); err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		if groupID.Valid {
			gid := groupID.Int64
			entry.GroupID = &gid
		}
		entry.CommandSetID = commandSetID.String
		entry.TargetWS = targetWS.String
		entry.ErrorMessage = errorMessage.String
		entry.Timestamp = time.Unix(ts, 0).UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) getUserLocked(qqID int64) (*User, error) {
	row := s.db.QueryRow(
		`SELECT qq_id, nickname, is_admin, is_privileged, selected_styles,
		        allowed_switch_groups, created_at, updated_at
		 FROM users WHERE qq_id = ?`, qqID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user      User
		styles    string
		groups    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&user.QQID, &user.Nickname, &user.IsAdmin, &user.IsPrivileged,
		&styles, &groups, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if err := json.Unmarshal([]byte(styles), &user.SelectedStyles); err != nil {
		user.SelectedStyles = map[string]string{}
	}
	if err := json.Unmarshal([]byte(groups), &user.AllowedSwitchGroups); err != nil {
		user.AllowedSwitchGroups = []string{}
	}
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	user.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &user, nil
}

func (s *Store) insertUserLocked(user *User) error {
	styles, groups, err := encodeUserJSON(user)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO users
		   (qq_id, nickname, is_admin, is_privileged, selected_styles, allowed_switch_groups, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.QQID, user.Nickname, user.IsAdmin, user.IsPrivileged,
		styles, groups, user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert user %d: %w", user.QQID, err)
	}
	return nil
}

func (s *Store) saveUserLocked(user *User) error {
	styles, groups, err := encodeUserJSON(user)
	if err != nil {
		return err
	}
	user.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(
		`UPDATE users
		 SET nickname = ?, is_admin = ?, is_privileged = ?, selected_styles = ?,
		     allowed_switch_groups = ?, updated_at = ?
		 WHERE qq_id = ?`,
		user.Nickname, user.IsAdmin, user.IsPrivileged,
		styles, groups, user.UpdatedAt.Unix(), user.QQID,
	)
	if err != nil {
		return fmt.Errorf("update user %d: %w", user.QQID, err)
	}
	return nil
}

func encodeUserJSON(user *User) (styles, groups string, err error) {
	stylesBytes, err := json.Marshal(orEmptyMap(user.SelectedStyles))
	if err != nil {
		return "", "", fmt.Errorf("encode selected styles: %w", err)
	}
	groupsBytes, err := json.Marshal(orEmptySlice(user.AllowedSwitchGroups))
	if err != nil {
		return "", "", fmt.Errorf("encode switch groups: %w", err)
	}
	return string(stylesBytes), string(groupsBytes), nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// truncate caps s at max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
