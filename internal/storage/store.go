package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store is the read side of the user directory shared with the CRUD application.
type Store struct {
	db *sql.DB
}

// User is a directory row together with its role names.
type User struct {
	ID          string
	DisplayName string
	CompanyID   string
	IsActive    bool
	Roles       []string
	CreatedAt   time.Time
}

// ErrUserExists is returned when attempting to insert a duplicate user id.
var ErrUserExists = errors.New("user already exists")

// NewStore opens the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "staypresence.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate creates the directory tables when they are missing.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			company_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS user_roles (
			user_id TEXT NOT NULL,
			role_id INTEGER NOT NULL,
			PRIMARY KEY (user_id, role_id),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(role_id) REFERENCES roles(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a user row. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, user User) error {
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, display_name, company_id, is_active) VALUES(?, ?, ?, ?)`,
		user.ID, user.DisplayName, nullString(user.CompanyID), user.IsActive,
	)
	if err != nil {
		if isConstraintError(err) {
			return ErrUserExists
		}
		return err
	}
	for _, role := range user.Roles {
		if err := s.AssignRole(ctx, user.ID, role); err != nil {
			return err
		}
	}
	return nil
}

// GetUserByID fetches a user and its roles; nil is returned when the id is unknown.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, display_name, company_id, is_active, created_at FROM users WHERE id = ?`, id)
	var (
		user    User
		company sql.NullString
	)
	if err := row.Scan(&user.ID, &user.DisplayName, &company, &user.IsActive, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.CompanyID = company.String
	roles, err := s.ListRoles(ctx, id)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return &user, nil
}

// UserExists reports whether the id is present in the directory.
func (s *Store) UserExists(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, id)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetActive flips the account flag the authenticator checks.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AssignRole grants a role by name, creating the role row on first use.
func (s *Store) AssignRole(ctx context.Context, userID, role string) (err error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return errors.New("role name is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(name) VALUES(?)`, role); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_roles(user_id, role_id)
		SELECT ?, id FROM roles WHERE name = ?
	`, userID, role); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role from a user; missing grants are ignored.
func (s *Store) RevokeRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_roles
		WHERE user_id = ? AND role_id IN (SELECT id FROM roles WHERE name = ?)
	`, userID, role)
	return err
}

// ListRoles returns the role names of a user ordered by name.
func (s *Store) ListRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ?
		ORDER BY r.name ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended codes keep the primary code in the low byte
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
