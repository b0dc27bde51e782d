package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/reelworks/reelgate/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		roles TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		body TEXT NOT NULL,
		operation_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_operation ON turns(operation_id) WHERE operation_id IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendTurn persists a chat turn and returns its id.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *domain.ChatTurn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var operationID interface{}
	if turn.OperationID != "" {
		operationID = turn.OperationID
	}

	query := `
	INSERT INTO turns (turn_id, session_id, conversation_id, role, body, operation_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ID, turn.SessionID, turn.ConversationID,
			string(turn.Role), turn.Body, operationID,
			turn.CreatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("append turn: %w", err)
	}
	return turn.ID, nil
}

// UpdateTurn patches a stored turn.
func (s *SQLiteStore) UpdateTurn(ctx context.Context, turnID string, patch domain.TurnPatch) error {
	sets := make([]string, 0, 2)
	args := make([]interface{}, 0, 3)

	if patch.Body != nil {
		sets = append(sets, "body = ?")
		args = append(args, *patch.Body)
	}
	if patch.OperationID != nil {
		sets = append(sets, "operation_id = ?")
		args = append(args, *patch.OperationID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, turnID)

	query := "UPDATE turns SET " + strings.Join(sets, ", ") + " WHERE turn_id = ?"

	var rows int64
	err := s.withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	if rows == 0 {
		return ErrTurnNotFound
	}
	return nil
}

// ListByConversation returns turns for a conversation in creation order.
func (s *SQLiteStore) ListByConversation(ctx context.Context, conversationID string, page Page) ([]*domain.ChatTurn, error) {
	limit := page.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
	SELECT turn_id, session_id, conversation_id, role, body, operation_id, created_at
	FROM turns WHERE conversation_id = ?
	ORDER BY created_at ASC, turn_id ASC
	LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*domain.ChatTurn
	for rows.Next() {
		var turn domain.ChatTurn
		var role string
		var operationID sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&turn.ID, &turn.SessionID, &turn.ConversationID,
			&role, &turn.Body, &operationID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}

		turn.Role = domain.TurnRole(role)
		turn.OperationID = operationID.String
		turn.CreatedAt = time.UnixMilli(createdAt).UTC()
		turns = append(turns, &turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
	SELECT user_id, display_name, api_key_hash, roles, last_seen_at, created_at, updated_at
	FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var roles string
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.DisplayName, &user.APIKeyHash,
		&roles, &lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	if roles != "" {
		user.Roles = strings.Split(roles, ",")
	}
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, display_name, api_key_hash, roles, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		display_name = excluded.display_name,
		api_key_hash = excluded.api_key_hash,
		roles = excluded.roles,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.DisplayName, user.APIKeyHash,
			strings.Join(user.Roles, ","),
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	_, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
