package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docsync/internal/docid"
	"docsync/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// lockDocument takes a transaction-scoped advisory lock so appends and
// compaction of one document are serialised across every process.
func lockDocument(ctx context.Context, tx *sql.Tx, id docid.DocumentID) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id.String()); err != nil {
		return fmt.Errorf("lock document %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, id docid.DocumentID, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockDocument(ctx, tx, id); err != nil {
		return err
	}
	for _, update := range updates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO doc_updates (workspace_id, guid, blob, origin)
			VALUES ($1, $2, $3, $4)
		`, id.WorkspaceID, id.GUID, update.Data, update.Origin); err != nil {
			return fmt.Errorf("insert update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, id docid.DocumentID) ([]Fragment, error) {
	return s.ReadSince(ctx, id, 0)
}

// ReadSince returns the fragments with a sequence number above afterSeq.
// Appends to one document are serialised by its advisory lock, so sequence
// order matches commit order within a document.
func (s *PostgresStore) ReadSince(ctx context.Context, id docid.DocumentID, afterSeq int64) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, blob, origin, created_at
		FROM doc_updates
		WHERE workspace_id = $1 AND guid = $2 AND seq > $3
		ORDER BY seq ASC
	`, id.WorkspaceID, id.GUID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var fragments []Fragment
	for rows.Next() {
		fragment := Fragment{DocID: id}
		if err := rows.Scan(&fragment.Seq, &fragment.Data, &fragment.Origin, &fragment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		fragments = append(fragments, fragment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return fragments, nil
}

func (s *PostgresStore) Count(ctx context.Context, id docid.DocumentID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM doc_updates WHERE workspace_id = $1 AND guid = $2
	`, id.WorkspaceID, id.GUID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count updates: %w", err)
	}
	return count, nil
}

// Squash atomically replaces every fragment up to throughSeq with snapshot.
func (s *PostgresStore) Squash(ctx context.Context, id docid.DocumentID, throughSeq int64, snapshot []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin squash: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockDocument(ctx, tx, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM doc_updates WHERE workspace_id = $1 AND guid = $2 AND seq <= $3
	`, id.WorkspaceID, id.GUID, throughSeq)
	if err != nil {
		return fmt.Errorf("delete squashed updates: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO doc_updates (workspace_id, guid, blob, origin)
		VALUES ($1, $2, $3, $4)
	`, id.WorkspaceID, id.GUID, snapshot, OriginCompaction); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit squash: %w", err)
	}
	return nil
}

// Check answers whether userID holds at least min on the workspace. Public
// workspaces grant Read to everyone, including anonymous (empty) users.
func (s *PostgresStore) Check(ctx context.Context, workspaceID, userID string, min rbac.Level) (bool, error) {
	var public bool
	var raw int
	err := s.db.QueryRowContext(ctx, `
		SELECT w.public, COALESCE(p.level, 0)
		FROM workspaces w
		LEFT JOIN workspace_permissions p ON p.workspace_id = w.id AND p.user_id = $2
		WHERE w.id = $1
	`, workspaceID, userID).Scan(&public, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return effectiveLevel(public, userID, rbac.Normalize(raw)).Allows(min), nil
}

func (s *PostgresStore) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE id=$1)`, workspaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workspace: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspaceID string, public bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, public) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET public = EXCLUDED.public
	`, workspaceID, public)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) Grant(ctx context.Context, workspaceID, userID string, level rbac.Level) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_permissions (workspace_id, user_id, level) VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET level = EXCLUDED.level
	`, workspaceID, userID, int(level))
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

func effectiveLevel(public bool, userID string, granted rbac.Level) rbac.Level {
	if userID == "" {
		granted = rbac.LevelNone
	}
	if public && granted < rbac.LevelRead {
		return rbac.LevelRead
	}
	return granted
}
