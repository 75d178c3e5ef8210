// Package database is the SQLite-backed project store.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storyboard/internal/logging"
	dbconfig "storyboard/pkg/database"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

var _ interfaces.ProjectStore = (*Manager)(nil)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("database manager is closed")

// ErrWriteTimeout is returned when the write queue stays full.
var ErrWriteTimeout = errors.New("write operation timeout")

// Manager implements interfaces.ProjectStore
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	logger       *slog.Logger
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer. Migrations are
// applied separately through dbconfig.MigrationManager.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		logger:       logging.Component(logger, "database"),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWithRetry(op)
		case <-m.shutdown:
			// Drain what was already queued so no caller waits forever.
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- op.operation(op.ctx, m.db)
				default:
					m.logger.Debug("write loop stopped")
					return
				}
			}
		}
	}
}

// runWithRetry runs op and retries it once after RetryDelay.
// FUNCTIONAL DISCOVERY: a single delayed retry rides out a transient SQLITE_BUSY
func (m *Manager) runWithRetry(op writeOperation) error {
	err := op.operation(op.ctx, m.db)
	if err == nil || op.ctx.Err() != nil || errors.Is(err, interfaces.ErrStaleVersion) {
		return err
	}
	m.logger.Warn("database write failed, retrying", "delay", m.config.RetryDelay, "error", err)

	timer := time.NewTimer(m.config.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-op.ctx.Done():
		return op.ctx.Err()
	case <-m.shutdown:
		return err
	}

	if err = op.operation(op.ctx, m.db); err != nil {
		m.logger.Error("database write failed after retry", "error", err)
	}
	return err
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	// Holding the read lock while enqueueing guarantees Close sees every
	// queued op when it drains.
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
		m.mu.RUnlock()
	case <-timer.C:
		m.mu.RUnlock()
		return ErrWriteTimeout
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	return <-result
}

// GetProjectState returns the stored snapshot or interfaces.ErrProjectNotFound.
func (m *Manager) GetProjectState(ctx context.Context, projectID string) (*types.ProjectState, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	row := m.db.QueryRowContext(ctx, `
		SELECT id, version, data, updated_by, updated_at
		FROM projects
		WHERE id = ?
	`, projectID)

	var st types.ProjectState
	var data string
	if err := row.Scan(&st.ProjectID, &st.Version, &data, &st.UpdatedBy, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	st.Data = json.RawMessage(data)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

// SaveProjectState upserts the snapshot. An older version never overwrites
// a newer one; that case returns interfaces.ErrStaleVersion.
func (m *Manager) SaveProjectState(ctx context.Context, state *types.ProjectState) error {
	if state == nil || state.ProjectID == "" {
		return types.ErrInvalidProjectID
	}
	data := jsonText(state.Data, "{}")
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO projects (id, version, data, updated_by, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				version = excluded.version,
				data = excluded.data,
				updated_by = excluded.updated_by,
				updated_at = excluded.updated_at
			WHERE excluded.version >= projects.version
		`, state.ProjectID, state.Version, data, state.UpdatedBy, updatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save project: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to save project: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("project %s version %d: %w", state.ProjectID, state.Version, interfaces.ErrStaleVersion)
		}
		return nil
	})
}

// AppendChanges durably appends records in order, all or nothing. Records
// already stored (same id) are skipped, so retrying an append is safe. Any
// other constraint violation fails the whole batch.
func (m *Manager) AppendChanges(ctx context.Context, projectID string, records []types.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		// FUNCTIONAL DISCOVERY: Transaction support essential for atomic batch appends
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO change_records (id, project_id, author_id, kind, payload, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare change insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, rec := range records {
			if _, err := stmt.ExecContext(ctx,
				rec.ID, projectID, rec.AuthorID, rec.Kind, jsonText(rec.Payload, "null"), rec.Timestamp.UTC(),
			); err != nil {
				return fmt.Errorf("failed to insert change %s: %w", rec.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit changes: %w", err)
		}
		return nil
	})
}

// ListChanges returns the newest limit records for projectID, oldest
// first. limit <= 0 returns the whole log.
func (m *Manager) ListChanges(ctx context.Context, projectID string, limit int) ([]types.ChangeRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	// FUNCTIONAL DISCOVERY: newest-N by seq, then flipped to chronological order
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, project_id, author_id, kind, payload, timestamp FROM (
			SELECT seq, id, project_id, author_id, kind, payload, timestamp
			FROM change_records
			WHERE project_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.ChangeRecord
	for rows.Next() {
		var rec types.ChangeRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.AuthorID, &rec.Kind, &payload, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change rows: %w", err)
	}
	return records, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer after it drains queued writes, then closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func jsonText(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	return string(raw)
}
