package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "wardsim/pkg/database"
	"wardsim/pkg/interfaces"
	"wardsim/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.DatabaseManager on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and starts the writer
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.SQLitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return NewManagerFromDB(db, config, logger), nil
}

// NewManagerFromDB wraps an already open handle. No pragmas are applied.
func NewManagerFromDB(db *sql.DB, config *dbconfig.Config, logger *zap.Logger) *Manager {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()
	return manager
}

// Migrate applies pending migrations from the configured source
func (m *Manager) Migrate() error {
	mm := dbconfig.NewMigrationManager(m.db, dbconfig.MigrationsFS(m.config.MigrationsPath))
	if err := mm.ApplyMigrations(); err != nil {
		return err
	}
	return mm.ValidateSchema()
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: Retry exactly once after RetryDelay; constraint
			// violations are final
			err := op.operation(m.db)
			if err != nil && retryable(err) {
				m.logger.Warn("database write failed, retrying",
					zap.Duration("delay", m.config.RetryDelay), zap.Error(err))
				select {
				case <-time.After(m.config.RetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			return
		}
	}
}

// retryable is false for constraint violations, which would fail again.
func retryable(err error) bool {
	if errors.Is(err, interfaces.ErrActiveSessionExists) || errors.Is(err, interfaces.ErrWardNotFound) {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return false
	}
	return true
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// UpsertWard creates or replaces a ward roster
func (m *Manager) UpsertWard(ctx context.Context, ward *types.Ward) error {
	patientIDs, err := json.Marshal(nonNilStrings(ward.PatientIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal patient IDs: %w", err)
	}
	staff := ward.Staff
	if staff == nil {
		staff = []types.StaffRef{}
	}
	staffJSON, err := json.Marshal(staff)
	if err != nil {
		return fmt.Errorf("failed to marshal staff: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO wards (id, org_id, name, patient_ids, staff, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				org_id = excluded.org_id,
				name = excluded.name,
				patient_ids = excluded.patient_ids,
				staff = excluded.staff,
				updated_at = excluded.updated_at
		`, ward.ID, ward.OrgID, ward.Name, string(patientIDs), string(staffJSON), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert ward: %w", err)
		}
		return nil
	})
}

// GetWard retrieves a ward roster by ID
func (m *Manager) GetWard(ctx context.Context, wardID string) (*types.Ward, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, patient_ids, staff
		FROM wards
		WHERE id = ?
	`, wardID)

	var ward types.Ward
	var patientIDs, staff string
	if err := row.Scan(&ward.ID, &ward.OrgID, &ward.Name, &patientIDs, &staff); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrWardNotFound
		}
		return nil, fmt.Errorf("failed to query ward: %w", err)
	}
	if err := json.Unmarshal([]byte(patientIDs), &ward.PatientIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient IDs: %w", err)
	}
	if err := json.Unmarshal([]byte(staff), &ward.Staff); err != nil {
		return nil, fmt.Errorf("failed to unmarshal staff: %w", err)
	}
	return &ward, nil
}

// CreateSession persists a new active session
func (m *Manager) CreateSession(ctx context.Context, session *types.WardSession) error {
	assignments, err := json.Marshal(session.Assignments)
	if err != nil {
		return fmt.Errorf("failed to marshal assignments: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var active int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM ward_sessions WHERE ward_id = ? AND status = 'active'",
			session.WardID,
		).Scan(&active); err != nil {
			return fmt.Errorf("failed to check active sessions: %w", err)
		}
		if active > 0 {
			return interfaces.ErrActiveSessionExists
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ward_sessions
				(id, ward_id, org_id, start_time, duration, started_by, started_by_role, status, end_reason, assignments)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID,
			session.WardID,
			session.OrgID,
			session.StartTime.UTC(),
			session.Duration.String(),
			session.StartedBy,
			session.StartedByRole,
			session.Status,
			session.EndReason,
			string(assignments),
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
					return interfaces.ErrWardNotFound
				}
				return interfaces.ErrActiveSessionExists
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session creation: %w", err)
		}
		return nil
	})
}

const sessionColumns = `
	s.id, s.ward_id, w.name, s.org_id, s.start_time, s.duration, s.started_by,
	s.started_by_role, s.status, s.end_time, s.end_reason, s.assignments
`

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.WardSession, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	row := m.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM ward_sessions s
		JOIN wards w ON w.id = s.ward_id
		WHERE s.id = ?
	`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// UpdateSession records status, end_time and end_reason
func (m *Manager) UpdateSession(ctx context.Context, session *types.WardSession) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var endTime interface{}
		if session.EndTime != nil {
			endTime = session.EndTime.UTC()
		}
		res, err := db.ExecContext(ctx, `
			UPDATE ward_sessions
			SET status = ?, end_time = ?, end_reason = ?
			WHERE id = ?
		`, session.Status, endTime, session.EndReason, session.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// ListActiveSessions returns all active sessions, newest first
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.WardSession, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM ward_sessions s
		JOIN wards w ON w.id = s.ward_id
		WHERE s.status = 'active'
		ORDER BY s.start_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]*types.WardSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*types.WardSession, error) {
	var session types.WardSession
	var duration, assignments string
	var endTime sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.WardID,
		&session.WardName,
		&session.OrgID,
		&session.StartTime,
		&duration,
		&session.StartedBy,
		&session.StartedByRole,
		&session.Status,
		&endTime,
		&session.EndReason,
		&assignments,
	)
	if err != nil {
		return nil, err
	}

	d, err := types.ParseDuration(duration)
	if err != nil {
		return nil, err
	}
	session.Duration = d
	session.StartTime = session.StartTime.UTC()
	session.Assignments = types.ParseAssignments(assignments)
	if endTime.Valid {
		t := endTime.Time.UTC()
		session.EndTime = &t
	}
	return &session, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ward_sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the writer and the connection pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
