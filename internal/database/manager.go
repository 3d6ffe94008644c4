package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	dbconfig "vrdiag/pkg/database"
	"vrdiag/pkg/interfaces"
	"vrdiag/pkg/types"
)

// Manager implements interfaces.SessionStore on SQLite.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       logrus.FieldLogger
	writeChannel chan writeOperation // single writer for SQLite
	shutdown     chan struct{}
	stopped      chan struct{} // closed once writeLoop has returned
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

var _ interfaces.SessionStore = (*Manager)(nil)

// ErrManagerClosed is returned for writes issued or still queued after Close.
var ErrManagerClosed = errors.New("database manager is closed")

const sessionColumns = `id, doctor_id, patient_id, code, type, level, state, expired_at, created_at, updated_at`

// NewManager opens the database, applies migrations and validates the schema.
func NewManager(config *dbconfig.Config, logger logrus.FieldLogger) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.WithField("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		retryDelay:   time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			m.rejectQueued()
			return
		}
	}
}

func (m *Manager) runWrite(op writeOperation) error {
	err := op.operation(m.db)
	if err != nil && isBusy(err) {
		// Only lock contention is retried.
		m.logger.WithError(err).Warn("database busy, retrying write")
		time.Sleep(m.retryDelay)
		err = op.operation(m.db)
	}
	return err
}

// rejectQueued answers writes that were queued when shutdown began.
func (m *Manager) rejectQueued() {
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrManagerClosed
		default:
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
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

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		// The loop may have answered just before it stopped.
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// CreateSession inserts s and assigns its id.
func (m *Manager) CreateSession(ctx context.Context, s *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO diagnoses (doctor_id, patient_id, code, type, level, state, expired_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			s.DoctorID,
			s.PatientID,
			s.Code,
			string(s.ContentType),
			s.Level,
			string(s.State),
			s.ExpiresAt.UTC(),
			s.CreatedAt.UTC(),
			s.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read session id: %w", err)
		}
		s.ID = id
		return nil
	})
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, id int64) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM diagnoses WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

// UpdateSessionState is a compare-and-set on the state column.
func (m *Manager) UpdateSessionState(ctx context.Context, id int64, from, to types.State, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE diagnoses SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(to), at.UTC(), id, string(from),
		)
		if err != nil {
			return fmt.Errorf("failed to update session state: %w", err)
		}
		return m.checkSwapped(ctx, db, res, id)
	})
}

// CompleteSession moves the session to COMPLETED and stores its result atomically.
func (m *Manager) CompleteSession(ctx context.Context, result *types.SessionResult, from types.State, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE diagnoses SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(types.StateCompleted), at.UTC(), result.SessionID, string(from),
		)
		if err != nil {
			return fmt.Errorf("failed to complete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return m.missingOrStale(ctx, tx, result.SessionID)
		}

		ins, err := tx.ExecContext(ctx, `
			INSERT INTO diagnosis_results (diagnosis_id, original_file_path, processed_file_path, score, time_spent, fps, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			result.SessionID,
			result.OriginalPath,
			result.ProcessedPath,
			result.Score,
			result.Duration,
			result.Throughput,
			at.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session result: %w", err)
		}
		if id, err := ins.LastInsertId(); err == nil {
			result.ID = id
		}
		result.CreatedAt = at

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session completion: %w", err)
		}
		return nil
	})
}

func (m *Manager) checkSwapped(ctx context.Context, db *sql.DB, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	return m.missingOrStale(ctx, db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (m *Manager) missingOrStale(ctx context.Context, q queryer, id int64) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM diagnoses WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	return interfaces.ErrStaleState
}

// FindLiveSessionByDoctor returns the doctor's newest READY or STARTED session.
func (m *Manager) FindLiveSessionByDoctor(ctx context.Context, doctorID int64) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM diagnoses
		WHERE doctor_id = ? AND state IN ('READY', 'STARTED')
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, doctorID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query live session: %w", err)
	}
	return s, nil
}

// ListLiveSessions returns every READY or STARTED session.
func (m *Manager) ListLiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM diagnoses
		WHERE state IN ('READY', 'STARTED')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query live sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// GetResult returns the result stored for a completed session.
func (m *Manager) GetResult(ctx context.Context, sessionID int64) (*types.SessionResult, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, diagnosis_id, original_file_path, processed_file_path, score, time_spent, fps, created_at
		FROM diagnosis_results WHERE diagnosis_id = ?
	`, sessionID)

	var r types.SessionResult
	err := row.Scan(&r.ID, &r.SessionID, &r.OriginalPath, &r.ProcessedPath, &r.Score, &r.Duration, &r.Throughput, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session result: %w", err)
	}
	return &r, nil
}

// ListCompletedRecords returns completed sessions with their results, newest first.
func (m *Manager) ListCompletedRecords(ctx context.Context, patientID int64, from, to time.Time) ([]*types.Record, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT d.id, d.doctor_id, d.patient_id, d.code, d.type, d.level, d.state, d.expired_at, d.created_at, d.updated_at,
		       r.id, r.diagnosis_id, r.original_file_path, r.processed_file_path, r.score, r.time_spent, r.fps, r.created_at
		FROM diagnoses d
		JOIN diagnosis_results r ON r.diagnosis_id = d.id
		WHERE d.patient_id = ? AND d.state = 'COMPLETED' AND d.created_at >= ? AND d.created_at <= ?
		ORDER BY d.created_at DESC, d.id DESC
	`, patientID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.Record
	for rows.Next() {
		var s types.Session
		var r types.SessionResult
		var contentType, state string
		err := rows.Scan(
			&s.ID, &s.DoctorID, &s.PatientID, &s.Code, &contentType, &s.Level, &state, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
			&r.ID, &r.SessionID, &r.OriginalPath, &r.ProcessedPath, &r.Score, &r.Duration, &r.Throughput, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		s.ContentType = types.ContentType(contentType)
		s.State = types.State(state)
		records = append(records, &types.Record{Session: &s, Result: &r})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return records, nil
}

// GetPatientByCode resolves a device handshake code.
func (m *Manager) GetPatientByCode(ctx context.Context, code string) (*types.Patient, error) {
	var p types.Patient
	err := m.db.QueryRowContext(ctx,
		`SELECT id, patient_code, name FROM patients WHERE patient_code = ?`, code,
	).Scan(&p.ID, &p.Code, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient: %w", err)
	}
	return &p, nil
}

// CreatePatient inserts p and assigns its id.
func (m *Manager) CreatePatient(ctx context.Context, p *types.Patient) error {
	if !types.IsValidPatientCode(p.Code) {
		return types.ErrInvalidPatientCode
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO patients (patient_code, name) VALUES (?, ?)`, p.Code, p.Name)
		if err != nil {
			return fmt.Errorf("failed to insert patient: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read patient id: %w", err)
		}
		p.ID = id
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM diagnoses").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// Close shuts down the database manager
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var contentType, state string
	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.PatientID,
		&s.Code,
		&contentType,
		&s.Level,
		&state,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ContentType = types.ContentType(contentType)
	s.State = types.State(state)
	return &s, nil
}
