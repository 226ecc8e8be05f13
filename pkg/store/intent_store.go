package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

var (
	ErrIntentExists        = errors.New("store: intent id or idempotency key already exists")
	ErrIntentNotFound      = errors.New("store: intent not found")
	ErrNonMonotonicStatus  = errors.New("store: status transition is non-monotonic")
	ErrAlreadyResolved     = errors.New("store: intent already resolved")
)

// intentRank orders IntentStatus so updateStatus can reject backward moves.
// ACCEPTED < EXECUTING < {VERIFIED, FAILED, EXPIRED}; terminal statuses never move again.
var intentRank = map[contracts.IntentStatus]int{
	contracts.IntentAccepted:  0,
	contracts.IntentExecuting: 1,
	contracts.IntentVerified:  2,
	contracts.IntentFailed:    2,
	contracts.IntentExpired:   2,
}

// IntentFilter narrows findFiltered results.
type IntentFilter struct {
	OperatorID string
	Type       contracts.IntentType
	Status     contracts.IntentStatus
	Since      *time.Time
	Limit      int
}

// IntentStore persists intents on behalf of the intent service (C7). Every
// implementation must fail insert on id or idempotency_key collision and
// reject non-monotonic status transitions.
type IntentStore interface {
	Insert(ctx context.Context, intent *contracts.Intent) error
	UpdateStatus(ctx context.Context, id string, newStatus contracts.IntentStatus) error
	Resolve(ctx context.Context, id string, terminalStatus contracts.IntentStatus, receipt *contracts.IntentReceipt) error
	FindByID(ctx context.Context, id string) (*contracts.Intent, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*contracts.Intent, error)
	FindRecent(ctx context.Context, limit int, intentType contracts.IntentType) ([]*contracts.Intent, error)
	FindFiltered(ctx context.Context, filter IntentFilter) ([]*contracts.Intent, error)
}

func validateTransition(current, next contracts.IntentStatus) error {
	if current.IsTerminal() {
		return ErrAlreadyResolved
	}
	if intentRank[next] < intentRank[current] {
		return fmt.Errorf("%w: %s -> %s", ErrNonMonotonicStatus, current, next)
	}
	return nil
}

// MemoryIntentStore is an in-process IntentStore used in tests and as the
// hydration target before a durable backend is reachable.
type MemoryIntentStore struct {
	mu          sync.RWMutex
	byID        map[string]*contracts.Intent
	byIdempKey  map[string]string // idempotency_key -> id
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		byID:       make(map[string]*contracts.Intent),
		byIdempKey: make(map[string]string),
	}
}

func (s *MemoryIntentStore) Insert(ctx context.Context, intent *contracts.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[intent.ID]; exists {
		return ErrIntentExists
	}
	if _, exists := s.byIdempKey[intent.IdempotencyKey]; exists {
		return ErrIntentExists
	}
	clone := *intent
	s.byID[intent.ID] = &clone
	s.byIdempKey[intent.IdempotencyKey] = intent.ID
	return nil
}

func (s *MemoryIntentStore) UpdateStatus(ctx context.Context, id string, newStatus contracts.IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byID[id]
	if !ok {
		return ErrIntentNotFound
	}
	if err := validateTransition(intent.Status, newStatus); err != nil {
		return err
	}
	intent.Status = newStatus
	return nil
}

func (s *MemoryIntentStore) Resolve(ctx context.Context, id string, terminalStatus contracts.IntentStatus, receipt *contracts.IntentReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byID[id]
	if !ok {
		return ErrIntentNotFound
	}
	if err := validateTransition(intent.Status, terminalStatus); err != nil {
		return err
	}
	intent.Status = terminalStatus
	intent.Receipt = receipt
	return nil
}

func (s *MemoryIntentStore) FindByID(ctx context.Context, id string) (*contracts.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.byID[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	clone := *intent
	return &clone, nil
}

func (s *MemoryIntentStore) FindByIdempotencyKey(ctx context.Context, key string) (*contracts.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdempKey[key]
	if !ok {
		return nil, ErrIntentNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

func (s *MemoryIntentStore) FindRecent(ctx context.Context, limit int, intentType contracts.IntentType) ([]*contracts.Intent, error) {
	return s.FindFiltered(ctx, IntentFilter{Type: intentType, Limit: limit})
}

func (s *MemoryIntentStore) FindFiltered(ctx context.Context, filter IntentFilter) ([]*contracts.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*contracts.Intent, 0, len(s.byID))
	for _, intent := range s.byID {
		if filter.OperatorID != "" && intent.OperatorID != filter.OperatorID {
			continue
		}
		if filter.Type != "" && intent.Type != filter.Type {
			continue
		}
		if filter.Status != "" && intent.Status != filter.Status {
			continue
		}
		if filter.Since != nil && intent.SubmittedAt.Before(*filter.Since) {
			continue
		}
		clone := *intent
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].SubmittedAt.After(results[j].SubmittedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// PostgresIntentStore is the durable SQL-backed IntentStore.
type PostgresIntentStore struct {
	db *sql.DB
}

func NewPostgresIntentStore(db *sql.DB) *PostgresIntentStore {
	return &PostgresIntentStore{db: db}
}

func (s *PostgresIntentStore) Insert(ctx context.Context, intent *contracts.Intent) error {
	paramsJSON, err := json.Marshal(intent.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	query := `
		INSERT INTO intents (
			id, idempotency_key, type, params, operator_id, reason, submitted_at,
			ttl_seconds, signature, state_hash, status, danger_level
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		intent.ID, intent.IdempotencyKey, intent.Type, paramsJSON, intent.OperatorID,
		intent.Reason, intent.SubmittedAt, intent.TTLSeconds, intent.Signature,
		intent.StateHash, intent.Status, intent.DangerLevel,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIntentExists
		}
		return fmt.Errorf("insert intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	if affected == 0 {
		return ErrIntentExists
	}
	return nil
}

func (s *PostgresIntentStore) UpdateStatus(ctx context.Context, id string, newStatus contracts.IntentStatus) error {
	return s.transition(ctx, id, newStatus, nil)
}

func (s *PostgresIntentStore) Resolve(ctx context.Context, id string, terminalStatus contracts.IntentStatus, receipt *contracts.IntentReceipt) error {
	return s.transition(ctx, id, terminalStatus, receipt)
}

func (s *PostgresIntentStore) transition(ctx context.Context, id string, newStatus contracts.IntentStatus, receipt *contracts.IntentReceipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current contracts.IntentStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrIntentNotFound
		}
		return fmt.Errorf("load intent status: %w", err)
	}
	if err := validateTransition(current, newStatus); err != nil {
		return err
	}

	if receipt != nil {
		receiptJSON, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshal receipt: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE intents SET status = $1, receipt = $2 WHERE id = $3`, newStatus, receiptJSON, id); err != nil {
			return fmt.Errorf("update intent status with receipt: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE intents SET status = $1 WHERE id = $2`, newStatus, id); err != nil {
			return fmt.Errorf("update intent status: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresIntentStore) FindByID(ctx context.Context, id string) (*contracts.Intent, error) {
	row := s.db.QueryRowContext(ctx, intentSelectColumns+` FROM intents WHERE id = $1`, id)
	return scanIntentRow(row)
}

func (s *PostgresIntentStore) FindByIdempotencyKey(ctx context.Context, key string) (*contracts.Intent, error) {
	row := s.db.QueryRowContext(ctx, intentSelectColumns+` FROM intents WHERE idempotency_key = $1`, key)
	return scanIntentRow(row)
}

func (s *PostgresIntentStore) FindRecent(ctx context.Context, limit int, intentType contracts.IntentType) ([]*contracts.Intent, error) {
	var rows *sql.Rows
	var err error
	if intentType != "" {
		rows, err = s.db.QueryContext(ctx, intentSelectColumns+` FROM intents WHERE type = $1 ORDER BY submitted_at DESC LIMIT $2`, intentType, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, intentSelectColumns+` FROM intents ORDER BY submitted_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("find recent intents: %w", err)
	}
	return scanIntentRows(rows)
}

func (s *PostgresIntentStore) FindFiltered(ctx context.Context, filter IntentFilter) ([]*contracts.Intent, error) {
	query := intentSelectColumns + ` FROM intents WHERE 1=1`
	args := make([]any, 0, 5)
	argN := 1

	if filter.OperatorID != "" {
		query += fmt.Sprintf(" AND operator_id = $%d", argN)
		args = append(args, filter.OperatorID)
		argN++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argN)
		args = append(args, filter.Type)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND submitted_at >= $%d", argN)
		args = append(args, *filter.Since)
		argN++
	}
	query += " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find filtered intents: %w", err)
	}
	return scanIntentRows(rows)
}

const intentSelectColumns = `SELECT id, idempotency_key, type, params, operator_id, reason, submitted_at,
	ttl_seconds, signature, state_hash, status, receipt, danger_level`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntentRow(row rowScanner) (*contracts.Intent, error) {
	intent, _, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return intent, nil
}

func scanIntentRows(rows *sql.Rows) ([]*contracts.Intent, error) {
	defer func() { _ = rows.Close() }()
	var intents []*contracts.Intent
	for rows.Next() {
		intent, _, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return intents, nil
}

func scanIntent(row rowScanner) (*contracts.Intent, bool, error) {
	var (
		intent      contracts.Intent
		paramsJSON  []byte
		receiptJSON sql.NullString
		reason      sql.NullString
	)
	err := row.Scan(
		&intent.ID, &intent.IdempotencyKey, &intent.Type, &paramsJSON, &intent.OperatorID,
		&reason, &intent.SubmittedAt, &intent.TTLSeconds, &intent.Signature, &intent.StateHash,
		&intent.Status, &receiptJSON, &intent.DangerLevel,
	)
	if err != nil {
		return nil, false, err
	}
	intent.Reason = reason.String
	intent.Params = json.RawMessage(paramsJSON)
	if receiptJSON.Valid && receiptJSON.String != "" {
		var receipt contracts.IntentReceipt
		if err := json.Unmarshal([]byte(receiptJSON.String), &receipt); err != nil {
			return nil, false, fmt.Errorf("unmarshal receipt: %w", err)
		}
		intent.Receipt = &receipt
	}
	return &intent, true, nil
}

func isUniqueViolation(err error) bool {
	// lib/pq reports unique_violation as SQLSTATE 23505; matching on the
	// message avoids importing the driver's error type into this package.
	return err != nil && contains(err.Error(), "23505")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// SQLiteIntentStore is the embedded-mode backend for single-node deployments.
type SQLiteIntentStore struct {
	db *sql.DB
}

func NewSQLiteIntentStore(db *sql.DB) (*SQLiteIntentStore, error) {
	s := &SQLiteIntentStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteIntentStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		params JSON,
		operator_id TEXT NOT NULL,
		reason TEXT,
		submitted_at DATETIME NOT NULL,
		ttl_seconds INTEGER NOT NULL DEFAULT 0,
		signature TEXT NOT NULL,
		state_hash TEXT,
		status TEXT NOT NULL,
		receipt JSON,
		danger_level TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteIntentStore) Insert(ctx context.Context, intent *contracts.Intent) error {
	paramsJSON, err := json.Marshal(intent.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	query := `INSERT INTO intents (
		id, idempotency_key, type, params, operator_id, reason, submitted_at,
		ttl_seconds, signature, state_hash, status, danger_level
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		intent.ID, intent.IdempotencyKey, intent.Type, paramsJSON, intent.OperatorID,
		intent.Reason, intent.SubmittedAt.UTC().Format(time.RFC3339Nano), intent.TTLSeconds,
		intent.Signature, intent.StateHash, intent.Status, intent.DangerLevel,
	)
	if err != nil {
		if isUniqueViolation(err) || containsConstraint(err) {
			return ErrIntentExists
		}
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func containsConstraint(err error) bool {
	return err != nil && contains(err.Error(), "UNIQUE constraint")
}

func (s *SQLiteIntentStore) UpdateStatus(ctx context.Context, id string, newStatus contracts.IntentStatus) error {
	return s.transition(ctx, id, newStatus, nil)
}

func (s *SQLiteIntentStore) Resolve(ctx context.Context, id string, terminalStatus contracts.IntentStatus, receipt *contracts.IntentReceipt) error {
	return s.transition(ctx, id, terminalStatus, receipt)
}

func (s *SQLiteIntentStore) transition(ctx context.Context, id string, newStatus contracts.IntentStatus, receipt *contracts.IntentReceipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current contracts.IntentStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrIntentNotFound
		}
		return fmt.Errorf("load intent status: %w", err)
	}
	if err := validateTransition(current, newStatus); err != nil {
		return err
	}

	if receipt != nil {
		receiptJSON, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshal receipt: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE intents SET status = ?, receipt = ? WHERE id = ?`, newStatus, receiptJSON, id); err != nil {
			return fmt.Errorf("update intent status with receipt: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE intents SET status = ? WHERE id = ?`, newStatus, id); err != nil {
			return fmt.Errorf("update intent status: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIntentStore) FindByID(ctx context.Context, id string) (*contracts.Intent, error) {
	row := s.db.QueryRowContext(ctx, sqliteIntentSelectColumns+` FROM intents WHERE id = ?`, id)
	return scanSQLiteIntentRow(row)
}

func (s *SQLiteIntentStore) FindByIdempotencyKey(ctx context.Context, key string) (*contracts.Intent, error) {
	row := s.db.QueryRowContext(ctx, sqliteIntentSelectColumns+` FROM intents WHERE idempotency_key = ?`, key)
	return scanSQLiteIntentRow(row)
}

func (s *SQLiteIntentStore) FindRecent(ctx context.Context, limit int, intentType contracts.IntentType) ([]*contracts.Intent, error) {
	var rows *sql.Rows
	var err error
	if intentType != "" {
		rows, err = s.db.QueryContext(ctx, sqliteIntentSelectColumns+` FROM intents WHERE type = ? ORDER BY submitted_at DESC LIMIT ?`, intentType, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, sqliteIntentSelectColumns+` FROM intents ORDER BY submitted_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("find recent intents: %w", err)
	}
	return scanSQLiteIntentRows(rows)
}

func (s *SQLiteIntentStore) FindFiltered(ctx context.Context, filter IntentFilter) ([]*contracts.Intent, error) {
	query := sqliteIntentSelectColumns + ` FROM intents WHERE 1=1`
	args := make([]any, 0, 5)

	if filter.OperatorID != "" {
		query += " AND operator_id = ?"
		args = append(args, filter.OperatorID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		query += " AND submitted_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find filtered intents: %w", err)
	}
	return scanSQLiteIntentRows(rows)
}

const sqliteIntentSelectColumns = `SELECT id, idempotency_key, type, params, operator_id, reason, submitted_at,
	ttl_seconds, signature, state_hash, status, receipt, danger_level`

func scanSQLiteIntentRow(row rowScanner) (*contracts.Intent, error) {
	intent, submittedAt, err := scanSQLiteIntentFields(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	intent.SubmittedAt = submittedAt
	return intent, nil
}

func scanSQLiteIntentRows(rows *sql.Rows) ([]*contracts.Intent, error) {
	defer func() { _ = rows.Close() }()
	var intents []*contracts.Intent
	for rows.Next() {
		intent, submittedAt, err := scanSQLiteIntentFields(rows)
		if err != nil {
			return nil, err
		}
		intent.SubmittedAt = submittedAt
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return intents, nil
}

// scanSQLiteIntentFields scans the text-encoded timestamp SQLite returns
// separately, since it cannot scan directly into time.Time like lib/pq.
func scanSQLiteIntentFields(row rowScanner) (*contracts.Intent, time.Time, error) {
	var (
		intent        contracts.Intent
		paramsJSON    []byte
		receiptJSON   sql.NullString
		reason        sql.NullString
		submittedAtTx string
	)
	err := row.Scan(
		&intent.ID, &intent.IdempotencyKey, &intent.Type, &paramsJSON, &intent.OperatorID,
		&reason, &submittedAtTx, &intent.TTLSeconds, &intent.Signature, &intent.StateHash,
		&intent.Status, &receiptJSON, &intent.DangerLevel,
	)
	if err != nil {
		return nil, time.Time{}, err
	}
	intent.Reason = reason.String
	intent.Params = json.RawMessage(paramsJSON)
	if receiptJSON.Valid && receiptJSON.String != "" {
		var receipt contracts.IntentReceipt
		if err := json.Unmarshal([]byte(receiptJSON.String), &receipt); err != nil {
			return nil, time.Time{}, fmt.Errorf("unmarshal receipt: %w", err)
		}
		intent.Receipt = &receipt
	}
	submittedAt, perr := time.Parse(time.RFC3339Nano, submittedAtTx)
	if perr != nil {
		submittedAt, perr = time.Parse(time.RFC3339, submittedAtTx)
		if perr != nil {
			return nil, time.Time{}, fmt.Errorf("parse submitted_at: %w", perr)
		}
	}
	return &intent, submittedAt, nil
}
