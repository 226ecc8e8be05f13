package store_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/store"
)

func TestPostgresIntentStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresIntentStore(db)
	intent := &contracts.Intent{
		ID:             "intent-1",
		IdempotencyKey: "idem-1",
		Type:           contracts.IntentArm,
		Params:         []byte(`{}`),
		OperatorID:     "op-1",
		SubmittedAt:    time.Now(),
		TTLSeconds:     60,
		Signature:      "sig",
		StateHash:      "hash",
		Status:         contracts.IntentAccepted,
		DangerLevel:    contracts.DangerSafe,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO intents (
			id, idempotency_key, type, params, operator_id, reason, submitted_at,
			ttl_seconds, signature, state_hash, status, danger_level
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`)).
		WithArgs(intent.ID, intent.IdempotencyKey, intent.Type, sqlmock.AnyArg(), intent.OperatorID,
			intent.Reason, intent.SubmittedAt, intent.TTLSeconds, intent.Signature,
			intent.StateHash, intent.Status, intent.DangerLevel).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.Insert(context.Background(), intent)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIntentStore_Insert_Conflict_ReturnsErrIntentExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresIntentStore(db)
	intent := &contracts.Intent{
		ID:             "intent-1",
		IdempotencyKey: "idem-1",
		Type:           contracts.IntentArm,
		Params:         []byte(`{}`),
		OperatorID:     "op-1",
		SubmittedAt:    time.Now(),
		Status:         contracts.IntentAccepted,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO intents")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.Insert(context.Background(), intent)
	assert.ErrorIs(t, err, store.ErrIntentExists)
}

func TestPostgresIntentStore_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresIntentStore(db)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "idempotency_key", "type", "params", "operator_id", "reason", "submitted_at",
		"ttl_seconds", "signature", "state_hash", "status", "receipt", "danger_level",
	}).AddRow("intent-1", "idem-1", contracts.IntentArm, []byte(`{}`), "op-1", "", now,
		60, "sig", "hash", contracts.IntentAccepted, nil, contracts.DangerSafe)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, idempotency_key, type, params, operator_id, reason, submitted_at,
	ttl_seconds, signature, state_hash, status, receipt, danger_level FROM intents WHERE id = $1`)).
		WithArgs("intent-1").
		WillReturnRows(rows)

	got, err := s.FindByID(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, "intent-1", got.ID)
	assert.Equal(t, contracts.IntentAccepted, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIntentStore_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresIntentStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM intents WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrIntentNotFound)
}

func TestPostgresIntentStore_UpdateStatus_NonMonotonicRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresIntentStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM intents WHERE id = $1 FOR UPDATE")).
		WithArgs("intent-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(contracts.IntentVerified))
	mock.ExpectRollback()

	err = s.UpdateStatus(context.Background(), "intent-1", contracts.IntentExecuting)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIntentStore_UpdateStatus_Accepted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresIntentStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM intents WHERE id = $1 FOR UPDATE")).
		WithArgs("intent-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(contracts.IntentAccepted))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE intents SET status = $1 WHERE id = $2")).
		WithArgs(contracts.IntentExecuting, "intent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.UpdateStatus(context.Background(), "intent-1", contracts.IntentExecuting)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
