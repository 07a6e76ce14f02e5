package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/kvadmin/pkg/scan"
)

const (
	pgTestOpID  = "0192f5e4-7c1a-7000-8000-000000000001"
	pgTestOwner = "sess-a"
)

func newMock(t *testing.T) (*Table, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func operationRow(status scan.Status, keys []byte) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(operationColumns).AddRow(
		pgTestOpID, "user:*", string(status), string(scan.PhaseProcessing), 38, 2500, 1000,
		"Processed 1000 of 2500 keys", keys, "", false, now, now, pgTestOwner,
	)
}

func TestCreate(t *testing.T) {
	table, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO kv_scan_operations").
		WithArgs(pgTestOpID, "user:*", "running", "starting", 0, 0, 0, "Starting scan",
			nil, "", false, now, now, pgTestOwner).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := table.Create(context.Background(), &scan.Operation{
		ID: pgTestOpID, Owner: pgTestOwner, Pattern: "user:*", Status: scan.StatusRunning, Phase: scan.PhaseStarting,
		Message: "Starting scan", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Found(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectQuery("SELECT id, pattern, status").
		WithArgs(pgTestOpID).
		WillReturnRows(operationRow(scan.StatusRunning, nil))

	op, err := table.Get(context.Background(), pgTestOpID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusRunning, op.Status)
	assert.Equal(t, pgTestOwner, op.Owner)
	assert.Equal(t, 38, op.Progress)
	assert.Nil(t, op.Keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_DecodesKeys(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectQuery("SELECT id, pattern, status").
		WillReturnRows(operationRow(scan.StatusComplete, []byte(`[{"name":"user:1","type":"hash","ttl":-1,"size":2}]`)))

	op, err := table.Get(context.Background(), pgTestOpID)
	require.NoError(t, err)
	require.Len(t, op.Keys, 1)
	assert.Equal(t, "user:1", op.Keys[0].Name)
	assert.Equal(t, int64(2), op.Keys[0].Size)
}

func TestGet_NotFound(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectQuery("SELECT id, pattern, status").
		WillReturnRows(sqlmock.NewRows(operationColumns))

	_, err := table.Get(context.Background(), pgTestOpID)
	assert.ErrorIs(t, err, scan.ErrOperationNotFound)
}

func TestUpdate_Success(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(pgTestOpID).
		WillReturnRows(operationRow(scan.StatusRunning, nil))
	mock.ExpectExec("UPDATE kv_scan_operations SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	op, err := table.Update(context.Background(), pgTestOpID, func(op *scan.Operation) error {
		op.Progress = 67
		op.Current = 2000
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 67, op.Progress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_TerminalRefused(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(operationRow(scan.StatusCancelled, nil))
	mock.ExpectRollback()

	called := false
	_, err := table.Update(context.Background(), pgTestOpID, func(*scan.Operation) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, scan.ErrOperationTerminal)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_FnErrorRollsBack(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(operationRow(scan.StatusRunning, nil))
	mock.ExpectRollback()

	_, err := table.Update(context.Background(), pgTestOpID, func(*scan.Operation) error {
		return errors.New("abort")
	})
	assert.EqualError(t, err, "abort")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectExec("DELETE FROM kv_scan_operations").
		WithArgs(pgTestOpID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM kv_scan_operations").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, table.Delete(context.Background(), pgTestOpID))
	assert.ErrorIs(t, table.Delete(context.Background(), "missing"), scan.ErrOperationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpire(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectExec("UPDATE kv_scan_operations SET expires_at").
		WithArgs("300000 milliseconds", pgTestOpID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, table.Expire(context.Background(), pgTestOpID, 5*time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	table, mock := newMock(t)

	mock.ExpectExec("DELETE FROM kv_scan_operations WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := table.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestCleanupRoutine(t *testing.T) {
	table, mock := newMock(t)
	mock.MatchExpectationsInOrder(false)
	for range 10 {
		mock.ExpectExec("DELETE FROM kv_scan_operations").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	table.StartCleanupRoutine(5 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, table.Close())
}
