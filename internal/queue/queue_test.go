package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockQueue(t *testing.T) (*SQLQueue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLQueue(sqlx.NewDb(db, "postgres")), mock
}

func TestEnqueueIsIdempotentOnRunID(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectExec("INSERT INTO run_queue").WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Enqueue(context.Background(), Message{RunID: "run-1", EnqueuedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueReturnsNilWhenEmpty(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectQuery("UPDATE run_queue SET locked_by").WillReturnRows(sqlmock.NewRows(nil))

	msg, err := q.Dequeue(context.Background(), "worker-a")
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestAckDeletesRow(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectExec("DELETE FROM run_queue").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Ack(context.Background(), "run-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNackSchedulesRedelivery(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectExec("UPDATE run_queue SET locked_by = NULL").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Nack(context.Background(), "run-1", 5*time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}
