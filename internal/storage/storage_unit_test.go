package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/storage"
	"github.com/eden3/eden3/internal/testutil"
)

func newMockDB(t *testing.T) (*storage.DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return storage.NewWithPool(mock, testutil.TestLogger()), mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func mockEvent() (model.Event, model.Job) {
	ev := model.Event{
		EventID:   "E1",
		Type:      model.EventTypeWorkCreated,
		AgentID:   uuid.New(),
		Payload:   json.RawMessage(`{"agentId":"abraham"}`),
		Metadata:  model.EventMetadata{Source: model.SourceNative, OriginalAgentID: "abraham"},
		Timestamp: time.Now().UTC(),
	}
	job := model.Job{
		ID:          model.JobIDFor(ev.EventID),
		EventID:     ev.EventID,
		EventType:   ev.Type,
		AgentRef:    "abraham",
		Payload:     ev.Payload,
		MaxAttempts: 3,
	}
	return ev, job
}

func TestCreateEventWithJob_DuplicateWritesNothing(t *testing.T) {
	db, mock := newMockDB(t)
	ev, job := mockEvent()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	_, err := db.CreateEventWithJob(context.Background(), ev, job)
	require.ErrorIs(t, err, storage.ErrDuplicateEvent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEventWithJob_InsertsEventThenJob(t *testing.T) {
	db, mock := newMockDB(t)
	ev, job := mockEvent()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := db.CreateEventWithJob(context.Background(), ev, job)
	require.NoError(t, err)
	assert.Equal(t, model.EventPending, got.Status)
	assert.NotEqual(t, uuid.Nil, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEventWithJob_JobFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	ev, job := mockEvent()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs(anyArgs(9)...).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := db.CreateEventWithJob(context.Background(), ev, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailEvent_IncrementsAttempts(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'FAILED', attempts = attempts + 1")).
		WithArgs("E1", "boom").
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(2))

	attempts, err := db.FailEvent(context.Background(), "E1", "boom")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailEvent_NotProcessing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'FAILED'")).
		WithArgs("E1", "boom").
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}))

	_, err := db.FailEvent(context.Background(), "E1", "boom")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkWorkSold_MissingWork(t *testing.T) {
	db, mock := newMockDB(t)
	agentID := uuid.New()
	royalty := 0.5
	sale := model.Sale{
		EventID:       "E2",
		WorkID:        "W404",
		AgentID:       agentID,
		SalePrice:     2.0,
		Currency:      "ETH",
		RoyaltyAmount: &royalty,
		SoldAt:        time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE works")).
		WithArgs("W404", agentID, 2.0, "ETH", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 2.0, 1.5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := db.InTx(context.Background(), func(tx *storage.Tx) error {
		return tx.MarkWorkSold(context.Background(), sale)
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWork_UniqueViolationIsDuplicateID(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO works")).
		WithArgs(anyArgs(18)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := db.InTx(context.Background(), func(tx *storage.Tx) error {
		return tx.InsertWork(context.Background(), model.Work{ID: "W1", AgentID: uuid.New()})
	})
	require.ErrorIs(t, err, storage.ErrDuplicateID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteEvent_RequiresProcessing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'COMPLETED'")).
		WithArgs("E1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := db.InTx(context.Background(), func(tx *storage.Tx) error {
		return tx.CompleteEvent(context.Background(), "E1")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not processing")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEventsByStatus(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(pgxmock.NewRows([]string{"pending", "processing", "completed", "failed"}).
			AddRow(int64(1), int64(2), int64(30), int64(4)))

	c, err := db.CountEventsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusCounts{Pending: 1, Processing: 2, Completed: 30, Failed: 4}, c)
	assert.Equal(t, int64(37), c.Total())
}

func TestTrimFinishedJobs(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs")).
		WithArgs(model.EventsQueue, 100, 50).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := db.TrimFinishedJobs(context.Background(), model.EventsQueue, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_CommitFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))
	mock.ExpectRollback()

	err := db.InTx(context.Background(), func(*storage.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
}
