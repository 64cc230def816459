package database

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibog/payments-backend/internal/models"
)

func newMockRepo(t *testing.T) (*PendingTransactionRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewPendingTransactionRepository(db, logger), mock
}

func testIntent() models.BookingIntent {
	return models.BookingIntent{
		UserID:        42,
		Parent:        models.ParentDetails{ParentName: "Priya Sharma", Email: "priya@example.com", AdditionalPhone: "9876543210"},
		Child:         models.ChildDetails{FullName: "Aarav Sharma", DateOfBirth: "2021-04-12", Gender: "male"},
		EventID:       7,
		TotalAmount:   1800,
		PaymentMethod: "PhonePe",
		BookingRef:    "G421700000000",
		Games:         []models.BookingGame{{SlotID: 3, GameID: 11, GamePrice: 1800}},
	}
}

func TestStage(t *testing.T) {
	t.Run("Inserts new transaction", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		txn := models.NewPendingTransaction("NIBOG_42_1700000000000", "NIBOG_42_1700000000000", testIntent(), 30*time.Minute)

		mock.ExpectExec("DELETE FROM pending_transactions").
			WithArgs(txn.TransactionID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO pending_transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Stage(context.Background(), txn)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate transaction id", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		txn := models.NewPendingTransaction("NIBOG_42_1700000000000", "NIBOG_42_1700000000000", testIntent(), 30*time.Minute)

		mock.ExpectExec("DELETE FROM pending_transactions").
			WithArgs(txn.TransactionID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO pending_transactions").
			WillReturnError(&pq.Error{Code: uniqueViolation})

		err := repo.Stage(context.Background(), txn)
		assert.ErrorIs(t, err, models.ErrDuplicateTransaction)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func pendingRows(t *testing.T, txnID string, status string, expiresAt time.Time) *sqlmock.Rows {
	t.Helper()
	data, err := json.Marshal(testIntent())
	require.NoError(t, err)

	return sqlmock.NewRows([]string{
		"id", "transaction_id", "merchant_transaction_id", "user_id",
		"booking_data", "status", "created_at", "expires_at",
	}).AddRow(
		"0b2f9a36-41a8-4b8e-9f58-1f2a3c4d5e6f", txnID, txnID, int64(42),
		data, status, time.Now().Add(-time.Minute), expiresAt,
	)
}

func TestGet(t *testing.T) {
	const txnID = "NIBOG_42_1700000000000"

	t.Run("Live transaction", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM pending_transactions").
			WithArgs(txnID).
			WillReturnRows(pendingRows(t, txnID, "pending", time.Now().Add(29*time.Minute)))

		txn, err := repo.Get(context.Background(), txnID)
		require.NoError(t, err)
		assert.Equal(t, txnID, txn.TransactionID)
		assert.Equal(t, int64(42), txn.Intent.UserID)
		assert.Equal(t, float64(1800), txn.Intent.TotalAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Absent transaction", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM pending_transactions").
			WithArgs(txnID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.Get(context.Background(), txnID)
		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
	})

	t.Run("Past payment window is lazily expired", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM pending_transactions").
			WithArgs(txnID).
			WillReturnRows(pendingRows(t, txnID, "pending", time.Now().Add(-time.Minute)))
		mock.ExpectExec("UPDATE pending_transactions SET status").
			WithArgs(models.PendingStatusExpired, txnID, models.PendingStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := repo.Get(context.Background(), txnID)
		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Already flagged expired", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM pending_transactions").
			WithArgs(txnID).
			WillReturnRows(pendingRows(t, txnID, "expired", time.Now().Add(time.Minute)))

		_, err := repo.Get(context.Background(), txnID)
		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
	})
}

func TestConsume(t *testing.T) {
	const txnID = "NIBOG_42_1700000000000"

	t.Run("Wins the conditional update", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE pending_transactions").
			WithArgs(models.PendingStatusConsumed, txnID, models.PendingStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Consume(context.Background(), txnID)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Second consume reports already consumed", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE pending_transactions").
			WithArgs(models.PendingStatusConsumed, txnID, models.PendingStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status, expires_at FROM pending_transactions").
			WithArgs(txnID).
			WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).
				AddRow("consumed", time.Now().Add(10*time.Minute)))

		err := repo.Consume(context.Background(), txnID)
		assert.ErrorIs(t, err, models.ErrAlreadyConsumed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expired row reports not found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE pending_transactions").
			WithArgs(models.PendingStatusConsumed, txnID, models.PendingStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status, expires_at FROM pending_transactions").
			WithArgs(txnID).
			WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).
				AddRow("pending", time.Now().Add(-time.Minute)))

		err := repo.Consume(context.Background(), txnID)
		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
	})

	t.Run("Absent row reports not found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE pending_transactions").
			WithArgs(models.PendingStatusConsumed, txnID, models.PendingStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status, expires_at FROM pending_transactions").
			WithArgs(txnID).
			WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}))

		err := repo.Consume(context.Background(), txnID)
		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
	})
}

func TestSweepExpired(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE pending_transactions SET status").
		WithArgs(models.PendingStatusExpired, models.PendingStatusPending, 100).
		WillReturnResult(sqlmock.NewResult(0, 3))

	swept, err := repo.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), swept)
	assert.NoError(t, mock.ExpectationsWereMet())
}
