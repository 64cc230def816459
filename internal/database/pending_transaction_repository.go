package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/nibog/payments-backend/internal/models"
)

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// PendingTransactionRepository stores staged bookings awaiting payment.
// The table carries unique constraints on transaction_id and
// merchant_transaction_id; consumption is a single conditional UPDATE so
// concurrent finalizations cannot both win.
type PendingTransactionRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPendingTransactionRepository creates a new pending transaction repository
func NewPendingTransactionRepository(db *sqlx.DB, logger *logrus.Logger) *PendingTransactionRepository {
	return &PendingTransactionRepository{
		db:     db,
		logger: logger,
	}
}

// pendingTransactionRow is the raw table shape; booking_data is JSONB.
type pendingTransactionRow struct {
	ID                    string    `db:"id"`
	TransactionID         string    `db:"transaction_id"`
	MerchantTransactionID string    `db:"merchant_transaction_id"`
	UserID                int64     `db:"user_id"`
	BookingData           []byte    `db:"booking_data"`
	Status                string    `db:"status"`
	CreatedAt             time.Time `db:"created_at"`
	ExpiresAt             time.Time `db:"expires_at"`
}

// Stage inserts a new pending transaction. An expired row occupying the
// same transaction id is cleared first; a live one surfaces as
// ErrDuplicateTransaction.
func (r *PendingTransactionRepository) Stage(ctx context.Context, txn *models.PendingTransaction) error {
	data, err := json.Marshal(txn.Intent)
	if err != nil {
		return fmt.Errorf("failed to marshal booking intent: %w", err)
	}

	// Make room if a previous attempt with this id already ran out its
	// payment window.
	_, err = r.db.ExecContext(ctx, `
		DELETE FROM pending_transactions
		WHERE transaction_id = $1 AND expires_at <= NOW()`,
		txn.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to clear expired transaction: %w", err)
	}

	query := `
		INSERT INTO pending_transactions (
			id, transaction_id, merchant_transaction_id, user_id,
			booking_data, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		txn.ID, txn.TransactionID, txn.MerchantTransactionID, txn.UserID,
		string(data), txn.Status, txn.CreatedAt, txn.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to stage pending transaction: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"user_id":        txn.UserID,
		"expires_at":     txn.ExpiresAt,
	}).Info("Pending transaction staged")

	return nil
}

// Get retrieves a pending transaction by transaction id. Rows past
// their payment window are lazily marked expired and reported as
// ErrTransactionNotFound, so correctness never depends on the sweeper.
func (r *PendingTransactionRepository) Get(ctx context.Context, transactionID string) (*models.PendingTransaction, error) {
	return r.get(ctx, "transaction_id", transactionID)
}

// GetByMerchantTransactionID retrieves by the id the gateway echoes back.
func (r *PendingTransactionRepository) GetByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*models.PendingTransaction, error) {
	return r.get(ctx, "merchant_transaction_id", merchantTransactionID)
}

func (r *PendingTransactionRepository) get(ctx context.Context, column, value string) (*models.PendingTransaction, error) {
	var row pendingTransactionRow
	query := fmt.Sprintf(`
		SELECT id, transaction_id, merchant_transaction_id, user_id,
		       booking_data, status, created_at, expires_at
		FROM pending_transactions
		WHERE %s = $1`, column)

	err := r.db.GetContext(ctx, &row, query, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending transaction: %w", err)
	}

	if row.Status == string(models.PendingStatusExpired) {
		return nil, models.ErrTransactionNotFound
	}

	if time.Now().After(row.ExpiresAt) {
		// Lazy logical delete. Failure to flip the flag only delays the
		// sweeper; the caller still gets a not-found either way.
		_, uerr := r.db.ExecContext(ctx, `
			UPDATE pending_transactions SET status = $1
			WHERE transaction_id = $2 AND status = $3`,
			models.PendingStatusExpired, row.TransactionID, models.PendingStatusPending)
		if uerr != nil {
			r.logger.WithError(uerr).WithField("transaction_id", row.TransactionID).
				Warn("Failed to mark transaction expired")
		}
		return nil, models.ErrTransactionNotFound
	}

	return rowToModel(&row)
}

func rowToModel(row *pendingTransactionRow) (*models.PendingTransaction, error) {
	txn := &models.PendingTransaction{
		TransactionID:         row.TransactionID,
		MerchantTransactionID: row.MerchantTransactionID,
		UserID:                row.UserID,
		Status:                models.PendingTransactionStatus(row.Status),
		CreatedAt:             row.CreatedAt,
		ExpiresAt:             row.ExpiresAt,
	}
	if err := txn.ID.UnmarshalText([]byte(row.ID)); err != nil {
		return nil, fmt.Errorf("failed to parse transaction row id: %w", err)
	}
	if err := json.Unmarshal(row.BookingData, &txn.Intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal booking intent: %w", err)
	}
	return txn, nil
}

// Consume atomically transitions a transaction from pending to
// consumed. Exactly one caller can win; everyone else gets
// ErrAlreadyConsumed or ErrTransactionNotFound.
func (r *PendingTransactionRepository) Consume(ctx context.Context, transactionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET status = $1
		WHERE transaction_id = $2 AND status = $3 AND expires_at > NOW()`,
		models.PendingStatusConsumed, transactionID, models.PendingStatusPending)
	if err != nil {
		return fmt.Errorf("failed to consume pending transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read consume result: %w", err)
	}
	if affected == 1 {
		r.logger.WithField("transaction_id", transactionID).Info("Pending transaction consumed")
		return nil
	}

	// The conditional update matched nothing. Work out which branch of
	// the state machine applies.
	var status string
	var expiresAt time.Time
	err = r.db.QueryRowContext(ctx, `
		SELECT status, expires_at FROM pending_transactions
		WHERE transaction_id = $1`,
		transactionID).Scan(&status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect pending transaction: %w", err)
	}

	if status == string(models.PendingStatusConsumed) {
		return models.ErrAlreadyConsumed
	}
	return models.ErrTransactionNotFound
}

// Delete removes a transaction record. Callers treat this as
// best-effort cleanup after consumption.
func (r *PendingTransactionRepository) Delete(ctx context.Context, transactionID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_transactions WHERE transaction_id = $1`,
		transactionID)
	if err != nil {
		return fmt.Errorf("failed to delete pending transaction: %w", err)
	}
	return nil
}

// SweepExpired flags pending rows past their window as expired, in
// batches. Hygiene only; reads already refuse expired rows.
func (r *PendingTransactionRepository) SweepExpired(ctx context.Context, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions SET status = $1
		WHERE transaction_id IN (
			SELECT transaction_id FROM pending_transactions
			WHERE status = $2 AND expires_at <= NOW()
			LIMIT $3
		)`,
		models.PendingStatusExpired, models.PendingStatusPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired transactions: %w", err)
	}
	return res.RowsAffected()
}

// PurgeFinished deletes consumed and expired rows older than the given
// retention period.
func (r *PendingTransactionRepository) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_transactions
		WHERE status IN ($1, $2) AND expires_at < $3`,
		models.PendingStatusConsumed, models.PendingStatusExpired, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge finished transactions: %w", err)
	}
	return res.RowsAffected()
}
