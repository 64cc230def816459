package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PendingTransactionStatus tracks the lifecycle of a staged booking.
type PendingTransactionStatus string

const (
	PendingStatusPending  PendingTransactionStatus = "pending"
	PendingStatusConsumed PendingTransactionStatus = "consumed"
	PendingStatusExpired  PendingTransactionStatus = "expired"
)

// DefaultPendingTTL is the payment window. It is fixed at staging time
// and never extended.
const DefaultPendingTTL = 30 * time.Minute

// ParentDetails is the paying parent's contact information.
type ParentDetails struct {
	ParentName      string `json:"parent_name"`
	Email           string `json:"email"`
	AdditionalPhone string `json:"additional_phone"`
}

// ChildDetails is the participating child's profile.
type ChildDetails struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	SchoolName  string `json:"school_name"`
	Gender      string `json:"gender"`
}

// BookingGame is one game slot selection within a booking.
type BookingGame struct {
	SlotID    int64   `json:"slot_id"`
	GameID    int64   `json:"game_id"`
	GamePrice float64 `json:"game_price"`
}

// BookingIntent captures everything needed to create the booking after
// the payment succeeds. It is immutable once staged; the finalizer only
// ever reads it back.
type BookingIntent struct {
	UserID        int64         `json:"user_id"`
	Parent        ParentDetails `json:"parent"`
	Child         ChildDetails  `json:"child"`
	EventID       int64         `json:"event_id"`
	TotalAmount   float64       `json:"total_amount"`
	PaymentMethod string        `json:"payment_method"`
	BookingRef    string        `json:"booking_ref"`
	Games         []BookingGame `json:"booking_games"`
}

// AmountPaise converts the intent total from rupees to paise, the unit
// the gateway deals in.
func (i BookingIntent) AmountPaise() int64 {
	return int64(i.TotalAmount*100 + 0.5)
}

// PendingTransaction is a staged payment awaiting its gateway outcome.
type PendingTransaction struct {
	ID                    uuid.UUID                `json:"id" db:"id"`
	TransactionID         string                   `json:"transaction_id" db:"transaction_id"`
	MerchantTransactionID string                   `json:"merchant_transaction_id" db:"merchant_transaction_id"`
	UserID                int64                    `json:"user_id" db:"user_id"`
	Intent                BookingIntent            `json:"booking_data" db:"-"`
	Status                PendingTransactionStatus `json:"status" db:"status"`
	CreatedAt             time.Time                `json:"created_at" db:"created_at"`
	ExpiresAt             time.Time                `json:"expires_at" db:"expires_at"`
}

// NewPendingTransaction stages an intent under a payment window.
func NewPendingTransaction(transactionID, merchantTransactionID string, intent BookingIntent, ttl time.Duration) *PendingTransaction {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	now := time.Now()
	return &PendingTransaction{
		ID:                    uuid.New(),
		TransactionID:         transactionID,
		MerchantTransactionID: merchantTransactionID,
		UserID:                intent.UserID,
		Intent:                intent,
		Status:                PendingStatusPending,
		CreatedAt:             now,
		ExpiresAt:             now.Add(ttl),
	}
}

// IsExpired reports whether the payment window has closed.
func (t *PendingTransaction) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// maxTransactionIDLength is PhonePe's limit on merchantTransactionId.
const maxTransactionIDLength = 38

// NewTransactionID builds a merchant transaction id of the form
// NIBOG_<userID>_<unixMillis>, truncated to the gateway's length limit.
func NewTransactionID(userID int64, now time.Time) string {
	id := fmt.Sprintf("NIBOG_%d_%d", userID, now.UnixMilli())
	if len(id) > maxTransactionIDLength {
		id = id[:maxTransactionIDLength]
	}
	return id
}

// BookingReference derives a stable 12-character booking reference from
// a transaction id. The same transaction always yields the same
// reference, which anchors idempotency in the downstream booking API.
func BookingReference(transactionID string) string {
	var b strings.Builder
	for _, r := range transactionID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	cleaned := strings.ToUpper(b.String())
	if len(cleaned) > 12 {
		return cleaned[len(cleaned)-12:]
	}
	return cleaned
}
