package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/pkg/fetcher"
)

// NotificationService sends post-finalization notifications. Booking
// confirmations and receipt emails are fire-and-forget; a failure is
// logged and never blocks or undoes the booking. Operator alerts for
// finalization failures are the exception: those must reach a human,
// so they get retries and an unmissable log entry as backstop.
type NotificationService struct {
	confirmationURL string
	receiptEmailURL string
	opsAlertURL     string
	fetcher         *fetcher.Fetcher
	logger          *logrus.Logger
}

// NewNotificationService creates a notification service. Empty URLs
// disable the corresponding channel.
func NewNotificationService(confirmationURL, receiptEmailURL, opsAlertURL string, f *fetcher.Fetcher, logger *logrus.Logger) *NotificationService {
	return &NotificationService{
		confirmationURL: confirmationURL,
		receiptEmailURL: receiptEmailURL,
		opsAlertURL:     opsAlertURL,
		fetcher:         f,
		logger:          logger,
	}
}

// BookingConfirmed fans out the confirmation webhook and receipt email
// in the background.
func (s *NotificationService) BookingConfirmed(txn *models.PendingTransaction, bookingID int64) {
	payload := map[string]interface{}{
		"event":          "booking_confirmed",
		"booking_id":     bookingID,
		"booking_ref":    txn.Intent.BookingRef,
		"transaction_id": txn.TransactionID,
		"parent_name":    txn.Intent.Parent.ParentName,
		"email":          txn.Intent.Parent.Email,
		"child_name":     txn.Intent.Child.FullName,
		"event_id":       txn.Intent.EventID,
		"total_amount":   txn.Intent.TotalAmount,
	}

	go s.post(s.confirmationURL, "booking confirmation webhook", payload)
	go s.post(s.receiptEmailURL, "receipt email", payload)
}

// FinalizationFailed escalates a payment that could not be turned into
// a booking. Money has been taken; this must never disappear quietly.
func (s *NotificationService) FinalizationFailed(txn *models.PendingTransaction, reason error) {
	s.logger.WithFields(logrus.Fields{
		"alert":          "payment_without_booking",
		"transaction_id": txn.TransactionID,
		"booking_ref":    txn.Intent.BookingRef,
		"user_id":        txn.UserID,
		"total_amount":   txn.Intent.TotalAmount,
		"email":          txn.Intent.Parent.Email,
	}).WithError(reason).Error("OPERATOR ACTION REQUIRED: payment succeeded but booking creation failed")

	payload := map[string]interface{}{
		"event":          "finalization_failed",
		"transaction_id": txn.TransactionID,
		"booking_ref":    txn.Intent.BookingRef,
		"user_id":        txn.UserID,
		"total_amount":   txn.Intent.TotalAmount,
		"parent_email":   txn.Intent.Parent.Email,
		"reason":         reason.Error(),
		"occurred_at":    time.Now().Format(time.RFC3339),
	}

	go s.post(s.opsAlertURL, "operator alert", payload)
}

func (s *NotificationService) post(url, channel string, payload map[string]interface{}) {
	if url == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("channel", channel).Error("Failed to marshal notification")
		return
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = s.fetcher.Do(ctx, fetcher.Request{
		Method:    http.MethodPost,
		Endpoints: []string{url},
		Header:    header,
		Body:      body,
	}, fetcher.Policy{
		MaxAttempts: 3,
		Timeout:     10 * time.Second,
		Backoff:     1 * time.Second,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"channel": channel,
			"event":   fmt.Sprint(payload["event"]),
		}).Error("Notification delivery failed")
		return
	}

	s.logger.WithField("channel", channel).Debug("Notification delivered")
}
