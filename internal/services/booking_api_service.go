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

// BookingAPIService talks to the downstream booking API that owns
// bookings and payment records. Creation is idempotent on
// transaction_id at the API's layer; our job is to call it at most once
// per consumed transaction.
type BookingAPIService struct {
	createEndpoints []string
	paymentsURL     string
	fetcher         *fetcher.Fetcher
	logger          *logrus.Logger
}

// NewBookingAPIService creates a booking API client. fallbackURL may be
// empty; when set it is tried after the primary endpoint fails.
func NewBookingAPIService(createURL, fallbackURL, paymentsURL string, f *fetcher.Fetcher, logger *logrus.Logger) *BookingAPIService {
	endpoints := []string{createURL}
	if fallbackURL != "" {
		endpoints = append(endpoints, fallbackURL)
	}
	return &BookingAPIService{
		createEndpoints: endpoints,
		paymentsURL:     paymentsURL,
		fetcher:         f,
		logger:          logger,
	}
}

// BookingCreateResponse is the booking API's answer to a create call.
type BookingCreateResponse struct {
	BookingID  int64  `json:"booking_id"`
	BookingRef string `json:"booking_ref"`
}

// bookingCreatePayload is the wire shape the booking API expects.
type bookingCreatePayload struct {
	UserID       int64                `json:"user_id"`
	Parent       models.ParentDetails `json:"parent"`
	Child        models.ChildDetails  `json:"child"`
	Booking      bookingSection       `json:"booking"`
	BookingGames []models.BookingGame `json:"booking_games"`
}

type bookingSection struct {
	EventID       int64   `json:"event_id"`
	TotalAmount   float64 `json:"total_amount"`
	PaymentMethod string  `json:"payment_method"`
	TransactionID string  `json:"transaction_id"`
	BookingRef    string  `json:"booking_ref"`
	Status        string  `json:"status"`
}

// CreateBooking creates the booking for a consumed transaction.
func (s *BookingAPIService) CreateBooking(ctx context.Context, txn *models.PendingTransaction) (*BookingCreateResponse, error) {
	payload := bookingCreatePayload{
		UserID: txn.Intent.UserID,
		Parent: txn.Intent.Parent,
		Child:  txn.Intent.Child,
		Booking: bookingSection{
			EventID:       txn.Intent.EventID,
			TotalAmount:   txn.Intent.TotalAmount,
			PaymentMethod: txn.Intent.PaymentMethod,
			TransactionID: txn.TransactionID,
			BookingRef:    txn.Intent.BookingRef,
			Status:        "Confirmed",
		},
		BookingGames: txn.Intent.Games,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal booking payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	s.logger.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"booking_ref":    txn.Intent.BookingRef,
		"total_amount":   txn.Intent.TotalAmount,
	}).Info("Creating booking")

	resp, err := s.fetcher.Do(ctx, fetcher.Request{
		Method:    http.MethodPost,
		Endpoints: s.createEndpoints,
		Header:    header,
		Body:      body,
	}, fetcher.Policy{
		MaxAttempts: 3,
		Timeout:     15 * time.Second,
		Backoff:     1 * time.Second,
		Exponential: true,
	})
	if err != nil {
		return nil, fmt.Errorf("booking create request: %w", err)
	}

	result, err := parseBookingResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	if result.BookingRef == "" {
		result.BookingRef = txn.Intent.BookingRef
	}

	s.logger.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"booking_id":     result.BookingID,
	}).Info("Booking created")

	return result, nil
}

// parseBookingResponse tolerates both object and single-element array
// response bodies; the API has answered with both shapes.
func parseBookingResponse(body []byte) (*BookingCreateResponse, error) {
	var single BookingCreateResponse
	if err := json.Unmarshal(body, &single); err == nil && single.BookingID != 0 {
		return &single, nil
	}

	var list []BookingCreateResponse
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		return &list[0], nil
	}

	return nil, fmt.Errorf("unrecognized booking create response: %s", string(body))
}

// paymentRecordPayload is the wire shape for payment record creation.
type paymentRecordPayload struct {
	BookingID            int64   `json:"booking_id,omitempty"`
	TransactionID        string  `json:"transaction_id"`
	PhonePeTransactionID string  `json:"phonepe_transaction_id,omitempty"`
	Amount               float64 `json:"amount"`
	PaymentMethod        string  `json:"payment_method"`
	PaymentStatus        string  `json:"payment_status"`
	PaymentDate          string  `json:"payment_date"`
}

// RecordPayment posts the payment record after the gateway settles.
// Amount is in rupees; the caller converts from the gateway's paise.
func (s *BookingAPIService) RecordPayment(ctx context.Context, txn *models.PendingTransaction, bookingID int64, gatewayTransactionID, status string) error {
	if s.paymentsURL == "" {
		return nil
	}

	payload := paymentRecordPayload{
		BookingID:            bookingID,
		TransactionID:        txn.TransactionID,
		PhonePeTransactionID: gatewayTransactionID,
		Amount:               txn.Intent.TotalAmount,
		PaymentMethod:        txn.Intent.PaymentMethod,
		PaymentStatus:        status,
		PaymentDate:          time.Now().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payment record: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	_, err = s.fetcher.Do(ctx, fetcher.Request{
		Method:    http.MethodPost,
		Endpoints: []string{s.paymentsURL},
		Header:    header,
		Body:      body,
	}, fetcher.Policy{
		MaxAttempts: 3,
		Timeout:     15 * time.Second,
		Backoff:     1 * time.Second,
		Exponential: true,
	})
	if err != nil {
		return fmt.Errorf("payment record request: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"booking_id":     bookingID,
		"payment_status": status,
	}).Info("Payment record created")

	return nil
}
