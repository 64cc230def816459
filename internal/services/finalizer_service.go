package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/internal/utils"
	"github.com/nibog/payments-backend/pkg/phonepe"
)

// PendingStore is the staged-transaction store the finalizer drives.
// Consume must be atomic: exactly one caller wins under concurrency.
type PendingStore interface {
	Stage(ctx context.Context, txn *models.PendingTransaction) error
	Get(ctx context.Context, transactionID string) (*models.PendingTransaction, error)
	Consume(ctx context.Context, transactionID string) error
	Delete(ctx context.Context, transactionID string) error
}

// PaymentGateway abstracts the PhonePe client.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, req phonepe.PayRequest) (*phonepe.PayResponse, error)
	CheckStatus(ctx context.Context, merchantTransactionID string) (*phonepe.StatusResponse, error)
	VerifyCallback(rawBody []byte, xVerify string) bool
}

// BookingCreator abstracts the downstream booking API.
type BookingCreator interface {
	CreateBooking(ctx context.Context, txn *models.PendingTransaction) (*BookingCreateResponse, error)
	RecordPayment(ctx context.Context, txn *models.PendingTransaction, bookingID int64, gatewayTransactionID, status string) error
}

// AuditLogger records immutable payment audit events. CheckDuplicate
// reports whether an event of the given type was already recorded for
// a merchant transaction, so repeat deliveries can be flagged.
type AuditLogger interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	CheckDuplicate(ctx context.Context, merchantTransactionID string, eventType models.PaymentEventType) (bool, error)
}

// Notifier delivers post-finalization notifications and operator alerts.
type Notifier interface {
	BookingConfirmed(txn *models.PendingTransaction, bookingID int64)
	FinalizationFailed(txn *models.PendingTransaction, reason error)
}

// Outcome is the terminal classification of a callback or status poll.
type Outcome string

const (
	// OutcomeFinalized means the booking was created; payment settled.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeDuplicate means another delivery already finalized this
	// transaction. Harmless; acknowledged without side effects.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRejected means signature or amount verification failed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeExpired means the payment window had closed.
	OutcomeExpired Outcome = "expired"
	// OutcomeAwaitingPayment means the gateway has not settled yet.
	OutcomeAwaitingPayment Outcome = "awaiting_payment"
	// OutcomePaymentFailed means the gateway reported failure/cancellation.
	OutcomePaymentFailed Outcome = "payment_failed"
	// OutcomeFinalizationFailed means payment succeeded but the booking
	// could not be created. Escalated to operators.
	OutcomeFinalizationFailed Outcome = "finalization_failed"
)

// Result is what a callback or status poll resolved to.
type Result struct {
	Outcome               Outcome
	TransactionID         string
	MerchantTransactionID string
	BookingID             int64
	BookingRef            string
}

// RequestMeta carries caller metadata into audit rows.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// InitiateResult is returned to the user starting a payment.
type InitiateResult struct {
	TransactionID string
	RedirectURL   string
	ExpiresAt     time.Time
}

// FinalizerService owns the payment lifecycle: stage, hand off to the
// gateway, verify its answer and finalize the booking exactly once.
type FinalizerService struct {
	store    PendingStore
	gateway  PaymentGateway
	bookings BookingCreator
	audits   AuditLogger
	notifier Notifier
	logger   *logrus.Logger

	redirectURL string
	callbackURL string
	ttl         time.Duration
}

// NewFinalizerService creates the finalizer.
func NewFinalizerService(
	store PendingStore,
	gateway PaymentGateway,
	bookings BookingCreator,
	audits AuditLogger,
	notifier Notifier,
	logger *logrus.Logger,
	redirectURL, callbackURL string,
	ttl time.Duration,
) *FinalizerService {
	if ttl <= 0 {
		ttl = models.DefaultPendingTTL
	}
	return &FinalizerService{
		store:       store,
		gateway:     gateway,
		bookings:    bookings,
		audits:      audits,
		notifier:    notifier,
		logger:      logger,
		redirectURL: redirectURL,
		callbackURL: callbackURL,
		ttl:         ttl,
	}
}

// InitiatePayment stages the booking intent and opens a payment at the
// gateway. Nothing downstream happens until the gateway settles.
func (s *FinalizerService) InitiatePayment(ctx context.Context, intent models.BookingIntent, mobileNumber string, meta RequestMeta) (*InitiateResult, error) {
	transactionID := models.NewTransactionID(intent.UserID, time.Now())
	intent.BookingRef = models.BookingReference(transactionID)
	if intent.PaymentMethod == "" {
		intent.PaymentMethod = "PhonePe"
	}

	txn := models.NewPendingTransaction(transactionID, transactionID, intent, s.ttl)

	audit := models.NewPaymentAudit(models.PaymentEventInitiated, models.PaymentSourceUser).
		SetTransaction(transactionID, transactionID).
		SetBookingRef(intent.BookingRef).
		SetMetadata(meta.IP, meta.UserAgent).
		SetRequestPayload(map[string]interface{}{
			"user_id":      intent.UserID,
			"event_id":     intent.EventID,
			"total_amount": intent.TotalAmount,
			"games":        len(intent.Games),
		})
	audit.SetDeviceInfo(deviceInfo(meta.UserAgent))
	audit.ExpectedAmount = &intent.TotalAmount
	s.logAudit(ctx, audit)

	if err := s.store.Stage(ctx, txn); err != nil {
		if errors.Is(err, models.ErrDuplicateTransaction) {
			return nil, err
		}
		return nil, fmt.Errorf("stage booking intent: %w", err)
	}

	resp, err := s.gateway.InitiatePayment(ctx, phonepe.PayRequest{
		MerchantTransactionID: transactionID,
		MerchantUserID:        strconv.FormatInt(intent.UserID, 10),
		Amount:                intent.AmountPaise(),
		RedirectURL:           s.redirectURL,
		CallbackURL:           s.callbackURL,
		MobileNumber:          mobileNumber,
	})
	if err != nil {
		// The user never reached checkout, so the staged row is dead
		// weight. Clearing it lets them retry immediately.
		if derr := s.store.Delete(ctx, transactionID); derr != nil {
			s.logger.WithError(derr).WithField("transaction_id", transactionID).
				Warn("Failed to clear staged transaction after initiation failure")
		}
		errAudit := models.NewPaymentAudit(models.PaymentEventError, models.PaymentSourcePhonePeAPI).
			SetTransaction(transactionID, transactionID).
			SetError(err.Error(), nil)
		s.logAudit(ctx, errAudit)
		return nil, fmt.Errorf("initiate payment: %w", err)
	}

	respAudit := models.NewPaymentAudit(models.PaymentEventResponse, models.PaymentSourcePhonePeAPI).
		SetTransaction(transactionID, transactionID).
		SetPaymentStatus(resp.Code).
		SetResponsePayload(map[string]interface{}{
			"success":      resp.Success,
			"code":         resp.Code,
			"redirect_url": resp.RedirectURL(),
		})
	s.logAudit(ctx, respAudit)

	return &InitiateResult{
		TransactionID: transactionID,
		RedirectURL:   resp.RedirectURL(),
		ExpiresAt:     txn.ExpiresAt,
	}, nil
}

// callbackEnvelope is the outer webhook body; PhonePe nests the actual
// payload base64-encoded under "response".
type callbackEnvelope struct {
	Response string `json:"response"`
}

// callbackPayload is the decoded webhook content.
type callbackPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantID            string `json:"merchantId"`
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		Amount                int64  `json:"amount"`
		State                 string `json:"state"`
		ResponseCode          string `json:"responseCode"`
	} `json:"data"`
}

// HandleCallback processes an inbound gateway webhook. The body is
// untrusted until its signature verifies against our salt.
func (s *FinalizerService) HandleCallback(ctx context.Context, rawBody []byte, xVerify string, meta RequestMeta) (*Result, error) {
	// Decoding before verification is safe here: the payload only feeds
	// the audit row until the signature has checked out.
	payload, decodeErr := decodeCallback(rawBody)

	received := models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourcePhonePeWebhook).
		SetRawBody(string(rawBody)).
		SetMetadata(meta.IP, meta.UserAgent)
	received.SetDeviceInfo(deviceInfo(meta.UserAgent))
	if decodeErr == nil && payload.Data.MerchantTransactionID != "" {
		received.SetTransaction(payload.Data.MerchantTransactionID, payload.Data.MerchantTransactionID)
		dup, err := s.audits.CheckDuplicate(ctx, payload.Data.MerchantTransactionID, models.PaymentEventWebhookReceived)
		if err != nil {
			s.logger.WithError(err).WithField("transaction_id", payload.Data.MerchantTransactionID).
				Warn("Duplicate check failed; recording webhook as first delivery")
		} else if dup {
			received.MarkAsDuplicate()
		}
	}
	s.logAudit(ctx, received)

	if !s.gateway.VerifyCallback(rawBody, xVerify) {
		s.logger.WithFields(logrus.Fields{
			"ip":         meta.IP,
			"user_agent": meta.UserAgent,
		}).Warn("Callback signature verification failed - potential tampering")

		rejected := models.NewPaymentAudit(models.PaymentEventSignatureRejected, models.PaymentSourcePhonePeWebhook).
			SetRawBody(string(rawBody)).
			SetMetadata(meta.IP, meta.UserAgent)
		s.logAudit(ctx, rejected)

		return &Result{Outcome: OutcomeRejected}, nil
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("decode callback: %w", decodeErr)
	}

	merchantTxnID := payload.Data.MerchantTransactionID
	result := &Result{
		TransactionID:         merchantTxnID,
		MerchantTransactionID: merchantTxnID,
	}

	switch {
	case phonepe.IsTerminalSuccessState(payload.Code, payload.Data.State):
		return s.finalize(ctx, merchantTxnID, payload.Data.TransactionID, payload.Data.Amount, models.PaymentSourcePhonePeWebhook)

	case phonepe.IsTerminalFailureState(payload.Code, payload.Data.State):
		return s.recordFailure(ctx, merchantTxnID, payload.Data.TransactionID, payload.Data.State, models.PaymentSourcePhonePeWebhook)

	default:
		// Pending or unrecognized. Consuming here would orphan a later
		// genuine settlement, so the staged row stays for the status
		// poller to resolve.
		result.Outcome = OutcomeAwaitingPayment
		return result, nil
	}
}

func decodeCallback(rawBody []byte) (*callbackPayload, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal callback envelope: %w", err)
	}

	var payload callbackPayload
	if envelope.Response != "" {
		decoded, err := base64.StdEncoding.DecodeString(envelope.Response)
		if err != nil {
			return nil, fmt.Errorf("decode callback response: %w", err)
		}
		if err := json.Unmarshal(decoded, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal callback payload: %w", err)
		}
		return &payload, nil
	}

	// Some gateway configurations deliver the payload unwrapped.
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal callback payload: %w", err)
	}
	return &payload, nil
}

// CheckStatus polls the gateway and routes the answer through the same
// finalization path as the webhook. Races between the two are settled
// by the store's atomic consume.
func (s *FinalizerService) CheckStatus(ctx context.Context, merchantTransactionID string) (*Result, error) {
	s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventStatusCheckRequest, models.PaymentSourceBackend).
		SetTransaction(merchantTransactionID, merchantTransactionID))

	resp, err := s.gateway.CheckStatus(ctx, merchantTransactionID)
	if err != nil {
		return nil, fmt.Errorf("check payment status: %w", err)
	}

	statusAudit := models.NewPaymentAudit(models.PaymentEventStatusCheckResponse, models.PaymentSourcePhonePeAPI).
		SetTransaction(merchantTransactionID, merchantTransactionID).
		SetPaymentStatus(resp.Data.State).
		SetGatewayTransactionID(resp.Data.TransactionID).
		SetResponsePayload(map[string]interface{}{
			"code":         resp.Code,
			"state":        resp.Data.State,
			"amount_paise": resp.Data.Amount,
		})
	s.logAudit(ctx, statusAudit)

	switch {
	case resp.IsTerminalSuccess():
		return s.finalize(ctx, merchantTransactionID, resp.Data.TransactionID, resp.Data.Amount, models.PaymentSourcePhonePeAPI)
	case resp.IsTerminalFailure():
		return s.recordFailure(ctx, merchantTransactionID, resp.Data.TransactionID, resp.Data.State, models.PaymentSourcePhonePeAPI)
	default:
		return &Result{
			Outcome:               OutcomeAwaitingPayment,
			TransactionID:         merchantTransactionID,
			MerchantTransactionID: merchantTransactionID,
		}, nil
	}
}

// finalize turns a terminally-successful payment into a booking,
// exactly once. The consume happens before the downstream call so a
// concurrent delivery can never double-book.
func (s *FinalizerService) finalize(ctx context.Context, merchantTxnID, gatewayTxnID string, amountPaise int64, source models.PaymentEventSource) (*Result, error) {
	started := time.Now()
	result := &Result{
		TransactionID:         merchantTxnID,
		MerchantTransactionID: merchantTxnID,
	}

	txn, err := s.store.Get(ctx, merchantTxnID)
	if errors.Is(err, models.ErrTransactionNotFound) {
		// Payment settled after the window closed: money taken, nothing
		// staged to book against. Operators need to refund or rebook.
		s.logger.WithField("transaction_id", merchantTxnID).
			Error("Payment settled for an expired or unknown transaction")
		s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventWindowExpired, source).
			SetTransaction(merchantTxnID, merchantTxnID).
			SetGatewayTransactionID(gatewayTxnID))

		result.Outcome = OutcomeExpired
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending transaction: %w", err)
	}
	result.BookingRef = txn.Intent.BookingRef

	// Cross-check the settled amount against what was staged. A
	// mismatch is treated like tampering, not a rounding concern.
	if amountPaise > 0 && amountPaise != txn.Intent.AmountPaise() {
		mismatch := models.NewPaymentAudit(models.PaymentEventReconciliationMismatch, source).
			SetTransaction(merchantTxnID, merchantTxnID).
			SetGatewayTransactionID(gatewayTxnID)
		mismatch.SetAmounts(txn.Intent.TotalAmount, float64(amountPaise)/100, "INR")
		s.logAudit(ctx, mismatch)

		s.logger.WithFields(logrus.Fields{
			"transaction_id":  merchantTxnID,
			"expected_amount": txn.Intent.TotalAmount,
			"received_paise":  amountPaise,
		}).Error("Settled amount does not match staged intent")

		result.Outcome = OutcomeRejected
		return result, nil
	}

	if err := s.store.Consume(ctx, merchantTxnID); err != nil {
		switch {
		case errors.Is(err, models.ErrAlreadyConsumed):
			// The other delivery won; nothing left to do.
			result.Outcome = OutcomeDuplicate
			return result, nil
		case errors.Is(err, models.ErrTransactionNotFound):
			result.Outcome = OutcomeExpired
			return result, nil
		default:
			return nil, fmt.Errorf("consume pending transaction: %w", err)
		}
	}

	s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventSuccess, source).
		SetTransaction(merchantTxnID, merchantTxnID).
		SetBookingRef(txn.Intent.BookingRef).
		SetGatewayTransactionID(gatewayTxnID).
		SetPaymentStatus(phonepe.StateCompleted))

	booking, err := s.bookings.CreateBooking(ctx, txn)
	if err != nil {
		// Money taken, booking missing. The record stays consumed so a
		// duplicate delivery cannot charge the user into a second
		// attempt; recovery is an operator decision.
		failAudit := models.NewPaymentAudit(models.PaymentEventBookingCreateFailed, models.PaymentSourceBackend).
			SetTransaction(merchantTxnID, merchantTxnID).
			SetBookingRef(txn.Intent.BookingRef).
			SetError(err.Error(), nil)
		s.logAudit(ctx, failAudit)

		s.notifier.FinalizationFailed(txn, err)

		result.Outcome = OutcomeFinalizationFailed
		return result, nil
	}

	if err := s.bookings.RecordPayment(ctx, txn, booking.BookingID, gatewayTxnID, "completed"); err != nil {
		// The booking exists; only the payment record lagged. Audited
		// for manual reconciliation, never unwound.
		s.logger.WithError(err).WithField("transaction_id", merchantTxnID).
			Error("Failed to record payment for created booking")
		s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventError, models.PaymentSourceBackend).
			SetTransaction(merchantTxnID, merchantTxnID).
			SetError(err.Error(), nil))
	}

	if err := s.store.Delete(ctx, merchantTxnID); err != nil {
		s.logger.WithError(err).WithField("transaction_id", merchantTxnID).
			Warn("Failed to delete consumed transaction")
	}

	s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventBookingCreated, models.PaymentSourceBackend).
		SetTransaction(merchantTxnID, merchantTxnID).
		SetBookingRef(txn.Intent.BookingRef).
		SetProcessingTime(started))

	s.notifier.BookingConfirmed(txn, booking.BookingID)

	result.Outcome = OutcomeFinalized
	result.BookingID = booking.BookingID
	return result, nil
}

// recordFailure settles a failed or cancelled payment. The staged
// intent is consumed and removed so the user can start over cleanly.
func (s *FinalizerService) recordFailure(ctx context.Context, merchantTxnID, gatewayTxnID, state string, source models.PaymentEventSource) (*Result, error) {
	result := &Result{
		Outcome:               OutcomePaymentFailed,
		TransactionID:         merchantTxnID,
		MerchantTransactionID: merchantTxnID,
	}

	eventType := models.PaymentEventFailed
	if state == phonepe.StateCancelled {
		eventType = models.PaymentEventCancelled
	}
	s.logAudit(ctx, models.NewPaymentAudit(eventType, source).
		SetTransaction(merchantTxnID, merchantTxnID).
		SetGatewayTransactionID(gatewayTxnID).
		SetPaymentStatus(state))

	err := s.store.Consume(ctx, merchantTxnID)
	switch {
	case err == nil:
		if derr := s.store.Delete(ctx, merchantTxnID); derr != nil {
			s.logger.WithError(derr).WithField("transaction_id", merchantTxnID).
				Warn("Failed to delete failed transaction")
		}
	case errors.Is(err, models.ErrAlreadyConsumed):
		result.Outcome = OutcomeDuplicate
	case errors.Is(err, models.ErrTransactionNotFound):
		// Already expired or cleaned up; the failure ack stands.
	default:
		return nil, fmt.Errorf("consume failed transaction: %w", err)
	}

	return result, nil
}

// logAudit records an audit event. Audit failures are already logged
// loudly by the repository; the payment flow keeps moving.
func (s *FinalizerService) logAudit(ctx context.Context, audit *models.PaymentAudit) {
	if err := s.audits.Log(ctx, audit); err != nil {
		s.logger.WithError(err).WithField("event_type", audit.EventType).
			Error("Audit write failed")
	}
}

func deviceInfo(userAgent string) map[string]interface{} {
	if userAgent == "" {
		return nil
	}
	info := utils.ParseUserAgent(userAgent)
	return map[string]interface{}{
		"device_type": info.DeviceType,
		"os":          info.OS,
		"browser":     info.Browser,
		"platform":    info.Platform,
		"is_bot":      info.IsBot,
	}
}
