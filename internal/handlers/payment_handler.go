package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nibog/payments-backend/internal/middleware"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/internal/services"
	"github.com/nibog/payments-backend/internal/utils"
	"github.com/nibog/payments-backend/pkg/fetcher"
	"github.com/nibog/payments-backend/pkg/validator"
)

// AuditReader exposes the audit trail queries the admin surface needs.
type AuditReader interface {
	GetByTransactionID(ctx context.Context, transactionID string) ([]*models.PaymentAudit, error)
	GetAmountMismatches(ctx context.Context, limit int) ([]*models.PaymentAudit, error)
}

// PaymentHandler handles payment initiation, gateway callbacks and
// status polling
type PaymentHandler struct {
	finalizer      *services.FinalizerService
	audits         AuditReader
	phoneValidator *validator.PhoneValidator
	logger         *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(finalizer *services.FinalizerService, audits AuditReader, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		finalizer:      finalizer,
		audits:         audits,
		phoneValidator: validator.NewPhoneValidator(),
		logger:         logger,
	}
}

// InitiatePaymentRequest is the request body for payment initiation
type InitiatePaymentRequest struct {
	Parent       models.ParentDetails `json:"parent" binding:"required"`
	Child        models.ChildDetails  `json:"child" binding:"required"`
	EventID      int64                `json:"event_id" binding:"required"`
	TotalAmount  float64              `json:"total_amount" binding:"required"`
	MobileNumber string               `json:"mobile_number"`
	Games        []models.BookingGame `json:"booking_games" binding:"required"`
}

// Validate checks the request beyond what binding covers
func (r *InitiatePaymentRequest) Validate() error {
	if r.TotalAmount <= 0 {
		return fmt.Errorf("total_amount must be greater than zero")
	}
	if len(r.Games) == 0 {
		return fmt.Errorf("at least one game slot is required")
	}
	for _, g := range r.Games {
		if g.SlotID <= 0 || g.GameID <= 0 {
			return fmt.Errorf("each game needs a valid slot_id and game_id")
		}
	}
	return nil
}

// InitiatePayment stages a booking intent and opens a checkout session
// @Summary Initiate a payment for an event booking
// @Description Stage the booking details and obtain a gateway redirect URL
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body InitiatePaymentRequest true "Booking details"
// @Success 200 {object} map[string]interface{} "Redirect URL and transaction id"
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 401 {object} map[string]interface{} "Unauthorized"
// @Failure 409 {object} map[string]interface{} "Duplicate transaction"
// @Failure 502 {object} map[string]interface{} "Gateway unavailable"
// @Security BearerAuth
// @Router /api/v1/payments/initiate [post]
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mobile := req.MobileNumber
	if mobile != "" {
		sanitized, err := h.phoneValidator.Validate(mobile)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_MOBILE_NUMBER"})
			return
		}
		mobile = sanitized
	}

	intent := models.BookingIntent{
		UserID:      userCtx.UserID,
		Parent:      req.Parent,
		Child:       req.Child,
		EventID:     req.EventID,
		TotalAmount: req.TotalAmount,
		Games:       req.Games,
	}

	result, err := h.finalizer.InitiatePayment(c.Request.Context(), intent, mobile, services.RequestMeta{
		IP:        utils.GetRealIP(c),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateTransaction) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "A payment for this booking is already in progress",
				"code":  "DUPLICATE_TRANSACTION",
			})
			return
		}

		var fetchErr *fetcher.Error
		if errors.As(err, &fetchErr) {
			h.logger.WithError(err).Error("Payment gateway unreachable during initiation")
			c.JSON(http.StatusBadGateway, gin.H{
				"error": "Payment gateway is currently unavailable. Please try again.",
				"code":  "GATEWAY_UNAVAILABLE",
			})
			return
		}

		h.logger.WithError(err).Error("Payment initiation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": result.TransactionID,
		"redirect_url":   result.RedirectURL,
		"expires_at":     result.ExpiresAt,
	})
}

// HandleCallback receives the gateway webhook. This route is public;
// trust comes from the X-VERIFY checksum, not from the caller.
// @Summary PhonePe server-to-server callback
// @Tags Payments
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "Callback acknowledged"
// @Failure 400 {object} map[string]interface{} "Signature verification failed"
// @Failure 410 {object} map[string]interface{} "Payment window expired"
// @Router /api/v1/payments/callback [post]
func (h *PaymentHandler) HandleCallback(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil || len(rawBody) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty callback body", "code": "INVALID_CALLBACK"})
		return
	}

	result, err := h.finalizer.HandleCallback(c.Request.Context(), rawBody, c.GetHeader("X-VERIFY"), services.RequestMeta{
		IP:        utils.GetRealIP(c),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.logger.WithError(err).Error("Callback processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process callback"})
		return
	}

	h.respondWithOutcome(c, result)
}

// CheckStatus polls the gateway for a transaction and finalizes it if
// the payment settled
// @Summary Check payment status
// @Tags Payments
// @Produce json
// @Param transaction_id path string true "Merchant transaction id"
// @Success 200 {object} map[string]interface{} "Current payment status"
// @Failure 401 {object} map[string]interface{} "Unauthorized"
// @Failure 403 {object} map[string]interface{} "Transaction belongs to another user"
// @Failure 410 {object} map[string]interface{} "Payment window expired"
// @Security BearerAuth
// @Router /api/v1/payments/status/{transaction_id} [get]
func (h *PaymentHandler) CheckStatus(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	transactionID := c.Param("transaction_id")
	if transactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transaction_id is required"})
		return
	}

	// Transaction ids embed the owning user id; only admins may look at
	// other users' transactions.
	if !h.ownsTransaction(userCtx, transactionID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "You don't have permission to view this transaction",
			"code":  "NOT_TRANSACTION_OWNER",
		})
		return
	}

	result, err := h.finalizer.CheckStatus(c.Request.Context(), transactionID)
	if err != nil {
		var fetchErr *fetcher.Error
		if errors.As(err, &fetchErr) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": "Payment gateway is currently unavailable. Please try again.",
				"code":  "GATEWAY_UNAVAILABLE",
			})
			return
		}
		h.logger.WithError(err).Error("Status check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check payment status"})
		return
	}

	h.respondWithOutcome(c, result)
}

// GetAuditTrail returns every audit event recorded for a transaction.
// Raw gateway payloads are included, so this stays admin-only.
// @Summary Audit trail for a transaction
// @Tags Payments
// @Produce json
// @Param transaction_id path string true "Merchant transaction id"
// @Success 200 {object} map[string]interface{} "Audit events, oldest first"
// @Failure 403 {object} map[string]interface{} "Admin role required"
// @Security BearerAuth
// @Router /api/v1/payments/audit/{transaction_id} [get]
func (h *PaymentHandler) GetAuditTrail(c *gin.Context) {
	transactionID := c.Param("transaction_id")
	if transactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transaction_id is required"})
		return
	}

	audits, err := h.audits.GetByTransactionID(c.Request.Context(), transactionID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load audit trail")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load audit trail"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": transactionID,
		"count":          len(audits),
		"events":         audits,
	})
}

// GetAmountMismatches lists recent audits where the settled amount did
// not match the staged intent, for fraud review.
// @Summary Recent amount mismatches
// @Tags Payments
// @Produce json
// @Param limit query int false "Max rows (default 50)"
// @Success 200 {object} map[string]interface{} "Mismatched audit events"
// @Failure 403 {object} map[string]interface{} "Admin role required"
// @Security BearerAuth
// @Router /api/v1/payments/reconciliation/mismatches [get]
func (h *PaymentHandler) GetAmountMismatches(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	audits, err := h.audits.GetAmountMismatches(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load amount mismatches")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load amount mismatches"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(audits),
		"events": audits,
	})
}

func (h *PaymentHandler) ownsTransaction(userCtx middleware.UserContext, transactionID string) bool {
	prefix := fmt.Sprintf("NIBOG_%d_", userCtx.UserID)
	if strings.HasPrefix(transactionID, prefix) {
		return true
	}
	for _, role := range userCtx.Roles {
		if role == "admin" {
			return true
		}
	}
	return false
}

// respondWithOutcome maps a finalization result onto the HTTP surface.
// Gateway-facing failure states still acknowledge with 200 so PhonePe
// stops retrying deliveries we have already settled.
func (h *PaymentHandler) respondWithOutcome(c *gin.Context, result *services.Result) {
	switch result.Outcome {
	case services.OutcomeFinalized:
		c.JSON(http.StatusOK, gin.H{
			"status":         "confirmed",
			"transaction_id": result.TransactionID,
			"booking_id":     result.BookingID,
			"booking_ref":    result.BookingRef,
			"message":        "Payment successful. Your booking is confirmed.",
		})

	case services.OutcomeDuplicate:
		// A duplicate only tells us another delivery won the consume race;
		// it does not prove a booking exists (the winner may have failed
		// downstream). Never claim confirmation here.
		c.JSON(http.StatusOK, gin.H{
			"status":         "already_processed",
			"transaction_id": result.TransactionID,
			"message":        "This payment was already processed. Check the booking status for confirmation.",
		})

	case services.OutcomeAwaitingPayment:
		c.JSON(http.StatusOK, gin.H{
			"status":         "pending",
			"transaction_id": result.TransactionID,
			"message":        "Payment is still being processed.",
		})

	case services.OutcomePaymentFailed:
		c.JSON(http.StatusOK, gin.H{
			"status":         "failed",
			"transaction_id": result.TransactionID,
			"message":        "Payment was not completed. You can start a new booking.",
		})

	case services.OutcomeFinalizationFailed:
		c.JSON(http.StatusOK, gin.H{
			"status":         "processing",
			"transaction_id": result.TransactionID,
			"message":        "Payment received. Booking confirmation is delayed and our team has been notified. Please do not pay again.",
		})

	case services.OutcomeExpired:
		c.JSON(http.StatusGone, gin.H{
			"status":         "expired",
			"transaction_id": result.TransactionID,
			"code":           "PAYMENT_WINDOW_EXPIRED",
			"message":        "The payment window for this booking has expired.",
		})

	case services.OutcomeRejected:
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "rejected",
			"code":   "SIGNATURE_VERIFICATION_FAILED",
			"error":  "Callback verification failed",
		})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Unknown payment outcome"})
	}
}
