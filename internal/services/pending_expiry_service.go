package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nibog/payments-backend/internal/database"
	"github.com/nibog/payments-backend/internal/models"
)

// PendingExpiryService handles background expiration of staged payment
// transactions whose window has closed without a gateway settlement.
type PendingExpiryService struct {
	pendingRepo *database.PendingTransactionRepository
	auditRepo   *database.PaymentAuditRepository
	logger      *logrus.Logger
	stopCh      chan struct{}
	interval    time.Duration
	retention   time.Duration
}

// NewPendingExpiryService creates a new pending transaction expiry service
func NewPendingExpiryService(
	pendingRepo *database.PendingTransactionRepository,
	auditRepo *database.PaymentAuditRepository,
	logger *logrus.Logger,
) *PendingExpiryService {
	return &PendingExpiryService{
		pendingRepo: pendingRepo,
		auditRepo:   auditRepo,
		logger:      logger,
		stopCh:      make(chan struct{}),
		interval:    1 * time.Minute, // Check every minute
		retention:   24 * time.Hour,  // Keep finished rows a day for support queries
	}
}

// Start begins the background expiry job
func (s *PendingExpiryService) Start() {
	s.logger.Info("🕐 Starting Pending Expiry Service (checking every minute)")
	go s.run()
}

// Stop stops the background expiry job
func (s *PendingExpiryService) Stop() {
	s.logger.Info("🛑 Stopping Pending Expiry Service")
	close(s.stopCh)
}

func (s *PendingExpiryService) run() {
	// Run immediately on start
	s.processExpired()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processExpired()
		case <-s.stopCh:
			s.logger.Info("Pending Expiry Service stopped")
			return
		}
	}
}

// processExpired flags transactions past their window and purges old
// finished rows. Expiry never deletes a row outright: a late settlement
// still needs to find the record to raise the operator alert.
func (s *PendingExpiryService) processExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. Flag expired pending transactions (process up to 100 at a time)
	expired, err := s.pendingRepo.SweepExpired(ctx, 100)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sweep expired transactions")
		return
	}
	if expired > 0 {
		s.logger.WithField("count", expired).Info("Expired pending transactions past their payment window")
	}

	// 2. Purge consumed and expired rows past the retention period
	purged, err := s.pendingRepo.PurgeFinished(ctx, s.retention)
	if err != nil {
		s.logger.WithError(err).Error("Failed to purge finished transactions")
	} else if purged > 0 {
		s.logger.WithField("count", purged).Info("Purged finished transactions")
	}

	// 3. Surface settlements that arrived after the window closed. These
	// took money without creating a booking and need operator action.
	lateSettlements, err := s.auditRepo.GetRecentByEventType(ctx, models.PaymentEventWindowExpired, 24, 20)
	if err != nil {
		s.logger.WithError(err).Error("Failed to query late settlements")
	} else if len(lateSettlements) > 0 {
		s.logger.WithField("count", len(lateSettlements)).
			Warn("Payments settled after their window in the last 24h; refund or rebook manually")
	}
}

// RunOnce runs a single expiry cycle (useful for testing or manual trigger)
func (s *PendingExpiryService) RunOnce() {
	s.processExpired()
}
