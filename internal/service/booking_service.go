package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BookingOptions tunes the idempotency guard around CreateBooking
type BookingOptions struct {
	IdempotencyTTL time.Duration
	CreateLockTTL  time.Duration
}

// BookingService is the booking ledger: it funds and records bookings,
// cancels and disputes them, and finalizes completed projects.
type BookingService struct {
	*recorder
	redis   *redisclient.Client
	catalog PackageCatalog
	rail    PaymentRail
	opts    BookingOptions
}

// NewBookingService creates a new booking service. redis may be nil, in which
// case duplicate creates are caught by the idempotency key constraint alone.
func NewBookingService(
	repo store.Repository,
	redis *redisclient.Client,
	catalog PackageCatalog,
	rail PaymentRail,
	publisher EventPublisher,
	opts BookingOptions,
) *BookingService {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.CreateLockTTL <= 0 {
		opts.CreateLockTTL = 30 * time.Second
	}
	return &BookingService{
		recorder: newRecorder(repo, publisher),
		redis:    redis,
		catalog:  catalog,
		rail:     rail,
		opts:     opts,
	}
}

// CreateBookingRequest represents a request to book a package
type CreateBookingRequest struct {
	PackageID           string `json:"package_id" binding:"required"`
	IdempotencyKey      string `json:"idempotency_key,omitempty"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
}

// CreateBooking funds and records a booking. Retrying with the same
// idempotency key returns the booking created by the first call.
func (s *BookingService) CreateBooking(ctx context.Context, client identity.Caller, req *CreateBookingRequest) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CreateBooking")
	defer span.End()

	b, err := s.createBooking(ctx, client, req)
	if err != nil {
		// Nothing is persisted until the insert succeeds, so there is no trail yet.
		return nil, s.failUnaudited(ctx, client, OpCreateBooking, err,
			zap.String("idempotency_key", strings.TrimSpace(req.IdempotencyKey)),
			zap.String("package_id", req.PackageID))
	}
	return b, nil
}

func (s *BookingService) createBooking(ctx context.Context, client identity.Caller, req *CreateBookingRequest) (*models.Booking, error) {
	if client.IsZero() || client.IsSystem() {
		return nil, apperr.Unauthorized("bookings must be created by a client")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, apperr.Validation("", "idempotency key is required")
	}
	if req.PackageID == "" {
		return nil, apperr.Validation("", "package id is required")
	}

	if existing, err := s.cachedBooking(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replay(existing, client, req)
	}

	if s.redis != nil {
		lock, err := s.redis.AcquireLock(ctx, "booking-create:"+key, s.opts.CreateLockTTL)
		if err != nil {
			s.logger.Warn("Create lock unavailable, relying on key constraint", zap.Error(err))
		} else if lock == nil {
			return nil, apperr.New(apperr.KindConflict, apperr.CodeRequestInFlight,
				"a booking request with this idempotency key is already in flight")
		} else {
			stopRefresh := s.refreshCreateLock(ctx, lock, key)
			defer func() {
				stopRefresh()
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("Failed to release create lock", zap.String("idempotency_key", key), zap.Error(err))
				}
			}()
		}
	}

	existing, err := s.repo.GetBookingByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		return s.replay(existing, client, req)
	}

	pkg, err := s.catalog.GetPackage(ctx, req.PackageID)
	if err != nil {
		return nil, err
	}
	if pkg.Status != models.ServiceActive {
		return nil, apperr.New(apperr.KindInvalidState, apperr.CodePackageInactive,
			"package %s is not bookable: service is %s", pkg.PackageID, pkg.Status)
	}
	if pkg.FreelancerID == client.ID() {
		return nil, apperr.Validation("", "freelancers cannot book their own packages")
	}

	receipt, err := s.rail.Fund(ctx, pkg.Price, client.ID(), "fund:"+key)
	if err != nil {
		s.logger.Warn("Funding failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil, railError(models.RailFund, err)
	}

	booking := &models.Booking{
		ID:                  uuid.New().String(),
		PackageID:           pkg.PackageID,
		ClientID:            client.ID(),
		FreelancerID:        pkg.FreelancerID,
		TotalAmount:         pkg.Price,
		EscrowAmount:        pkg.Price,
		PaymentStatus:       models.PaymentFunded,
		Status:              models.BookingInProgress,
		SpecialInstructions: req.SpecialInstructions,
		IdempotencyKey:      key,
		FundingTxID:         receipt.TxID,
	}
	entry := successEntry(booking.ID, "", client, OpCreateBooking, fmt.Sprintf("funded %d via %s", pkg.Price, receipt.TxID))

	err = s.repo.CreateBooking(ctx, booking, receipt, entry)
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		existing, lookupErr := s.repo.GetBookingByIdempotencyKey(ctx, key)
		if lookupErr != nil || existing == nil {
			return nil, fmt.Errorf("failed to load booking for duplicate key: %w", err)
		}
		return s.replay(existing, client, req)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	s.cache(ctx, key, booking.ID)
	util.BookingsCreatedTotal.Inc()
	s.logger.Info("Booking created",
		zap.String("booking_id", booking.ID),
		zap.String("client", booking.ClientID),
		zap.Int64("escrow_amount", booking.EscrowAmount))

	s.publish(ctx, models.EventTypeBookingCreated, booking, client, nil, "")
	return booking, nil
}

// refreshCreateLock extends lock every third of its TTL so a slow Fund call
// cannot outlive it. The returned func stops the refresher and waits for it.
func (s *BookingService) refreshCreateLock(ctx context.Context, lock *redisclient.Lock, key string) func() {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.CreateLockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(ctx, s.opts.CreateLockTTL); err != nil {
					if ctx.Err() == nil {
						s.logger.Warn("Failed to extend create lock", zap.String("idempotency_key", key), zap.Error(err))
					}
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *BookingService) cachedBooking(ctx context.Context, key string) (*models.Booking, error) {
	if s.redis == nil {
		return nil, nil
	}
	id, err := s.redis.GetIdempotencyKey(ctx, "booking:"+key)
	if err != nil {
		s.logger.Warn("Idempotency cache lookup failed", zap.Error(err))
		return nil, nil
	}
	if id == "" {
		return nil, nil
	}
	b, err := s.repo.GetBooking(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached booking: %w", err)
	}
	return b, nil
}

func (s *BookingService) cache(ctx context.Context, key, bookingID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.SetIdempotencyKey(ctx, "booking:"+key, bookingID, s.opts.IdempotencyTTL); err != nil {
		s.logger.Warn("Failed to cache idempotency key", zap.String("booking_id", bookingID), zap.Error(err))
	}
}

// replay answers a retried create with the original booking, as long as the
// retry is for the same client and package.
func (s *BookingService) replay(existing *models.Booking, client identity.Caller, req *CreateBookingRequest) (*models.Booking, error) {
	if existing.ClientID != client.ID() || existing.PackageID != req.PackageID {
		return nil, apperr.Validation(apperr.CodeIdempotencyMismatch,
			"idempotency key was already used for a different booking request")
	}
	util.BookingsReplayedTotal.Inc()
	s.logger.Info("Duplicate booking request detected",
		zap.String("idempotency_key", existing.IdempotencyKey),
		zap.String("booking_id", existing.ID))
	return existing, nil
}

// CancelBooking refunds the full escrow to the client. Only possible before
// any stage has been released.
func (s *BookingService) CancelBooking(ctx context.Context, actor identity.Caller, bookingID, reason string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CancelBooking")
	defer span.End()

	var result models.Booking
	err := s.runBooking(ctx, actor, bookingID, OpCancelBooking, func(tx store.BookingTx) error {
		b := tx.Booking()
		if actor.ID() != b.ClientID {
			return apperr.Unauthorized("only the booking's client may cancel it")
		}
		next, err := b.Status.Apply(models.BookingActionCancel)
		if err != nil {
			return transitionError(err, "cancel booking")
		}

		stages, err := tx.Stages(ctx)
		if err != nil {
			return fmt.Errorf("failed to load stages: %w", err)
		}
		for _, st := range stages {
			if st.Status == models.StageReleased {
				return apperr.InvalidState("", fmt.Sprintf("stage %d Released", st.Number),
					"no released stages", "cancel booking")
			}
		}

		refunded := b.EscrowAmount
		if refunded > 0 {
			receipt, err := s.rail.Refund(ctx, refunded, b.ClientID, "refund:"+b.ID)
			if err != nil {
				return railError(models.RailRefund, err)
			}
			if err := tx.SaveReceipt(ctx, receipt); err != nil {
				return fmt.Errorf("failed to record refund receipt: %w", err)
			}
		}

		b.Status = next
		b.PaymentStatus = models.PaymentRefunded
		b.RefundedAmount += refunded
		b.EscrowAmount = 0
		b.CancelReason = reason
		b.CancelledAt = now()
		if err := CheckConservation(b, stages); err != nil {
			return err
		}
		if err := tx.SaveBooking(ctx, b); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, successEntry(b.ID, "", actor, OpCancelBooking, fmt.Sprintf("refunded %d", refunded))); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		result = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.BookingsCancelledTotal.Inc()
	util.EscrowRefundedAmount.Add(float64(result.RefundedAmount))
	util.BookingLogger(bookingID).Info("Booking cancelled", zap.Int64("refunded", result.RefundedAmount))

	s.publish(ctx, models.EventTypeBookingCancelled, &result, actor, nil, reason)
	return &result, nil
}

// OpenDispute freezes an in-progress booking. Resolution happens outside
// this service.
func (s *BookingService) OpenDispute(ctx context.Context, actor identity.Caller, bookingID, reason string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.OpenDispute")
	defer span.End()

	var result models.Booking
	err := s.runBooking(ctx, actor, bookingID, OpOpenDispute, func(tx store.BookingTx) error {
		b := tx.Booking()
		if !b.IsParty(actor.ID()) {
			return apperr.Unauthorized("only the booking's parties may open a dispute")
		}
		next, err := b.Status.Apply(models.BookingActionDispute)
		if err != nil {
			return transitionError(err, "open dispute")
		}
		if strings.TrimSpace(reason) == "" {
			return apperr.Validation(apperr.CodeMissingReason, "a dispute requires a reason")
		}

		b.Status = next
		b.DisputeReason = reason
		if err := tx.SaveBooking(ctx, b); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, successEntry(b.ID, "", actor, OpOpenDispute, reason)); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		result = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.BookingsDisputedTotal.Inc()
	util.BookingLogger(bookingID).Warn("Booking disputed", zap.String("actor", actor.ID()))

	s.publish(ctx, models.EventTypeBookingDisputed, &result, actor, nil, reason)
	return &result, nil
}

// CompleteProject marks a booking Completed once every stage is Released.
// It moves no money.
func (s *BookingService) CompleteProject(ctx context.Context, actor identity.Caller, bookingID string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CompleteProject")
	defer span.End()

	var result models.Booking
	err := s.runBooking(ctx, actor, bookingID, OpCompleteProject, func(tx store.BookingTx) error {
		b := tx.Booking()
		if actor.ID() != b.FreelancerID {
			return apperr.Unauthorized("only the booking's freelancer may complete it")
		}
		next, err := b.Status.Apply(models.BookingActionComplete)
		if err != nil {
			return transitionError(err, "complete project")
		}

		stages, err := tx.Stages(ctx)
		if err != nil {
			return fmt.Errorf("failed to load stages: %w", err)
		}
		if len(stages) == 0 {
			return apperr.InvalidState("", "no stages", "all stages Released", "complete project")
		}
		if pending := unreleasedStageNumbers(stages); len(pending) > 0 {
			return apperr.New(apperr.KindInvalidState, apperr.CodeStagesIncomplete,
				"stages not yet released: %v", pending).
				WithDetails(map[string]any{"stage_numbers": pending})
		}

		b.Status = next
		b.CompletedAt = now()
		if b.EscrowAmount == 0 {
			b.PaymentStatus = models.PaymentReleased
		} else {
			b.PaymentStatus = models.PaymentPartiallyReleased
		}
		if err := CheckConservation(b, stages); err != nil {
			return err
		}
		if err := tx.SaveBooking(ctx, b); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, successEntry(b.ID, "", actor, OpCompleteProject, "")); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		result = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.BookingsCompletedTotal.Inc()
	util.BookingLogger(bookingID).Info("Project completed", zap.Int64("residual_escrow", result.EscrowAmount))

	s.publish(ctx, models.EventTypeProjectCompleted, &result, actor, nil, "")
	return &result, nil
}

func unreleasedStageNumbers(stages []models.Stage) []int {
	var out []int
	for _, st := range stages {
		if st.Status != models.StageReleased {
			out = append(out, st.Number)
		}
	}
	return out
}

// GetBooking returns the latest committed state of a booking
func (s *BookingService) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, storeError(err, bookingID)
	}
	return b, nil
}

// ListBookingsFor lists the bookings where identity plays role, newest first
func (s *BookingService) ListBookingsFor(ctx context.Context, who identity.Caller, role models.Role, status models.BookingStatus) ([]models.Booking, error) {
	if who.IsZero() {
		return nil, apperr.Unauthorized("listing bookings requires a caller identity")
	}
	if !role.Valid() {
		return nil, apperr.Validation("", "role must be client or freelancer, got %q", role)
	}
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("", "unknown booking status %q", status)
	}

	bookings, err := s.repo.ListBookings(ctx, models.BookingFilter{PartyID: who.ID(), Role: role, Status: status})
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

// ListAuditTrail returns every recorded attempt against a booking, oldest first
func (s *BookingService) ListAuditTrail(ctx context.Context, bookingID string) ([]models.AuditEntry, error) {
	if _, err := s.GetBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListAudit(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit trail: %w", err)
	}
	return entries, nil
}
